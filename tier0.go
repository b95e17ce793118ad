package cascade

import (
	"context"
	"go/ast"
	"go/parser"
	gotoken "go/token"
	"os"
	"strings"
)

// parseSourceStep is the tier0_parser deterministic agent: it reads a
// source file named by the file_path (or code_file) input and returns
// basic structure info under parsed_ast plus size metrics under
// code_metrics. Go files get a real AST pass; anything else falls back to
// line/char counts. Inline code is accepted when the value is not a
// readable path.
func parseSourceStep(_ context.Context, ec *ExecutionContext) (map[string]any, error) {
	var filePath string
	for _, key := range []string{"file_path", "code_file"} {
		if v, ok := ec.Get(key); ok {
			if s, ok := v.(string); ok && s != "" {
				filePath = s
				break
			}
		}
	}

	source := ""
	if filePath != "" {
		if blob, err := os.ReadFile(filePath); err == nil {
			source = string(blob)
		} else {
			source = filePath // might be inline code
		}
	}

	preview := source
	if len(preview) > 500 {
		preview = preview[:500]
	}
	parsedAST := map[string]any{"raw_source": preview}
	metrics := map[string]any{
		"lines": len(strings.Split(source, "\n")),
		"chars": len(source),
	}

	fset := gotoken.NewFileSet()
	file, err := parser.ParseFile(fset, "source.go", source, parser.ParseComments)
	if err != nil {
		parsedAST["language"] = "unknown"
		parsedAST["parse_error"] = "could not parse as Go"
		return map[string]any{"parsed_ast": parsedAST, "code_metrics": metrics}, nil
	}

	var functions, types, imports []any
	for _, decl := range file.Decls {
		switch d := decl.(type) {
		case *ast.FuncDecl:
			functions = append(functions, d.Name.Name)
		case *ast.GenDecl:
			for _, spec := range d.Specs {
				switch s := spec.(type) {
				case *ast.TypeSpec:
					types = append(types, s.Name.Name)
				case *ast.ImportSpec:
					imports = append(imports, strings.Trim(s.Path.Value, `"`))
				}
			}
		}
	}

	parsedAST["language"] = "go"
	parsedAST["package"] = file.Name.Name
	parsedAST["functions"] = functions
	parsedAST["types"] = types
	parsedAST["imports"] = imports
	metrics["function_count"] = len(functions)
	metrics["type_count"] = len(types)
	metrics["import_count"] = len(imports)

	return map[string]any{"parsed_ast": parsedAST, "code_metrics": metrics}, nil
}
