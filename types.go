package cascade

import (
	"encoding/json"
	"time"
)

// --- Step status ---

// StepStatus represents the execution state of a workflow step.
type StepStatus string

const (
	// StepPending indicates a step that has not started execution.
	StepPending StepStatus = "pending"
	// StepRunning indicates a step that is currently executing.
	StepRunning StepStatus = "running"
	// StepSuccess indicates a step that completed without error.
	StepSuccess StepStatus = "success"
	// StepFailed indicates a step that returned an error after exhausting retries.
	StepFailed StepStatus = "failed"
	// StepSkipped indicates a step that was not executed, either because its
	// conditions were not met or because an upstream dependency failed.
	StepSkipped StepStatus = "skipped"
	// StepRetrying indicates a step that failed an attempt and is waiting for
	// its backoff delay before the next attempt.
	StepRetrying StepStatus = "retrying"
)

// --- Step and workflow results ---

// StepResult holds the outcome of a single step execution. It is created
// when the step is scheduled, finalized when the step reaches a terminal
// state, and never mutated afterward.
type StepResult struct {
	StepName  string `json:"step_name"`
	Status    StepStatus `json:"status"`
	AgentRole string `json:"agent_role,omitempty"`
	Tier      int    `json:"tier"`
	ModelUsed string `json:"model_used,omitempty"`

	// InputData holds the resolved input mapping values for this run.
	InputData map[string]any `json:"input_data,omitempty"`
	// OutputData holds the step function's returned key/value outputs.
	OutputData map[string]any `json:"output_data,omitempty"`

	Error     string    `json:"error,omitempty"`
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// RetryCount is the number of re-attempts, not total attempts.
	RetryCount int `json:"retry_count"`

	// Metadata carries tokens_used, tool_calls, loop_iteration, skip_reason
	// and other per-run annotations.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// newStepResult creates a pending result for a step about to be scheduled.
func newStepResult(name string, tier int) *StepResult {
	return &StepResult{
		StepName:  name,
		Status:    StepPending,
		Tier:      tier,
		StartTime: time.Now().UTC(),
		Metadata:  make(map[string]any),
	}
}

// markComplete stamps the end time and final status.
func (r *StepResult) markComplete(status StepStatus) {
	now := time.Now().UTC()
	r.EndTime = &now
	r.Status = status
}

// DurationMS returns the wall-clock execution time in milliseconds, or 0
// if the step has not finished.
func (r *StepResult) DurationMS() float64 {
	if r.EndTime == nil {
		return 0
	}
	return float64(r.EndTime.Sub(r.StartTime)) / float64(time.Millisecond)
}

// TokensUsed returns the tokens_used metadata entry, or 0.
func (r *StepResult) TokensUsed() int {
	if n, ok := r.Metadata["tokens_used"].(int); ok {
		return n
	}
	return 0
}

// IsFailed reports whether the step reached the failed terminal state.
func (r *StepResult) IsFailed() bool { return r.Status == StepFailed }

// WorkflowResult aggregates step results for a full workflow run.
type WorkflowResult struct {
	WorkflowID    string     `json:"workflow_id"`
	WorkflowName  string     `json:"workflow_name"`
	OverallStatus StepStatus `json:"overall_status"`

	// Steps is ordered by completion time (the order results were recorded).
	Steps []*StepResult `json:"steps"`

	// FinalOutput is the merged context variable snapshot at completion.
	FinalOutput map[string]any `json:"final_output,omitempty"`

	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// Metadata carries workflow-level annotations (e.g. error on timeout).
	Metadata map[string]any `json:"metadata,omitempty"`
}

// newWorkflowResult creates a running result for a workflow execution.
func newWorkflowResult(workflowID, name string) *WorkflowResult {
	return &WorkflowResult{
		WorkflowID:    workflowID,
		WorkflowName:  name,
		OverallStatus: StepRunning,
		StartTime:     time.Now().UTC(),
		Metadata:      make(map[string]any),
	}
}

// AddStep appends a finalized step result.
func (w *WorkflowResult) AddStep(r *StepResult) {
	w.Steps = append(w.Steps, r)
}

// markComplete stamps the end time and resolves the overall status.
func (w *WorkflowResult) markComplete(success bool) {
	now := time.Now().UTC()
	w.EndTime = &now
	if success {
		w.OverallStatus = StepSuccess
	} else if w.OverallStatus == StepRunning {
		w.OverallStatus = StepFailed
	}
}

// SuccessRate returns the fraction of steps that completed successfully.
// Skipped steps count against the rate; an empty run reports 0.
func (w *WorkflowResult) SuccessRate() float64 {
	if len(w.Steps) == 0 {
		return 0
	}
	var ok int
	for _, s := range w.Steps {
		if s.Status == StepSuccess {
			ok++
		}
	}
	return float64(ok) / float64(len(w.Steps))
}

// TotalDuration returns wall-clock time from start to completion.
func (w *WorkflowResult) TotalDuration() time.Duration {
	if w.EndTime == nil {
		return time.Since(w.StartTime)
	}
	return w.EndTime.Sub(w.StartTime)
}

// TotalRetries sums retry counts across all steps.
func (w *WorkflowResult) TotalRetries() int {
	var n int
	for _, s := range w.Steps {
		n += s.RetryCount
	}
	return n
}

// FailedSteps returns the names of steps that failed.
func (w *WorkflowResult) FailedSteps() []string {
	var names []string
	for _, s := range w.Steps {
		if s.Status == StepFailed {
			names = append(names, s.StepName)
		}
	}
	return names
}

// StepByName returns the recorded result for a step, or nil.
func (w *WorkflowResult) StepByName(name string) *StepResult {
	for _, s := range w.Steps {
		if s.StepName == name {
			return s
		}
	}
	return nil
}

// --- Agent messages ---

// MessageType classifies an AgentMessage.
type MessageType string

const (
	MessageTask       MessageType = "task"
	MessageResponse   MessageType = "response"
	MessageError      MessageType = "error"
	MessageStatus     MessageType = "status"
	MessageToolCall   MessageType = "tool_call"
	MessageToolResult MessageType = "tool_result"
)

// AgentMessage is a message exchanged between agents and the orchestrator.
type AgentMessage struct {
	Type          MessageType    `json:"type"`
	Role          string         `json:"role"`
	Content       string         `json:"content"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewAgentMessage creates a message stamped with the current UTC time.
func NewAgentMessage(typ MessageType, role, content string) AgentMessage {
	return AgentMessage{
		Type:      typ,
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

// --- Chat protocol types (ChatBackend wire shapes) ---

// ChatMessage is one turn in a chat-completion conversation.
type ChatMessage struct {
	Role       string     `json:"role"` // "system", "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"` // tool name on role=tool messages
}

// ToolCall is a normalized tool invocation requested by a model. Adapters
// must convert provider shapes (OpenAI function.arguments strings,
// Anthropic tool_use.input objects) into this form before the engine's
// tool loop sees them.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ChatUsage reports token consumption for one completion.
type ChatUsage struct {
	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`
}

// Total returns the best-effort total token count.
func (u ChatUsage) Total() int {
	if u.TotalTokens > 0 {
		return u.TotalTokens
	}
	return u.PromptTokens + u.CompletionTokens
}

// ChatResponse is a completed chat turn from a backend.
type ChatResponse struct {
	Content   string     `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     ChatUsage  `json:"usage"`
	// Headers carries rate-limit headers from the HTTP response so the
	// RateLimitTracker can derive precise cooldowns.
	Headers map[string]string `json:"-"`
}

// ToolDefinition is the schema handed to a backend for one callable tool.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"` // JSON Schema object
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}

func ToolResultMessage(callID, toolName, content string) ChatMessage {
	return ChatMessage{Role: "tool", Content: content, ToolCallID: callID, Name: toolName}
}
