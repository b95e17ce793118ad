package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for workflow-engine observability spans and metrics.
var (
	AttrWorkflowName   = attribute.Key("workflow.name")
	AttrWorkflowStatus = attribute.Key("workflow.status")
	AttrRunID          = attribute.Key("workflow.run_id")

	AttrStepName   = attribute.Key("step.name")
	AttrStepStatus = attribute.Key("step.status")
	AttrStepTier   = attribute.Key("step.tier")
	AttrStepRetry  = attribute.Key("step.retry_count")

	AttrLLMModel    = attribute.Key("llm.model")
	AttrLLMProvider = attribute.Key("llm.provider")
	AttrTokensUsed  = attribute.Key("llm.tokens.used")

	AttrToolName   = attribute.Key("tool.name")
	AttrToolStatus = attribute.Key("tool.status")

	AttrAgentName = attribute.Key("agent.name")
	AttrAgentTier = attribute.Key("agent.tier")
)
