package definition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductorflow/kernel/pkg/model"
)

const sampleWorkflow = `
workflow:
  name: book-pipeline
  description: writes a short book
  version: "1.2"
settings:
  output_dir: out/${workflow}-${timestamp}
  max_retries: 3
  timeout: 2m
  target_words_per_chapter: 1200
  max_words_per_chapter: 2000
variables:
  genre: satire
stages:
  - name: research
    description: gather background
    agents:
      primary: researcher
  - name: draft
    depends_on: [research]
    retry_limit: 2
    agents:
      primary: writer
      reviewer: critic
    approval:
      required: true
      timeout: 30s
    outputs:
      - draft.md
  - name: chapters
    depends_on: [draft]
    agents:
      primary: writer
    iteration:
      type: countBased
      variable: chapter
      count: "3"
      start: 1
      parallel: true
      max_concurrent: 2
      error_strategy: continue
`

func TestParseWorkflow(t *testing.T) {
	def, err := ParseWorkflow([]byte(sampleWorkflow))
	require.NoError(t, err)

	assert.Equal(t, "book-pipeline", def.Name)
	assert.Equal(t, "1.2", def.Version)
	assert.Equal(t, 3, def.Settings.MaxRetries)
	assert.Equal(t, "satire", def.Variables["genre"])
	require.Len(t, def.Stages, 3)

	draft := def.Stages[1]
	assert.Equal(t, []string{"research"}, draft.DependsOn)
	assert.Equal(t, 2, draft.RetryLimit)
	primary, ok := draft.PrimaryAgentID()
	require.True(t, ok)
	assert.Equal(t, "writer", primary)
	reviewer, ok := draft.ReviewerAgentID()
	require.True(t, ok)
	assert.Equal(t, "critic", reviewer)
	require.NotNil(t, draft.Approval)
	assert.True(t, draft.Approval.Required)
	assert.Equal(t, "30s", draft.Approval.Timeout)

	chapters := def.Stages[2]
	require.NotNil(t, chapters.Iteration)
	assert.Equal(t, model.IterationCountBased, chapters.Iteration.Type)
	assert.Equal(t, "chapter", chapters.Iteration.Variable)
	assert.Equal(t, 2, chapters.Iteration.MaxConcurrent)
	assert.Equal(t, model.ErrorStrategyContinue, chapters.Iteration.ErrorStrategy)
}

func TestParseWorkflow_PrimarySortsFirstRegardlessOfMapOrder(t *testing.T) {
	doc := `
workflow:
  name: ordered
stages:
  - name: s
    agents:
      reviewer: critic
      primary: writer
`
	def, err := ParseWorkflow([]byte(doc))
	require.NoError(t, err)
	id, ok := def.Stages[0].PrimaryAgentID()
	require.True(t, ok)
	assert.Equal(t, "writer", id)
}

func TestParseWorkflow_RejectsMissingName(t *testing.T) {
	doc := `
workflow:
  description: nameless
stages:
  - name: s
    agents:
      primary: writer
`
	_, err := ParseWorkflow([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workflow name is required")
}

func TestParseWorkflow_RejectsUnknownDependency(t *testing.T) {
	doc := `
workflow:
  name: broken
stages:
  - name: s
    depends_on: [ghost]
    agents:
      primary: writer
`
	_, err := ParseWorkflow([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown stage")
}

func TestParseWorkflow_RejectsStageWithoutAgents(t *testing.T) {
	doc := `
workflow:
  name: agentless
stages:
  - name: s
`
	_, err := ParseWorkflow([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one agent")
}

func TestParseWorkflow_RejectsMalformedYAML(t *testing.T) {
	_, err := ParseWorkflow([]byte("workflow: [unclosed"))
	require.Error(t, err)
}

const sampleAgents = `
agents:
  researcher:
    type: llm
    role: researcher
    provider: anthropic
    model: claude-sonnet
    prompt_template: research
    context_window: 200000
    parameters:
      temperature: 0.2
  formatter:
    type: tool
    provider: pandoc
prompt_templates:
  research:
    system: You research topics.
    user: "Research {{ topic }}."
`

func TestParseAgents(t *testing.T) {
	agents, prompts, err := ParseAgents([]byte(sampleAgents))
	require.NoError(t, err)

	require.Contains(t, agents, "researcher")
	r := agents["researcher"]
	assert.Equal(t, model.AgentTypeLLM, r.Type)
	assert.Equal(t, "research", r.PromptTemplateID)
	assert.Equal(t, 200000, r.ContextWindow)
	assert.Equal(t, 0.2, r.Parameters["temperature"])

	require.Contains(t, prompts, "research")
	assert.Equal(t, "You research topics.", prompts["research"].System)
}

func TestParseAgents_LLMRequiresPromptTemplate(t *testing.T) {
	doc := `
agents:
  bad:
    type: llm
`
	_, _, err := ParseAgents([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "promptTemplateId")
}

func TestParseAgents_ToolRequiresProvider(t *testing.T) {
	doc := `
agents:
  bad:
    type: tool
`
	_, _, err := ParseAgents([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider")
}
