package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

func TestParseDefinition(t *testing.T) {
	doc := []byte(`
name: deploy
version: 1
steps:
  - id: build
    agent: backend
    kind: shell
    lines: ["make build"]
    priority: HIGH
  - id: release
    agent: backend
    kind: shell
    lines: ["make release ${step_build_result}"]
    depends_on: [build]
    timeout_seconds: 120
`)
	def, err := ParseDefinition(doc)
	require.NoError(t, err)
	assert.Equal(t, "deploy", def.Name)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, v1.PriorityHigh, def.Steps[0].Priority)
	assert.Equal(t, v1.CommandShell, def.Steps[0].Payload.Kind)
	assert.Equal(t, []string{"build"}, def.Steps[1].DependsOn)
	assert.Equal(t, 120, def.Steps[1].TimeoutSeconds)
}

func TestParseDefinitionDefaultsUnknownPriorityToNormal(t *testing.T) {
	doc := []byte(`
name: x
steps:
  - id: a
    agent: backend
    kind: shell
    lines: ["x"]
    priority: WHATEVER
`)
	def, err := ParseDefinition(doc)
	require.NoError(t, err)
	assert.Equal(t, v1.PriorityNormal, def.Steps[0].Priority)
}

func TestParseDefinitionRejectsMalformedYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("steps: [unclosed"))
	require.Error(t, err)
}
