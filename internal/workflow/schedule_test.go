package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"

	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

func TestSubstituteResolvesPlaceholders(t *testing.T) {
	ctx := map[string]any{"env": "prod", "count": 3}
	assert.Equal(t, "deploy prod 3", substitute("deploy ${env} ${count}", ctx))
	assert.Equal(t, "no placeholders", substitute("no placeholders", ctx))
}

func TestSubstituteLeavesUnknownPlaceholdersLiteral(t *testing.T) {
	ctx := map[string]any{"env": "prod"}
	assert.Equal(t, "keep ${unknown} literal", substitute("keep ${unknown} literal", ctx))
	assert.Equal(t, "open ${never closed", substitute("open ${never closed", ctx))
}

func TestSubstitutePayloadMapsEveryLine(t *testing.T) {
	p := v1.Payload{Kind: v1.CommandShell, Lines: []string{"echo ${a}", "echo ${b}"}}
	out := substitutePayload(p, map[string]any{"a": "one", "b": "two"})
	assert.Equal(t, []string{"echo one", "echo two"}, out.Lines)
	assert.Equal(t, v1.CommandShell, out.Kind)
}
