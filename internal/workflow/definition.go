package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	v1 "github.com/kandev/fleetctl/pkg/api/v1"
)

// fileStep and fileDefinition mirror the on-disk YAML shape accepted
// by the CLI's workflow define subcommand, kept separate from
// v1.WorkflowDefinition so the wire/API type isn't coupled to yaml tags.
type fileStep struct {
	ID             string         `yaml:"id"`
	Name           string         `yaml:"name"`
	Agent          string         `yaml:"agent"`
	Kind           string         `yaml:"kind"`
	Lines          []string       `yaml:"lines"`
	Priority       string         `yaml:"priority"`
	DependsOn      []string       `yaml:"depends_on"`
	MaxRetries     int            `yaml:"max_retries"`
	TimeoutSeconds int            `yaml:"timeout_seconds"`
	Params         map[string]any `yaml:"params"`
}

type fileDefinition struct {
	ID      string     `yaml:"id"`
	Name    string     `yaml:"name"`
	Version int        `yaml:"version"`
	Steps   []fileStep `yaml:"steps"`
}

var priorityNames = map[string]v1.Priority{
	"CRITICAL":   v1.PriorityCritical,
	"HIGH":       v1.PriorityHigh,
	"NORMAL":     v1.PriorityNormal,
	"LOW":        v1.PriorityLow,
	"BACKGROUND": v1.PriorityBackground,
}

// LoadDefinitionFile parses a workflow definition from a YAML file on
// disk, the format accepted by "fleetctl workflow define".
func LoadDefinitionFile(path string) (*v1.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition %s: %w", path, err)
	}
	return ParseDefinition(data)
}

// ParseDefinition decodes a YAML workflow definition document.
func ParseDefinition(data []byte) (*v1.WorkflowDefinition, error) {
	var fd fileDefinition
	if err := yaml.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}

	def := &v1.WorkflowDefinition{
		ID:      fd.ID,
		Name:    fd.Name,
		Version: fd.Version,
		Steps:   make([]v1.StepTemplate, 0, len(fd.Steps)),
	}
	for _, s := range fd.Steps {
		priority, ok := priorityNames[s.Priority]
		if !ok {
			priority = v1.PriorityNormal
		}
		def.Steps = append(def.Steps, v1.StepTemplate{
			ID:    s.ID,
			Name:  s.Name,
			Agent: s.Agent,
			Payload: v1.Payload{
				Kind:   v1.CommandKind(s.Kind),
				Lines:  s.Lines,
				Params: s.Params,
			},
			Priority:       priority,
			DependsOn:      s.DependsOn,
			MaxRetries:     s.MaxRetries,
			TimeoutSeconds: s.TimeoutSeconds,
			Params:         s.Params,
		})
	}
	return def, nil
}
