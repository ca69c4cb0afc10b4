// Package loader is an example external collaborator: it turns a YAML or
// JSON workflow document into a validated workflow.Workflow the engine can
// register. The engine core never reads files itself; this package exists
// to demonstrate the wire format a host-side loader produces.
package loader

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"

	"github.com/n8n-work/workflow-core/internal/workflow"
)

var validate = validator.New()

// document mirrors the wire format: the YAML/JSON-facing shape before it's
// decoded into workflow.Workflow's stricter Go types.
type document struct {
	ID        string                   `yaml:"id" json:"id" mapstructure:"id"`
	Name      string                   `yaml:"name" json:"name" mapstructure:"name"`
	Version   int                      `yaml:"version" json:"version" mapstructure:"version"`
	Steps     []map[string]interface{} `yaml:"steps" json:"steps" mapstructure:"steps"`
	Variables map[string]interface{}   `yaml:"variables" json:"variables" mapstructure:"variables"`
	OnFailure string                   `yaml:"onFailure" json:"onFailure" mapstructure:"onFailure"`
	Timeout   int                      `yaml:"timeout" json:"timeout" mapstructure:"timeout"`
}

// FromYAML parses a YAML workflow document.
func FromYAML(data []byte) (*workflow.Workflow, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml workflow: %w", err)
	}
	return decode(doc)
}

// FromJSON parses a JSON workflow document.
func FromJSON(data []byte) (*workflow.Workflow, error) {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse json workflow: %w", err)
	}
	return decode(doc)
}

func decode(doc document) (*workflow.Workflow, error) {
	wf := &workflow.Workflow{
		ID:        doc.ID,
		Name:      doc.Name,
		Version:   doc.Version,
		Variables: doc.Variables,
		OnFailure: workflow.FailurePolicy(doc.OnFailure),
		TimeoutMs: doc.Timeout,
	}

	wf.Steps = make([]workflow.Step, 0, len(doc.Steps))
	for i, raw := range doc.Steps {
		var step workflow.Step
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           &step,
			TagName:          "json", // wire names such as "timeout" and "delayMs" live in the json tags
			WeaklyTypedInput: true,
		})
		if err != nil {
			return nil, fmt.Errorf("build decoder for step %d: %w", i, err)
		}
		if err := decoder.Decode(raw); err != nil {
			return nil, fmt.Errorf("decode step %d: %w", i, err)
		}
		wf.Steps = append(wf.Steps, step)
	}

	if err := validate.Struct(wf); err != nil {
		return nil, fmt.Errorf("workflow %s failed schema validation: %w", wf.ID, err)
	}

	return wf, nil
}
