package rules

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Ramsey-B/fern/pkg/models"
)

//go:embed templates.yaml
var templatesYAML []byte

// Template is a pre-built condition/action bundle offered to operators.
type Template struct {
	ID                string                 `yaml:"id" json:"id"`
	Name              string                 `yaml:"name" json:"name"`
	Description       string                 `yaml:"description" json:"description"`
	MaxReplaysPerHour int                    `yaml:"max_replays_per_hour" json:"max_replays_per_hour"`
	Conditions        []models.RuleCondition `yaml:"conditions" json:"conditions"`
	Action            models.RuleAction      `yaml:"action" json:"action"`
}

var (
	templatesOnce sync.Once
	templates     []Template
	templatesErr  error
)

// Templates returns the static catalog. The slice is shared; do not mutate it.
func Templates() ([]Template, error) {
	templatesOnce.Do(func() {
		var catalog struct {
			Templates []Template `yaml:"templates"`
		}
		if err := yaml.Unmarshal(templatesYAML, &catalog); err != nil {
			templatesErr = fmt.Errorf("failed to parse rule templates: %w", err)
			return
		}
		for _, t := range catalog.Templates {
			if err := ValidateConditions(t.Conditions); err != nil {
				templatesErr = fmt.Errorf("template %s: %w", t.ID, err)
				return
			}
		}
		templates = catalog.Templates
	})
	return templates, templatesErr
}
