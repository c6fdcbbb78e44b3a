package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"harvester/internal/logging"
	"harvester/internal/xclient"
)

// ErrInvalidRules is returned when a rule file fails local validation.
var ErrInvalidRules = errors.New("invalid stream rules")

const ruleSchemaURL = "https://harvester.local/schemas/stream-rules.json"

const ruleSchema = `{
  "type": "object",
  "required": ["rules"],
  "properties": {
    "rules": {
      "type": "array",
      "minItems": 1,
      "maxItems": 1000,
      "items": {
        "type": "object",
        "required": ["value"],
        "additionalProperties": false,
        "properties": {
          "value": {"type": "string", "minLength": 1, "maxLength": 1024},
          "tag": {"type": "string"}
        }
      }
    }
  }
}`

var compiledRules = sync.OnceValues(func() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(ruleSchema))
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(ruleSchemaURL, doc); err != nil {
		return nil, err
	}
	return c.Compile(ruleSchemaURL)
})

// RuleFile is an event's stream rule set.
type RuleFile struct {
	Rules []xclient.Rule `yaml:"rules" json:"rules"`
}

// LoadRules reads and validates <dir>/<event>.yaml.
func LoadRules(path string) ([]xclient.Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rf RuleFile
	if err := yaml.Unmarshal(b, &rf); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRules, path, err)
	}
	if err := ValidateRules(rf.Rules); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rf.Rules, nil
}

// ValidateRules checks a rule set against the rule schema.
func ValidateRules(rules []xclient.Rule) error {
	sch, err := compiledRules()
	if err != nil {
		return err
	}
	clean := make([]xclient.Rule, len(rules))
	for i, r := range rules {
		clean[i] = xclient.Rule{Value: r.Value, Tag: r.Tag}
	}
	b, err := json.Marshal(RuleFile{Rules: clean})
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(b))
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	return nil
}

// RulesClient is the subset of *xclient.HTTPClient used for rule management.
type RulesClient interface {
	ListRules(ctx context.Context, endpoint string) ([]xclient.Rule, error)
	DeleteRules(ctx context.Context, endpoint string, ids []string) error
	AddRules(ctx context.Context, endpoint string, rules []xclient.Rule, dryRun bool) (json.RawMessage, error)
}

// SyncRules installs rules, first deleting every existing rule when replace is set.
func SyncRules(ctx context.Context, c RulesClient, endpoint string, rules []xclient.Rule, replace bool) error {
	if replace {
		existing, err := c.ListRules(ctx, endpoint)
		if err != nil {
			return fmt.Errorf("list rules: %w", err)
		}
		ids := make([]string, 0, len(existing))
		for _, r := range existing {
			ids = append(ids, r.ID)
		}
		if err := c.DeleteRules(ctx, endpoint, ids); err != nil {
			return fmt.Errorf("delete rules: %w", err)
		}
		logging.Info("stream_rules_deleted", map[string]any{"count": len(ids)})
	}
	if _, err := c.AddRules(ctx, endpoint, rules, false); err != nil {
		return fmt.Errorf("add rules: %w", err)
	}
	logging.Info("stream_rules_added", map[string]any{"count": len(rules)})
	return nil
}

// DryRun asks the API to validate rules without installing them and returns its response.
func DryRun(ctx context.Context, c RulesClient, endpoint string, rules []xclient.Rule) (json.RawMessage, error) {
	return c.AddRules(ctx, endpoint, rules, true)
}
