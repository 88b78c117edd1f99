package policy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Match is a rule's match predicate. Any combination of the fields may be
// set; Kind/ToolName/PayloadRegex are ANDed together when present, and an
// empty Match matches every input.
type Match struct {
	Kind         string `yaml:"kind,omitempty" json:"kind,omitempty"`
	ToolName     string `yaml:"tool_name,omitempty" json:"tool_name,omitempty"`
	PayloadRegex string `yaml:"payload_regex,omitempty" json:"payload_regex,omitempty"`

	compiledPayloadRegex *regexp.Regexp
}

// Rule is one entry in a RuleSet.
type Rule struct {
	Name      string `yaml:"name" json:"name"`
	Match     Match  `yaml:"match" json:"match"`
	Action    Action `yaml:"action" json:"action"`
	Priority  int32  `yaml:"priority" json:"priority"`
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`

	transformRegex *regexp.Regexp
}

// RuleSet is the loaded, validated, atomically-swappable governance
// configuration: a tool allowlist plus an ordered sequence of rules.
type RuleSet struct {
	ToolAllowlist map[string]struct{}
	Rules         []Rule
}

type ruleSetDoc struct {
	ToolAllowlist []string `yaml:"tool_allowlist"`
	Rules         []Rule   `yaml:"rules"`
}

var validActions = map[Action]struct{}{
	ActionDeny:         {},
	ActionModify:       {},
	ActionAllowButFlag: {},
	ActionAllow:        {},
}

// LoadRuleSet parses and validates a YAML ruleset document. schema, if
// non-nil, is a compiled JSON Schema used to validate each rule's match
// predicate (marshaled to JSON) before the ruleset is accepted.
func LoadRuleSet(r io.Reader, schema *jsonschema.Schema) (*RuleSet, error) {
	var doc ruleSetDoc
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("policy: decode ruleset: %w", err)
	}

	allowlist := make(map[string]struct{}, len(doc.ToolAllowlist))
	for _, raw := range doc.ToolAllowlist {
		entry := strings.ToLower(strings.TrimSpace(raw))
		if entry == "" {
			return nil, fmt.Errorf("policy: empty tool_allowlist entry")
		}
		if _, dup := allowlist[entry]; dup {
			return nil, fmt.Errorf("policy: duplicate tool_allowlist entry %q", entry)
		}
		allowlist[entry] = struct{}{}
	}

	rules := make([]Rule, 0, len(doc.Rules))
	for i := range doc.Rules {
		rule := doc.Rules[i]
		if rule.Name == "" {
			return nil, fmt.Errorf("policy: rule at index %d missing name", i)
		}
		if _, ok := validActions[rule.Action]; !ok {
			return nil, fmt.Errorf("policy: rule %q has invalid action %q", rule.Name, rule.Action)
		}
		if rule.Match.PayloadRegex != "" {
			re, err := regexp.Compile(rule.Match.PayloadRegex)
			if err != nil {
				return nil, fmt.Errorf("policy: rule %q match.payload_regex: %w", rule.Name, err)
			}
			rule.Match.compiledPayloadRegex = re
		}
		if rule.Transform != "" {
			pattern, ok := strings.CutPrefix(rule.Transform, "regex:")
			if !ok {
				return nil, fmt.Errorf("policy: rule %q transform must be of the form regex:<pattern>", rule.Name)
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return nil, fmt.Errorf("policy: rule %q transform: %w", rule.Name, err)
			}
			rule.transformRegex = re
		}
		if schema != nil {
			if err := validateMatchAgainstSchema(schema, rule); err != nil {
				return nil, fmt.Errorf("policy: rule %q match predicate: %w", rule.Name, err)
			}
		}
		rules = append(rules, rule)
	}

	return &RuleSet{ToolAllowlist: allowlist, Rules: rules}, nil
}

func validateMatchAgainstSchema(schema *jsonschema.Schema, rule Rule) error {
	doc := map[string]any{}
	if rule.Match.Kind != "" {
		doc["kind"] = rule.Match.Kind
	}
	if rule.Match.ToolName != "" {
		doc["tool_name"] = rule.Match.ToolName
	}
	if rule.Match.PayloadRegex != "" {
		doc["payload_regex"] = rule.Match.PayloadRegex
	}
	return schema.Validate(doc)
}

// CompileSchema compiles a JSON Schema document used to validate rule match
// predicates at ruleset load time.
func CompileSchema(ctx context.Context, name string, raw []byte) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("policy: unmarshal schema: %w", err)
	}
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("policy: add schema resource: %w", err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("policy: compile schema: %w", err)
	}
	return schema, nil
}

func (m Match) matches(in Input) bool {
	if m.Kind != "" && m.Kind != string(in.Kind) {
		return false
	}
	if m.ToolName != "" && m.ToolName != in.ToolName {
		return false
	}
	if m.compiledPayloadRegex != nil && !m.compiledPayloadRegex.MatchString(in.PayloadJSON) {
		return false
	}
	return true
}
