package manager

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"runlok-hq/runlok/pkg/policy/engine"
)

// Fallback rule set identity, used whenever no valid document is active.
const (
	FallbackVersion  = "default-v1"
	FallbackHash     = "default"
	FallbackRuleName = "default_allow_all"
)

// Document field names.
const (
	fieldVersion     = "version"
	fieldRules       = "rules"
	fieldName        = "name"
	fieldAction      = "action"
	fieldTools       = "tools"
	fieldConditions  = "conditions"
	fieldDescription = "description"
)

// ParseResult is a successfully parsed document.
type ParseResult struct {
	RuleSet *engine.RuleSet

	// Warnings are non-fatal findings, e.g. unrecognized condition kinds.
	Warnings []string
}

// ContentHash returns the hex SHA-256 of a raw document.
func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ShortHash returns the 16 character fingerprint shown to operators.
func ShortHash(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}

// FallbackRuleSet builds the permissive rule set used when loading fails.
func FallbackRuleSet(now time.Time) *engine.RuleSet {
	return &engine.RuleSet{
		Version:     FallbackVersion,
		ContentHash: FallbackHash,
		Rules: []*engine.Rule{{
			Name:        FallbackRuleName,
			Action:      engine.ActionAllow,
			Patterns:    []*engine.Pattern{engine.CompilePattern("*")},
			Description: "Built-in rule used when no valid policy document is loaded",
		}},
		LoadedAt: now,
		Fallback: true,
		Origin:   "builtin",
	}
}

// Validate checks a candidate document and returns every problem found.
// An empty result means the document would load.
func Validate(data []byte) []error {
	_, err := Parse(data, "candidate", time.Now())
	if err == nil {
		return nil
	}
	if list, ok := err.(*ErrorList); ok {
		return list.Errors
	}
	return []error{err}
}

// Parse builds a RuleSet from a raw document. On failure the error is a
// *ParseError for malformed YAML or an *ErrorList of *ValidationError.
func Parse(data []byte, source string, now time.Time) (*ParseResult, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		line := yamlErrorLine(err)
		return nil, &ParseError{Source: source, Line: line, Message: "invalid YAML", Cause: err}
	}

	p := &parser{errs: &ErrorList{}}
	rs := p.document(&root)
	if p.errs.HasErrors() {
		return nil, p.errs
	}

	rs.ContentHash = ContentHash(data)
	rs.LoadedAt = now
	rs.Origin = source
	return &ParseResult{RuleSet: rs, Warnings: p.warnings}, nil
}

type parser struct {
	errs     *ErrorList
	warnings []string
}

func (p *parser) fail(ruleIndex int, ruleName, path string, node *yaml.Node, format string, args ...any) {
	ve := &ValidationError{
		RuleIndex: ruleIndex,
		RuleName:  ruleName,
		FieldPath: path,
		Message:   fmt.Sprintf(format, args...),
	}
	if node != nil {
		ve.Line = node.Line
	}
	p.errs.Add(ve)
}

func (p *parser) document(root *yaml.Node) *engine.RuleSet {
	rs := &engine.RuleSet{}

	if root.Kind == 0 || len(root.Content) == 0 {
		p.fail(-1, "", "", nil, "policy document is empty")
		return rs
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		p.fail(-1, "", "", doc, "policy document must be a YAML mapping")
		return rs
	}

	fields := mappingFields(doc)

	versionNode, ok := fields[fieldVersion]
	switch {
	case !ok:
		p.fail(-1, "", fieldVersion, doc, "missing required field")
	case versionNode.Kind != yaml.ScalarNode || versionNode.Value == "":
		p.fail(-1, "", fieldVersion, versionNode, "must be a non-empty string")
	default:
		rs.Version = versionNode.Value
	}

	rulesNode, ok := fields[fieldRules]
	if !ok {
		p.fail(-1, "", fieldRules, doc, "missing required field")
		return rs
	}
	if rulesNode.Kind != yaml.SequenceNode {
		p.fail(-1, "", fieldRules, rulesNode, "must be a list of rules")
		return rs
	}
	if len(rulesNode.Content) == 0 {
		p.warnings = append(p.warnings, "rules list is empty; every call will be denied")
	}

	seen := make(map[string]int)
	for i, ruleNode := range rulesNode.Content {
		r := p.rule(i, ruleNode)
		if r == nil {
			continue
		}
		if first, dup := seen[r.Name]; dup {
			p.fail(i, r.Name, fmt.Sprintf("rules[%d].name", i), ruleNode,
				"duplicate rule name (first defined at rules[%d])", first)
			continue
		}
		seen[r.Name] = i
		rs.Rules = append(rs.Rules, r)
	}

	return rs
}

func (p *parser) rule(i int, node *yaml.Node) *engine.Rule {
	prefix := fmt.Sprintf("rules[%d]", i)
	if node.Kind != yaml.MappingNode {
		p.fail(i, "", prefix, node, "rule must be a mapping")
		return nil
	}

	fields := mappingFields(node)
	r := &engine.Rule{}
	valid := true

	nameNode, ok := fields[fieldName]
	switch {
	case !ok:
		p.fail(i, "", prefix+".name", node, "missing required field")
		valid = false
	case nameNode.Kind != yaml.ScalarNode || nameNode.Value == "":
		p.fail(i, "", prefix+".name", nameNode, "must be a non-empty string")
		valid = false
	default:
		r.Name = nameNode.Value
	}

	actionNode, ok := fields[fieldAction]
	if !ok {
		p.fail(i, r.Name, prefix+".action", node, "missing required field")
		valid = false
	} else if action, err := engine.ParseAction(actionNode.Value); err != nil || actionNode.Kind != yaml.ScalarNode {
		p.fail(i, r.Name, prefix+".action", actionNode, "must be one of allow, deny, approve (got %q)", actionNode.Value)
		valid = false
	} else {
		r.Action = action
	}

	if toolsNode, ok := fields[fieldTools]; !ok {
		r.Patterns = []*engine.Pattern{engine.CompilePattern("*")}
	} else if toolsNode.Kind != yaml.SequenceNode {
		p.fail(i, r.Name, prefix+".tools", toolsNode, "must be a list of tool name patterns")
		valid = false
	} else {
		for j, t := range toolsNode.Content {
			if t.Kind != yaml.ScalarNode {
				p.fail(i, r.Name, fmt.Sprintf("%s.tools[%d]", prefix, j), t, "must be a string pattern")
				valid = false
				continue
			}
			r.Patterns = append(r.Patterns, engine.CompilePattern(t.Value))
		}
	}

	if condNode, ok := fields[fieldConditions]; ok && !isNull(condNode) {
		if condNode.Kind != yaml.MappingNode {
			p.fail(i, r.Name, prefix+".conditions", condNode, "must be a mapping of condition kind to parameters")
			valid = false
		} else {
			for j := 0; j+1 < len(condNode.Content); j += 2 {
				kind := condNode.Content[j].Value
				var params any
				if err := condNode.Content[j+1].Decode(&params); err != nil {
					p.fail(i, r.Name, prefix+".conditions."+kind, condNode.Content[j+1], "invalid parameters: %v", err)
					valid = false
					continue
				}
				cond, err := engine.NewCondition(kind, params)
				if err != nil {
					p.fail(i, r.Name, prefix+".conditions."+kind, condNode.Content[j+1], "%v", err)
					valid = false
					continue
				}
				if _, unknown := cond.(engine.Unrecognized); unknown {
					p.warnings = append(p.warnings,
						fmt.Sprintf("%s.conditions.%s: unrecognized condition kind is ignored", prefix, kind))
				}
				r.Conditions = append(r.Conditions, cond)
			}
		}
	}

	if descNode, ok := fields[fieldDescription]; ok {
		r.Description = descNode.Value
	}

	if !valid {
		return nil
	}
	return r
}

// mappingFields indexes a mapping node's values by key.
func mappingFields(node *yaml.Node) map[string]*yaml.Node {
	out := make(map[string]*yaml.Node, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		out[node.Content[i].Value] = node.Content[i+1]
	}
	return out
}

func isNull(node *yaml.Node) bool {
	return node.Kind == yaml.ScalarNode && node.Tag == "!!null"
}

var yamlLineRe = regexp.MustCompile(`line (\d+)`)

func yamlErrorLine(err error) int {
	m := yamlLineRe.FindSubmatch([]byte(err.Error()))
	if m == nil {
		return 0
	}
	n, _ := strconv.Atoi(string(bytes.TrimSpace(m[1])))
	return n
}
