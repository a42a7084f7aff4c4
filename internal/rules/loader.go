package rules

import (
	_ "embed"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"imgscan-server/internal/verdict"
)

//go:embed default_rules.yaml
var defaultRules []byte

// ruleFile is the YAML document layout of a rule corpus
type ruleFile struct {
	Rules []ruleDef `yaml:"rules"`
}

type ruleDef struct {
	Name        string       `yaml:"name"`
	Description string       `yaml:"description"`
	Severity    string       `yaml:"severity"`
	Category    string       `yaml:"category"`
	Tags        []string     `yaml:"tags"`
	Tier        string       `yaml:"tier"`
	Patterns    []patternDef `yaml:"patterns"`
	Condition   string       `yaml:"condition"`
}

type patternDef struct {
	ID       string `yaml:"id"`
	Text     string `yaml:"text"`
	Hex      string `yaml:"hex"`
	NoCase   bool   `yaml:"nocase"`
	FileSize string `yaml:"file_size"`
}

// Default returns the rule corpus compiled into the binary
func Default() (*RuleSet, error) {
	return Parse(defaultRules)
}

// DefaultSource returns the raw embedded corpus
func DefaultSource() []byte {
	return defaultRules
}

// LoadFile loads a rule corpus from a YAML file
func LoadFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse compiles one or more YAML rule documents into a RuleSet. Rule order
// is declaration order across documents.
func Parse(docs ...[]byte) (*RuleSet, error) {
	var defs []ruleDef
	for i, data := range docs {
		var file ruleFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("failed to parse rules YAML (document %d): %w", i, err)
		}
		defs = append(defs, file.Rules...)
	}
	return compile(defs)
}

func compile(defs []ruleDef) (*RuleSet, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("rule corpus is empty")
	}

	seen := make(map[string]bool, len(defs))
	list := make([]*SignatureRule, 0, len(defs))
	for _, def := range defs {
		rule, err := compileRule(def)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", def.Name, err)
		}
		if seen[rule.Name] {
			return nil, fmt.Errorf("duplicate rule name %q", rule.Name)
		}
		seen[rule.Name] = true
		list = append(list, rule)
	}
	return newRuleSet(list), nil
}

func compileRule(def ruleDef) (*SignatureRule, error) {
	name := strings.TrimSpace(def.Name)
	if name == "" {
		return nil, fmt.Errorf("name is required")
	}

	severity, err := verdict.ParseSeverity(def.Severity)
	if err != nil {
		return nil, err
	}

	category := inferCategory(def.Tags)
	if def.Category != "" {
		if category, err = verdict.ParseCategory(def.Category); err != nil {
			return nil, err
		}
	}

	tier := TierFull
	if def.Tier != "" {
		if tier, err = ParseTier(def.Tier); err != nil {
			return nil, err
		}
	}

	if len(def.Patterns) == 0 {
		return nil, fmt.Errorf("at least one pattern is required")
	}

	patterns := make([]Pattern, 0, len(def.Patterns))
	ids := make([]string, 0, len(def.Patterns))
	idSeen := make(map[string]bool)
	for i, pd := range def.Patterns {
		p, err := compilePattern(pd, i)
		if err != nil {
			return nil, fmt.Errorf("pattern %d: %w", i, err)
		}
		if idSeen[p.ID] {
			return nil, fmt.Errorf("duplicate pattern id $%s", p.ID)
		}
		idSeen[p.ID] = true
		patterns = append(patterns, p)
		ids = append(ids, p.ID)
	}

	cond, err := ParseCondition(def.Condition, ids)
	if err != nil {
		return nil, err
	}

	condText := strings.TrimSpace(def.Condition)
	if condText == "" {
		condText = "any of them"
	}

	return &SignatureRule{
		Name:          name,
		Description:   strings.TrimSpace(def.Description),
		Severity:      severity,
		Category:      category,
		Tags:          def.Tags,
		Tier:          tier,
		Patterns:      patterns,
		ConditionText: condText,
		Condition:     cond,
	}, nil
}

func compilePattern(pd patternDef, index int) (Pattern, error) {
	id := strings.TrimPrefix(strings.TrimSpace(pd.ID), "$")
	if id == "" {
		id = fmt.Sprintf("p%d", index+1)
	}
	p := Pattern{ID: id}

	set := 0
	for _, v := range []string{pd.Text, pd.Hex, pd.FileSize} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return p, fmt.Errorf("exactly one of text, hex or file_size is required")
	}

	switch {
	case pd.Text != "":
		p.Kind = PatternText
		p.NoCase = pd.NoCase
		p.Text = []byte(pd.Text)
		if p.NoCase {
			p.Text = ASCIILower(p.Text)
		}

	case pd.Hex != "":
		p.Kind = PatternBytes
		b, wild, err := parseHexPattern(pd.Hex)
		if err != nil {
			return p, err
		}
		p.Bytes = b
		p.Wildcard = wild
		p.Anchor = -1
		for i, w := range wild {
			if !w {
				p.Anchor = i
				break
			}
		}
		if p.Anchor < 0 {
			return p, fmt.Errorf("hex pattern must contain at least one fixed byte")
		}

	default:
		p.Kind = PatternFileSize
		op, size, err := parseSizePredicate(pd.FileSize)
		if err != nil {
			return p, err
		}
		p.Op = op
		p.Size = size
	}
	return p, nil
}

// parseHexPattern reads "4D 5A ?? 00" style byte sequences
func parseHexPattern(s string) ([]byte, []bool, error) {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' {
			return -1
		}
		return r
	}, s)
	if len(compact) == 0 || len(compact)%2 != 0 {
		return nil, nil, fmt.Errorf("hex pattern %q must have an even number of digits", s)
	}

	n := len(compact) / 2
	out := make([]byte, n)
	wild := make([]bool, n)
	for i := 0; i < n; i++ {
		pair := compact[2*i : 2*i+2]
		if pair == "??" {
			wild[i] = true
			continue
		}
		v, err := hex.DecodeString(pair)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid hex byte %q", pair)
		}
		out[i] = v[0]
	}
	return out, wild, nil
}

// parseSizePredicate reads "> 1048576" style predicates
func parseSizePredicate(s string) (CompareOp, int64, error) {
	s = strings.TrimSpace(s)
	var op CompareOp
	for _, candidate := range []CompareOp{OpGTE, OpLTE, OpGT, OpLT} {
		if strings.HasPrefix(s, string(candidate)) {
			op = candidate
			break
		}
	}
	if op == "" {
		return "", 0, fmt.Errorf("file_size %q must start with >, >=, < or <=", s)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(s, string(op))), 10, 64)
	if err != nil || n < 0 {
		return "", 0, fmt.Errorf("file_size %q has an invalid byte count", s)
	}
	return op, n, nil
}

// ASCIILower lowercases A-Z only and leaves every other byte untouched, so
// arbitrary binary input is treated as Latin-1 without decoding errors.
func ASCIILower(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out[i] = c
	}
	return out
}
