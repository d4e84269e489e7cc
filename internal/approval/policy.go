package approval

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/zulandar/intercom/internal/envelope"
)

// DefaultLevel applies when the policies file sets no default.
const DefaultLevel = LevelOnce

// Rule is one static policy entry. Empty From/To/Type match everything.
type Rule struct {
	From           string `yaml:"from"`
	To             string `yaml:"to"`
	Type           string `yaml:"type"`
	MessagePattern string `yaml:"message_pattern"`
	Approval       Level  `yaml:"approval"`
	Label          string `yaml:"label"`
}

// Defaults is the fallback section of a policies file.
type Defaults struct {
	RequireApproval Level `yaml:"require_approval"`
}

// Policies is the parsed policies file. Rule order is significant.
type Policies struct {
	Defaults Defaults `yaml:"defaults"`
	Rules    []Rule   `yaml:"rules"`
}

// LoadPolicies reads a policies file. A missing file yields the defaults.
func LoadPolicies(path string) (Policies, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return Policies{Defaults: Defaults{RequireApproval: DefaultLevel}}, nil
	}
	if err != nil {
		return Policies{}, fmt.Errorf("approval: read policies: %w", err)
	}
	return ParsePolicies(data)
}

// ParsePolicies parses YAML policies and validates every level and pattern.
func ParsePolicies(data []byte) (Policies, error) {
	var p Policies
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policies{}, fmt.Errorf("approval: parse policies: %w", err)
	}
	if p.Defaults.RequireApproval == "" {
		p.Defaults.RequireApproval = DefaultLevel
	}
	if _, err := compile(p); err != nil {
		return Policies{}, err
	}
	return p, nil
}

type compiledRule struct {
	Rule
	from    *regexp.Regexp
	to      *regexp.Regexp
	message *regexp.Regexp
}

func compile(p Policies) ([]compiledRule, error) {
	if _, err := ParseLevel(string(p.Defaults.RequireApproval)); err != nil {
		return nil, fmt.Errorf("approval: defaults: %w", err)
	}

	var errs []string
	rules := make([]compiledRule, 0, len(p.Rules))
	for i, r := range p.Rules {
		if _, err := ParseLevel(string(r.Approval)); err != nil {
			errs = append(errs, fmt.Sprintf("rule %d: %v", i, err))
			continue
		}
		cr := compiledRule{
			Rule: r,
			from: globRegexp(orStar(r.From)),
			to:   globRegexp(orStar(r.To)),
		}
		if r.MessagePattern != "" {
			re, err := regexp.Compile("(?i)" + r.MessagePattern)
			if err != nil {
				errs = append(errs, fmt.Sprintf("rule %d: message_pattern: %v", i, err))
				continue
			}
			cr.message = re
		}
		rules = append(rules, cr)
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("approval: invalid policies: %s", strings.Join(errs, "; "))
	}
	return rules, nil
}

func (r compiledRule) matches(msg envelope.Message) bool {
	if !r.from.MatchString(msg.From.String()) {
		return false
	}
	if !r.to.MatchString(msg.To.String()) {
		return false
	}
	if t := orStar(r.Type); t != "*" && t != string(msg.Type) {
		return false
	}
	if r.message != nil {
		text := ""
		if msg.Payload != nil {
			text = msg.Payload.Text()
		}
		if !r.message.MatchString(text) {
			return false
		}
	}
	return true
}

func orStar(s string) string {
	if s == "" {
		return "*"
	}
	return s
}

// globRegexp translates a shell glob to an anchored regexp. "*" crosses "/"
// so "laptop/*" and "*" both match addresses.
func globRegexp(glob string) *regexp.Regexp {
	var b strings.Builder
	b.WriteString("(?s)^")
	for i := 0; i < len(glob); i++ {
		c := glob[i]
		switch c {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		case '[':
			j := i + 1
			if j < len(glob) && (glob[j] == '!' || glob[j] == '^') {
				j++
			}
			if j < len(glob) && glob[j] == ']' {
				j++
			}
			for j < len(glob) && glob[j] != ']' {
				j++
			}
			if j >= len(glob) {
				b.WriteString(`\[`)
				continue
			}
			class := glob[i+1 : j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + strings.ReplaceAll(class, `\`, `\\`) + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(glob[i : i+1]))
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return regexp.MustCompile("^" + regexp.QuoteMeta(glob) + "$")
	}
	return re
}
