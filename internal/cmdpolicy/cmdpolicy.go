// Package cmdpolicy decides whether a command line may be spawned: a
// deny-list of program names plus a small, data-driven destructive-command
// rule table, both authored as data so the rule set stays auditable.
package cmdpolicy

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrCommandBlocked names the DenySpec-match denial. ValidateCommand does
// not return it: denials are reported through Result.Reason.
var ErrCommandBlocked = errors.New("cmdpolicy: command blocked")

// ErrDestructiveBlocked names the destructive-pattern denial. ValidateCommand
// does not return it: denials are reported through Result.Reason.
var ErrDestructiveBlocked = errors.New("cmdpolicy: destructive command blocked")

// permissionToken must appear literally in the command string to allow an
// otherwise-destructive command through.
const permissionToken = "--i-have-explicit-permission-from-user"

// destructiveRule is one named, auditable entry in the destructive-pattern
// table (design note: keep the rule set small, data-driven, easy to audit).
type destructiveRule struct {
	name string
	re   *regexp.Regexp
}

// defaultDestructiveRules covers the common destructive shapes: rm -rf in
// any flag order, find ... -delete / -exec rm, and raw writes to block
// devices.
var defaultDestructiveRules = []destructiveRule{
	{"rm-recursive-force", regexp.MustCompile(`\brm\b[^\n]*\s-[a-zA-Z]*r[a-zA-Z]*f[a-zA-Z]*\b|\brm\b[^\n]*\s-[a-zA-Z]*f[a-zA-Z]*r[a-zA-Z]*\b`)},
	{"find-delete", regexp.MustCompile(`\bfind\b[^\n]*-delete\b`)},
	{"find-exec-rm", regexp.MustCompile(`\bfind\b[^\n]*-exec\s+rm\b`)},
	{"raw-block-device-write", regexp.MustCompile(`>\s*/dev/sd[a-z]\d*\b`)},
	{"mkfs", regexp.MustCompile(`\bmkfs(\.\w+)?\b`)},
	{"dd-to-device", regexp.MustCompile(`\bdd\b[^\n]*\bof=/dev/`)},
}

// defaultDenySpec lists first-shell-word program names that are always
// denied, independent of the destructive rules above.
var defaultDenySpec = []string{"mkfs", "dd", "sudo"}

// Result is the outcome of a validateCommand call.
type Result struct {
	Allowed bool
	Reason  string // populated on deny; names the triggering rule
}

// Policy owns the DenySpec and destructive-rule table. Updates
// (block_command/unblock_command) replace the whole DenySpec atomically.
type Policy struct {
	mu      sync.RWMutex
	deny    []string
	rules   []destructiveRule
}

// New builds a Policy from configured deny tokens, falling back to the
// built-in defaults when entries is empty, with the built-in destructive
// rule table.
func New(entries []string) *Policy {
	deny := defaultDenySpec
	if len(entries) > 0 {
		deny = append([]string(nil), entries...)
	}
	return &Policy{deny: deny, rules: defaultDestructiveRules}
}

// RuleSpec is the YAML-facing shape of one destructive-pattern rule: a name
// for audit logs and a regexp pattern matched against the full command
// line.
type RuleSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
}

// rulesFile is the top-level shape of a destructive-rules.yaml file.
type rulesFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// LoadRulesFile reads a YAML destructive-rule table from path: a small,
// auditable, hand-editable file rather than code.
func LoadRulesFile(path string) ([]RuleSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cmdpolicy: read rules file: %w", err)
	}
	var rf rulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("cmdpolicy: parse rules file: %w", err)
	}
	return rf.Rules, nil
}

// NewWithRules builds a Policy from configured deny tokens and a
// caller-supplied destructive-rule table (typically loaded via
// LoadRulesFile). A nil or empty rules slice falls back to the built-in
// defaults so a missing rules file never leaves the daemon unprotected.
func NewWithRules(entries []string, rules []RuleSpec) (*Policy, error) {
	p := New(entries)
	if len(rules) == 0 {
		return p, nil
	}
	compiled := make([]destructiveRule, 0, len(rules))
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("cmdpolicy: rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, destructiveRule{name: r.Name, re: re})
	}
	p.rules = compiled
	return p, nil
}

// Block adds a program name to the DenySpec if not already present.
func (p *Policy) Block(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, d := range p.deny {
		if d == name {
			return
		}
	}
	p.deny = append(p.deny, name)
}

// Unblock removes a program name from the DenySpec.
func (p *Policy) Unblock(name string) {
	name = strings.ToLower(strings.TrimSpace(name))
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.deny[:0:0]
	for _, d := range p.deny {
		if d != name {
			out = append(out, d)
		}
	}
	p.deny = out
}

// ReplaceDenySpec atomically swaps the entire DenySpec, used when the
// daemon config file is hot-reloaded out from under a running Policy.
func (p *Policy) ReplaceDenySpec(entries []string) {
	deny := append([]string(nil), entries...)
	p.mu.Lock()
	p.deny = deny
	p.mu.Unlock()
}

// Blocked returns a snapshot of the current DenySpec.
func (p *Policy) Blocked() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, len(p.deny))
	copy(out, p.deny)
	return out
}

// ValidateCommand tokenizes fullCommandLine, checks the first shell-word
// against the DenySpec, then applies the destructive-action rule against the
// whole string. Fails closed: a command that cannot be tokenized is denied.
func (p *Policy) ValidateCommand(fullCommandLine string) Result {
	program, err := firstWord(fullCommandLine)
	if err != nil {
		return Result{Allowed: false, Reason: "ValidationError: " + err.Error()}
	}

	p.mu.RLock()
	deny := p.deny
	rules := p.rules
	p.mu.RUnlock()

	programLower := strings.ToLower(program)
	for _, d := range deny {
		if programLower == strings.ToLower(d) {
			return Result{Allowed: false, Reason: fmt.Sprintf("CommandBlocked: %s is denylisted", program)}
		}
	}

	if strings.Contains(fullCommandLine, permissionToken) {
		return Result{Allowed: true}
	}

	for _, rule := range rules {
		if rule.re.MatchString(fullCommandLine) {
			return Result{Allowed: false, Reason: fmt.Sprintf("DestructiveBlocked: matched rule %q", rule.name)}
		}
	}

	return Result{Allowed: true}
}

// firstWord extracts the program name: the first whitespace-separated word,
// with any leading path stripped (both '/' and '\' count as separators) and
// a trailing ".exe" removed, on every platform.
func firstWord(cmd string) (string, error) {
	trimmed := strings.TrimSpace(cmd)
	if trimmed == "" {
		return "", errors.New("empty command")
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", errors.New("empty command")
	}
	word := fields[0]
	if idx := strings.LastIndexAny(word, `/\`); idx >= 0 {
		word = word[idx+1:]
	}
	word = strings.TrimSuffix(word, ".exe")
	return word, nil
}
