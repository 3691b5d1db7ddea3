// Package approval gates exec and patch requests behind user decisions and
// remembers allow-list rules per session and per project.
package approval

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"github.com/xonecas/coda/internal/cmdparse"
)

// MatchKind selects how a rule matches a candidate command.
type MatchKind string

const (
	// MatchExact requires token-wise equality.
	MatchExact MatchKind = "exact"
	// MatchPrefix requires the rule's tokens to be a prefix of the candidate.
	MatchPrefix MatchKind = "prefix"
)

// Scope determines a rule's lifetime.
type Scope int

const (
	// ScopeSession rules live until process exit.
	ScopeSession Scope = iota
	// ScopeProject rules persist to the on-disk approvals file.
	ScopeProject
)

// Rule is one stored approval decision.
type Rule struct {
	Command        []string  `toml:"command"`
	MatchKind      MatchKind `toml:"match_kind"`
	SemanticPrefix []string  `toml:"semantic_prefix,omitempty"`
}

// Decision is the user's answer to an approval request.
type Decision int

const (
	// DecisionApproved runs the command this one time.
	DecisionApproved Decision = iota
	// DecisionApprovedForSession registers a rule then runs the command.
	DecisionApprovedForSession
	// DecisionDenied refuses the command and reports back to the model.
	DecisionDenied
	// DecisionAbort refuses the command and interrupts the turn.
	DecisionAbort
)

// Engine owns the session and project rule lists. It is accessed only from
// the UI task and needs no locking.
type Engine struct {
	session []Rule
	project []Rule
	// path of the persisted project rules; empty disables persistence.
	path string
}

// NewEngine loads project-scope rules from path when it exists.
func NewEngine(path string) *Engine {
	e := &Engine{path: path}
	if path == "" {
		return e
	}
	var doc struct {
		Rules []Rule `toml:"rules"`
	}
	if _, err := os.Stat(path); err != nil {
		return e
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to load approval rules")
		return e
	}
	e.project = doc.Rules
	return e
}

// IsAllowed reports whether a command is covered by any stored rule.
// A `bash -lc <script>` wrapper is transparently unwrapped to its parsed argv
// before matching.
func (e *Engine) IsAllowed(command []string) bool {
	candidate := NormalizeTokens(command)
	if len(candidate) == 0 {
		return false
	}
	for _, rules := range [][]Rule{e.session, e.project} {
		for _, r := range rules {
			if r.matches(candidate) {
				return true
			}
		}
	}
	return false
}

// Register stores a rule under the given scope. Project-scope rules are also
// persisted.
func (e *Engine) Register(rule Rule, scope Scope) {
	if scope == ScopeSession {
		e.session = append(e.session, rule)
		return
	}
	e.project = append(e.project, rule)
	e.persist()
}

// Rules returns a copy of the rules in one scope, for display and state
// snapshots.
func (e *Engine) Rules(scope Scope) []Rule {
	src := e.session
	if scope == ScopeProject {
		src = e.project
	}
	return append([]Rule(nil), src...)
}

func (e *Engine) persist() {
	if e.path == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(e.path), 0750); err != nil {
		log.Warn().Err(err).Msg("failed to create approvals dir")
		return
	}
	f, err := os.Create(e.path)
	if err != nil {
		log.Warn().Err(err).Msg("failed to write approval rules")
		return
	}
	defer f.Close()
	doc := struct {
		Rules []Rule `toml:"rules"`
	}{Rules: e.project}
	if err := toml.NewEncoder(f).Encode(doc); err != nil {
		log.Warn().Err(err).Msg("failed to encode approval rules")
	}
}

func (r Rule) matches(candidate []string) bool {
	rule := NormalizeTokens(r.Command)
	switch r.MatchKind {
	case MatchExact:
		if len(rule) != len(candidate) {
			return false
		}
		for i := range rule {
			if rule[i] != candidate[i] {
				return false
			}
		}
		return true
	case MatchPrefix:
		if len(rule) > len(candidate) {
			return false
		}
		for i := range rule {
			if rule[i] != candidate[i] {
				return false
			}
		}
		return true
	}
	return false
}

// NormalizeTokens unwraps a bash -lc wrapper into the script's own tokens
// when the script parses as a single word-only command; other commands pass
// through unchanged.
func NormalizeTokens(command []string) []string {
	if _, ok := cmdparse.ShellScript(command); !ok {
		return command
	}
	parsed := cmdparse.Parse(command)
	if len(parsed) == 1 && parsed[0].Kind != cmdparse.KindShell && len(parsed[0].Cmd) > 0 {
		return parsed[0].Cmd
	}
	// Unparsable or compound script stays opaque so an exact rule on the
	// wrapper itself still matches.
	return command
}

// maxPrefixTokens caps derived prefix candidates.
const maxPrefixTokens = 3

// PrefixCandidate derives the "allow '<prefix> *'" rule offered in the
// approval widget. Derivation stops at the first token that looks like a
// flag, a path, or a dotted name, and requires the result to be at least two
// tokens and strictly shorter than the full command.
func PrefixCandidate(command []string) ([]string, bool) {
	tokens := NormalizeTokens(command)
	if len(tokens) < 2 {
		return nil, false
	}
	prefix := []string{tokens[0]}
	for _, token := range tokens[1:] {
		if strings.HasPrefix(token, "-") ||
			strings.ContainsAny(token, "/.\\") {
			break
		}
		prefix = append(prefix, token)
		if len(prefix) == maxPrefixTokens {
			break
		}
	}
	if len(prefix) >= 2 && len(prefix) < len(tokens) {
		return prefix, true
	}
	return nil, false
}

// DisplayCommand renders a command for the approval prompt, unwrapping a
// bash -lc wrapper to its script.
func DisplayCommand(command []string) string {
	if script, ok := cmdparse.ShellScript(command); ok {
		return script
	}
	return strings.Join(command, " ")
}
