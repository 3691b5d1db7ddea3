// Package cmdparse classifies shell commands so the UI can summarize them
// (read, search, list, run) and the history reducer can coalesce read-like
// calls into explore blocks.
package cmdparse

import (
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// ParsedKind tags a ParsedCommand.
type ParsedKind int

const (
	// KindUnknown is any command without a dedicated summary.
	KindUnknown ParsedKind = iota
	// KindRead is a file read (cat, head, tail, sed -n).
	KindRead
	// KindList is a directory listing (ls).
	KindList
	// KindSearch is a content or file search (rg, grep).
	KindSearch
	// KindGitStatus, KindGitLog and KindGitDiff are read-only git queries.
	KindGitStatus
	KindGitLog
	KindGitDiff
	// KindPython is a python invocation.
	KindPython
	// KindPackageRun is an npm/pnpm run script.
	KindPackageRun
	// KindShell is an opaque script that could not be decomposed.
	KindShell
)

// ParsedCommand is one summarized sub-command of an exec request.
type ParsedCommand struct {
	Kind ParsedKind
	// Cmd holds the tokens of this sub-command.
	Cmd []string
	// Name is the target file for KindRead.
	Name string
	// Path is the optional target for KindList and KindSearch.
	Path string
	// Query is the search pattern for KindSearch.
	Query string
	// FilesOnly marks an rg --files invocation.
	FilesOnly bool
	// Display is the raw script for KindShell.
	Display string
	// Script is the package.json script name for KindPackageRun.
	Script string
}

// Parse classifies an argv. A "bash -lc <script>" wrapper is parsed with the
// shell grammar and decomposed into its word-only simple commands; scripts
// using non-word constructs (substitutions, redirects into process
// substitution, etc.) degrade to a single opaque KindShell entry.
func Parse(command []string) []ParsedCommand {
	if script, ok := ShellScript(command); ok {
		if tokens, ok := wordOnlyCommands(script); ok && len(tokens) > 0 {
			out := make([]ParsedCommand, 0, len(tokens))
			for _, t := range tokens {
				out = append(out, summarize(t))
			}
			return out
		}
		return []ParsedCommand{{Kind: KindShell, Cmd: command, Display: script}}
	}

	// Plain argv: split on connector tokens when the model passed them through.
	groups := splitConnectors(command)
	out := make([]ParsedCommand, 0, len(groups))
	for _, g := range groups {
		out = append(out, summarize(g))
	}
	return out
}

// ShellScript returns the script of a bash/sh/zsh -c/-lc wrapper.
func ShellScript(command []string) (string, bool) {
	if len(command) != 3 {
		return "", false
	}
	shell := command[0]
	if i := strings.LastIndexByte(shell, '/'); i >= 0 {
		shell = shell[i+1:]
	}
	switch shell {
	case "bash", "sh", "zsh":
	default:
		return "", false
	}
	switch command[1] {
	case "-c", "-lc":
		return command[2], true
	}
	return "", false
}

// wordOnlyCommands parses script and returns the argv of every simple command
// when the whole script consists of word-only commands joined by pipes,
// logical operators, and semicolons. ok is false otherwise.
func wordOnlyCommands(script string) ([][]string, bool) {
	parser := syntax.NewParser()
	file, err := parser.Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, false
	}

	var cmds [][]string
	ok := true
	for _, stmt := range file.Stmts {
		if !collectCommands(stmt, &cmds) {
			ok = false
			break
		}
	}
	if !ok || len(cmds) == 0 {
		return nil, false
	}
	return cmds, true
}

// collectCommands walks a statement tree accumulating word-only argvs.
// Returns false on any construct that cannot be summarized as plain words.
func collectCommands(stmt *syntax.Stmt, out *[][]string) bool {
	if stmt == nil || stmt.Cmd == nil {
		return false
	}
	if len(stmt.Redirs) > 0 || stmt.Background || stmt.Negated {
		return false
	}
	switch cmd := stmt.Cmd.(type) {
	case *syntax.CallExpr:
		if len(cmd.Assigns) > 0 {
			return false
		}
		argv := make([]string, 0, len(cmd.Args))
		for _, w := range cmd.Args {
			lit, ok := wordLiteral(w)
			if !ok {
				return false
			}
			argv = append(argv, lit)
		}
		if len(argv) == 0 {
			return false
		}
		*out = append(*out, argv)
		return true
	case *syntax.BinaryCmd:
		switch cmd.Op {
		case syntax.AndStmt, syntax.OrStmt, syntax.Pipe:
			return collectCommands(cmd.X, out) && collectCommands(cmd.Y, out)
		}
		return false
	}
	return false
}

// wordLiteral resolves a word made only of literals and quoted literals.
func wordLiteral(w *syntax.Word) (string, bool) {
	var b strings.Builder
	for _, part := range w.Parts {
		switch p := part.(type) {
		case *syntax.Lit:
			b.WriteString(p.Value)
		case *syntax.SglQuoted:
			if p.Dollar {
				return "", false
			}
			b.WriteString(p.Value)
		case *syntax.DblQuoted:
			for _, inner := range p.Parts {
				lit, ok := inner.(*syntax.Lit)
				if !ok {
					return "", false
				}
				b.WriteString(lit.Value)
			}
		default:
			return "", false
		}
	}
	return b.String(), true
}

func splitConnectors(tokens []string) [][]string {
	var out [][]string
	var cur []string
	for _, t := range tokens {
		switch t {
		case "&&", "||", "|", ";":
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
		default:
			cur = append(cur, t)
		}
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	if len(out) == 0 {
		out = append(out, []string{})
	}
	return out
}

// displayName trims a path down to its most meaningful trailing component.
func displayName(path string) string {
	parts := strings.Split(path, "/")
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if p == "" || p == "build" || p == "dist" || p == "node_modules" || p == "src" {
			continue
		}
		return p
	}
	return path
}

func summarize(argv []string) ParsedCommand {
	if len(argv) == 0 {
		return ParsedCommand{Kind: KindUnknown}
	}
	head, tail := argv[0], argv[1:]
	switch head {
	case "ls":
		var path string
		for _, a := range tail {
			if !strings.HasPrefix(a, "-") {
				path = displayName(a)
				break
			}
		}
		return ParsedCommand{Kind: KindList, Cmd: argv, Path: path}
	case "rg":
		filesOnly := false
		var nonFlags []string
		for _, a := range tail {
			if a == "--files" {
				filesOnly = true
				continue
			}
			if !strings.HasPrefix(a, "-") {
				nonFlags = append(nonFlags, a)
			}
		}
		pc := ParsedCommand{Kind: KindSearch, Cmd: argv, FilesOnly: filesOnly}
		if filesOnly {
			if len(nonFlags) > 0 {
				pc.Path = displayName(nonFlags[0])
			}
		} else {
			if len(nonFlags) > 0 {
				pc.Query = nonFlags[0]
			}
			if len(nonFlags) > 1 {
				pc.Path = displayName(nonFlags[1])
			}
		}
		return pc
	case "grep":
		var nonFlags []string
		for _, a := range tail {
			if !strings.HasPrefix(a, "-") {
				nonFlags = append(nonFlags, a)
			}
		}
		pc := ParsedCommand{Kind: KindSearch, Cmd: argv}
		if len(nonFlags) > 0 {
			pc.Query = nonFlags[0]
		}
		if len(nonFlags) > 1 {
			pc.Path = displayName(nonFlags[1])
		}
		return pc
	case "cat":
		if len(tail) == 1 {
			return ParsedCommand{Kind: KindRead, Cmd: argv, Name: displayName(tail[0])}
		}
	case "head":
		if len(tail) >= 3 && tail[0] == "-n" && allDigits(tail[1]) {
			return ParsedCommand{Kind: KindRead, Cmd: argv, Name: displayName(tail[2])}
		}
	case "tail":
		if len(tail) >= 3 && tail[0] == "-n" && allDigits(strings.TrimPrefix(tail[1], "+")) {
			return ParsedCommand{Kind: KindRead, Cmd: argv, Name: displayName(tail[2])}
		}
	case "sed":
		if len(tail) >= 3 && tail[0] == "-n" && isSedRange(tail[1]) {
			return ParsedCommand{Kind: KindRead, Cmd: argv, Name: displayName(tail[2])}
		}
	case "python", "python3":
		return ParsedCommand{Kind: KindPython, Cmd: argv}
	case "git":
		if len(tail) > 0 {
			switch tail[0] {
			case "status":
				return ParsedCommand{Kind: KindGitStatus, Cmd: argv}
			case "log":
				return ParsedCommand{Kind: KindGitLog, Cmd: argv}
			case "diff":
				return ParsedCommand{Kind: KindGitDiff, Cmd: argv}
			}
		}
	case "npm", "pnpm":
		rest := tail
		if len(rest) > 0 && rest[0] == "-r" {
			rest = rest[1:]
		}
		if len(rest) > 0 && rest[0] == "run" {
			script := ""
			if len(rest) > 1 {
				script = rest[1]
			}
			return ParsedCommand{Kind: KindPackageRun, Cmd: argv, Script: script}
		}
	}
	return ParsedCommand{Kind: KindUnknown, Cmd: argv}
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// isSedRange matches /^(\d+,)?\d+p$/ as used by "sed -n 10,20p file".
func isSedRange(s string) bool {
	core, ok := strings.CutSuffix(s, "p")
	if !ok {
		return false
	}
	parts := strings.Split(core, ",")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if !allDigits(p) {
			return false
		}
	}
	return true
}
