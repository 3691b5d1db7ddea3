package tui

import (
	"fmt"
	"strings"

	tea "charm.land/bubbletea/v2"
	"github.com/xonecas/coda/internal/approval"
	"github.com/xonecas/coda/internal/turn"
)

// approvalOption is one selectable row of the approval modal.
type approvalOption struct {
	label       string
	description string
	hotkey      string
	response    turn.ApprovalResponse
}

// approvalModal prompts the user to approve or deny a pending tool request.
// Input is fully captured while it is visible.
type approvalModal struct {
	req      turn.ApprovalRequest
	reply    chan<- turn.ApprovalResponse
	options  []approvalOption
	selected int
	done     bool
}

func newApprovalModal(req turn.ApprovalRequest, reply chan<- turn.ApprovalResponse) *approvalModal {
	m := &approvalModal{req: req, reply: reply}
	if req.Patch != "" {
		m.options = patchOptions()
	} else {
		m.options = execOptions(req.Command)
	}
	return m
}

func execOptions(command []string) []approvalOption {
	display := approval.DisplayCommand(command)
	options := []approvalOption{
		{
			label:       "Yes",
			description: "Approve and run the command",
			hotkey:      "y",
			response:    turn.ApprovalResponse{Decision: approval.DecisionApproved},
		},
		{
			label:       fmt.Sprintf("Always allow '%s' for this project", display),
			description: "Approve this exact command automatically next time",
			hotkey:      "a",
			response: turn.ApprovalResponse{
				Decision: approval.DecisionApprovedForSession,
				Rule: &approval.Rule{
					Command:   approval.NormalizeTokens(command),
					MatchKind: approval.MatchExact,
				},
				Scope: approval.ScopeProject,
			},
		},
	}

	if prefix, ok := approval.PrefixCandidate(command); ok {
		options = append(options, approvalOption{
			label:       fmt.Sprintf("Always allow '%s *' for this project", strings.Join(prefix, " ")),
			description: "Approve any command starting with this prefix",
			hotkey:      "p",
			response: turn.ApprovalResponse{
				Decision: approval.DecisionApprovedForSession,
				Rule: &approval.Rule{
					Command:        prefix,
					MatchKind:      approval.MatchPrefix,
					SemanticPrefix: prefix,
				},
				Scope: approval.ScopeProject,
			},
		})
	}

	options = append(options, approvalOption{
		label:       "No, provide feedback",
		description: "Do not run the command; provide feedback",
		hotkey:      "n",
		response:    turn.ApprovalResponse{Decision: approval.DecisionDenied},
	})
	return options
}

func patchOptions() []approvalOption {
	return []approvalOption{
		{
			label:       "Yes",
			description: "Approve and apply the changes",
			hotkey:      "y",
			response:    turn.ApprovalResponse{Decision: approval.DecisionApproved},
		},
		{
			label:       "No, provide feedback",
			description: "Do not apply the changes; provide feedback",
			hotkey:      "n",
			response:    turn.ApprovalResponse{Decision: approval.DecisionDenied},
		},
	}
}

// handleKey processes one key press; returns true once a decision was sent.
func (m *approvalModal) handleKey(key tea.KeyPressMsg) bool {
	if m.done {
		return true
	}
	switch key.Keystroke() {
	case "up", "left":
		m.selected = (m.selected + len(m.options) - 1) % len(m.options)
	case "down", "right":
		m.selected = (m.selected + 1) % len(m.options)
	case "enter":
		m.send(m.options[m.selected].response)
	case "esc":
		m.send(turn.ApprovalResponse{Decision: approval.DecisionAbort})
	default:
		k := strings.ToLower(key.Text)
		for i, opt := range m.options {
			if opt.hotkey == k {
				m.selected = i
				m.send(opt.response)
				break
			}
		}
	}
	return m.done
}

func (m *approvalModal) send(resp turn.ApprovalResponse) {
	if m.done {
		return
	}
	m.done = true
	m.reply <- resp
}

func (m *approvalModal) view(width int) string {
	var b strings.Builder
	if m.req.Patch != "" {
		b.WriteString("? coda wants to apply a patch\n\n")
	} else {
		b.WriteString("? coda wants to run " + approval.DisplayCommand(m.req.Command) + "\n\n")
	}
	for i, opt := range m.options {
		indicator := "  "
		if i == m.selected {
			indicator = "› "
		}
		fmt.Fprintf(&b, "%s%s (%s)\n    %s\n", indicator, opt.label, opt.hotkey, opt.description)
	}
	return modalStyle.Width(min(width-2, 80)).Render(strings.TrimRight(b.String(), "\n"))
}
