package prompt

import (
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/xonecas/coda/internal/protocol"
)

// EnvironmentContext describes the workspace the model operates in. It is
// serialized into an XML block inside a user message so the model can parse
// it reliably.
type EnvironmentContext struct {
	Cwd            string
	ApprovalPolicy string
	SandboxMode    string
	NetworkAccess  string // restricted | enabled
	WritableRoots  []string
	OSFamily       string
	OSVersion      string
	OSArch         string
	CommonTools    []string
	Shell          string
}

// Tag delimiters for the prefix messages. The assembler checks for the open
// tags to keep prefix injection idempotent across turns.
const (
	environmentContextStart = "<environment_context>\n\n"
	environmentContextEnd   = "\n\n</environment_context>"
	userInstructionsStart   = "<user_instructions>\n\n"
	userInstructionsEnd     = "\n\n</user_instructions>"
)

// toolCandidates is the probe list for <common_tools>.
var toolCandidates = []string{
	"git", "gh", "rg", "fd", "jq", "sed", "awk", "curl", "tar", "make",
	"node", "npm", "python3", "go", "cargo", "docker", "sqlite3", "rsync",
}

// DetectCommonTools probes PATH for well-known developer tools.
func DetectCommonTools() []string {
	var found []string
	for _, name := range toolCandidates {
		if _, err := exec.LookPath(name); err == nil {
			found = append(found, name)
		}
	}
	return found
}

// DetectOS fills the operating_system block from the runtime.
func (ec *EnvironmentContext) DetectOS() {
	ec.OSFamily = runtime.GOOS
	ec.OSArch = runtime.GOARCH
}

// SerializeToXML renders the context as the tagged block sent to the model.
func (ec EnvironmentContext) SerializeToXML() string {
	var lines []string
	lines = append(lines, "<environment_context>")
	if ec.Cwd != "" {
		lines = append(lines, fmt.Sprintf("  <cwd>%s</cwd>", ec.Cwd))
	}
	if ec.ApprovalPolicy != "" {
		lines = append(lines, fmt.Sprintf("  <approval_policy>%s</approval_policy>", ec.ApprovalPolicy))
	}
	if ec.SandboxMode != "" {
		lines = append(lines, fmt.Sprintf("  <sandbox_mode>%s</sandbox_mode>", ec.SandboxMode))
	}
	if ec.NetworkAccess != "" {
		lines = append(lines, fmt.Sprintf("  <network_access>%s</network_access>", ec.NetworkAccess))
	}
	if len(ec.WritableRoots) > 0 {
		lines = append(lines, "  <writable_roots>")
		for _, root := range ec.WritableRoots {
			lines = append(lines, fmt.Sprintf("    <root>%s</root>", root))
		}
		lines = append(lines, "  </writable_roots>")
	}
	if ec.OSFamily != "" || ec.OSVersion != "" || ec.OSArch != "" {
		lines = append(lines, "  <operating_system>")
		if ec.OSFamily != "" {
			lines = append(lines, fmt.Sprintf("    <family>%s</family>", ec.OSFamily))
		}
		if ec.OSVersion != "" {
			lines = append(lines, fmt.Sprintf("    <version>%s</version>", ec.OSVersion))
		}
		if ec.OSArch != "" {
			lines = append(lines, fmt.Sprintf("    <architecture>%s</architecture>", ec.OSArch))
		}
		lines = append(lines, "  </operating_system>")
	}
	if len(ec.CommonTools) > 0 {
		lines = append(lines, "  <common_tools>")
		for _, tool := range ec.CommonTools {
			lines = append(lines, fmt.Sprintf("    <tool>%s</tool>", tool))
		}
		lines = append(lines, "  </common_tools>")
	}
	if ec.Shell != "" {
		lines = append(lines, fmt.Sprintf("  <shell>%s</shell>", ec.Shell))
	}
	lines = append(lines, "</environment_context>")
	return strings.Join(lines, "\n")
}

// Message wraps the serialized context in the tagged user message.
func (ec EnvironmentContext) Message() protocol.ResponseItem {
	body := ec.SerializeToXML()
	// The body already carries the outer tags; wrap with the blank-line
	// padding the model prompt format expects.
	inner := strings.TrimSuffix(strings.TrimPrefix(body, "<environment_context>\n"), "\n</environment_context>")
	text := environmentContextStart + inner + environmentContextEnd
	return protocol.UserMessage(text)
}

// formatUserInstructions wraps raw user instructions in their tag block.
func formatUserInstructions(ui string) string {
	return userInstructionsStart + ui + userInstructionsEnd
}
