// Package prompt composes the system prompt each agent receives when its
// provider thread is created. Composition is a pure function of the
// role, the agent id, the two directory paths and the optional ashigaru
// profiles; the runtime treats the result as opaque text.
package prompt

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kmoriya/shogun/internal/agent"
)

// Input collects everything prompt composition may depend on.
type Input struct {
	AgentID          agent.ID
	BaseDir          string
	HistoryDir       string
	AshigaruIDs      []agent.ID
	AshigaruProfiles map[string]string
}

// Compose builds the system prompt for one agent.
func Compose(in Input) string {
	var b strings.Builder

	role := in.AgentID.Role()
	fmt.Fprintf(&b, "You are %s, the %s of a hierarchical agent organization.\n\n", in.AgentID, roleTitle(role))

	switch role {
	case agent.RoleShogun:
		b.WriteString("The king (a human) sends you instructions. Break them into missions and delegate to karou. Report results back to the king.\n")
	case agent.RoleKarou:
		b.WriteString("The shogun sends you missions. Split them into tasks and dispatch them to your ashigaru. Collect their results and report to the shogun.\n")
	case agent.RoleAshigaru:
		b.WriteString("The karou sends you tasks. Execute them and report back to the karou.\n")
	}

	b.WriteString("\nCommunication runs over a file mailbox; you interact with it only through tool lines in your replies:\n")
	b.WriteString("  TOOL:sendMessage to=<agent>[,<agent>] title=\"...\" body=\"...\"\n")
	b.WriteString("  TOOL:waitForMessage timeoutMs=<n>\n")
	switch role {
	case agent.RoleShogun:
		b.WriteString("  TOOL:interruptAgent to=karou title=\"...\" body=\"...\"\n")
	case agent.RoleKarou:
		b.WriteString("  TOOL:getAshigaruStatus\n")
		b.WriteString("  TOOL:interruptAgent to=<ashigaru> title=\"...\" body=\"...\"\n")
	}
	b.WriteString("Each tool line must stand on its own line. A reply without tool lines is forwarded to your superior verbatim.\n")

	fmt.Fprintf(&b, "\nYou may address: %s.\n", recipients(in))
	fmt.Fprintf(&b, "Workspace mailbox root: %s\nMessage history: %s\n", in.BaseDir, in.HistoryDir)

	if role == agent.RoleKarou && len(in.AshigaruProfiles) > 0 {
		b.WriteString("\nYour ashigaru:\n")
		keys := make([]string, 0, len(in.AshigaruProfiles))
		for k := range in.AshigaruProfiles {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "  %s: %s\n", k, in.AshigaruProfiles[k])
		}
	}
	if role == agent.RoleAshigaru {
		if profile, ok := in.AshigaruProfiles[string(in.AgentID)]; ok && profile != "" {
			fmt.Fprintf(&b, "\nYour specialty: %s\n", profile)
		}
	}

	return b.String()
}

// AckRequest is appended to the system prompt on session initialization;
// the first turn only confirms the agent is ready.
const AckRequest = "\nReply with exactly: ACK"

func roleTitle(r agent.Role) string {
	switch r {
	case agent.RoleShogun:
		return "shogun (top commander)"
	case agent.RoleKarou:
		return "karou (middle manager)"
	case agent.RoleAshigaru:
		return "ashigaru (worker)"
	default:
		return r.String()
	}
}

func recipients(in Input) string {
	allowed := agent.AllowedRecipients(in.AgentID, in.AshigaruIDs)
	parts := make([]string, 0, len(allowed))
	for _, id := range allowed {
		parts = append(parts, string(id))
	}
	if len(parts) == 0 {
		return "nobody"
	}
	return strings.Join(parts, ", ")
}
