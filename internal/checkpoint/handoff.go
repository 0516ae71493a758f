package checkpoint

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/xiaot623/gogo/fleet/internal/domain"
)

// handoffOutputLines is how much partial output the prompt quotes.
const handoffOutputLines = 40

// GenerateHandoffPrompt renders a checkpoint into a brief a successor
// session can be launched with.
func GenerateHandoffPrompt(cp *domain.Checkpoint) string {
	st := cp.State
	var b strings.Builder

	b.WriteString("You are resuming work from a previous session that was interrupted.\n\n")

	b.WriteString("## Previous session\n")
	fmt.Fprintf(&b, "- Session: %s\n", cp.SessionID)
	if st.AgentName != "" {
		fmt.Fprintf(&b, "- Agent: %s\n", st.AgentName)
	}
	if st.MachineID != "" {
		fmt.Fprintf(&b, "- Machine: %s\n", st.MachineID)
	}
	if st.Command != "" {
		fmt.Fprintf(&b, "- Command: %s\n", st.Command)
	}
	if st.Cwd != "" {
		fmt.Fprintf(&b, "- Working directory: %s\n", st.Cwd)
	}
	if !st.CapturedAt.IsZero() {
		fmt.Fprintf(&b, "- Interrupted: %s\n", humanize.Time(st.CapturedAt))
	}
	if st.Reason != "" {
		fmt.Fprintf(&b, "- Reason: %s\n", st.Reason)
	}
	if st.ExitCode != nil {
		fmt.Fprintf(&b, "- Exit code: %d\n", *st.ExitCode)
	}

	b.WriteString("\n## Task state\n")
	task := st.Task
	if task == "" {
		task = "(no task was reported)"
	}
	fmt.Fprintf(&b, "- Task: %s\n", task)
	fmt.Fprintf(&b, "- Progress: %d%%\n", st.Progress)
	if st.AgentStatus != "" {
		fmt.Fprintf(&b, "- Last status: %s\n", st.AgentStatus)
	}
	if st.TokensUsed > 0 {
		fmt.Fprintf(&b, "- Tokens used: %s\n", humanize.Comma(st.TokensUsed))
	}

	if st.LastOutput != "" {
		b.WriteString("\n## Last reported output\n")
		b.WriteString(strings.TrimSpace(st.LastOutput))
		b.WriteString("\n")
	}

	if out := lastLines(st.PartialOutput, handoffOutputLines); out != "" {
		fmt.Fprintf(&b, "\n## Terminal output before interruption (%s total)\n", humanize.Bytes(uint64(len(st.PartialOutput))))
		b.WriteString("```\n")
		b.WriteString(out)
		b.WriteString("\n```\n")
	}

	b.WriteString("\n## Instructions\n")
	b.WriteString("Review the state above, verify what was already done, and continue the task from where it stopped. ")
	b.WriteString("Do not repeat completed steps.\n")

	return b.String()
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(strings.ReplaceAll(s, "\r\n", "\n"), "\n ")
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
