package debate

import (
	"fmt"
	"strings"
)

// FormatRoom renders a room as plain text.
func FormatRoom(r *Room) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Debate %s (%s, round %d/%d)\n", r.ID, r.Status, r.Round, r.MaxRounds)
	fmt.Fprintf(&b, "Topic: %s\n", r.Topic)
	if len(r.Participants) > 0 {
		fmt.Fprintf(&b, "Participants: %s\n", strings.Join(r.Participants, ", "))
	}

	if len(r.Messages) > 0 {
		b.WriteString("Messages:\n")
		for _, m := range r.Messages {
			fmt.Fprintf(&b, "  [r%d] %s (%s): %s\n", m.Round, m.Author, m.Type, m.Body)
		}
	}

	if len(r.Concerns) > 0 {
		b.WriteString("Concerns:\n")
		for _, c := range r.Concerns {
			state := "open"
			if c.Resolved {
				state = "resolved by " + c.ResolvedBy
			}
			fmt.Fprintf(&b, "  - %s [%s] %s (%s)\n", c.ID, c.Priority, c.Description, state)
		}
	}

	if res := r.Resolution; res != nil {
		fmt.Fprintf(&b, "Outcome: %s (by %s)\n", res.Outcome, res.ResolvedBy)
		if res.Rationale != "" {
			fmt.Fprintf(&b, "Rationale: %s\n", res.Rationale)
		}
		if len(res.OverrodeBlockers) > 0 {
			fmt.Fprintf(&b, "Overrode blockers: %s\n", strings.Join(res.OverrodeBlockers, ", "))
		}
	}
	return b.String()
}
