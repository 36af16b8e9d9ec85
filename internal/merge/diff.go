package merge

import (
	"fmt"
	"strings"
)

// RenderDiff formats a merged changeset as a human-readable cell diff,
// returned to task processors alongside the applied/conflict status.
func RenderDiff(m Merged) string {
	if m.Noop() {
		return fmt.Sprintf("%s: no changes (all edits already present)\n", m.Resource)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %d cell(s)\n", m.Resource, len(m.Edits))
	for _, e := range m.Edits {
		fmt.Fprintf(&b, "  %-6s %s -> %s\n", e.Cell, valueOrEmpty(e.Old), valueOrEmpty(e.New))
	}
	return b.String()
}

// RenderConflict formats a conflict as a structured diagnostic: resource,
// competing values and owners, and a suggested manual action.
func RenderConflict(c Conflict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CONFLICT %s on %s (actors: %s)\n", c.Kind, c.Resource, strings.Join(c.Actors, ", "))
	if c.Detail != "" {
		fmt.Fprintf(&b, "  %s\n", c.Detail)
	}
	for _, o := range c.Overlapping {
		fmt.Fprintf(&b, "  %-6s local %s -> %s | remote %s -> %s\n",
			o.Cell,
			valueOrEmpty(o.Local.Old), valueOrEmpty(o.Local.New),
			valueOrEmpty(o.Remote.Old), valueOrEmpty(o.Remote.New))
	}
	switch c.Kind {
	case KindVersionMismatch:
		b.WriteString("  action: re-plan the changeset against the current snapshot and resubmit\n")
	default:
		b.WriteString("  action: resolve manually (keep_local / keep_remote / manual_merge) and record the resolution\n")
	}
	return b.String()
}

func valueOrEmpty(v string) string {
	if v == "" {
		return "(empty)"
	}
	return v
}
