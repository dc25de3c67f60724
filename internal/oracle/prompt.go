package oracle

import (
	"fmt"
	"sort"
	"strings"
)

const systemPrompt = `You triage a personal inbox. For every item decide one action.

Allowed actions:
- mail items: archive, delete, flag, mark_read, ignore
- chat items: mark_read, flag, ignore

Respond with a single JSON object and nothing else:
{"proposals":[{"id":"<item id>","action":"<action>","reasoning":"<one sentence>","confidence":<0..1>}]}

Only use ids from the list you are given. Prefer flag for anything that needs a reply from the user.`

// BuildPrompt renders the user message for one batch.
func BuildPrompt(req Request) string {
	var sb strings.Builder

	if ctx := strings.TrimSpace(req.Context); ctx != "" {
		sb.WriteString("## Context\n\n")
		sb.WriteString(ctx)
		sb.WriteString("\n\n")
	}

	if len(req.History) > 0 {
		sb.WriteString("## Past decisions by sender\n\n")
		senders := make([]string, 0, len(req.History))
		for s := range req.History {
			senders = append(senders, s)
		}
		sort.Strings(senders)
		for _, s := range senders {
			lines := req.History[s]
			if len(lines) == 0 {
				continue
			}
			fmt.Fprintf(&sb, "%s:\n", s)
			for _, l := range lines {
				fmt.Fprintf(&sb, "- %s\n", l)
			}
		}
		sb.WriteString("\n")
	}

	sb.WriteString("## Items\n\n")
	for _, it := range req.Items {
		fmt.Fprintf(&sb, "id: %s\n", it.Key())
		fmt.Fprintf(&sb, "source: %s (%s)\n", it.Source, it.AccountID)
		fmt.Fprintf(&sb, "from: %s\n", it.Sender)
		if it.Subject != "" {
			fmt.Fprintf(&sb, "subject: %s\n", it.Subject)
		}
		if it.Preview != "" {
			fmt.Fprintf(&sb, "preview: %s\n", oneLine(it.Preview, 300))
		}
		if it.Unread {
			sb.WriteString("unread: yes\n")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max]) + "..."
	}
	return s
}
