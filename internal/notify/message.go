package notify

import (
	"fmt"
	"strings"
	"time"

	"github.com/hamed0406/uptimewatch/internal/domain"
)

// Compose renders the subject and body for a transition. Only Opened and
// Resolved produce a message; ok is false otherwise.
func Compose(tr domain.Transition, t domain.Target, latest domain.Measurement) (subject, body string, ok bool) {
	uptime := fmt.Sprintf("%.1f%%", latest.Uptime()*100)
	latency := "N/A"
	if latest.LatencyMS > 0 {
		latency = fmt.Sprintf("%.2f ms", latest.LatencyMS)
	}
	checked := latest.CheckedAt.UTC().Format(time.RFC3339)

	var b strings.Builder
	switch tr {
	case domain.TransitionOpened:
		subject = fmt.Sprintf("Alert: %s is DOWN!", t.URL)
		fmt.Fprintf(&b, "Your monitored website %s is currently down.\n\n", t.DisplayName())
		fmt.Fprintf(&b, "Latest Status:\n")
		fmt.Fprintf(&b, "- URL: %s\n", t.URL)
		fmt.Fprintf(&b, "- Uptime: %s\n", uptime)
		fmt.Fprintf(&b, "- Response Time: %s\n", latency)
		if latest.Reason != "" {
			fmt.Fprintf(&b, "- Reason: %s\n", latest.Reason)
		}
		fmt.Fprintf(&b, "- Checked: %s\n\n", checked)
		b.WriteString("Please verify immediately.\n")
	case domain.TransitionResolved:
		subject = fmt.Sprintf("Resolved: %s is back UP!", t.URL)
		fmt.Fprintf(&b, "Good news! %s is back up.\n\n", t.DisplayName())
		fmt.Fprintf(&b, "Latest Status:\n")
		fmt.Fprintf(&b, "- URL: %s\n", t.URL)
		fmt.Fprintf(&b, "- Uptime: %s\n", uptime)
		fmt.Fprintf(&b, "- Response Time: %s\n", latency)
		fmt.Fprintf(&b, "- Checked: %s\n", checked)
	default:
		return "", "", false
	}
	return subject, b.String(), true
}
