// Package slack sends outbound incident notifications.
package slack

import (
	"fmt"
	"log"
	"strings"

	"github.com/slack-go/slack"

	"github.com/causalis/causalis/internal/database"
)

// Notifier posts RCA lifecycle notifications to a Slack channel. When no
// token or channel is configured every notification is a silent no-op, so
// callers never need to check for it.
type Notifier struct {
	client  *slack.Client
	channel string
}

// NewNotifier creates a notifier. An empty token or channel disables it.
func NewNotifier(token, channel string) *Notifier {
	n := &Notifier{channel: channel}
	if token != "" && channel != "" {
		n.client = slack.New(token)
	} else {
		log.Printf("Slack notifications disabled (no token or channel configured)")
	}
	return n
}

func (n *Notifier) enabled() bool {
	return n.client != nil
}

// NotifyRCACreated announces a newly generated RCA
func (n *Notifier) NotifyRCACreated(rca *database.RCA) {
	if !n.enabled() {
		return
	}
	n.post(formatRCACreated(rca))
}

// NotifyRCAStatusChange announces an RCA status transition
func (n *Notifier) NotifyRCAStatusChange(rca *database.RCA, previous database.RCAStatus) {
	if !n.enabled() {
		return
	}
	n.post(formatStatusChange(rca, previous))
}

func (n *Notifier) post(text string) {
	_, _, err := n.client.PostMessage(
		n.channel,
		slack.MsgOptionText(text, false),
	)
	if err != nil {
		log.Printf("Failed to send Slack notification: %v", err)
	}
}

func formatRCACreated(rca *database.RCA) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s *New RCA: %s*\n", severityEmoji(rca.Severity), rca.Title)
	fmt.Fprintf(&b, "Severity: *%s* | Confidence: *%s* | Method: %s\n",
		rca.Severity, rca.ConfidenceScore, rca.AnalysisMethod)
	fmt.Fprintf(&b, "Root cause: %s", truncate(rca.RootCause, 300))
	if len(rca.AffectedSystems) > 0 {
		fmt.Fprintf(&b, "\nAffected systems: %s", strings.Join(rca.AffectedSystems, ", "))
	}
	return b.String()
}

func formatStatusChange(rca *database.RCA, previous database.RCAStatus) string {
	emoji := "🔄"
	if rca.Status == database.RCAStatusClosed {
		emoji = "✅"
	}
	return fmt.Sprintf("%s *RCA %s*: %s → %s\n%s",
		emoji, rca.RCAID, previous, rca.Status, rca.Title)
}

func severityEmoji(s database.Severity) string {
	switch s {
	case database.SeverityCritical:
		return "🚨"
	case database.SeverityHigh:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max] + "..."
}
