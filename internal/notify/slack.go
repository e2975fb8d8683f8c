// Package notify delivers best-effort Slack notifications for incident
// lifecycle events. Delivery failures are logged and dropped; there is no
// retry or exactly-once guarantee.
package notify

import (
	"fmt"
	"log"

	"github.com/slack-go/slack"

	"github.com/opswatch/opswatch/internal/database"
)

// SlackNotifier posts incident notifications to a single channel
type SlackNotifier struct {
	client  *slack.Client
	channel string
}

// NewSlackNotifier builds a notifier from stored settings. Returns nil when
// Slack is disabled or unconfigured; a nil notifier is safe to skip.
func NewSlackNotifier(settings *database.SlackSettings) *SlackNotifier {
	if settings == nil || !settings.IsActive() {
		return nil
	}
	return &SlackNotifier{
		client:  slack.New(settings.BotToken),
		channel: settings.Channel,
	}
}

// IncidentCreated implements monitor.Notifier
func (n *SlackNotifier) IncidentCreated(incident *database.Incident) {
	attachment := slack.Attachment{
		Color: severityColor(incident.Severity),
		Title: fmt.Sprintf("%s %s", severityEmoji(incident.Severity), incident.Title),
		Fields: []slack.AttachmentField{
			{Title: "Severity", Value: string(incident.Severity), Short: true},
			{Title: "Category", Value: string(incident.Category), Short: true},
			{Title: "Service", Value: incident.ServiceName, Short: true},
			{Title: "Incident", Value: incident.UUID, Short: true},
		},
		Text: truncate(incident.Description, 500),
	}
	n.post(slack.MsgOptionAttachments(attachment))
}

// IncidentAutoResolved implements monitor.Notifier
func (n *SlackNotifier) IncidentAutoResolved(incident *database.Incident) {
	text := fmt.Sprintf(":white_check_mark: Incident %s (%s) auto-resolved after a stable quiet period", incident.UUID, incident.Title)
	n.post(slack.MsgOptionText(text, false))
}

func (n *SlackNotifier) post(options ...slack.MsgOption) {
	if _, _, err := n.client.PostMessage(n.channel, options...); err != nil {
		log.Printf("Warning: Slack notification failed: %v", err)
	}
}

func severityColor(severity database.Severity) string {
	switch severity {
	case database.SeverityHigh:
		return "#d62728"
	case database.SeverityMedium:
		return "#ff9900"
	default:
		return "#2eb886"
	}
}

func severityEmoji(severity database.Severity) string {
	switch severity {
	case database.SeverityHigh:
		return ":red_circle:"
	case database.SeverityMedium:
		return ":large_orange_circle:"
	default:
		return ":large_yellow_circle:"
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
