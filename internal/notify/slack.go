// Package notify contains downstream sinks for alert lifecycle events.
// Sinks subscribe to the event bus; their failures are isolated there and
// never reach the ingestion path.
package notify

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/opswatch/opswatch/internal/database"
	"github.com/opswatch/opswatch/internal/events"
	"github.com/opswatch/opswatch/internal/utils"
)

// slackPoster is the slice of the Slack client the notifier uses
type slackPoster interface {
	PostMessage(channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackNotifier posts alert lifecycle notifications to a Slack channel
type SlackNotifier struct {
	client  slackPoster
	channel string
}

// NewSlackNotifier creates a notifier posting to the given channel
func NewSlackNotifier(botToken, channel string) *SlackNotifier {
	return &SlackNotifier{
		client:  slack.New(botToken),
		channel: channel,
	}
}

// Register subscribes the notifier to the lifecycle events worth a message.
// ALERT_UPDATED is deliberately not subscribed: duplicate occurrences of a
// known condition would flood the channel.
func (n *SlackNotifier) Register(bus *events.Bus) {
	for _, t := range []events.EventType{
		events.AlertCreated,
		events.AlertAcknowledged,
		events.AlertResolved,
		events.AlertSuppressed,
	} {
		bus.Subscribe(t, n.handle)
	}
	log.Printf("Slack notifier subscribed (channel: %s)", n.channel)
}

func (n *SlackNotifier) handle(e events.Event) {
	snapshot, ok := e.Payload.(events.AlertEvent)
	if !ok {
		log.Printf("Slack notifier: unexpected payload type for %s", e.Type)
		return
	}

	message := FormatAlertMessage(e.Type, snapshot)
	_, _, err := n.client.PostMessage(
		n.channel,
		slack.MsgOptionText(message, false),
	)
	if err != nil {
		log.Printf("Failed to post Slack notification for alert %d: %v", snapshot.AlertID, err)
	}
}

// FormatAlertMessage renders one lifecycle event as Slack markup
func FormatAlertMessage(eventType events.EventType, a events.AlertEvent) string {
	var sb strings.Builder

	emoji := database.GetSeverityEmoji(database.AlertSeverity(a.Severity))
	sb.WriteString(fmt.Sprintf("%s *%s* - %s\n", emoji, headerFor(eventType), a.Title))

	device := a.DeviceIP
	if a.DeviceName != "" {
		if device != "" {
			device = fmt.Sprintf("%s (%s)", a.DeviceName, a.DeviceIP)
		} else {
			device = a.DeviceName
		}
	}
	if device != "" {
		sb.WriteString(fmt.Sprintf("*Device*: %s\n", device))
	}

	sb.WriteString(fmt.Sprintf("*Source*: %s | *Severity*: %s | *Category*: %s\n",
		a.SourceSystem, a.Severity, a.Category))

	if a.Message != "" {
		sb.WriteString(fmt.Sprintf("%s\n", a.Message))
	}

	if a.OccurrenceCount > 1 {
		sb.WriteString(fmt.Sprintf("Seen %d times over %s\n",
			a.OccurrenceCount, utils.FormatDuration(time.Since(a.FirstOccurredAt))))
	}

	if eventType == events.AlertSuppressed && a.CorrelationRule != "" {
		sb.WriteString(fmt.Sprintf("_%s_\n", a.CorrelationRule))
	}

	return sb.String()
}

func headerFor(eventType events.EventType) string {
	switch eventType {
	case events.AlertCreated:
		return "New Alert"
	case events.AlertAcknowledged:
		return "Alert Acknowledged"
	case events.AlertResolved:
		return "Alert Resolved"
	case events.AlertSuppressed:
		return "Alert Suppressed"
	default:
		return string(eventType)
	}
}
