package qos

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/slack-go/slack"
)

// ActionExecutor performs the side effect behind one remediation type.
// restart/scale_up/scale_down/throttle are out-of-scope collaborators
// per spec §1 ("no new inference algorithm"); this repo ships a
// logging-only default and the Slack-backed alert implementation, and
// leaves the interface for a host process to wire against its own
// fleet-management API.
type ActionExecutor interface {
	Execute(ctx context.Context, actionType, key string, event Event) error
}

// LoggingActionExecutor performs no side effect beyond a structured log
// line; it is the default used wherever no real executor is wired.
type LoggingActionExecutor struct {
	Log logr.Logger
}

// Execute logs the remediation that would have run.
func (l LoggingActionExecutor) Execute(_ context.Context, actionType, key string, event Event) error {
	l.Log.Info("remediation action", "action", actionType, "key", key, "slo", event.SLO,
		"tenant", event.Tenant, "model", event.Model, "value", event.Value, "threshold", event.Threshold)
	return nil
}

// SlackPoster is the subset of slack.Client this package calls,
// narrowed so tests can substitute a fake.
type SlackPoster interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackAlertExecutor posts a violation/recovery summary to a channel;
// it only handles the "alert" action type and delegates everything else
// to Next.
type SlackAlertExecutor struct {
	Client  SlackPoster
	Channel string
	Next    ActionExecutor
}

// Execute posts to Slack for "alert" actions, otherwise delegates.
func (s SlackAlertExecutor) Execute(ctx context.Context, actionType, key string, event Event) error {
	if actionType != "alert" {
		if s.Next != nil {
			return s.Next.Execute(ctx, actionType, key, event)
		}
		return nil
	}
	text := event.Kind.String() + ": " + event.SLO + " tenant=" + event.Tenant + " model=" + event.Model
	_, _, err := s.Client.PostMessageContext(ctx, s.Channel, slack.MsgOptionText(text, false))
	return err
}
