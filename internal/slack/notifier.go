// Package slack posts run outcomes to a Slack incoming webhook.
package slack

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/slack-go/slack"

	"github.com/p-blackswan/agentforge/internal/bus"
	ferrors "github.com/p-blackswan/agentforge/internal/errors"
	"github.com/p-blackswan/agentforge/internal/retry"
)

const (
	phaseCommitted = "COMMITTED"
	phaseFailed    = "FAILED"
)

// PostFunc delivers one webhook message.
type PostFunc func(ctx context.Context, url string, msg *slack.WebhookMessage) error

// Notifier is a bus.Publisher that only forwards terminal run events.
type Notifier struct {
	url    string
	post   PostFunc
	retry  retry.Config
	logger zerolog.Logger
}

// NewNotifier creates a notifier for the webhook at url.
func NewNotifier(url string, logger zerolog.Logger) *Notifier {
	cfg := retry.DefaultConfig()
	cfg.Retryable = webhookRetryable
	return &Notifier{
		url:    url,
		post:   slack.PostWebhookContext,
		retry:  cfg,
		logger: logger.With().Str("component", "slack").Logger(),
	}
}

// WithPost swaps the delivery function.
func (n *Notifier) WithPost(fn PostFunc) *Notifier {
	n.post = fn
	return n
}

// Publish implements bus.Publisher.
func (n *Notifier) Publish(ctx context.Context, ev bus.Event) error {
	if ev.Phase != phaseCommitted && ev.Phase != phaseFailed {
		return nil
	}
	msg := RunMessage(ev)
	err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
		return n.post(ctx, n.url, msg)
	})
	if err != nil {
		n.logger.Warn().Err(err).Str("run_id", ev.RunID).Msg("slack notification failed")
		return ferrors.Communication("notify slack", err)
	}
	return nil
}

// RunMessage renders a terminal event as Block Kit.
func RunMessage(ev bus.Event) *slack.WebhookMessage {
	icon := ":white_check_mark:"
	if ev.Phase == phaseFailed {
		icon = ":x:"
	}
	headline := fmt.Sprintf("%s run `%s` %s", icon, ev.RunID, ev.Phase)
	blocks := []slack.Block{
		slack.NewSectionBlock(slack.NewTextBlockObject(slack.MarkdownType, headline, false, false), nil, nil),
	}
	if ev.Summary != "" {
		blocks = append(blocks, slack.NewContextBlock("",
			slack.NewTextBlockObject(slack.MarkdownType, truncate(ev.Summary, 2900), false, false)))
	}
	return &slack.WebhookMessage{
		Text:   fmt.Sprintf("run %s %s: %s", ev.RunID, ev.Phase, ev.Summary),
		Blocks: &slack.Blocks{BlockSet: blocks},
	}
}

// webhookRetryable retries rate limits and 5xx responses.
func webhookRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	return ferrors.IsRetryable(err)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
