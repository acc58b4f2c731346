// Package notify delivers operator alerts (kill switch, fills, fatal
// rejections, token halts) to Telegram and Discord. Alerts are queued and
// sent from a background goroutine so the trading path never waits on HTTP.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// Event types accepted in the notify.events filter.
const (
	EventKillSwitch    = "kill_switch"
	EventOrderFilled   = "order_filled"
	EventOrderRejected = "order_rejected"
	EventTokenHalted   = "token_halted"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

type alert struct {
	event   string
	title   string
	message string
}

// Notifier filters alerts by event type and dispatches them to every
// registered Sender.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	queue   chan alert
	logger  *slog.Logger
	dropped atomic.Int64
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice are forwarded; an empty list
// allows every event.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		if e = strings.TrimSpace(e); e != "" {
			allowed[e] = true
		}
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		queue:   make(chan alert, 256),
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// Enabled reports whether at least one sender is configured.
func (n *Notifier) Enabled() bool {
	return len(n.senders) > 0
}

// Allowed reports whether event passes the filter.
func (n *Notifier) Allowed(event string) bool {
	return len(n.events) == 0 || n.events[event]
}

// OnReport alerts on terminal fills and on rejections that will not be
// retried. Intermediate and retryable reports are ignored.
func (n *Notifier) OnReport(rep domain.ExecutionReport) {
	switch {
	case rep.Status == domain.OrderStatusFilled:
		title := "Order filled"
		if rep.IsPartial() {
			title = "Order partially filled"
		}
		n.enqueue(EventOrderFilled, title, fmt.Sprintf(
			"%s %s %s\n$%.2f of $%.2f @ %.4f%s",
			rep.Action, rep.Side, rep.TokenID,
			rep.FilledSize, rep.RequestedSize, rep.AvgPrice, dryRunSuffix(rep.DryRun),
		))
	case rep.Status == domain.OrderStatusRejected && !rep.Retryable:
		n.enqueue(EventOrderRejected, "Order rejected", fmt.Sprintf(
			"%s %s %s\n%s%s", rep.Action, rep.Side, rep.TokenID, rep.Reason, dryRunSuffix(rep.DryRun),
		))
	}
}

// OnKillSwitch alerts on every kill switch transition.
func (n *Notifier) OnKillSwitch(state domain.KillSwitchState) {
	if state.Active {
		n.enqueue(EventKillSwitch, "Kill switch ACTIVE", "reason: "+state.Reason)
		return
	}
	n.enqueue(EventKillSwitch, "Kill switch cleared", "trading resumed")
}

// OnHalt alerts when a token is halted after an invariant violation.
func (n *Notifier) OnHalt(tokenID, reason string) {
	n.enqueue(EventTokenHalted, "Token halted", fmt.Sprintf("%s\n%s", tokenID, reason))
}

func dryRunSuffix(dry bool) string {
	if dry {
		return " (dry run)"
	}
	return ""
}

func (n *Notifier) enqueue(event, title, message string) {
	if !n.Enabled() || !n.Allowed(event) {
		return
	}
	select {
	case n.queue <- alert{event: event, title: title, message: message}:
	default:
		n.dropped.Add(1)
		n.logger.Warn("notification queue full, dropping", slog.String("event", event))
	}
}

// Run delivers queued alerts until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case a := <-n.queue:
			if err := n.dispatch(ctx, a.title, a.message); err != nil {
				n.logger.WarnContext(ctx, "notification failed",
					slog.String("event", a.event),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// dispatch sends to every sender. A single sender failure does not prevent
// delivery to the others; failures are returned combined.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []string
	for _, s := range n.senders {
		if err := s.Send(ctx, title, message); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", s.Name(), err))
			continue
		}
		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	if len(errs) > 0 {
		return fmt.Errorf("notify: %d sender(s) failed: %s", len(errs), strings.Join(errs, "; "))
	}
	return nil
}
