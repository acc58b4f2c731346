package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (s *recordingSender) Send(_ context.Context, title, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, title)
	return s.err
}

func (s *recordingSender) Name() string { return "recording" }

func (s *recordingSender) sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.titles...)
}

func drain(t *testing.T, n *Notifier, want int, s *recordingSender) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = n.Run(ctx)
		close(done)
	}()
	require.Eventually(t, func() bool { return len(s.sent()) == want }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestOnReportSelectsAlerts(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, nil, testLogger())

	n.OnReport(domain.ExecutionReport{Status: domain.OrderStatusAcknowledged})
	n.OnReport(domain.ExecutionReport{Status: domain.OrderStatusRejected, Retryable: true})
	n.OnReport(domain.ExecutionReport{Status: domain.OrderStatusFilled, FilledSize: 50, RequestedSize: 50})
	n.OnReport(domain.ExecutionReport{Status: domain.OrderStatusFilled, FilledSize: 20, RequestedSize: 50, Partial: true})
	n.OnReport(domain.ExecutionReport{Status: domain.OrderStatusRejected, Reason: "invalid order"})

	drain(t, n, 3, s)
	assert.Equal(t, []string{"Order filled", "Order partially filled", "Order rejected"}, s.sent())
}

func TestEventFilter(t *testing.T) {
	s := &recordingSender{}
	n := NewNotifier([]Sender{s}, []string{" kill_switch "}, testLogger())
	assert.True(t, n.Allowed(EventKillSwitch))
	assert.False(t, n.Allowed(EventOrderFilled))

	n.OnReport(domain.ExecutionReport{Status: domain.OrderStatusFilled})
	n.OnHalt("tok", "negative shares")
	n.OnKillSwitch(domain.KillSwitchState{Active: true, Reason: "drawdown"})

	drain(t, n, 1, s)
	assert.Equal(t, []string{"Kill switch ACTIVE"}, s.sent())
}

func TestNoSendersIsNoop(t *testing.T) {
	n := NewNotifier(nil, nil, testLogger())
	assert.False(t, n.Enabled())
	n.OnHalt("tok", "x")
	assert.Empty(t, n.queue)
}

func TestDispatchContinuesAfterSenderFailure(t *testing.T) {
	bad := &recordingSender{err: errors.New("boom")}
	good := &recordingSender{}
	n := NewNotifier([]Sender{bad, good}, nil, testLogger())

	err := n.dispatch(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 sender(s) failed")
	assert.Len(t, good.sent(), 1)
}

func TestTelegramSender(t *testing.T) {
	var got telegramMessage
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "Token halted", "btc_up"))

	assert.Equal(t, "/botTOKEN/sendMessage", path)
	assert.Equal(t, "42", got.ChatID)
	assert.Equal(t, "*Token halted*\nbtc\\_up", got.Text)
	assert.Equal(t, "Markdown", got.ParseMode)
}

func TestDiscordSenderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m discordMessage
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		assert.Equal(t, "**t**\nm", m.Content)
		http.Error(w, "bad webhook", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 400")
}
