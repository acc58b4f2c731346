package domain

import (
	"context"
	"errors"
	"net"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrNotReady            = errors.New("snapshot not ready")
	ErrNoAction            = errors.New("intent requires no order")
	ErrOrderInFlight       = errors.New("order already in flight for token")
	ErrTokenHalted         = errors.New("token halted pending manual intervention")
	ErrInvalidTransition   = errors.New("invalid order state transition")
	ErrInvalidOrder        = errors.New("invalid order parameters")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrRateLimited         = errors.New("rate limited")
	ErrTransient           = errors.New("transient failure")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrSigningFailed       = errors.New("signing failed")
	ErrWSDisconnect        = errors.New("websocket disconnected")
	ErrUnknownStrategy     = errors.New("unknown strategy")
)

// IsTransient reports whether a submission failure is worth re-attempting
// from a fresh decision cycle. Exchange-level refusals are fatal; network
// trouble, throttling and deadlines are transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrInvalidOrder),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrSigningFailed),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, ErrTransient),
		errors.Is(err, ErrRateLimited),
		errors.Is(err, ErrWSDisconnect),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
