package domain

import (
	"fmt"
	"strings"
	"time"
)

// RiskCheck names one of the ordered pre-trade checks. The value doubles as
// the rejection reason code.
type RiskCheck string

const (
	CheckKillSwitch             RiskCheck = "kill_switch"
	CheckCooldown               RiskCheck = "cooldown"
	CheckRateLimit              RiskCheck = "rate_limit"
	CheckMaxPosition            RiskCheck = "max_position"
	CheckMaxExposure            RiskCheck = "max_exposure"
	CheckMaxConcurrentPositions RiskCheck = "max_concurrent_positions"
	CheckMarketTiming           RiskCheck = "market_timing"
	CheckSlippage               RiskCheck = "slippage"
)

// RiskChecks lists every check in evaluation order.
var RiskChecks = []RiskCheck{
	CheckKillSwitch,
	CheckCooldown,
	CheckRateLimit,
	CheckMaxPosition,
	CheckMaxExposure,
	CheckMaxConcurrentPositions,
	CheckMarketTiming,
	CheckSlippage,
}

// ParseRiskCheck maps a config string onto a RiskCheck.
func ParseRiskCheck(s string) (RiskCheck, error) {
	c := RiskCheck(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range RiskChecks {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("domain: unknown risk check %q", s)
}

// Rejection is a classified refusal of an intent by the risk manager. It is
// terminal for the cycle that produced the intent.
type Rejection struct {
	Intent TradeIntent
	Check  RiskCheck
	Detail string
	At     time.Time
}

// Error implements error so rejections travel through normal error returns.
func (r *Rejection) Error() string {
	return fmt.Sprintf("risk: %s rejected for %s: %s", r.Check, r.Intent.TokenID, r.Detail)
}

// KillSwitchState is the two-state global safety flag.
type KillSwitchState struct {
	Active bool      `json:"active"`
	Reason string    `json:"reason,omitempty"`
	Since  time.Time `json:"since,omitempty"`
}

// RiskStats is a read-only summary of the risk manager's state.
type RiskStats struct {
	KillSwitch       KillSwitchState   `json:"kill_switch"`
	TradesLastMinute int               `json:"trades_last_minute"`
	Approved         int               `json:"approved"`
	Rejections       map[RiskCheck]int `json:"rejections"`
	PendingExposure  float64           `json:"pending_exposure"`
	Equity           float64           `json:"equity"`
	PeakEquity       float64           `json:"peak_equity"`
	DrawdownPct      float64           `json:"drawdown_pct"`
}
