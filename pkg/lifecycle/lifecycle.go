// Package lifecycle orchestrates one ephemeral workspace session against the
// workbench API. The API server is the sole source of truth for session
// state; this package reconciles local intent (deploy, stop, restart,
// replace) with the eventually consistent remote state through fixed-cadence
// polling, lease renewal and budgeted retries.
package lifecycle

import (
	"context"
	"time"

	v1 "github.com/workbench-sh/workbench/api/v1"
)

// Gateway is the request/response surface of the remote session authority.
// *client.Client satisfies it. Implementations may be slow and may report
// states that lag reality; callers must not infer state locally.
type Gateway interface {
	CreateSession(ctx context.Context, id string, conf v1.SessionConfiguration) error
	GetSession(ctx context.Context, id string) (*v1.Session, error)
	UpdateSession(ctx context.Context, id string, conf v1.SessionUpdateConfiguration) error
	DeleteSession(ctx context.Context, id string) error
}

// Config holds the orchestration cadences and retry budgets. The zero value
// is completed by SetDefaults.
type Config struct {
	// PollInterval is the reconciliation cadence.
	PollInterval time.Duration
	// CallTimeout is the wall-clock deadline applied to every gateway call,
	// separate from the multi-attempt budgets.
	CallTimeout time.Duration
	// DeployAttempts is the readiness budget (attempts at PollInterval).
	DeployAttempts int
	// SlowAfter is the attempt at which a non-terminal "slow deployment"
	// signal fires, without resetting the budget.
	SlowAfter int
	// StopAttempts is the absence-confirmation budget used by stop and
	// replace.
	StopAttempts int
	// ExtendInterval is the lease renewal cadence while connected.
	ExtendInterval time.Duration
	// ExtendThresholdMinutes triggers a renewal when the remaining session
	// time drops below it.
	ExtendThresholdMinutes int
	// ExtendStepMinutes is the renewal increment, capped at the session's
	// max duration.
	ExtendStepMinutes int
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = time.Second
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.DeployAttempts == 0 {
		c.DeployAttempts = 300
	}
	if c.SlowAfter == 0 {
		c.SlowAfter = 30
	}
	if c.StopAttempts == 0 {
		c.StopAttempts = 10
	}
	if c.ExtendInterval == 0 {
		c.ExtendInterval = 5 * time.Second
	}
	if c.ExtendThresholdMinutes == 0 {
		c.ExtendThresholdMinutes = 10
	}
	if c.ExtendStepMinutes == 0 {
		c.ExtendStepMinutes = 10
	}
}

// DefaultConfig returns the default orchestration configuration.
func DefaultConfig() Config {
	var c Config
	c.SetDefaults()
	return c
}

// SessionFailedError is a terminal failure reported by the remote authority.
// Reason is propagated verbatim (e.g. "OOMKilled").
type SessionFailedError struct {
	Reason  string
	Message string
}

func (e *SessionFailedError) Error() string {
	if e.Message != "" {
		return e.Reason + ": " + e.Message
	}
	return e.Reason
}
