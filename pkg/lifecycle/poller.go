package lifecycle

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

// Poller repeatedly queries the gateway at a fixed cadence until a terminal
// condition is observed or a retry budget is exhausted. Individual call
// failures count as failed attempts and are retried on the next tick; only
// non-retryable errors (e.g. authorization) abort a reconciliation early.
//
// Attempts run synchronously in the polling loop, so at most one gateway
// call is outstanding at a time; a slow call simply delays the next tick.
type Poller struct {
	gateway     Gateway
	interval    time.Duration
	callTimeout time.Duration
	log         logr.Logger
}

// NewPoller creates a new Poller.
func NewPoller(gateway Gateway, cfg Config, log logr.Logger) *Poller {
	cfg.SetDefaults()
	return &Poller{
		gateway:     gateway,
		interval:    cfg.PollInterval,
		callTimeout: cfg.CallTimeout,
		log:         log,
	}
}

// WaitReady polls until the session for id reports the Running phase and, if
// prober is non-nil and the session has a URL, until a reachability probe
// succeeds. A Failed phase or an unschedulable condition is immediately
// terminal with the remote-provided reason. onSlow fires once, at the
// slowAfter attempt boundary, when the session is still not ready.
func (p *Poller) WaitReady(ctx context.Context, id string, prober Prober, attempts, slowAfter int, onSlow func()) (*v1.Session, error) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if attempt == slowAfter && onSlow != nil {
			onSlow()
		}

		session, err := p.fetch(ctx, id)
		switch {
		case err != nil && !apperrors.Retryable(err):
			return nil, err
		case err != nil:
			p.log.V(1).Info("session fetch failed, retrying", "attempt", attempt, "error", err.Error())
		case session == nil:
			// The create call was accepted but the session is not visible
			// yet. Keep polling within budget.
		case session.Pod.Phase == v1.PhaseFailed:
			return nil, &SessionFailedError{Reason: session.Pod.Reason, Message: session.Pod.Message}
		case session.Unschedulable():
			return nil, unschedulableError(session)
		case session.Pod.Phase == v1.PhaseRunning:
			probeErr := p.probe(ctx, prober, session)
			if probeErr == nil {
				return session, nil
			}
			p.log.V(1).Info("session running but not reachable yet", "attempt", attempt, "error", probeErr.Error())
		}

		if attempt >= attempts {
			return nil, apperrors.New(apperrors.ErrCodeTimeout, "failed to reach session in time", nil)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// WaitAbsent polls until the session for id no longer exists. Used after a
// delete: the delete call itself may have failed, only eventual absence
// matters.
func (p *Poller) WaitAbsent(ctx context.Context, id string, attempts int) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		session, err := p.fetch(ctx, id)
		switch {
		case err != nil && !apperrors.Retryable(err):
			return err
		case err != nil:
			p.log.V(1).Info("session fetch failed, retrying", "attempt", attempt, "error", err.Error())
		case session == nil:
			return nil
		}

		if attempt >= attempts {
			return apperrors.New(apperrors.ErrCodeTimeout, "failed to stop session in time", nil)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Poller) fetch(ctx context.Context, id string) (*v1.Session, error) {
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return p.gateway.GetSession(callCtx, id)
}

func (p *Poller) probe(ctx context.Context, prober Prober, session *v1.Session) error {
	if prober == nil || session.URL == "" {
		return nil
	}
	callCtx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()
	return prober.Probe(callCtx, session.URL)
}

func unschedulableError(session *v1.Session) *SessionFailedError {
	for _, c := range session.Pod.Conditions {
		if c.Type == "PodScheduled" && c.Status == v1.ConditionFalse {
			return &SessionFailedError{Reason: c.Reason, Message: c.Message}
		}
	}
	return &SessionFailedError{Reason: v1.ReasonUnschedulable}
}
