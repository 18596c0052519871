package lifecycle

import (
	"context"
	"time"

	"github.com/go-logr/logr"

	v1 "github.com/workbench-sh/workbench/api/v1"
)

// Extender renews a session's duration before it expires. It is a
// best-effort, idempotent reconciliation: a failed renewal is a soft warning
// and the session may still expire remotely, which is then observed as a
// phase change on a later fetch.
type Extender struct {
	gateway     Gateway
	interval    time.Duration
	callTimeout time.Duration
	threshold   int
	step        int
	log         logr.Logger

	// gate is consulted right before a renewal call; returning false skips
	// it. The machine uses it to restrict renewals to the connected state.
	gate func() bool
	// observe receives every fetched session so the owner can refresh its
	// snapshot.
	observe func(*v1.Session)
	// done is called with the outcome of each renewal call.
	done func(error)
}

// NewExtender creates a new Extender. gate, observe and done may be nil.
func NewExtender(gateway Gateway, cfg Config, log logr.Logger, gate func() bool, observe func(*v1.Session), done func(error)) *Extender {
	cfg.SetDefaults()
	return &Extender{
		gateway:     gateway,
		interval:    cfg.ExtendInterval,
		callTimeout: cfg.CallTimeout,
		threshold:   cfg.ExtendThresholdMinutes,
		step:        cfg.ExtendStepMinutes,
		log:         log,
		gate:        gate,
		observe:     observe,
		done:        done,
	}
}

// Run renews the session for id on a fixed cadence until ctx is cancelled.
func (e *Extender) Run(ctx context.Context, id string) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.log.V(1).Info("stopping duration extender")
			return
		case <-ticker.C:
			if err := e.extendOnce(ctx, id); err != nil {
				// Soft failure: the next tick retries, and remote expiry is
				// observed as a phase change rather than handled here.
				e.log.Info("session duration renewal failed", "error", err.Error())
			}
		}
	}
}

// extendOnce re-fetches the session and, when less than threshold minutes
// remain and the duration is below its ceiling, requests
// min(maxDuration, duration+step). Never produces a duration above
// maxDuration.
func (e *Extender) extendOnce(ctx context.Context, id string) error {
	callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
	session, err := e.gateway.GetSession(callCtx, id)
	cancel()
	if err != nil {
		return err
	}
	if e.observe != nil {
		e.observe(session)
	}
	if session == nil || session.Pod.Phase != v1.PhaseRunning {
		return nil
	}

	remaining, ok := session.RemainingMinutes()
	if !ok || remaining >= e.threshold || session.Duration >= session.MaxDuration {
		return nil
	}
	duration := session.Duration + e.step
	if duration > session.MaxDuration {
		duration = session.MaxDuration
	}

	if e.gate != nil && !e.gate() {
		return nil
	}
	callCtx, cancel = context.WithTimeout(ctx, e.callTimeout)
	err = e.gateway.UpdateSession(callCtx, id, v1.SessionUpdateConfiguration{Duration: &duration})
	cancel()
	if e.done != nil {
		e.done(err)
	}
	if err == nil {
		e.log.V(1).Info("session duration extended", "duration", duration, "maxDuration", session.MaxDuration)
	}
	return err
}
