package lifecycle

import (
	"context"
	"sync"
	"time"

	v1 "github.com/workbench-sh/workbench/api/v1"
)

// fakeGateway scripts gateway responses per call and records call counts.
type fakeGateway struct {
	mu          sync.Mutex
	getCalls    int
	createCalls int
	deleteCalls int
	updateCalls int
	// createAtGet records how many GetSession calls had completed when
	// CreateSession was first invoked.
	createAtGet int
	updates     []int

	getFunc   func(ctx context.Context, call int) (*v1.Session, error)
	createErr error
	deleteErr error
	updateErr error
}

func (g *fakeGateway) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	g.mu.Lock()
	g.getCalls++
	call := g.getCalls
	fn := g.getFunc
	g.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(ctx, call)
}

func (g *fakeGateway) CreateSession(ctx context.Context, id string, conf v1.SessionConfiguration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createCalls++
	if g.createCalls == 1 {
		g.createAtGet = g.getCalls
	}
	return g.createErr
}

func (g *fakeGateway) UpdateSession(ctx context.Context, id string, conf v1.SessionUpdateConfiguration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.updateCalls++
	if conf.Duration != nil {
		g.updates = append(g.updates, *conf.Duration)
	}
	return g.updateErr
}

func (g *fakeGateway) DeleteSession(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deleteCalls++
	return g.deleteErr
}

func (g *fakeGateway) counts() (gets, creates, deletes, updates int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getCalls, g.createCalls, g.deleteCalls, g.updateCalls
}

// fakeProber answers every probe with a fixed error (nil = reachable).
type fakeProber struct {
	err error
}

func (p *fakeProber) Probe(ctx context.Context, url string) error {
	return p.err
}

func pendingSession() *v1.Session {
	return &v1.Session{
		ID:     "alice",
		UserID: "alice",
		URL:    "https://alice.workbench.test",
		Pod:    v1.PodStatus{Phase: v1.PhasePending},
	}
}

func runningSession(startedAgo time.Duration, duration, maxDuration int) *v1.Session {
	start := time.Now().Add(-startedAgo)
	return &v1.Session{
		ID:          "alice",
		UserID:      "alice",
		URL:         "https://alice.workbench.test",
		Duration:    duration,
		MaxDuration: maxDuration,
		Pod:         v1.PodStatus{Phase: v1.PhaseRunning, StartTime: &start},
	}
}

func failedSession(reason, message string) *v1.Session {
	return &v1.Session{
		ID:     "alice",
		UserID: "alice",
		Pod:    v1.PodStatus{Phase: v1.PhaseFailed, Reason: reason, Message: message},
	}
}

func unschedulableSession() *v1.Session {
	return &v1.Session{
		ID:     "alice",
		UserID: "alice",
		Pod: v1.PodStatus{
			Phase: v1.PhasePending,
			Conditions: []v1.PodCondition{{
				Type:    "PodScheduled",
				Status:  v1.ConditionFalse,
				Reason:  v1.ReasonUnschedulable,
				Message: "0/3 nodes are available",
			}},
		},
	}
}

// testConfig returns a config with millisecond cadences so reconciliation
// budgets elapse quickly.
func testConfig() Config {
	return Config{
		PollInterval:           time.Millisecond,
		CallTimeout:            250 * time.Millisecond,
		DeployAttempts:         300,
		SlowAfter:              30,
		StopAttempts:           10,
		ExtendInterval:         2 * time.Millisecond,
		ExtendThresholdMinutes: 10,
		ExtendStepMinutes:      10,
	}
}
