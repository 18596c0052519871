package lifecycle

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

func newTestMachine(t *testing.T, gw Gateway, opts ...Option) *Machine {
	t.Helper()
	opts = append([]Option{WithConfig(testConfig()), WithProber(&fakeProber{})}, opts...)
	m := NewMachine("alice", gw, opts...)
	t.Cleanup(m.Close)
	return m
}

func waitForState(t *testing.T, m *Machine, want State) Snapshot {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap := m.Snapshot()
		if snap.State == want {
			return snap
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("machine never reached state %s (currently %s)", want, m.Snapshot().State)
	return Snapshot{}
}

// recorder collects every emitted snapshot.
type recorder struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recorder) record(snap Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	states := make([]State, 0, len(r.snaps))
	for _, snap := range r.snaps {
		states = append(states, snap.State)
	}
	return states
}

func (r *recorder) slowCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, snap := range r.snaps {
		if snap.Slow && snap.State == StatePolling {
			count++
		}
	}
	return count
}

func TestDeploy_ImmediateReadiness(t *testing.T) {
	// Scenario: the session reports Running with a reachable address right
	// away; the machine connects within two polling ticks.
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return runningSession(time.Minute, 45, 60), nil
		},
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	snap := waitForState(t, m, StateConnected)
	require.NotNil(t, snap.Session)
	require.NoError(t, snap.Err)

	gets, creates, _, _ := gw.counts()
	require.Equal(t, 1, creates)
	require.LessOrEqual(t, gets, 2)
}

func TestDeploy_SlowDeploymentStillConnects(t *testing.T) {
	// Scenario: pending for 29 ticks, ready on tick 30. The slow signal
	// fires exactly once and the machine still connects.
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			if call < 30 {
				return pendingSession(), nil
			}
			return runningSession(time.Minute, 45, 60), nil
		},
	}
	rec := &recorder{}
	m := newTestMachine(t, gw, WithChangeFunc(rec.record))

	require.NoError(t, m.Deploy("rust-starter"))
	snap := waitForState(t, m, StateConnected)
	require.False(t, snap.Slow)
	require.Equal(t, 1, rec.slowCount())
}

func TestDeploy_RemoteFailureSurfacesReason(t *testing.T) {
	// Scenario: the remote reports Failed with reason OOMKilled on the first
	// tick; the machine errors immediately and polls no further.
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return failedSession("OOMKilled", ""), nil
		},
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	snap := waitForState(t, m, StateError)
	require.EqualError(t, snap.Err, "OOMKilled")

	gets, _, _, _ := gw.counts()
	require.Equal(t, 1, gets)
}

func TestDeploy_CreateFailureIsTerminal(t *testing.T) {
	gw := &fakeGateway{
		createErr: apperrors.New(apperrors.ErrCodeInvalidRequest, "session already exists", nil),
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	snap := waitForState(t, m, StateError)
	require.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(snap.Err))

	gets, _, _, _ := gw.counts()
	require.Zero(t, gets)
}

func TestDeploy_ConflictWhileInProgress(t *testing.T) {
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return pendingSession(), nil
		},
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	err := m.Deploy("go-starter")
	require.True(t, apperrors.IsConflict(err))

	waitForState(t, m, StatePolling)
	_, creates, _, _ := gw.counts()
	require.Equal(t, 1, creates)
}

func TestDeploy_TimeoutAfterBudget(t *testing.T) {
	cfg := testConfig()
	cfg.DeployAttempts = 5
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return pendingSession(), nil
		},
	}
	m := newTestMachine(t, gw, WithConfig(cfg))

	require.NoError(t, m.Deploy("rust-starter"))
	snap := waitForState(t, m, StateError)
	require.True(t, apperrors.IsTimeout(snap.Err))

	gets, _, _, _ := gw.counts()
	require.Equal(t, 5, gets)
}

func TestStop_ConfirmsAbsence(t *testing.T) {
	var stopped bool
	var mu sync.Mutex
	gw := &fakeGateway{}
	gw.getFunc = func(ctx context.Context, call int) (*v1.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if stopped {
			return nil, nil
		}
		return runningSession(time.Minute, 45, 60), nil
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	waitForState(t, m, StateConnected)

	require.NoError(t, m.Stop())
	mu.Lock()
	stopped = true
	mu.Unlock()

	snap := waitForState(t, m, StateIdle)
	require.Nil(t, snap.Session)

	_, _, deletes, _ := gw.counts()
	require.Equal(t, 1, deletes)
}

func TestStop_TimeoutWhenSessionLingers(t *testing.T) {
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return runningSession(time.Minute, 45, 60), nil
		},
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	waitForState(t, m, StateConnected)

	require.NoError(t, m.Stop())
	snap := waitForState(t, m, StateError)
	require.True(t, apperrors.IsTimeout(snap.Err))
	require.Contains(t, snap.Err.Error(), "failed to stop session in time")
}

func TestStop_DeleteErrorIsIgnored(t *testing.T) {
	gw := &fakeGateway{
		deleteErr: apperrors.New(apperrors.ErrCodeServer, "remote hiccup", nil),
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return nil, nil
		},
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Stop())
	waitForState(t, m, StateIdle)
}

func TestReplace_CreateOnlyAfterConfirmedAbsence(t *testing.T) {
	// Scenario: the old session stays visible for 3 polls and is gone on the
	// 4th; the create happens exactly once, strictly after that.
	// Absence on call 4, then the new session is immediately ready.
	gw := &fakeGateway{}
	gw.getFunc = func(ctx context.Context, call int) (*v1.Session, error) {
		switch {
		case call <= 3:
			return runningSession(time.Minute, 45, 60), nil
		case call == 4:
			return nil, nil
		default:
			return runningSession(time.Second, 45, 60), nil
		}
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Replace("go-starter"))
	waitForState(t, m, StateConnected)

	gw.mu.Lock()
	creates, createAtGet, deletes := gw.createCalls, gw.createAtGet, gw.deleteCalls
	gw.mu.Unlock()
	require.Equal(t, 1, creates)
	require.Equal(t, 1, deletes)
	require.GreaterOrEqual(t, createAtGet, 4)
}

func TestReplace_NoCreateWhenAbsenceNotConfirmed(t *testing.T) {
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return runningSession(time.Minute, 45, 60), nil
		},
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Replace("go-starter"))
	snap := waitForState(t, m, StateError)
	require.True(t, apperrors.IsTimeout(snap.Err))
	require.Contains(t, snap.Err.Error(), "failed to replace session")

	_, creates, _, _ := gw.counts()
	require.Zero(t, creates)
}

func TestRestart_DiscardsStaleResponses(t *testing.T) {
	// A response arriving for an abandoned generation must not move the new
	// generation's machine. The first generation's poll blocks until after
	// restart, then reports a terminal failure that must be discarded.
	release := make(chan struct{})
	gw := &fakeGateway{}
	gw.getFunc = func(ctx context.Context, call int) (*v1.Session, error) {
		if call == 1 {
			// Deliberately ignores cancellation so the stale terminal answer
			// really is delivered after the restart.
			<-release
			return failedSession("OOMKilled", ""), nil
		}
		return pendingSession(), nil
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	waitForState(t, m, StatePolling)

	require.NoError(t, m.Restart())
	close(release)

	// The stale OOMKilled response must not produce an Error state; the new
	// generation keeps polling.
	time.Sleep(20 * time.Millisecond)
	snap := m.Snapshot()
	require.Contains(t, []State{StateDeploying, StatePolling}, snap.State)
	require.NoError(t, snap.Err)
}

func TestRestart_RequiresPreviousTemplate(t *testing.T) {
	m := newTestMachine(t, &fakeGateway{})
	err := m.Restart()
	require.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))
}

func TestRestart_FromErrorState(t *testing.T) {
	gw := &fakeGateway{}
	fail := true
	var mu sync.Mutex
	gw.getFunc = func(ctx context.Context, call int) (*v1.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if fail {
			return failedSession("Evicted", ""), nil
		}
		return runningSession(time.Minute, 45, 60), nil
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	waitForState(t, m, StateError)

	mu.Lock()
	fail = false
	mu.Unlock()

	require.NoError(t, m.Restart())
	snap := waitForState(t, m, StateConnected)
	require.NoError(t, snap.Err)
}

func TestExtension_OnlyWhileConnected(t *testing.T) {
	// The session always wants an extension; none may happen before the
	// machine connects or after it stops.
	gone := false
	var mu sync.Mutex
	gw := &fakeGateway{}
	gw.getFunc = func(ctx context.Context, call int) (*v1.Session, error) {
		mu.Lock()
		defer mu.Unlock()
		if gone {
			return nil, nil
		}
		return runningSession(47*time.Minute, 55, 60), nil
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	waitForState(t, m, StateConnected)

	// Let the extender run a few cycles.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, _, _, updates := gw.counts(); updates > 0 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, _, _, updates := gw.counts()
	require.NotZero(t, updates)
	gw.mu.Lock()
	requested := append([]int(nil), gw.updates...)
	gw.mu.Unlock()
	for _, duration := range requested {
		require.LessOrEqual(t, duration, 60)
	}

	require.NoError(t, m.Stop())
	mu.Lock()
	gone = true
	mu.Unlock()
	waitForState(t, m, StateIdle)

	_, _, _, after := gw.counts()
	time.Sleep(30 * time.Millisecond)
	_, _, _, later := gw.counts()
	require.Equal(t, after, later, "extension calls must stop with the connected state")
}

func TestSnapshot_SessionIsACopy(t *testing.T) {
	gw := &fakeGateway{
		getFunc: func(ctx context.Context, call int) (*v1.Session, error) {
			return runningSession(time.Minute, 45, 60), nil
		},
	}
	m := newTestMachine(t, gw)

	require.NoError(t, m.Deploy("rust-starter"))
	waitForState(t, m, StateConnected)

	snap := m.Snapshot()
	snap.Session.Duration = 999
	require.NotEqual(t, 999, m.Snapshot().Session.Duration)
}
