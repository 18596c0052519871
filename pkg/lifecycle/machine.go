package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

// State is the local lifecycle state of the machine. It is distinct from the
// remote session phase: it also encodes local progress (such as waiting for
// a deletion to be confirmed) that has no remote representation.
type State string

const (
	StateIdle      State = "Idle"
	StateDeploying State = "Deploying"
	StatePolling   State = "Polling"
	StateConnected State = "Connected"
	StateExtending State = "Extending"
	StateReplacing State = "Replacing"
	StateStopping  State = "Stopping"
	StateError     State = "Error"
)

// Snapshot is an immutable view of the machine handed to callers. Session is
// a copy; mutating it has no effect on the machine.
type Snapshot struct {
	State   State
	Session *v1.Session
	Err     error
	// Slow is set while a deployment exceeds the slow-signal threshold, so
	// the caller can tell the user without aborting the wait.
	Slow bool
}

// Machine is the lifecycle orchestrator for a single owner's session. At
// most one state transition is processed at a time: intents are serialized
// through the machine's mutex, and every accepted intent cancels the
// previous activity and bumps a generation counter so that responses
// arriving for an abandoned operation are discarded.
type Machine struct {
	owner   string
	gateway Gateway
	prober  Prober
	cfg     Config
	log     logr.Logger
	poller  *Poller

	// onChange receives a snapshot after every externally observable
	// transition. It must not call back into the machine.
	onChange func(Snapshot)

	mu           sync.Mutex
	state        State
	session      *v1.Session
	lastErr      error
	slow         bool
	gen          uint64
	cancel       context.CancelFunc
	lastTemplate string
}

// Option configures a Machine.
type Option func(*Machine)

// WithConfig overrides the default cadences and budgets.
func WithConfig(cfg Config) Option {
	return func(m *Machine) { m.cfg = cfg }
}

// WithProber sets the reachability prober used during readiness polling.
func WithProber(p Prober) Option {
	return func(m *Machine) { m.prober = p }
}

// WithLogger sets the machine logger.
func WithLogger(log logr.Logger) Option {
	return func(m *Machine) { m.log = log }
}

// WithChangeFunc registers a callback invoked after every externally
// observable state change.
func WithChangeFunc(fn func(Snapshot)) Option {
	return func(m *Machine) { m.onChange = fn }
}

// NewMachine creates the orchestrator for owner. The owner identity is
// injected explicitly; no process-wide state is consulted.
func NewMachine(owner string, gateway Gateway, opts ...Option) *Machine {
	m := &Machine{
		owner:   owner,
		gateway: gateway,
		prober:  NewHTTPProber(),
		cfg:     DefaultConfig(),
		log:     logr.Discard(),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.cfg.SetDefaults()
	m.poller = NewPoller(gateway, m.cfg, m.log)
	return m
}

// Snapshot returns the current externally observable state. The internal
// Extending state is reported as Connected.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	state := m.state
	if state == StateExtending {
		state = StateConnected
	}
	snap := Snapshot{State: state, Err: m.lastErr, Slow: m.slow}
	if m.session != nil {
		session := *m.session
		snap.Session = &session
	}
	return snap
}

// Deploy requests a new session from the given template. It is rejected with
// a CONFLICT error while another operation is in progress: a deploy must not
// silently race an existing session (use Replace for that).
func (m *Machine) Deploy(template string) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateError:
	default:
		state := m.state
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("a session already exists or an operation is in progress (state %s)", state), nil)
	}
	m.lastTemplate = template
	gen, ctx := m.beginLocked(StateDeploying)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	go m.deploy(ctx, gen, template)
	return nil
}

// Replace tears down the owner's existing session, waits until its absence
// is confirmed, and only then deploys the requested template. The delete
// call's own outcome is ignored; the goal is absence, not delete-call
// success.
func (m *Machine) Replace(template string) error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateError, StateConnected, StateExtending:
	default:
		state := m.state
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("an operation is already in progress (state %s)", state), nil)
	}
	m.lastTemplate = template
	gen, ctx := m.beginLocked(StateReplacing)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	go m.replace(ctx, gen, template)
	return nil
}

// Stop tears down the session and confirms its absence.
func (m *Machine) Stop() error {
	m.mu.Lock()
	switch m.state {
	case StateIdle, StateError, StateConnected, StateExtending:
	default:
		state := m.state
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeConflict,
			fmt.Sprintf("an operation is already in progress (state %s)", state), nil)
	}
	gen, ctx := m.beginLocked(StateStopping)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	go m.stop(ctx, gen)
	return nil
}

// Restart is an unconditional reset: any in-flight work is abandoned (its
// eventual responses are discarded via the generation counter) and the last
// requested template is deployed again.
func (m *Machine) Restart() error {
	m.mu.Lock()
	template := m.lastTemplate
	if template == "" {
		m.mu.Unlock()
		return apperrors.New(apperrors.ErrCodeInvalidRequest, "nothing to restart: no template was deployed", nil)
	}
	m.session = nil
	gen, ctx := m.beginLocked(StateDeploying)
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	go m.deploy(ctx, gen, template)
	return nil
}

// Close abandons any in-flight work and releases the machine's background
// goroutines.
func (m *Machine) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.gen++
}

// beginLocked cancels the current activity, bumps the generation and enters
// state. Callers must hold mu.
func (m *Machine) beginLocked(state State) (uint64, context.Context) {
	if m.cancel != nil {
		m.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.gen++
	m.state = state
	m.lastErr = nil
	m.slow = false
	return m.gen, ctx
}

func (m *Machine) emit(snap Snapshot) {
	if m.onChange != nil {
		m.onChange(snap)
	}
}

// transition moves to state unless gen has been superseded.
func (m *Machine) transition(gen uint64, state State) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.state = state
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
	return true
}

// fail terminates the operation for gen into the Error state.
func (m *Machine) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateError
	m.lastErr = err
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.log.Info("session operation failed", "error", err.Error())
	m.emit(snap)
}

func (m *Machine) markSlow(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StatePolling {
		m.mu.Unlock()
		return
	}
	m.slow = true
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

func (m *Machine) deploy(ctx context.Context, gen uint64, template string) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	err := m.gateway.CreateSession(callCtx, m.owner, v1.SessionConfiguration{Template: template})
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			m.fail(gen, err)
		}
		return
	}
	m.poll(ctx, gen)
}

func (m *Machine) poll(ctx context.Context, gen uint64) {
	if !m.transition(gen, StatePolling) {
		return
	}
	session, err := m.poller.WaitReady(ctx, m.owner, m.prober, m.cfg.DeployAttempts, m.cfg.SlowAfter, func() {
		m.markSlow(gen)
	})
	if err != nil {
		if ctx.Err() == nil {
			m.fail(gen, err)
		}
		return
	}
	m.connect(ctx, gen, session)
}

// connect enters the Connected state and runs the duration extender as the
// state's background activity. Leaving Connected cancels ctx, which ends the
// extender deterministically.
func (m *Machine) connect(ctx context.Context, gen uint64, session *v1.Session) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateConnected
	m.session = session
	m.slow = false
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)

	extender := NewExtender(m.gateway, m.cfg, m.log,
		func() bool { return m.beginExtend(gen) },
		func(observed *v1.Session) { m.observe(gen, observed) },
		func(err error) { m.endExtend(gen, err) },
	)
	extender.Run(ctx, m.owner)
}

// beginExtend flips Connected to Extending for a renewal call. The
// transition is internal and intentionally not emitted: extension does not
// change the externally observable state.
func (m *Machine) beginExtend(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateConnected {
		return false
	}
	m.state = StateExtending
	return true
}

func (m *Machine) endExtend(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.state != StateExtending {
		return
	}
	m.state = StateConnected
	if err != nil {
		// Soft warning only; the session may still expire remotely, which a
		// later fetch observes as a phase change.
		m.log.Info("session lease renewal failed", "error", err.Error())
	}
}

// observe refreshes the session snapshot with the state seen by the
// extender's periodic fetch.
func (m *Machine) observe(gen uint64, session *v1.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || (m.state != StateConnected && m.state != StateExtending) {
		return
	}
	if session != nil {
		m.session = session
	}
}

func (m *Machine) stop(ctx context.Context, gen uint64) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	if err := m.gateway.DeleteSession(callCtx, m.owner); err != nil {
		// Delete is idempotent and its failure is irrelevant: only the
		// confirmed absence below matters.
		m.log.V(1).Info("ignoring delete error", "error", err.Error())
	}
	cancel()

	if err := m.poller.WaitAbsent(ctx, m.owner, m.cfg.StopAttempts); err != nil {
		if ctx.Err() == nil {
			m.fail(gen, err)
		}
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateIdle
	m.session = nil
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.emit(snap)
}

func (m *Machine) replace(ctx context.Context, gen uint64, template string) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	if err := m.gateway.DeleteSession(callCtx, m.owner); err != nil {
		m.log.V(1).Info("ignoring delete error", "error", err.Error())
	}
	cancel()

	// The create below must never race the delete: absence has to be
	// confirmed first.
	if err := m.poller.WaitAbsent(ctx, m.owner, m.cfg.StopAttempts); err != nil {
		if ctx.Err() == nil {
			m.fail(gen, apperrors.New(apperrors.ErrCodeTimeout,
				"failed to replace session: previous session was not removed in time", err))
		}
		return
	}

	if !m.transition(gen, StateDeploying) {
		return
	}
	m.deploy(ctx, gen, template)
}
