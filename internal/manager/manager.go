// Package manager enforces ownership and permissions on top of the cluster
// and the store, and owns the session reaper.
package manager

import (
	"context"
	"fmt"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/go-logr/logr"

	v1 "github.com/workbench-sh/workbench/api/v1"
	"github.com/workbench-sh/workbench/internal/database"
	"github.com/workbench-sh/workbench/internal/kube"
	"github.com/workbench-sh/workbench/internal/metrics"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

// Config carries the session defaults and the reaper cadence.
type Config struct {
	Defaults     v1.SessionDefaults
	ReapInterval time.Duration
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		Defaults: v1.SessionDefaults{
			Duration:           180,
			MaxDuration:        1440,
			PoolAffinity:       "default",
			MaxSessionsPerNode: 2,
		},
		ReapInterval: time.Minute,
	}
}

// SetDefaults fills zero fields from the stock settings.
func (c *Config) SetDefaults() {
	// mergo only fills zero fields, so explicit settings win.
	_ = mergo.Merge(c, DefaultConfig())
}

// Manager is the policy layer of the API server.
type Manager struct {
	cluster *kube.Cluster
	db      *database.Database
	cfg     Config
	log     logr.Logger
}

// NewManager assembles the policy layer.
func NewManager(cluster *kube.Cluster, db *database.Database, cfg Config, log logr.Logger) *Manager {
	cfg.SetDefaults()
	return &Manager{cluster: cluster, db: db, cfg: cfg, log: log}
}

func unauthorized(action string) error {
	return apperrors.New(apperrors.ErrCodeUnauthorized, "not allowed to "+action, nil)
}

// GetPlayground describes the deployment: host, templates, defaults and the
// calling user, if any.
func (m *Manager) GetPlayground(ctx context.Context, caller *v1.User) (*v1.Playground, error) {
	templates, err := m.cluster.ListTemplates(ctx)
	if err != nil {
		return nil, err
	}
	return &v1.Playground{
		Host:      m.cluster.Host(),
		Templates: templates,
		Defaults:  m.cfg.Defaults,
		User:      caller,
	}, nil
}

// GetSession returns the caller's session. Admins may read any session;
// other users only their own, and a session they do not own reads as absent.
func (m *Manager) GetSession(ctx context.Context, caller *v1.User, id string) (*v1.Session, error) {
	if !caller.Admin && caller.ID != id {
		return nil, nil
	}
	session, err := m.cluster.GetSession(ctx, id)
	if err != nil || session == nil {
		return session, err
	}
	// MaxDuration is server configuration, not cluster state.
	session.MaxDuration = m.cfg.Defaults.MaxDuration
	return session, nil
}

// ListSessions lists every session. Admin only.
func (m *Manager) ListSessions(ctx context.Context, caller *v1.User) ([]v1.Session, error) {
	if !caller.Admin {
		return nil, unauthorized("list sessions")
	}
	sessions, err := m.cluster.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		sessions[i].MaxDuration = m.cfg.Defaults.MaxDuration
	}
	return sessions, nil
}

// CreateSession deploys a session for caller. The session id must match the
// caller unless the caller is an admin; duration and pool affinity
// customization require the matching user permission.
func (m *Manager) CreateSession(ctx context.Context, caller *v1.User, id string, conf v1.SessionConfiguration) error {
	if !caller.Admin && strings.ToLower(caller.ID) != id {
		return unauthorized("create a session for another user")
	}
	if conf.Duration != nil && !caller.Admin && !caller.CanCustomizeDuration {
		return unauthorized("customize the session duration")
	}
	if conf.PoolAffinity != nil && !caller.Admin && !caller.CanCustomizePoolAffinity {
		return unauthorized("customize the session pool affinity")
	}

	existing, err := m.cluster.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if existing != nil {
		return apperrors.New(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("session %q already exists", id), nil)
	}

	template, err := m.cluster.GetTemplate(ctx, conf.Template)
	if err != nil {
		return err
	}
	if template == nil {
		return apperrors.New(apperrors.ErrCodeInvalidParams, fmt.Sprintf("unknown template %q", conf.Template), nil)
	}

	duration := m.cfg.Defaults.Duration
	if conf.Duration != nil {
		duration = *conf.Duration
	}
	if duration <= 0 || duration > m.cfg.Defaults.MaxDuration {
		return apperrors.New(apperrors.ErrCodeInvalidParams,
			fmt.Sprintf("duration must be between 1 and %d minutes", m.cfg.Defaults.MaxDuration), nil)
	}

	poolID := m.poolAffinity(caller, conf)
	if err := m.ensureCapacity(ctx, poolID); err != nil {
		return err
	}

	err = m.cluster.CreateSession(ctx, id, *template, duration, poolID)
	if err != nil {
		metrics.IncDeploy(conf.Template, metrics.ResultFailure)
		return err
	}
	metrics.IncDeploy(conf.Template, metrics.ResultSuccess)
	m.log.Info("session created", "id", id, "template", conf.Template, "duration", duration, "pool", poolID)
	return nil
}

// UpdateSession renews the session lease. The new duration must stay within
// the configured ceiling.
func (m *Manager) UpdateSession(ctx context.Context, caller *v1.User, id string, conf v1.SessionUpdateConfiguration) error {
	if !caller.Admin && caller.ID != id {
		return unauthorized("update another user's session")
	}
	if conf.Duration == nil {
		return nil
	}

	session, err := m.cluster.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if session == nil {
		return apperrors.New(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown session %q", id), nil)
	}

	duration := *conf.Duration
	if duration <= 0 || duration > m.cfg.Defaults.MaxDuration {
		return apperrors.New(apperrors.ErrCodeInvalidParams,
			fmt.Sprintf("duration must be between 1 and %d minutes", m.cfg.Defaults.MaxDuration), nil)
	}
	if duration == session.Duration {
		return nil
	}
	return m.cluster.UpdateSessionDuration(ctx, id, duration)
}

// DeleteSession tears down the session. Deleting an absent session succeeds.
func (m *Manager) DeleteSession(ctx context.Context, caller *v1.User, id string) error {
	if !caller.Admin && caller.ID != id {
		return unauthorized("delete another user's session")
	}
	if err := m.cluster.DeleteSession(ctx, id); err != nil {
		metrics.IncUndeploy(metrics.ResultFailure)
		return err
	}
	metrics.IncUndeploy(metrics.ResultSuccess)
	m.log.Info("session deleted", "id", id)
	return nil
}

// ListTemplates lists the deployable templates. Open to every user.
func (m *Manager) ListTemplates(ctx context.Context) ([]v1.Template, error) {
	return m.cluster.ListTemplates(ctx)
}

// ListPools lists the node pools. Admin only.
func (m *Manager) ListPools(ctx context.Context, caller *v1.User) ([]v1.Pool, error) {
	if !caller.Admin {
		return nil, unauthorized("list pools")
	}
	return m.cluster.ListPools(ctx)
}

// GetUser returns a user. Users may read themselves; admins anyone.
func (m *Manager) GetUser(ctx context.Context, caller *v1.User, id string) (*v1.User, error) {
	if !caller.Admin && caller.ID != id {
		return nil, unauthorized("read another user")
	}
	return m.db.GetUser(id)
}

// ListUsers lists all users. Admin only.
func (m *Manager) ListUsers(ctx context.Context, caller *v1.User) ([]v1.User, error) {
	if !caller.Admin {
		return nil, unauthorized("list users")
	}
	return m.db.ListUsers()
}

// CreateUser creates a user. Admin only.
func (m *Manager) CreateUser(ctx context.Context, caller *v1.User, id string, conf v1.UserConfiguration) error {
	if !caller.Admin {
		return unauthorized("create users")
	}
	return m.db.CreateUser(id, conf)
}

// UpdateUser updates a user. Admin only.
func (m *Manager) UpdateUser(ctx context.Context, caller *v1.User, id string, conf v1.UserConfiguration) error {
	if !caller.Admin {
		return unauthorized("update users")
	}
	return m.db.UpdateUser(id, conf)
}

// DeleteUser deletes a user. Admin only.
func (m *Manager) DeleteUser(ctx context.Context, caller *v1.User, id string) error {
	if !caller.Admin {
		return unauthorized("delete users")
	}
	return m.db.DeleteUser(id)
}

// ListRepositories lists the configured repositories. Open to every user.
func (m *Manager) ListRepositories(ctx context.Context) ([]v1.Repository, error) {
	return m.db.ListRepositories()
}

// CreateRepository creates a repository. Admin only.
func (m *Manager) CreateRepository(ctx context.Context, caller *v1.User, id string, conf v1.RepositoryConfiguration) error {
	if !caller.Admin {
		return unauthorized("create repositories")
	}
	return m.db.CreateRepository(id, conf)
}

// DeleteRepository deletes a repository. Admin only.
func (m *Manager) DeleteRepository(ctx context.Context, caller *v1.User, id string) error {
	if !caller.Admin {
		return unauthorized("delete repositories")
	}
	return m.db.DeleteRepository(id)
}

func (m *Manager) poolAffinity(caller *v1.User, conf v1.SessionConfiguration) string {
	if conf.PoolAffinity != nil {
		return *conf.PoolAffinity
	}
	if caller.PoolAffinity != "" {
		return caller.PoolAffinity
	}
	return m.cfg.Defaults.PoolAffinity
}

// ensureCapacity rejects deployments once the pool is saturated. This is a
// coarse guard; fine-grained placement stays with the cluster scheduler.
func (m *Manager) ensureCapacity(ctx context.Context, poolID string) error {
	pool, err := m.cluster.GetPool(ctx, poolID)
	if err != nil {
		return err
	}
	if pool == nil {
		return apperrors.New(apperrors.ErrCodeInvalidParams, fmt.Sprintf("unknown pool %q", poolID), nil)
	}

	sessions, err := m.cluster.ListSessions(ctx)
	if err != nil {
		return err
	}
	limit := len(pool.Nodes) * m.cfg.Defaults.MaxSessionsPerNode
	if len(sessions) >= limit {
		return apperrors.New(apperrors.ErrCodeServer,
			fmt.Sprintf("reached the maximum number of concurrent sessions (%d)", limit), nil)
	}
	return nil
}

// RunSessionReaper deletes Running sessions whose lease has expired. It
// blocks until ctx is cancelled.
func (m *Manager) RunSessionReaper(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reapOnce(ctx)
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	sessions, err := m.cluster.ListSessions(ctx)
	if err != nil {
		m.log.Error(err, "failed to list sessions for reaping")
		return
	}
	for _, session := range sessions {
		if session.Pod.Phase != v1.PhaseRunning {
			continue
		}
		elapsed, ok := session.ElapsedMinutes()
		if !ok || elapsed < session.Duration {
			continue
		}
		m.log.Info("reaping expired session", "id", session.ID, "elapsed", elapsed, "duration", session.Duration)
		if err := m.cluster.DeleteSession(ctx, session.ID); err != nil {
			m.log.Error(err, "failed to reap session", "id", session.ID)
			metrics.IncUndeploy(metrics.ResultFailure)
			continue
		}
		metrics.IncUndeploy(metrics.ResultSuccess)
	}
}
