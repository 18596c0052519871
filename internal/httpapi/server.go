// Package httpapi exposes the manager over HTTP. Every payload travels in a
// JSON envelope: {"result": ...} on success, {"error": {"type", "message"}}
// on failure.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"

	v1 "github.com/workbench-sh/workbench/api/v1"
	"github.com/workbench-sh/workbench/internal/database"
	"github.com/workbench-sh/workbench/internal/manager"
	"github.com/workbench-sh/workbench/internal/metrics"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

// Config carries the server settings.
type Config struct {
	Host string
	Port int
	// AdminUser is granted admin rights even without a database record,
	// so a fresh deployment can bootstrap itself.
	AdminUser string
}

// Server routes API requests to the manager.
type Server struct {
	manager *manager.Manager
	db      *database.Database
	cfg     Config
	log     logr.Logger
	router  *mux.Router
}

// NewServer assembles the router.
func NewServer(mgr *manager.Manager, db *database.Database, cfg Config, log logr.Logger) *Server {
	s := &Server{manager: mgr, db: db, cfg: cfg, log: log, router: mux.NewRouter()}
	s.setupRoutes()
	return s
}

// Build returns the configured http.Server.
func (s *Server) Build() *http.Server {
	return &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("", s.handlePlayground).Methods(http.MethodGet)

	api.Handle("/sessions", s.authenticated(s.handleListSessions)).Methods(http.MethodGet)
	api.Handle("/sessions/{id}", s.authenticated(s.handleGetSession)).Methods(http.MethodGet)
	api.Handle("/sessions/{id}", s.authenticated(s.handleCreateSession)).Methods(http.MethodPut)
	api.Handle("/sessions/{id}", s.authenticated(s.handleUpdateSession)).Methods(http.MethodPatch)
	api.Handle("/sessions/{id}", s.authenticated(s.handleDeleteSession)).Methods(http.MethodDelete)

	api.HandleFunc("/templates", s.handleListTemplates).Methods(http.MethodGet)
	api.Handle("/pools", s.authenticated(s.handleListPools)).Methods(http.MethodGet)

	api.Handle("/users", s.authenticated(s.handleListUsers)).Methods(http.MethodGet)
	api.Handle("/users/{id}", s.authenticated(s.handleGetUser)).Methods(http.MethodGet)
	api.Handle("/users/{id}", s.authenticated(s.handleCreateUser)).Methods(http.MethodPut)
	api.Handle("/users/{id}", s.authenticated(s.handleUpdateUser)).Methods(http.MethodPatch)
	api.Handle("/users/{id}", s.authenticated(s.handleDeleteUser)).Methods(http.MethodDelete)

	api.HandleFunc("/repositories", s.handleListRepositories).Methods(http.MethodGet)
	api.Handle("/repositories/{id}", s.authenticated(s.handleCreateRepository)).Methods(http.MethodPut)
	api.Handle("/repositories/{id}", s.authenticated(s.handleDeleteRepository)).Methods(http.MethodDelete)
}

type callerHandler func(w http.ResponseWriter, r *http.Request, caller *v1.User)

// authenticated resolves the bearer identity and rejects anonymous calls.
// Full OAuth is intentionally out of scope: the bearer token is the user id,
// enriched from the store when a record exists.
func (s *Server) authenticated(next callerHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := s.resolveCaller(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if caller == nil {
			writeError(w, apperrors.New(apperrors.ErrCodeUnauthorized, "authentication required", nil))
			return
		}
		next(w, r, caller)
	})
}

// resolveCaller returns nil without an error when the request is anonymous.
func (s *Server) resolveCaller(r *http.Request) (*v1.User, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, nil
	}
	token := strings.TrimPrefix(header, "Bearer ")
	if token == "" || token == header {
		return nil, apperrors.New(apperrors.ErrCodeUnauthorized, "malformed authorization header", nil)
	}

	user, err := s.db.GetUser(token)
	if err != nil {
		return nil, err
	}
	if user != nil {
		return user, nil
	}
	return &v1.User{ID: token, Admin: token == s.cfg.AdminUser}, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (s *Server) handlePlayground(w http.ResponseWriter, r *http.Request) {
	caller, err := s.resolveCaller(r)
	if err != nil {
		writeError(w, err)
		return
	}
	playground, err := s.manager.GetPlayground(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, playground)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	session, err := s.manager.GetSession(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, session)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	sessions, err := s.manager.ListSessions(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, sessions)
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	var conf v1.SessionConfiguration
	if !decodeBody(w, r, &conf) {
		return
	}
	if err := s.manager.CreateSession(r.Context(), caller, mux.Vars(r)["id"], conf); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	var conf v1.SessionUpdateConfiguration
	if !decodeBody(w, r, &conf) {
		return
	}
	if err := s.manager.UpdateSession(r.Context(), caller, mux.Vars(r)["id"], conf); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	if err := s.manager.DeleteSession(r.Context(), caller, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.manager.ListTemplates(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, templates)
}

func (s *Server) handleListPools(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	pools, err := s.manager.ListPools(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, pools)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	user, err := s.manager.GetUser(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, user)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	users, err := s.manager.ListUsers(r.Context(), caller)
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, users)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	var conf v1.UserConfiguration
	if !decodeBody(w, r, &conf) {
		return
	}
	if err := s.manager.CreateUser(r.Context(), caller, mux.Vars(r)["id"], conf); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleUpdateUser(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	var conf v1.UserConfiguration
	if !decodeBody(w, r, &conf) {
		return
	}
	if err := s.manager.UpdateUser(r.Context(), caller, mux.Vars(r)["id"], conf); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	if err := s.manager.DeleteUser(r.Context(), caller, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleListRepositories(w http.ResponseWriter, r *http.Request) {
	repositories, err := s.manager.ListRepositories(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, repositories)
}

func (s *Server) handleCreateRepository(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	var conf v1.RepositoryConfiguration
	if !decodeBody(w, r, &conf) {
		return
	}
	if err := s.manager.CreateRepository(r.Context(), caller, mux.Vars(r)["id"], conf); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func (s *Server) handleDeleteRepository(w http.ResponseWriter, r *http.Request, caller *v1.User) {
	if err := s.manager.DeleteRepository(r.Context(), caller, mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeResult(w, nil)
}

func decodeBody(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, apperrors.New(apperrors.ErrCodeParse, "failed to decode request body", err))
		return false
	}
	return true
}

func writeResult(w http.ResponseWriter, result interface{}) {
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(result)
	if err != nil {
		writeError(w, apperrors.New(apperrors.ErrCodeInternal, "failed to encode result", err))
		return
	}
	_ = json.NewEncoder(w).Encode(v1.Envelope{Result: data})
}

func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrCodeInternal
	}
	message := err.Error()
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		message = appErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusOf(code))
	_ = json.NewEncoder(w).Encode(v1.Envelope{Error: &v1.ErrorBody{Type: code, Message: message}})
}

func statusOf(code string) int {
	switch code {
	case apperrors.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case apperrors.ErrCodeInvalidRequest, apperrors.ErrCodeParse:
		return http.StatusBadRequest
	case apperrors.ErrCodeInvalidParams:
		return http.StatusUnprocessableEntity
	case apperrors.ErrCodeMethodNotFound:
		return http.StatusNotFound
	case apperrors.ErrCodeConflict:
		return http.StatusConflict
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ListenAndServe runs the server until ctx is cancelled, then drains it.
func (s *Server) ListenAndServe(ctx context.Context) error {
	server := s.Build()
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
