// Package v1 defines the wire types exchanged between the workbench API
// server and its clients. The server is the sole source of truth for session
// state; clients never infer a phase locally.
package v1

import (
	"time"
)

// Phase is the session pod phase as reported by the cluster.
type Phase string

const (
	PhasePending   Phase = "Pending"
	PhaseRunning   Phase = "Running"
	PhaseSucceeded Phase = "Succeeded"
	PhaseFailed    Phase = "Failed"
	PhaseUnknown   Phase = "Unknown"
)

// ConditionStatus mirrors the Kubernetes condition status values.
type ConditionStatus string

const (
	ConditionTrue    ConditionStatus = "True"
	ConditionFalse   ConditionStatus = "False"
	ConditionUnknown ConditionStatus = "Unknown"
)

// ReasonUnschedulable is the condition reason reported when no node can host
// the session pod. Clients treat it as a terminal failure.
const ReasonUnschedulable = "Unschedulable"

// PodCondition is a single condition from the session pod status.
type PodCondition struct {
	Type    string          `json:"type"`
	Status  ConditionStatus `json:"status"`
	Reason  string          `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
}

// ContainerPhase summarizes the session container state.
type ContainerPhase string

const (
	ContainerRunning    ContainerPhase = "Running"
	ContainerWaiting    ContainerPhase = "Waiting"
	ContainerTerminated ContainerPhase = "Terminated"
	ContainerUnknown    ContainerPhase = "Unknown"
)

// ContainerStatus carries the state of the session's single container.
type ContainerStatus struct {
	Phase   ContainerPhase `json:"phase"`
	Reason  string         `json:"reason,omitempty"`
	Message string         `json:"message,omitempty"`
}

// PodStatus is the observed status of the session pod.
type PodStatus struct {
	Phase      Phase            `json:"phase"`
	Reason     string           `json:"reason,omitempty"`
	Message    string           `json:"message,omitempty"`
	StartTime  *time.Time       `json:"startTime,omitempty"`
	Conditions []PodCondition   `json:"conditions,omitempty"`
	Container  *ContainerStatus `json:"container,omitempty"`
}

// NameValuePair is an environment variable injected into the session
// container.
type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Port exposes an additional session port through the ingress.
type Port struct {
	Name     string `json:"name"`
	Protocol string `json:"protocol,omitempty"`
	Path     string `json:"path"`
	Port     int32  `json:"port"`
	Target   int32  `json:"target,omitempty"`
}

// RuntimeConfiguration describes how a template's image runs.
type RuntimeConfiguration struct {
	BaseImage string          `json:"baseImage,omitempty"`
	Env       []NameValuePair `json:"env,omitempty"`
	Ports     []Port          `json:"ports,omitempty"`
}

// Template is a deployable workspace definition.
type Template struct {
	Name        string                `json:"name"`
	Image       string                `json:"image"`
	Description string                `json:"description,omitempty"`
	Tags        map[string]string     `json:"tags,omitempty"`
	Runtime     *RuntimeConfiguration `json:"runtime,omitempty"`
}

// Session is one ephemeral workspace instance. Exactly one non-terminal
// session may exist per user; the orchestrator enforces this, not the data.
//
// Duration and MaxDuration are expressed in minutes.
type Session struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Template    Template  `json:"template"`
	URL         string    `json:"url"`
	Duration    int       `json:"duration"`
	MaxDuration int       `json:"maxDuration"`
	Node        string    `json:"node,omitempty"`
	Pod         PodStatus `json:"pod"`
}

// Unschedulable reports whether the cluster flagged the session pod as
// unschedulable. The phase stays Pending in that case, so callers must check
// the condition explicitly.
func (s *Session) Unschedulable() bool {
	for _, c := range s.Pod.Conditions {
		if c.Type == "PodScheduled" && c.Status == ConditionFalse && c.Reason == ReasonUnschedulable {
			return true
		}
	}
	return false
}

// ElapsedMinutes returns the whole minutes since the session pod started.
// The second return value is false while the pod has no start time yet.
func (s *Session) ElapsedMinutes() (int, bool) {
	if s.Pod.StartTime == nil {
		return 0, false
	}
	return int(time.Since(*s.Pod.StartTime).Minutes()), true
}

// RemainingMinutes returns the minutes left before the session expires
// remotely. The second return value is false while the pod has no start time.
func (s *Session) RemainingMinutes() (int, bool) {
	elapsed, ok := s.ElapsedMinutes()
	if !ok {
		return 0, false
	}
	return s.Duration - elapsed, true
}

// SessionConfiguration is the request body for session creation. Duration is
// in minutes; nil means the server default.
type SessionConfiguration struct {
	Template     string  `json:"template"`
	Duration     *int    `json:"duration,omitempty"`
	PoolAffinity *string `json:"poolAffinity,omitempty"`
}

// SessionUpdateConfiguration is the request body for session updates. Only
// the duration can change after creation.
type SessionUpdateConfiguration struct {
	Duration *int `json:"duration,omitempty"`
}

// SessionDefaults are the server-side defaults applied to new sessions.
type SessionDefaults struct {
	Duration           int    `json:"duration"`
	MaxDuration        int    `json:"maxDuration"`
	PoolAffinity       string `json:"poolAffinity"`
	MaxSessionsPerNode int    `json:"maxSessionsPerNode"`
}

// User is a workbench account.
type User struct {
	ID                       string `json:"id"`
	Admin                    bool   `json:"admin"`
	CanCustomizeDuration     bool   `json:"canCustomizeDuration"`
	CanCustomizePoolAffinity bool   `json:"canCustomizePoolAffinity"`
	PoolAffinity             string `json:"poolAffinity,omitempty"`
}

// UserConfiguration is the request body for user creation and update.
type UserConfiguration struct {
	Admin                    bool   `json:"admin"`
	CanCustomizeDuration     bool   `json:"canCustomizeDuration"`
	CanCustomizePoolAffinity bool   `json:"canCustomizePoolAffinity"`
	PoolAffinity             string `json:"poolAffinity,omitempty"`
}

// Repository is a source repository deployable into sessions.
type Repository struct {
	ID   string            `json:"id"`
	URL  string            `json:"url"`
	Tags map[string]string `json:"tags,omitempty"`
}

// RepositoryConfiguration is the request body for repository creation.
type RepositoryConfiguration struct {
	URL  string            `json:"url"`
	Tags map[string]string `json:"tags,omitempty"`
}

// RepositoryUpdateConfiguration is the request body for repository updates.
type RepositoryUpdateConfiguration struct {
	Tags map[string]string `json:"tags,omitempty"`
}

// Node is a cluster node belonging to a pool.
type Node struct {
	Hostname string `json:"hostname"`
}

// Pool is a named group of nodes sessions can be scheduled onto.
type Pool struct {
	ID           string `json:"id"`
	InstanceType string `json:"instanceType,omitempty"`
	Nodes        []Node `json:"nodes"`
}

// Playground is the root API payload describing the deployment to a client.
type Playground struct {
	Host      string          `json:"host"`
	Templates []Template      `json:"templates"`
	Defaults  SessionDefaults `json:"defaults"`
	User      *User           `json:"user,omitempty"`
}
