package kube

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	v1 "github.com/workbench-sh/workbench/api/v1"
)

func newTestCluster(t *testing.T) *Cluster {
	t.Helper()
	cluster := NewCluster(fake.NewSimpleClientset(), Config{Host: "workbench.test"})

	// The shared ingress always exists; sessions only add and remove rules.
	_, err := cluster.client.NetworkingV1().Ingresses("workbench-system").Create(context.Background(), &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: "ingress"},
	}, metav1.CreateOptions{})
	require.NoError(t, err)
	return cluster
}

func testTemplate() v1.Template {
	return v1.Template{
		Name:  "rust-starter",
		Image: "workbench/rust:latest",
		Runtime: &v1.RuntimeConfiguration{
			Env:   []v1.NameValuePair{{Name: "RUST_LOG", Value: "debug"}},
			Ports: []v1.Port{{Name: "http", Path: "/api", Port: 8080}},
		},
	}
}

func TestCreateSession_RoundTrip(t *testing.T) {
	cluster := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, cluster.CreateSession(ctx, "alice", testTemplate(), 45, "default"))

	session, err := cluster.GetSession(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, session)
	assert.Equal(t, "alice", session.ID)
	assert.Equal(t, "alice", session.UserID)
	assert.Equal(t, "https://alice.workbench.test", session.URL)
	assert.Equal(t, 45, session.Duration)
	assert.Equal(t, "rust-starter", session.Template.Name)
	assert.Equal(t, "workbench/rust:latest", session.Template.Image)
	require.NotNil(t, session.Template.Runtime)
	assert.Len(t, session.Template.Runtime.Ports, 1)
}

func TestCreateSession_ResourcesMaterialized(t *testing.T) {
	cluster := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, cluster.CreateSession(ctx, "alice", testTemplate(), 45, "default"))

	namespace, err := cluster.client.CoreV1().Namespaces().Get(ctx, "session-alice", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "session", namespace.Labels["workbench.dev/namespace-type"])

	pod, err := cluster.client.CoreV1().Pods("session-alice").Get(ctx, "session", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "alice", pod.Labels["app.kubernetes.io/owner"])
	assert.Equal(t, "45", pod.Annotations["workbench.dev/duration"])
	assert.NotEmpty(t, pod.Annotations["workbench.dev/template"])
	require.Len(t, pod.Spec.Containers, 1)
	assert.Equal(t, "workbench/rust:latest", pod.Spec.Containers[0].Image)

	service, err := cluster.client.CoreV1().Services("session-alice").Get(ctx, "service", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeNodePort, service.Spec.Type)
	// The web port plus the runtime port.
	assert.Len(t, service.Spec.Ports, 2)

	external, err := cluster.client.CoreV1().Services("workbench-system").Get(ctx, "service-alice", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, corev1.ServiceTypeExternalName, external.Spec.Type)
	assert.Equal(t, "service.session-alice.svc.cluster.local", external.Spec.ExternalName)

	ingress, err := cluster.client.NetworkingV1().Ingresses("workbench-system").Get(ctx, "ingress", metav1.GetOptions{})
	require.NoError(t, err)
	require.Len(t, ingress.Spec.Rules, 1)
	assert.Equal(t, "alice.workbench.test", ingress.Spec.Rules[0].Host)
	// Root path plus the runtime port path.
	assert.Len(t, ingress.Spec.Rules[0].HTTP.Paths, 2)
}

func TestCreateSession_DuplicateRejected(t *testing.T) {
	cluster := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, cluster.CreateSession(ctx, "alice", testTemplate(), 45, "default"))
	err := cluster.CreateSession(ctx, "alice", testTemplate(), 45, "default")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestGetSession_AbsentIsNilNotError(t *testing.T) {
	cluster := newTestCluster(t)

	session, err := cluster.GetSession(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestListSessions(t *testing.T) {
	cluster := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, cluster.CreateSession(ctx, "alice", testTemplate(), 45, "default"))
	require.NoError(t, cluster.CreateSession(ctx, "bob", testTemplate(), 60, "default"))

	sessions, err := cluster.ListSessions(ctx)
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestUpdateSessionDuration(t *testing.T) {
	cluster := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, cluster.CreateSession(ctx, "alice", testTemplate(), 45, "default"))
	require.NoError(t, cluster.UpdateSessionDuration(ctx, "alice", 60))

	session, err := cluster.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 60, session.Duration)
}

func TestDeleteSession_RemovesEverything(t *testing.T) {
	cluster := newTestCluster(t)
	ctx := context.Background()

	require.NoError(t, cluster.CreateSession(ctx, "alice", testTemplate(), 45, "default"))
	require.NoError(t, cluster.DeleteSession(ctx, "alice"))

	session, err := cluster.GetSession(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, session)

	_, err = cluster.client.CoreV1().Services("workbench-system").Get(ctx, "service-alice", metav1.GetOptions{})
	require.Error(t, err)

	ingress, err := cluster.client.NetworkingV1().Ingresses("workbench-system").Get(ctx, "ingress", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, ingress.Spec.Rules)
}

func TestDeleteSession_AbsentIsIdempotent(t *testing.T) {
	cluster := newTestCluster(t)

	require.NoError(t, cluster.DeleteSession(context.Background(), "nobody"))
}

func TestPodStatusMapping(t *testing.T) {
	pod := &corev1.Pod{
		Status: corev1.PodStatus{
			Phase:   corev1.PodPending,
			Reason:  "",
			Message: "",
			Conditions: []corev1.PodCondition{{
				Type:    corev1.PodScheduled,
				Status:  corev1.ConditionFalse,
				Reason:  "Unschedulable",
				Message: "0/3 nodes are available",
			}},
			ContainerStatuses: []corev1.ContainerStatus{{
				State: corev1.ContainerState{
					Waiting: &corev1.ContainerStateWaiting{Reason: "ImagePullBackOff"},
				},
			}},
		},
	}

	status := podStatus(pod)
	assert.Equal(t, v1.PhasePending, status.Phase)
	require.Len(t, status.Conditions, 1)
	assert.Equal(t, "PodScheduled", status.Conditions[0].Type)
	assert.Equal(t, v1.ConditionFalse, status.Conditions[0].Status)
	assert.Equal(t, v1.ReasonUnschedulable, status.Conditions[0].Reason)
	require.NotNil(t, status.Container)
	assert.Equal(t, v1.ContainerWaiting, status.Container.Phase)
	assert.Equal(t, "ImagePullBackOff", status.Container.Reason)
}
