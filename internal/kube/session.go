package kube

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/yaml"

	v1 "github.com/workbench-sh/workbench/api/v1"
	apperrors "github.com/workbench-sh/workbench/pkg/errors"
)

const (
	appLabel       = "app.kubernetes.io/part-of"
	appValue       = "workbench"
	componentLabel = "app.kubernetes.io/component"
	componentValue = "session"
	ownerLabel     = "app.kubernetes.io/owner"

	namespaceTypeLabel   = "workbench.dev/namespace-type"
	namespaceTypeSession = "session"
	nodePoolLabel        = "workbench.dev/pool"

	templateAnnotation = "workbench.dev/template"
	durationAnnotation = "workbench.dev/duration"

	podName     = "session"
	serviceName = "service"
	webPort     = 3000
)

// SessionNamespace is the namespace holding the session resources for id.
func SessionNamespace(id string) string {
	return "session-" + id
}

func localServiceName(id string) string {
	return "service-" + id
}

func subdomain(host, id string) string {
	return id + "." + host
}

func sessionLabels(id string) map[string]string {
	return map[string]string{
		appLabel:       appValue,
		componentLabel: componentValue,
		ownerLabel:     id,
	}
}

// CreateSession materializes the session resources: namespace, pod, NodePort
// service, ExternalName service in the system namespace and the ingress rule
// for the session subdomain. The call returning is not readiness; callers
// observe readiness through GetSession.
func (c *Cluster) CreateSession(ctx context.Context, id string, template v1.Template, duration int, poolID string) error {
	namespace := SessionNamespace(id)

	if err := c.addIngressRule(ctx, id, template.Runtime); err != nil {
		return err
	}

	ns := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   namespace,
			Labels: map[string]string{namespaceTypeLabel: namespaceTypeSession},
		},
	}
	if _, err := c.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{}); err != nil {
		if k8serrors.IsAlreadyExists(err) {
			return apperrors.New(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("session %q already exists", id), err)
		}
		return apperrors.New(apperrors.ErrCodeServer, "failed to create session namespace", err)
	}

	pod, err := sessionPod(id, template, duration, poolID)
	if err != nil {
		return err
	}
	if _, err := c.client.CoreV1().Pods(namespace).Create(ctx, pod, metav1.CreateOptions{}); err != nil {
		return apperrors.New(apperrors.ErrCodeServer, "failed to create session pod", err)
	}

	service := sessionService(id, template.Runtime)
	if _, err := c.client.CoreV1().Services(namespace).Create(ctx, service, metav1.CreateOptions{}); err != nil {
		return apperrors.New(apperrors.ErrCodeServer, "failed to create session service", err)
	}

	external := externalService(id, namespace)
	if _, err := c.client.CoreV1().Services(c.cfg.SystemNamespace).Create(ctx, external, metav1.CreateOptions{}); err != nil {
		return apperrors.New(apperrors.ErrCodeServer, "failed to create session routing service", err)
	}

	return nil
}

// GetSession returns the session for id, or nil when it does not exist.
func (c *Cluster) GetSession(ctx context.Context, id string) (*v1.Session, error) {
	pod, err := c.client.CoreV1().Pods(SessionNamespace(id)).Get(ctx, podName, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, apperrors.New(apperrors.ErrCodeServer, "failed to read session pod", err)
	}
	return c.podToSession(pod)
}

// ListSessions returns every live session, discovered through the namespace
// type label.
func (c *Cluster) ListSessions(ctx context.Context) ([]v1.Session, error) {
	namespaces, err := c.client.CoreV1().Namespaces().List(ctx, metav1.ListOptions{
		LabelSelector: namespaceTypeLabel + "=" + namespaceTypeSession,
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeServer, "failed to list session namespaces", err)
	}

	sessions := make([]v1.Session, 0, len(namespaces.Items))
	for _, namespace := range namespaces.Items {
		pod, err := c.client.CoreV1().Pods(namespace.Name).Get(ctx, podName, metav1.GetOptions{})
		if err != nil {
			// The namespace may be terminating, with the pod already gone.
			if k8serrors.IsNotFound(err) {
				continue
			}
			return nil, apperrors.New(apperrors.ErrCodeServer, "failed to read session pod", err)
		}
		session, err := c.podToSession(pod)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, nil
}

// UpdateSessionDuration rewrites the duration annotation on the session pod.
func (c *Cluster) UpdateSessionDuration(ctx context.Context, id string, minutes int) error {
	escaped := strings.ReplaceAll(durationAnnotation, "/", "~1")
	patch := []map[string]interface{}{{
		"op":    "add",
		"path":  "/metadata/annotations/" + escaped,
		"value": strconv.Itoa(minutes),
	}}
	data, err := json.Marshal(patch)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeInternal, "failed to build duration patch", err)
	}

	_, err = c.client.CoreV1().Pods(SessionNamespace(id)).Patch(ctx, podName, types.JSONPatchType, data, metav1.PatchOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return apperrors.New(apperrors.ErrCodeInvalidRequest, fmt.Sprintf("unknown session %q", id), err)
		}
		return apperrors.New(apperrors.ErrCodeServer, "failed to update session duration", err)
	}
	return nil
}

// DeleteSession tears the session down: namespace (grace 0), ExternalName
// service and ingress rule. NotFound is tolerated everywhere so the call is
// idempotent; other partial failures are aggregated.
func (c *Cluster) DeleteSession(ctx context.Context, id string) error {
	var result *multierror.Error

	err := c.client.CoreV1().Namespaces().Delete(ctx, SessionNamespace(id), metav1.DeleteOptions{
		GracePeriodSeconds: ptr.To(int64(0)),
	})
	if err != nil && !k8serrors.IsNotFound(err) {
		result = multierror.Append(result, fmt.Errorf("failed to delete session namespace: %w", err))
	}

	err = c.client.CoreV1().Services(c.cfg.SystemNamespace).Delete(ctx, localServiceName(id), metav1.DeleteOptions{})
	if err != nil && !k8serrors.IsNotFound(err) {
		result = multierror.Append(result, fmt.Errorf("failed to delete session routing service: %w", err))
	}

	if err := c.removeIngressRule(ctx, id); err != nil {
		result = multierror.Append(result, err)
	}

	if err := result.ErrorOrNil(); err != nil {
		return apperrors.New(apperrors.ErrCodeServer, "failed to delete session", err)
	}
	return nil
}

func sessionPod(id string, template v1.Template, duration int, poolID string) (*corev1.Pod, error) {
	serialized, err := yaml.Marshal(template)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to serialize template", err)
	}

	env := []corev1.EnvVar{{Name: "WORKBENCH_SESSION_ID", Value: id}}
	if template.Runtime != nil {
		for _, pair := range template.Runtime.Env {
			env = append(env, corev1.EnvVar{Name: pair.Name, Value: pair.Value})
		}
	}

	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   podName,
			Labels: sessionLabels(id),
			Annotations: map[string]string{
				templateAnnotation: string(serialized),
				durationAnnotation: strconv.Itoa(duration),
			},
		},
		Spec: corev1.PodSpec{
			TerminationGracePeriodSeconds: ptr.To(int64(1)),
			Affinity: &corev1.Affinity{
				NodeAffinity: &corev1.NodeAffinity{
					PreferredDuringSchedulingIgnoredDuringExecution: []corev1.PreferredSchedulingTerm{{
						Weight: 100,
						Preference: corev1.NodeSelectorTerm{
							MatchExpressions: []corev1.NodeSelectorRequirement{{
								Key:      nodePoolLabel,
								Operator: corev1.NodeSelectorOpIn,
								Values:   []string{poolID},
							}},
						},
					}},
				},
			},
			Containers: []corev1.Container{{
				Name:  componentValue + "-container",
				Image: template.Image,
				Env:   env,
				Resources: corev1.ResourceRequirements{
					Requests: corev1.ResourceList{
						corev1.ResourceMemory:           resource.MustParse("1Gi"),
						corev1.ResourceCPU:              resource.MustParse("500m"),
						corev1.ResourceEphemeralStorage: resource.MustParse("25Gi"),
					},
					Limits: corev1.ResourceList{
						corev1.ResourceMemory:           resource.MustParse("64Gi"),
						corev1.ResourceCPU:              resource.MustParse("1"),
						corev1.ResourceEphemeralStorage: resource.MustParse("50Gi"),
					},
				},
			}},
		},
	}, nil
}

func sessionService(id string, runtime *v1.RuntimeConfiguration) *corev1.Service {
	// The web port is always exposed; runtime ports come on top.
	ports := []corev1.ServicePort{{
		Name:     "web",
		Protocol: corev1.ProtocolTCP,
		Port:     webPort,
	}}
	if runtime != nil {
		for _, port := range runtime.Ports {
			servicePort := corev1.ServicePort{
				Name:     port.Name,
				Protocol: corev1.Protocol(port.Protocol),
				Port:     port.Port,
			}
			if port.Target != 0 {
				servicePort.TargetPort = intstr.FromInt32(port.Target)
			}
			ports = append(ports, servicePort)
		}
	}

	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   serviceName,
			Labels: sessionLabels(id),
		},
		Spec: corev1.ServiceSpec{
			Type:     corev1.ServiceTypeNodePort,
			Selector: map[string]string{ownerLabel: id},
			Ports:    ports,
		},
	}
}

func externalService(id, namespace string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name: localServiceName(id),
		},
		Spec: corev1.ServiceSpec{
			Type:         corev1.ServiceTypeExternalName,
			ExternalName: fmt.Sprintf("%s.%s.svc.cluster.local", serviceName, namespace),
		},
	}
}

func (c *Cluster) addIngressRule(ctx context.Context, id string, runtime *v1.RuntimeConfiguration) error {
	ingresses := c.client.NetworkingV1().Ingresses(c.cfg.SystemNamespace)
	ingress, err := ingresses.Get(ctx, c.cfg.IngressName, metav1.GetOptions{})
	if err != nil {
		return apperrors.New(apperrors.ErrCodeServer, "failed to read shared ingress", err)
	}

	host := subdomain(c.cfg.Host, id)
	paths := []networkingv1.HTTPIngressPath{ingressPath("/", localServiceName(id), webPort)}
	if runtime != nil {
		for _, port := range runtime.Ports {
			paths = append(paths, ingressPath(port.Path, localServiceName(id), port.Port))
		}
	}

	rules := removeRule(ingress.Spec.Rules, host)
	rules = append(rules, networkingv1.IngressRule{
		Host: host,
		IngressRuleValue: networkingv1.IngressRuleValue{
			HTTP: &networkingv1.HTTPIngressRuleValue{Paths: paths},
		},
	})
	ingress.Spec.Rules = rules

	if _, err := ingresses.Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
		return apperrors.New(apperrors.ErrCodeServer, "failed to add session ingress rule", err)
	}
	return nil
}

func (c *Cluster) removeIngressRule(ctx context.Context, id string) error {
	ingresses := c.client.NetworkingV1().Ingresses(c.cfg.SystemNamespace)
	ingress, err := ingresses.Get(ctx, c.cfg.IngressName, metav1.GetOptions{})
	if err != nil {
		if k8serrors.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to read shared ingress: %w", err)
	}

	ingress.Spec.Rules = removeRule(ingress.Spec.Rules, subdomain(c.cfg.Host, id))
	if _, err := ingresses.Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to remove session ingress rule: %w", err)
	}
	return nil
}

func removeRule(rules []networkingv1.IngressRule, host string) []networkingv1.IngressRule {
	kept := make([]networkingv1.IngressRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Host != host {
			kept = append(kept, rule)
		}
	}
	return kept
}

func ingressPath(path, service string, port int32) networkingv1.HTTPIngressPath {
	pathType := networkingv1.PathTypePrefix
	return networkingv1.HTTPIngressPath{
		Path:     path,
		PathType: &pathType,
		Backend: networkingv1.IngressBackend{
			Service: &networkingv1.IngressServiceBackend{
				Name: service,
				Port: networkingv1.ServiceBackendPort{Number: port},
			},
		},
	}
}

// podToSession rebuilds the wire session from the pod's labels, annotations
// and status.
func (c *Cluster) podToSession(pod *corev1.Pod) (*v1.Session, error) {
	owner := pod.Labels[ownerLabel]
	if owner == "" {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "session pod has no owner label", nil)
	}

	var template v1.Template
	if serialized, ok := pod.Annotations[templateAnnotation]; ok {
		if err := yaml.Unmarshal([]byte(serialized), &template); err != nil {
			return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to parse template annotation", err)
		}
	}

	duration, err := strconv.Atoi(pod.Annotations[durationAnnotation])
	if err != nil {
		return nil, apperrors.New(apperrors.ErrCodeInternal, "failed to parse duration annotation", err)
	}

	return &v1.Session{
		ID:       owner,
		UserID:   owner,
		Template: template,
		URL:      "https://" + subdomain(c.cfg.Host, owner),
		Duration: duration,
		Node:     pod.Spec.NodeName,
		Pod:      podStatus(pod),
	}, nil
}

func podStatus(pod *corev1.Pod) v1.PodStatus {
	status := v1.PodStatus{
		Phase:   v1.Phase(pod.Status.Phase),
		Reason:  pod.Status.Reason,
		Message: pod.Status.Message,
	}
	if status.Phase == "" {
		status.Phase = v1.PhaseUnknown
	}
	if pod.Status.StartTime != nil {
		start := pod.Status.StartTime.Time
		status.StartTime = &start
	}
	for _, condition := range pod.Status.Conditions {
		status.Conditions = append(status.Conditions, v1.PodCondition{
			Type:    string(condition.Type),
			Status:  v1.ConditionStatus(condition.Status),
			Reason:  condition.Reason,
			Message: condition.Message,
		})
	}
	if len(pod.Status.ContainerStatuses) > 0 {
		status.Container = containerStatus(pod.Status.ContainerStatuses[0])
	}
	return status
}

func containerStatus(status corev1.ContainerStatus) *v1.ContainerStatus {
	switch {
	case status.State.Running != nil:
		return &v1.ContainerStatus{Phase: v1.ContainerRunning}
	case status.State.Waiting != nil:
		return &v1.ContainerStatus{
			Phase:   v1.ContainerWaiting,
			Reason:  status.State.Waiting.Reason,
			Message: status.State.Waiting.Message,
		}
	case status.State.Terminated != nil:
		return &v1.ContainerStatus{
			Phase:   v1.ContainerTerminated,
			Reason:  status.State.Terminated.Reason,
			Message: status.State.Terminated.Message,
		}
	default:
		return &v1.ContainerStatus{Phase: v1.ContainerUnknown}
	}
}
