package runtime

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/rise-platform/rise/internal/logger"
	"github.com/rise-platform/rise/internal/models"
)

// K8sAdapter is the orchestrator Runtime Adapter variant. One namespace per
// project (rise-<project>); one Deployment per deployment, labeled
// {project, group, deployment_id}; one Service per group whose selector
// pins a specific deployment_id (the traffic switch); one Ingress per
// group; one pull Secret per project. Grounded on internal/k8s/client.go's
// connection setup and CRUD-over-typed-client pattern.
type K8sAdapter struct {
	clientset *kubernetes.Clientset
	// IngressClass names the data-plane proxy's IngressClass, annotated on
	// every Ingress this adapter creates.
	IngressClass string
	// AuthAnnotations carries the proxy-specific annotation set that routes
	// a private project's requests through the ingress auth subrequest.
	AuthAnnotations map[string]string
}

// NewK8sAdapter builds a client from in-cluster config, falling back to
// $KUBECONFIG / ~/.kube/config, exactly as internal/k8s/client.go does.
func NewK8sAdapter(ingressClass string, authAnnotations map[string]string) (*K8sAdapter, error) {
	config, err := k8sRestConfig()
	if err != nil {
		return nil, fmt.Errorf("kubeconfig: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("k8s clientset: %w", err)
	}
	return &K8sAdapter{clientset: clientset, IngressClass: ingressClass, AuthAnnotations: authAnnotations}, nil
}

func k8sRestConfig() (*rest.Config, error) {
	if config, err := rest.InClusterConfig(); err == nil {
		return config, nil
	}
	kubeconfig := os.Getenv("KUBECONFIG")
	if kubeconfig == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("home directory: %w", err)
		}
		kubeconfig = filepath.Join(home, ".kube", "config")
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfig)
}

func projectNamespace(projectName string) string {
	return "rise-" + projectName
}

func workloadLabels(projectName, group, deploymentID string) map[string]string {
	return map[string]string{
		"project":       projectName,
		"group":         models.EscapeGroupLabel(group),
		"deployment-id": deploymentID,
	}
}

func deploymentName(deploymentID string) string {
	return "rise-deploy-" + deploymentID
}

func serviceName(group string) string {
	return "rise-svc-" + models.EscapeGroupLabel(group)
}

func ingressName(group string) string {
	return "rise-ing-" + models.EscapeGroupLabel(group)
}

// ApplyWorkload upserts the namespace and Deployment for spec. Idempotent:
// a second call with the same spec produces the same object via Apply-style
// upsert semantics (get-then-update, falling back to create).
func (a *K8sAdapter) ApplyWorkload(ctx context.Context, spec WorkloadSpec) (WorkloadHandle, error) {
	ns := projectNamespace(spec.ProjectName)
	if err := a.ensureNamespace(ctx, ns); err != nil {
		return WorkloadHandle{}, err
	}

	labels := workloadLabels(spec.ProjectName, spec.Group, spec.DeploymentID)
	name := deploymentName(spec.DeploymentID)

	envVars := make([]corev1.EnvVar, 0, len(spec.Env))
	for k, v := range spec.Env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	replicas := int32(1)
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{{
						Name:  "app",
						Image: spec.ImageRef,
						Ports: []corev1.ContainerPort{{ContainerPort: int32(spec.HTTPPort)}},
						Env:   envVars,
						ReadinessProbe: &corev1.Probe{
							ProbeHandler: corev1.ProbeHandler{
								HTTPGet: &corev1.HTTPGetAction{Path: "/", Port: intOrString(spec.HTTPPort)},
							},
						},
					}},
				},
			},
		},
	}
	if spec.PullSecretRef != "" {
		dep.Spec.Template.Spec.ImagePullSecrets = []corev1.LocalObjectReference{{Name: spec.PullSecretRef}}
	}

	client := a.clientset.AppsV1().Deployments(ns)
	if _, err := client.Get(ctx, name, metav1.GetOptions{}); apierrors.IsNotFound(err) {
		if _, err := client.Create(ctx, dep, metav1.CreateOptions{}); err != nil {
			return WorkloadHandle{}, fmt.Errorf("create deployment: %w", err)
		}
	} else if err != nil {
		return WorkloadHandle{}, fmt.Errorf("get deployment: %w", err)
	} else {
		if _, err := client.Update(ctx, dep, metav1.UpdateOptions{}); err != nil {
			return WorkloadHandle{}, fmt.Errorf("update deployment: %w", err)
		}
	}

	if err := a.ensureGroupIngress(ctx, ns, spec); err != nil {
		return WorkloadHandle{}, err
	}

	logger.Runtime().Debug().Str("namespace", ns).Str("deployment", name).Msg("applied workload")
	return WorkloadHandle{ProjectName: spec.ProjectName, DeploymentID: spec.DeploymentID, Group: spec.Group}, nil
}

func intOrString(port int) intstr.IntOrString { return intstr.FromInt(port) }

// DeleteWorkload removes the Deployment backing handle. The group's Service
// and Ingress outlive any single deployment; they are only deleted when the
// project itself is torn down.
func (a *K8sAdapter) DeleteWorkload(ctx context.Context, handle WorkloadHandle) error {
	ns := projectNamespace(handle.ProjectName)
	name := deploymentName(handle.DeploymentID)
	err := a.clientset.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete deployment: %w", err)
	}
	return nil
}

// SetGroupTraffic atomically repoints the group's Service selector at
// deploymentID, performing the traffic switch.
func (a *K8sAdapter) SetGroupTraffic(ctx context.Context, projectName, group, deploymentID string) error {
	ns := projectNamespace(projectName)
	name := serviceName(group)
	client := a.clientset.CoreV1().Services(ns)

	svc, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		svc = &corev1.Service{
			ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
			Spec: corev1.ServiceSpec{
				Selector: map[string]string{"project": projectName, "group": models.EscapeGroupLabel(group), "deployment-id": deploymentID},
				Ports:    []corev1.ServicePort{{Port: 80, TargetPort: intOrString(0)}},
			},
		}
		_, err = client.Create(ctx, svc, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("create group service: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get group service: %w", err)
	}
	if svc.Spec.Selector["deployment-id"] == deploymentID {
		return nil // already pointed here; idempotent no-op
	}
	svc.Spec.Selector["deployment-id"] = deploymentID
	if _, err := client.Update(ctx, svc, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update group service selector: %w", err)
	}
	return nil
}

func (a *K8sAdapter) ensureGroupIngress(ctx context.Context, ns string, spec WorkloadSpec) error {
	name := ingressName(spec.Group)
	client := a.clientset.NetworkingV1().Ingresses(ns)

	annotations := map[string]string{}
	for k, v := range a.AuthAnnotations {
		annotations[k] = v
	}
	if spec.PathPrefix != "" {
		annotations["nginx.ingress.kubernetes.io/rewrite-target"] = "/$2"
		annotations["nginx.ingress.kubernetes.io/use-regex"] = "true"
	}
	if !spec.Private {
		for k := range a.AuthAnnotations {
			delete(annotations, k)
		}
	}

	pathType := networkingv1.PathTypePrefix
	path := "/"
	if spec.PathPrefix != "" {
		path = strings.TrimSuffix(spec.PathPrefix, "/") + "(/|$)(.*)"
		pathType = networkingv1.PathTypeImplementationSpecific
	}

	var rules []networkingv1.IngressRule
	for _, host := range spec.Hostnames {
		rules = append(rules, networkingv1.IngressRule{
			Host: host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{{
						Path:     path,
						PathType: &pathType,
						Backend: networkingv1.IngressBackend{
							Service: &networkingv1.IngressServiceBackend{
								Name: serviceName(spec.Group),
								Port: networkingv1.ServiceBackendPort{Number: 80},
							},
						},
					}},
				},
			},
		})
	}

	ing := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Annotations: annotations},
		Spec: networkingv1.IngressSpec{
			IngressClassName: &a.IngressClass,
			Rules:            rules,
		},
	}

	existing, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, ing, metav1.CreateOptions{})
		if err != nil {
			return fmt.Errorf("create ingress: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("get ingress: %w", err)
	}
	ing.ResourceVersion = existing.ResourceVersion
	if _, err := client.Update(ctx, ing, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update ingress: %w", err)
	}
	return nil
}

// ProbeHealth reports Ready when the Deployment has at least one ready
// replica.
func (a *K8sAdapter) ProbeHealth(ctx context.Context, handle WorkloadHandle) (HealthState, error) {
	ns := projectNamespace(handle.ProjectName)
	name := deploymentName(handle.DeploymentID)
	dep, err := a.clientset.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return Gone, nil
	}
	if err != nil {
		return NotReady, fmt.Errorf("get deployment: %w", err)
	}
	if dep.Status.ReadyReplicas >= 1 {
		return Ready, nil
	}
	return NotReady, nil
}

// ActiveConnections is left unknown for the K8s variant in this
// implementation: a real deployment would read it from the ingress
// controller's connection-count metric. Returning -1 tells the supersession
// step to fall back to its configured drain timeout.
func (a *K8sAdapter) ActiveConnections(ctx context.Context, handle WorkloadHandle) (int, error) {
	return -1, nil
}

// ApplyPullSecret upserts a docker-registry Secret and stamps it with a
// refreshed_at annotation, idempotent under identical inputs.
func (a *K8sAdapter) ApplyPullSecret(ctx context.Context, projectName string, dockerConfigJSON []byte, ttl time.Duration) error {
	ns := projectNamespace(projectName)
	if err := a.ensureNamespace(ctx, ns); err != nil {
		return err
	}
	name := "rise-pull-secret"
	client := a.clientset.CoreV1().Secrets(ns)

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Annotations: map[string]string{
				"rise.dev/refreshed-at": time.Now().UTC().Format(time.RFC3339),
				"rise.dev/ttl-seconds":  fmt.Sprintf("%d", int64(ttl.Seconds())),
			},
		},
		Type: corev1.SecretTypeDockerConfigJson,
		Data: map[string][]byte{corev1.DockerConfigJsonKey: dockerConfigJSON},
	}

	if _, err := client.Get(ctx, name, metav1.GetOptions{}); apierrors.IsNotFound(err) {
		if _, err := client.Create(ctx, secret, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("create pull secret: %w", err)
		}
		return nil
	} else if err != nil {
		return fmt.Errorf("get pull secret: %w", err)
	}
	if _, err := client.Update(ctx, secret, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("update pull secret: %w", err)
	}
	return nil
}

func (a *K8sAdapter) ensureNamespace(ctx context.Context, ns string) error {
	_, err := a.clientset.CoreV1().Namespaces().Get(ctx, ns, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("get namespace: %w", err)
	}
	_, err = a.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: ns, Labels: map[string]string{"managed-by": "rise"}},
	}, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create namespace: %w", err)
	}
	return nil
}

// WatchEvents streams Kubernetes Events whose involved object is the
// deployment's Deployment object; events on its pods are not included.
func (a *K8sAdapter) WatchEvents(ctx context.Context, handle WorkloadHandle) (<-chan LifecycleEvent, error) {
	ns := projectNamespace(handle.ProjectName)
	watcher, err := a.clientset.CoreV1().Events(ns).Watch(ctx, metav1.ListOptions{
		FieldSelector: "involvedObject.name=" + deploymentName(handle.DeploymentID),
	})
	if err != nil {
		return nil, fmt.Errorf("watch events: %w", err)
	}
	out := make(chan LifecycleEvent)
	go func() {
		defer close(out)
		defer watcher.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.ResultChan():
				if !ok {
					return
				}
				kubeEvent, ok := ev.Object.(*corev1.Event)
				if !ok {
					continue
				}
				select {
				case out <- LifecycleEvent{
					DeploymentID: handle.DeploymentID,
					Type:         kubeEvent.Reason,
					Message:      kubeEvent.Message,
					ObservedAt:   kubeEvent.LastTimestamp.Time,
				}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// TailLogs streams the first pod's log output for the deployment, backing
// GET .../deployments/{id}/logs.
func (a *K8sAdapter) TailLogs(ctx context.Context, handle WorkloadHandle, follow bool) (<-chan string, error) {
	ns := projectNamespace(handle.ProjectName)
	pods, err := a.clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("deployment-id=%s", handle.DeploymentID),
	})
	if err != nil {
		return nil, fmt.Errorf("list pods: %w", err)
	}
	if len(pods.Items) == 0 {
		return nil, fmt.Errorf("no pods for deployment %s", handle.DeploymentID)
	}
	pod := pods.Items[0].Name

	req := a.clientset.CoreV1().Pods(ns).GetLogs(pod, &corev1.PodLogOptions{Follow: follow})
	stream, err := req.Stream(ctx)
	if err != nil {
		return nil, fmt.Errorf("stream logs: %w", err)
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer stream.Close()
		buf := make([]byte, 4096)
		for {
			n, err := stream.Read(buf)
			if n > 0 {
				select {
				case out <- string(buf[:n]):
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return out, nil
}
