package k8s

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

// Dispatcher implements domain.Dispatcher on a Kubernetes cluster. Each
// evaluation maps to exactly one Job named after its eval_id, which makes
// Execute idempotent across task redeliveries.
type Dispatcher struct {
	client    kubernetes.Interface
	namespace string
	images    *ImageResolver

	sandboxClass  string
	allowFallback bool
	jobTTL        int32

	probeOnce      sync.Once
	sandboxPresent bool

	networkPolicyOn bool
}

// NewClientset builds a Kubernetes client from the in-cluster config, falling
// back to the local kubeconfig for development.
func NewClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		loading := clientcmd.NewDefaultClientConfigLoadingRules()
		cfg, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
			loading, &clientcmd.ConfigOverrides{}).ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("op=dispatcher.clientset: %w", err)
		}
	}
	return kubernetes.NewForConfig(cfg)
}

// New wires a dispatcher over the given client.
func New(client kubernetes.Interface, cfg config.Config, images *ImageResolver) *Dispatcher {
	return &Dispatcher{
		client:        client,
		namespace:     cfg.ClusterNamespace,
		images:        images,
		sandboxClass:  cfg.SandboxRuntimeClass,
		allowFallback: cfg.SandboxFallbackAllowed(),
		jobTTL:        cfg.JobTTLSeconds,
	}
}

// Execute provisions the evaluation Job. A Job that already exists for this
// eval_id makes Execute a no-op so redelivered tasks never double-provision.
func (d *Dispatcher) Execute(ctx domain.Context, payload domain.EvaluationTaskPayload) (domain.ExecutionMetadata, error) {
	image, err := d.images.Resolve(ctx, payload.Language)
	if err != nil {
		return domain.ExecutionMetadata{}, fmt.Errorf("op=dispatcher.execute: %w", err)
	}

	sandboxed := d.sandboxAvailable(ctx)
	if !sandboxed && !d.allowFallback {
		return domain.ExecutionMetadata{}, fmt.Errorf(
			"op=dispatcher.execute: sandbox runtime %q absent: %w", d.sandboxClass, domain.ErrClusterUnavailable)
	}

	runtimeClass := ""
	if sandboxed {
		runtimeClass = d.sandboxClass
	}
	job := BuildJob(payload, JobOptions{
		Namespace:        d.namespace,
		Image:            image,
		RuntimeClassName: runtimeClass,
		TTLSeconds:       d.jobTTL,
	})

	_, err = d.client.BatchV1().Jobs(d.namespace).Create(ctx, job, metav1.CreateOptions{})
	switch {
	case err == nil:
		slog.Info("evaluation job created",
			slog.String("eval_id", payload.EvalID),
			slog.String("job", job.Name),
			slog.String("image", image),
			slog.Bool("sandboxed", sandboxed))
	case apierrors.IsAlreadyExists(err):
		slog.Info("evaluation job already exists, reusing",
			slog.String("eval_id", payload.EvalID), slog.String("job", job.Name))
	case apierrors.IsForbidden(err):
		return domain.ExecutionMetadata{}, fmt.Errorf("op=dispatcher.execute: %w: %w", domain.ErrQuotaExceeded, err)
	default:
		return domain.ExecutionMetadata{}, fmt.Errorf("op=dispatcher.execute: %w: %w", domain.ErrClusterUnavailable, err)
	}

	return domain.ExecutionMetadata{
		ExecutorIdentity: job.Name,
		ImageTag:         image,
		Sandboxed:        sandboxed,
		SandboxFallback:  !sandboxed,
		NetworkPolicyOn:  d.networkPolicyOn,
	}, nil
}

// Status reports the dispatcher's current view of the workload, including
// captured output once it terminated.
func (d *Dispatcher) Status(ctx domain.Context, evalID string) (domain.ExecutionStatus, error) {
	name := JobName(evalID)
	job, err := d.client.BatchV1().Jobs(d.namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return domain.ExecutionStatus{}, fmt.Errorf("op=dispatcher.status: %w", domain.ErrNotFound)
		}
		return domain.ExecutionStatus{}, fmt.Errorf("op=dispatcher.status: %w: %w", domain.ErrClusterUnavailable, err)
	}

	st := domain.ExecutionStatus{EvalID: evalID, Status: domain.StatusProvisioning}
	if job.Status.StartTime != nil {
		t := job.Status.StartTime.Time
		st.StartedAt = &t
		st.Status = domain.StatusRunning
	}

	switch {
	case job.Status.Succeeded > 0:
		st.Status = domain.StatusCompleted
		zero := 0
		st.ExitCode = &zero
	case job.Status.Failed > 0 && job.Status.Active == 0:
		if deadlineExceeded(job.Status.Conditions) {
			st.Status = domain.StatusTimeout
			kind := domain.KindExecutionTimeout
			st.ErrorKind = &kind
		} else {
			st.Status = domain.StatusFailed
			kind := domain.KindExecutionFailed
			st.ErrorKind = &kind
		}
	}

	if st.Status.Terminal() {
		if t := terminatedAt(job.Status.Conditions); t != nil {
			st.TerminatedAt = t
		} else {
			now := time.Now().UTC()
			st.TerminatedAt = &now
		}
		d.attachPodResults(ctx, evalID, &st)
	}
	return st, nil
}

// Cancel deletes the workload by label so any process holding a client can
// cancel without knowing the Job's state. Missing workloads are a no-op.
func (d *Dispatcher) Cancel(ctx domain.Context, evalID string) error {
	policy := metav1.DeletePropagationForeground
	err := d.client.BatchV1().Jobs(d.namespace).DeleteCollection(ctx,
		metav1.DeleteOptions{PropagationPolicy: &policy},
		metav1.ListOptions{LabelSelector: evalSelector(evalID)})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("op=dispatcher.cancel: %w: %w", domain.ErrClusterUnavailable, err)
	}
	slog.Info("evaluation workload deleted", slog.String("eval_id", evalID))
	return nil
}

// sandboxAvailable probes the cluster once for the sandbox runtime class.
func (d *Dispatcher) sandboxAvailable(ctx context.Context) bool {
	d.probeOnce.Do(func() {
		if d.sandboxClass == "" {
			return
		}
		_, err := d.client.NodeV1().RuntimeClasses().Get(ctx, d.sandboxClass, metav1.GetOptions{})
		d.sandboxPresent = err == nil
		if err != nil {
			slog.Warn("sandbox runtime class not available",
				slog.String("runtime_class", d.sandboxClass), slog.Any("error", err))
		}
	})
	return d.sandboxPresent
}

// attachPodResults copies exit code and logs from the Job's pod onto st.
// Output pointers stay nil when the pod or its logs are gone: callers must be
// able to distinguish "empty output" from "output unavailable".
func (d *Dispatcher) attachPodResults(ctx context.Context, evalID string, st *domain.ExecutionStatus) {
	pods, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: evalSelector(evalID),
	})
	if err != nil || len(pods.Items) == 0 {
		slog.Warn("no pod found for terminated job", slog.String("eval_id", evalID))
		return
	}
	pod := pods.Items[len(pods.Items)-1]

	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == containerName && cs.State.Terminated != nil {
			code := int(cs.State.Terminated.ExitCode)
			st.ExitCode = &code
			if st.StartedAt == nil && !cs.State.Terminated.StartedAt.IsZero() {
				t := cs.State.Terminated.StartedAt.Time
				st.StartedAt = &t
			}
			if !cs.State.Terminated.FinishedAt.IsZero() {
				t := cs.State.Terminated.FinishedAt.Time
				st.TerminatedAt = &t
			}
		}
	}

	if logs, ok := d.fetchLogs(ctx, pod.Name); ok {
		st.Stdout = &logs
	}
}

// fetchLogs reads container logs with a short retry: kubelet may lag a few
// hundred milliseconds behind container termination.
func (d *Dispatcher) fetchLogs(ctx context.Context, podName string) (string, bool) {
	const attempts = 3
	for i := 0; i < attempts; i++ {
		raw, err := d.client.CoreV1().Pods(d.namespace).
			GetLogs(podName, &corev1.PodLogOptions{Container: containerName}).
			Do(ctx).Raw()
		if err == nil {
			return string(raw), true
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return "", false
			case <-time.After(200 * time.Millisecond):
			}
		}
	}
	return "", false
}

func deadlineExceeded(conds []batchv1.JobCondition) bool {
	for _, c := range conds {
		if c.Type == batchv1.JobFailed && c.Status == corev1.ConditionTrue && strings.Contains(c.Reason, "DeadlineExceeded") {
			return true
		}
	}
	return false
}

func terminatedAt(conds []batchv1.JobCondition) *time.Time {
	for _, c := range conds {
		if (c.Type == batchv1.JobComplete || c.Type == batchv1.JobFailed) && c.Status == corev1.ConditionTrue {
			t := c.LastTransitionTime.Time
			return &t
		}
	}
	return nil
}
