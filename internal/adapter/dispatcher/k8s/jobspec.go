// Package k8s provisions evaluations as Kubernetes Jobs: one Job per
// evaluation, locked down to non-root, read-only root filesystem, no
// capabilities, and the sandbox runtime class when the cluster offers it.
package k8s

import (
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

const (
	labelApp      = "app"
	labelAppValue = "evaluation-runner"
	labelEvalID   = "eval-id"
	labelPriority = "priority"

	containerName = "runner"
)

// JobOptions carries cluster-level knobs for building one evaluation Job.
type JobOptions struct {
	Namespace        string
	Image            string
	RuntimeClassName string // empty means no sandbox runtime
	TTLSeconds       int32
}

// JobName derives the deterministic Job name for an evaluation. Lowercased
// because ULIDs are uppercase and Kubernetes names must be RFC 1123 labels.
func JobName(evalID string) string {
	return "eval-" + strings.ToLower(evalID)
}

// BuildJob constructs the Job manifest for one evaluation. The queue owns
// retries, so the Job itself never restarts; the active deadline enforces the
// requested timeout inside the cluster even if the worker dies.
func BuildJob(payload domain.EvaluationTaskPayload, opts JobOptions) *batchv1.Job {
	backoffLimit := int32(0)
	ttl := opts.TTLSeconds
	if ttl <= 0 {
		ttl = 300
	}
	activeDeadline := int64(payload.TimeoutSeconds)
	grace := int64(1)
	runAsNonRoot := true
	runAsUser := int64(65534)
	readOnlyRoot := true
	noPrivEsc := false
	automount := false

	// submissions may omit resources entirely; limits must stay >= requests
	cpuMillis := payload.Resources.CPUMillis
	if cpuMillis <= 0 {
		cpuMillis = 500
	}
	memMiB := payload.Resources.MemoryMiB
	if memMiB <= 0 {
		memMiB = 512
	}
	limits := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(int64(cpuMillis), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(int64(memMiB)<<20, resource.BinarySI),
	}
	requests := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse("250m"),
		corev1.ResourceMemory: resource.MustParse("256Mi"),
	}

	podSpec := corev1.PodSpec{
		RestartPolicy:                 corev1.RestartPolicyNever,
		TerminationGracePeriodSeconds: &grace,
		AutomountServiceAccountToken:  &automount,
		SecurityContext: &corev1.PodSecurityContext{
			RunAsNonRoot: &runAsNonRoot,
			RunAsUser:    &runAsUser,
			SeccompProfile: &corev1.SeccompProfile{
				Type: corev1.SeccompProfileTypeRuntimeDefault,
			},
		},
		Containers: []corev1.Container{{
			Name:    containerName,
			Image:   opts.Image,
			Command: commandFor(payload),
			Resources: corev1.ResourceRequirements{
				Requests: requests,
				Limits:   limits,
			},
			SecurityContext: &corev1.SecurityContext{
				ReadOnlyRootFilesystem:   &readOnlyRoot,
				AllowPrivilegeEscalation: &noPrivEsc,
				Capabilities: &corev1.Capabilities{
					Drop: []corev1.Capability{"ALL"},
				},
			},
		}},
	}
	if opts.RuntimeClassName != "" {
		rc := opts.RuntimeClassName
		podSpec.RuntimeClassName = &rc
	}

	labels := map[string]string{
		labelApp:      labelAppValue,
		labelEvalID:   strings.ToLower(payload.EvalID),
		labelPriority: string(payload.Priority),
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      JobName(payload.EvalID),
			Namespace: opts.Namespace,
			Labels:    labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:            &backoffLimit,
			TTLSecondsAfterFinished: &ttl,
			ActiveDeadlineSeconds:   &activeDeadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}
}

// commandFor maps the language onto the runtime entrypoint. The code travels
// as an argument, never as a file, so the read-only root filesystem holds.
func commandFor(payload domain.EvaluationTaskPayload) []string {
	switch payload.Language {
	case domain.LanguagePython:
		return []string{"python3", "-u", "-c", payload.Code}
	default:
		return []string{"/bin/run", payload.Code}
	}
}

// evalSelector is the label selector matching one evaluation's workload.
func evalSelector(evalID string) string {
	return labelEvalID + "=" + strings.ToLower(evalID)
}
