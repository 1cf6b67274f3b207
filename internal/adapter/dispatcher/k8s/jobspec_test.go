package k8s

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

func taskPayload() domain.EvaluationTaskPayload {
	return domain.EvaluationTaskPayload{
		EvalID:         "01HZXEXAMPLE",
		Language:       domain.LanguagePython,
		Code:           "print('hi')",
		TimeoutSeconds: 30,
		Priority:       domain.PriorityNormal,
		Resources:      domain.Resources{CPUMillis: 500, MemoryMiB: 512},
		Attempt:        1,
	}
}

func TestBuildJob_LockedDownPodSpec(t *testing.T) {
	t.Parallel()
	job := BuildJob(taskPayload(), JobOptions{
		Namespace:        "evaluations",
		Image:            "registry.local/eval-runtime-python:3.12",
		RuntimeClassName: "gvisor",
		TTLSeconds:       300,
	})

	assert.Equal(t, "eval-01hzxexample", job.Name)
	assert.Equal(t, "evaluations", job.Namespace)
	assert.Equal(t, "01hzxexample", job.Labels[labelEvalID])
	assert.Equal(t, "normal", job.Labels[labelPriority])

	require.NotNil(t, job.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *job.Spec.BackoffLimit, "queue owns retries, not the Job")
	require.NotNil(t, job.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int32(300), *job.Spec.TTLSecondsAfterFinished)
	require.NotNil(t, job.Spec.ActiveDeadlineSeconds)
	assert.Equal(t, int64(30), *job.Spec.ActiveDeadlineSeconds)

	pod := job.Spec.Template.Spec
	assert.Equal(t, corev1.RestartPolicyNever, pod.RestartPolicy)
	require.NotNil(t, pod.TerminationGracePeriodSeconds)
	assert.Equal(t, int64(1), *pod.TerminationGracePeriodSeconds)
	require.NotNil(t, pod.AutomountServiceAccountToken)
	assert.False(t, *pod.AutomountServiceAccountToken)
	require.NotNil(t, pod.RuntimeClassName)
	assert.Equal(t, "gvisor", *pod.RuntimeClassName)
	require.NotNil(t, pod.SecurityContext.RunAsNonRoot)
	assert.True(t, *pod.SecurityContext.RunAsNonRoot)

	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, []string{"python3", "-u", "-c", "print('hi')"}, c.Command)
	assert.True(t, *c.SecurityContext.ReadOnlyRootFilesystem)
	assert.False(t, *c.SecurityContext.AllowPrivilegeEscalation)
	assert.Equal(t, []corev1.Capability{"ALL"}, c.SecurityContext.Capabilities.Drop)
	assert.Equal(t, "500m", c.Resources.Limits.Cpu().String())
	assert.Equal(t, "512Mi", c.Resources.Limits.Memory().String())
}

func TestBuildJob_OmittedResourcesGetDefaultLimits(t *testing.T) {
	t.Parallel()
	payload := taskPayload()
	payload.Resources = domain.Resources{}
	job := BuildJob(payload, JobOptions{Namespace: "evaluations", Image: "img"})

	require.Len(t, job.Spec.Template.Spec.Containers, 1)
	c := job.Spec.Template.Spec.Containers[0]
	assert.Equal(t, "500m", c.Resources.Limits.Cpu().String())
	assert.Equal(t, "512Mi", c.Resources.Limits.Memory().String())
	// limits may never fall below the fixed requests
	assert.True(t, c.Resources.Limits.Cpu().Cmp(*c.Resources.Requests.Cpu()) >= 0)
	assert.True(t, c.Resources.Limits.Memory().Cmp(*c.Resources.Requests.Memory()) >= 0)
}

func TestBuildJob_NoRuntimeClassWhenFallback(t *testing.T) {
	t.Parallel()
	job := BuildJob(taskPayload(), JobOptions{Namespace: "evaluations", Image: "img"})
	assert.Nil(t, job.Spec.Template.Spec.RuntimeClassName)
}

func TestJobName_LowercasesULID(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "eval-01hzxabc", JobName("01HZXABC"))
	assert.Equal(t, "eval-id=01hzxabc", evalSelector("01HZXABC"))
}
