package k8s

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	nodev1 "k8s.io/api/node/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/fairyhunter13/ai-code-evaluator/internal/config"
	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

func testConfig() config.Config {
	return config.Config{
		AppEnv:              "dev",
		ClusterNamespace:    "evaluations",
		SandboxRuntimeClass: "gvisor",
		JobTTLSeconds:       300,
	}
}

func resolverWithManifest(t *testing.T, client *fake.Clientset) *ImageResolver {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runtimes.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtimes:\n  python: registry.local/eval-runtime-python:3.12\n"), 0o600))
	r, err := NewImageResolver(client, "eval-runtime", path, time.Minute)
	require.NoError(t, err)
	return r
}

func TestExecute_CreatesJobOnceAndIsIdempotent(t *testing.T) {
	client := fake.NewSimpleClientset(&nodev1.RuntimeClass{
		ObjectMeta: metav1.ObjectMeta{Name: "gvisor"},
	})
	d := New(client, testConfig(), resolverWithManifest(t, client))
	ctx := context.Background()

	meta, err := d.Execute(ctx, taskPayload())
	require.NoError(t, err)
	assert.Equal(t, "eval-01hzxexample", meta.ExecutorIdentity)
	assert.Equal(t, "registry.local/eval-runtime-python:3.12", meta.ImageTag)
	assert.True(t, meta.Sandboxed)
	assert.False(t, meta.SandboxFallback)

	// redelivered task: same eval_id, no second workload, no error
	meta2, err := d.Execute(ctx, taskPayload())
	require.NoError(t, err)
	assert.Equal(t, meta.ExecutorIdentity, meta2.ExecutorIdentity)

	jobs, err := client.BatchV1().Jobs("evaluations").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, jobs.Items, 1)
}

func TestExecute_SandboxAbsentInProdIsRejected(t *testing.T) {
	client := fake.NewSimpleClientset() // no gvisor runtime class
	cfg := testConfig()
	cfg.AppEnv = "prod"
	d := New(client, cfg, resolverWithManifest(t, client))

	_, err := d.Execute(context.Background(), taskPayload())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrClusterUnavailable)
}

func TestExecute_SandboxAbsentInDevFallsBack(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, testConfig(), resolverWithManifest(t, client))

	meta, err := d.Execute(context.Background(), taskPayload())
	require.NoError(t, err)
	assert.False(t, meta.Sandboxed)
	assert.True(t, meta.SandboxFallback)

	job, err := client.BatchV1().Jobs("evaluations").Get(context.Background(), "eval-01hzxexample", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Nil(t, job.Spec.Template.Spec.RuntimeClassName)
}

func TestStatus_MissingJobIsNotFound(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, testConfig(), resolverWithManifest(t, client))

	_, err := d.Status(context.Background(), "01HZXNOPE")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestStatus_SucceededJobIsCompleted(t *testing.T) {
	start := metav1.NewTime(time.Now().Add(-time.Minute))
	client := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "eval-01hzxexample", Namespace: "evaluations"},
		Status: batchv1.JobStatus{
			StartTime: &start,
			Succeeded: 1,
			Conditions: []batchv1.JobCondition{{
				Type: batchv1.JobComplete, Status: corev1.ConditionTrue,
				LastTransitionTime: metav1.Now(),
			}},
		},
	})
	d := New(client, testConfig(), resolverWithManifest(t, client))

	st, err := d.Status(context.Background(), "01HZXEXAMPLE")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, st.Status)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 0, *st.ExitCode)
	require.NotNil(t, st.StartedAt)
	require.NotNil(t, st.TerminatedAt)
}

func TestStatus_DeadlineExceededIsTimeout(t *testing.T) {
	client := fake.NewSimpleClientset(&batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "eval-01hzxexample", Namespace: "evaluations"},
		Status: batchv1.JobStatus{
			Failed: 1,
			Conditions: []batchv1.JobCondition{{
				Type: batchv1.JobFailed, Status: corev1.ConditionTrue,
				Reason:             "DeadlineExceeded",
				LastTransitionTime: metav1.Now(),
			}},
		},
	})
	d := New(client, testConfig(), resolverWithManifest(t, client))

	st, err := d.Status(context.Background(), "01HZXEXAMPLE")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusTimeout, st.Status)
	require.NotNil(t, st.ErrorKind)
	assert.Equal(t, domain.KindExecutionTimeout, *st.ErrorKind)
}

func TestCancel_NoWorkloadIsNoop(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, testConfig(), resolverWithManifest(t, client))
	assert.NoError(t, d.Cancel(context.Background(), "01HZXGONE"))
}

func TestEnsureIsolation_Idempotent(t *testing.T) {
	client := fake.NewSimpleClientset()
	d := New(client, testConfig(), resolverWithManifest(t, client))
	ctx := context.Background()

	require.NoError(t, d.EnsureIsolation(ctx, 10))
	require.NoError(t, d.EnsureIsolation(ctx, 10))

	np, err := client.NetworkingV1().NetworkPolicies("evaluations").Get(ctx, networkPolicyName, metav1.GetOptions{})
	require.NoError(t, err)
	assert.Empty(t, np.Spec.Ingress, "default deny: no ingress rules")
	assert.Empty(t, np.Spec.Egress, "default deny: no egress rules")
}

func TestImageResolver_DiscoversDigestPinnedImage(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
		Status: corev1.NodeStatus{
			Images: []corev1.ContainerImage{
				{Names: []string{"registry.local/eval-runtime-python:3.11"}},
				{Names: []string{"registry.local/eval-runtime-python@sha256:abc123"}},
				{Names: []string{"registry.local/unrelated:1.0"}},
			},
		},
	})
	r, err := NewImageResolver(client, "eval-runtime", "", time.Minute)
	require.NoError(t, err)

	img, err := r.Resolve(context.Background(), domain.LanguagePython)
	require.NoError(t, err)
	assert.Equal(t, "registry.local/eval-runtime-python@sha256:abc123", img)
}

func TestImageResolver_NoImageForLanguage(t *testing.T) {
	client := fake.NewSimpleClientset(&corev1.Node{
		ObjectMeta: metav1.ObjectMeta{Name: "node-1"},
	})
	r, err := NewImageResolver(client, "eval-runtime", "", time.Minute)
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), domain.Language("rust"))
	assert.ErrorIs(t, err, domain.ErrNoImage)
}
