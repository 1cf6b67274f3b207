package k8s

import (
	"context"
	"fmt"
	"log/slog"

	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/fairyhunter13/ai-code-evaluator/internal/domain"
)

const (
	networkPolicyName = "evaluation-runner-isolation"
	quotaName         = "evaluation-runner-quota"
)

// EnsureIsolation prepares the evaluation namespace: the namespace itself, a
// default-deny network policy over runner pods, and a resource quota bounding
// total consumption. Call once at startup; every step is idempotent.
func (d *Dispatcher) EnsureIsolation(ctx context.Context, maxConcurrent int) error {
	if err := d.ensureNamespace(ctx); err != nil {
		return err
	}
	if err := d.ensureNetworkPolicy(ctx); err != nil {
		return err
	}
	if err := d.ensureQuota(ctx, maxConcurrent); err != nil {
		return err
	}
	return nil
}

// Healthy reports whether the API server answers for the evaluation
// namespace. Used by readiness probes.
func (d *Dispatcher) Healthy(ctx context.Context) error {
	_, err := d.client.BatchV1().Jobs(d.namespace).List(ctx, metav1.ListOptions{Limit: 1})
	if err != nil {
		return fmt.Errorf("op=dispatcher.healthy: %w: %w", domain.ErrClusterUnavailable, err)
	}
	return nil
}

func (d *Dispatcher) ensureNamespace(ctx context.Context) error {
	ns := &corev1.Namespace{ObjectMeta: metav1.ObjectMeta{Name: d.namespace}}
	_, err := d.client.CoreV1().Namespaces().Create(ctx, ns, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("op=dispatcher.ensure_namespace: %w: %w", domain.ErrClusterUnavailable, err)
	}
	return nil
}

// ensureNetworkPolicy denies all ingress and egress for runner pods. Untrusted
// code gets compute, never network.
func (d *Dispatcher) ensureNetworkPolicy(ctx context.Context) error {
	np := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{
			Name:      networkPolicyName,
			Namespace: d.namespace,
		},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{
				MatchLabels: map[string]string{labelApp: labelAppValue},
			},
			PolicyTypes: []networkingv1.PolicyType{
				networkingv1.PolicyTypeIngress,
				networkingv1.PolicyTypeEgress,
			},
			// no Ingress/Egress rules: default deny in both directions
		},
	}
	_, err := d.client.NetworkingV1().NetworkPolicies(d.namespace).Create(ctx, np, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		slog.Warn("network policy not applied; runner pods are not isolated",
			slog.Any("error", err))
		return fmt.Errorf("op=dispatcher.ensure_network_policy: %w: %w", domain.ErrClusterUnavailable, err)
	}
	d.networkPolicyOn = true
	return nil
}

// ensureQuota caps the namespace so runaway submissions cannot exhaust the
// cluster even if the executor pool misbehaves.
func (d *Dispatcher) ensureQuota(ctx context.Context, maxConcurrent int) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 20
	}
	cpu := int64(maxConcurrent * domain.MaxCPUMillis)
	mem := int64(maxConcurrent*domain.MaxMemoryMiB) << 20

	quota := &corev1.ResourceQuota{
		ObjectMeta: metav1.ObjectMeta{
			Name:      quotaName,
			Namespace: d.namespace,
		},
		Spec: corev1.ResourceQuotaSpec{
			Hard: corev1.ResourceList{
				corev1.ResourcePods:         *resource.NewQuantity(int64(maxConcurrent*2), resource.DecimalSI),
				corev1.ResourceLimitsCPU:    *resource.NewMilliQuantity(cpu, resource.DecimalSI),
				corev1.ResourceLimitsMemory: *resource.NewQuantity(mem, resource.BinarySI),
			},
		},
	}
	_, err := d.client.CoreV1().ResourceQuotas(d.namespace).Create(ctx, quota, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("op=dispatcher.ensure_quota: %w: %w", domain.ErrClusterUnavailable, err)
	}
	return nil
}
