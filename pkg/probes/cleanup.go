package probes

import (
	"context"
	"log/slog"
	"time"

	k8serrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/isitobservable/netcheck/pkg/types"
)

// clearStale checks for a DaemonSet left by an earlier run. A fresh one means
// another run is in progress; one older than StaleAfter, or one without a
// readable created-at annotation, is an orphan and is deleted.
func (m *Manager) clearStale(ctx context.Context) error {
	dsClient := m.clientset.AppsV1().DaemonSets(m.opts.Namespace)

	existing, err := dsClient.Get(ctx, m.opts.Name, metav1.GetOptions{})
	if k8serrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return types.Wrap(types.ErrCodeDeployment, m.target(), "checking for an existing agent DaemonSet", err)
	}

	createdAt, parseErr := time.Parse(time.RFC3339, existing.Annotations[AnnotationCreatedAt])
	age := m.now().Sub(createdAt)
	if parseErr == nil && age < m.opts.StaleAfter {
		return types.Errorf(types.ErrCodeDeployment, m.target(),
			"another run is in progress (run %s, started %s ago); concurrent runs are not supported",
			existing.Annotations[AnnotationRunID], age.Round(time.Second))
	}

	slog.Info("agent: deleting orphaned DaemonSet", "daemonset", m.target(), "run", existing.Annotations[AnnotationRunID])
	policy := metav1.DeletePropagationForeground
	if err := dsClient.Delete(ctx, m.opts.Name, metav1.DeleteOptions{PropagationPolicy: &policy}); err != nil && !k8serrors.IsNotFound(err) {
		return types.Wrap(types.ErrCodeDeployment, m.target(), "deleting orphaned agent DaemonSet", err)
	}

	return m.waitGone(ctx)
}

// waitGone polls until the DaemonSet no longer exists.
func (m *Manager) waitGone(ctx context.Context) error {
	dsClient := m.clientset.AppsV1().DaemonSets(m.opts.Namespace)
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		_, err := dsClient.Get(ctx, m.opts.Name, metav1.GetOptions{})
		if k8serrors.IsNotFound(err) {
			return nil
		}
		select {
		case <-ctx.Done():
			return types.Wrap(types.ErrCodeDeployment, m.target(), "waiting for orphaned DaemonSet removal", ctx.Err())
		case <-time.After(m.opts.PollInterval):
		}
	}
	return types.Errorf(types.ErrCodeDeployment, m.target(), "orphaned agent DaemonSet still present after %d attempts", m.opts.MaxAttempts)
}
