package probes

import (
	_ "embed"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	"sigs.k8s.io/yaml"
)

//go:embed agent.yaml
var agentManifest []byte

// buildDaemonSet decodes the embedded manifest and applies the run's
// namespace, name, image and identity.
func buildDaemonSet(opts Options, runID string, now time.Time) (*appsv1.DaemonSet, error) {
	var ds appsv1.DaemonSet
	if err := yaml.Unmarshal(agentManifest, &ds); err != nil {
		return nil, fmt.Errorf("decoding agent manifest: %w", err)
	}
	if len(ds.Spec.Template.Spec.Containers) == 0 {
		return nil, fmt.Errorf("agent manifest has no containers")
	}

	selector := map[string]string{LabelApp: opts.Name}

	ds.Name = opts.Name
	ds.Namespace = opts.Namespace
	ds.Labels = map[string]string{
		LabelApp:       opts.Name,
		LabelManagedBy: LabelManagedByValue,
	}
	ds.Annotations = map[string]string{
		AnnotationCreatedAt: now.UTC().Format(time.RFC3339),
		AnnotationRunID:     runID,
	}
	ds.Spec.Selector.MatchLabels = selector
	ds.Spec.Template.Labels = map[string]string{
		LabelApp:       opts.Name,
		LabelManagedBy: LabelManagedByValue,
	}
	if opts.Image != "" {
		ds.Spec.Template.Spec.Containers[0].Image = opts.Image
	}
	return &ds, nil
}
