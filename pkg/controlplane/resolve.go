package controlplane

import (
	"fmt"
	"sort"
	"strings"

	"github.com/isitobservable/netcheck/pkg/inventory"
)

// uniquePod returns the one pod in pods whose name starts with prefix.
func uniquePod(pods []inventory.Pod, prefix string) (inventory.Pod, error) {
	var matches []inventory.Pod
	for _, p := range pods {
		if strings.HasPrefix(p.Name, prefix) {
			matches = append(matches, p)
		}
	}
	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
		return inventory.Pod{}, fmt.Errorf("no pod with prefix %q", prefix)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m.Name)
	}
	sort.Strings(names)
	return inventory.Pod{}, fmt.Errorf("%d pods with prefix %q: %s", len(matches), prefix, strings.Join(names, ", "))
}

// apiServerContainer picks the API server container by name, falling back to
// the first container whose image contains marker.
func apiServerContainer(pod inventory.Pod, name, marker string) (inventory.Container, error) {
	for _, c := range pod.Containers {
		if c.Name == name {
			return c, nil
		}
	}
	if marker != "" {
		for _, c := range pod.Containers {
			if strings.Contains(c.Image, marker) {
				return c, nil
			}
		}
	}
	return inventory.Container{}, fmt.Errorf("pod %s/%s has no %s container", pod.Namespace, pod.Name, name)
}
