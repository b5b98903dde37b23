// Package extractor maps pod specifications to the set of images they run.
package extractor

import (
	"sort"
	"strconv"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"

	"github.com/ctron/bommer/internal/types"
)

// Extractor derives normalized image references from pod objects. It is
// pure: no I/O, and malformed image fields are skipped with a warning,
// never fatal.
type Extractor struct {
	logger *zap.Logger
}

// New creates a new Extractor.
func New(logger *zap.Logger) *Extractor {
	return &Extractor{logger: logger.Named("extractor")}
}

// Token parses the pod's resource version into a comparable change token.
// Kubernetes resource versions are opaque to clients in general, but they
// are decimal strings in practice; an unparseable version returns ok=false
// and the caller drops the event.
func Token(pod *corev1.Pod) (uint64, bool) {
	t, err := strconv.ParseUint(pod.ResourceVersion, 10, 64)
	if err != nil {
		return 0, false
	}
	return t, true
}

// Images returns the distinct images declared by the pod, across init,
// regular and ephemeral containers. The digest reported by the container
// status is preferred over whatever tag the spec asked for. Duplicates
// within one pod collapse to a single reference.
func (e *Extractor) Images(pod *corev1.Pod) []types.ImageRef {
	digests := statusDigests(pod)

	seen := make(map[string]types.ImageRef)

	add := func(containerName, image string) {
		if image == "" {
			return
		}
		ref, err := types.ParseImageRef(image, digests[containerName])
		if err != nil {
			e.logger.Warn("Skipping unparseable image reference",
				zap.String("pod", pod.Namespace+"/"+pod.Name),
				zap.String("container", containerName),
				zap.Error(err),
			)
			return
		}
		seen[ref.Key()] = ref
	}

	for _, c := range pod.Spec.InitContainers {
		add(c.Name, c.Image)
	}
	for _, c := range pod.Spec.Containers {
		add(c.Name, c.Image)
	}
	for _, c := range pod.Spec.EphemeralContainers {
		add(c.Name, c.Image)
	}

	out := make([]types.ImageRef, 0, len(seen))
	for _, ref := range seen {
		out = append(out, ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// statusDigests maps container name to the ImageID its status reports.
func statusDigests(pod *corev1.Pod) map[string]string {
	out := make(map[string]string)
	collect := func(statuses []corev1.ContainerStatus) {
		for _, s := range statuses {
			if s.ImageID != "" {
				out[s.Name] = s.ImageID
			}
		}
	}
	collect(pod.Status.InitContainerStatuses)
	collect(pod.Status.ContainerStatuses)
	collect(pod.Status.EphemeralContainerStatuses)
	return out
}
