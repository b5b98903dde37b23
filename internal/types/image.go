package types

import (
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
)

// ImageRef is a normalized reference to a container image. Digest-pinned
// references are preferred: tags are mutable and make poor SBOM keys.
// Immutable once constructed.
type ImageRef struct {
	// Repository is the fully qualified repository, e.g.
	// "index.docker.io/library/nginx".
	Repository string `json:"repository"`

	// Tag is the tag the workload asked for, if any. Informational only;
	// it never participates in the cache key when a digest is known.
	Tag string `json:"tag,omitempty"`

	// Digest is the "sha256:..." digest, when known.
	Digest string `json:"digest,omitempty"`
}

// ParseImageRef normalizes a container image reference. The spec reference
// comes from the container spec; imageID, when non-empty, comes from the
// container status and is the preferred digest source (the runtime reports
// the digest it actually pulled).
func ParseImageRef(spec, imageID string) (ImageRef, error) {
	ref, err := name.ParseReference(spec, name.WeakValidation)
	if err != nil {
		return ImageRef{}, fmt.Errorf("invalid image reference %q: %w", spec, err)
	}

	out := ImageRef{Repository: ref.Context().Name()}

	switch r := ref.(type) {
	case name.Digest:
		out.Digest = r.DigestStr()
	case name.Tag:
		out.Tag = r.TagStr()
	}

	if out.Digest == "" && imageID != "" {
		if d, ok := digestFromImageID(imageID); ok {
			out.Digest = d
		}
	}

	return out, nil
}

// digestFromImageID extracts the digest from a container status ImageID.
// Runtimes report values like "docker.io/library/nginx@sha256:..." or the
// legacy "docker-pullable://nginx@sha256:..." form.
func digestFromImageID(imageID string) (string, bool) {
	imageID = strings.TrimPrefix(imageID, "docker-pullable://")
	ref, err := name.ParseReference(imageID, name.WeakValidation)
	if err != nil {
		return "", false
	}
	if d, ok := ref.(name.Digest); ok {
		return d.DigestStr(), true
	}
	return "", false
}

// Key returns the cache key for this image. Digest-pinned when possible.
func (r ImageRef) Key() string {
	if r.Digest != "" {
		return r.Repository + "@" + r.Digest
	}
	return r.Repository + ":" + r.Tag
}

// Purl returns the package URL used to look this image up in the SBOM store.
func (r ImageRef) Purl() string {
	n := r.Repository
	if i := strings.LastIndex(n, "/"); i >= 0 {
		n = n[i+1:]
	}
	if r.Digest != "" {
		return fmt.Sprintf("pkg:oci/%s@%s?repository_url=%s", n, r.Digest, r.Repository)
	}
	return fmt.Sprintf("pkg:oci/%s?repository_url=%s&tag=%s", n, r.Repository, r.Tag)
}

func (r ImageRef) String() string {
	return r.Key()
}
