package types

import (
	"encoding/json"
	"time"
)

// SBOM is the document returned by the SBOM store. The payload format is
// owned by the store; it is carried opaquely and served back as-is.
type SBOM struct {
	Data json.RawMessage `json:"data"`
}

// SbomState is the lifecycle state of an image's SBOM lookup.
type SbomState string

const (
	// StatePending — a fetch is scheduled or in flight.
	StatePending SbomState = "Pending"

	// StateResolved — the store returned a document.
	StateResolved SbomState = "Resolved"

	// StateMissing — the store has no SBOM for this image. A stable negative
	// result: not retried until the image is referenced anew.
	StateMissing SbomState = "Missing"

	// StateFailed — the last fetch failed; a retry may be pending.
	StateFailed SbomState = "Failed"
)

// ImageStatus is a point-in-time snapshot of one inventory entry, as served
// by the query API.
type ImageStatus struct {
	Image ImageRef  `json:"image"`
	State SbomState `json:"state"`

	// SBOM is set when State is Resolved.
	SBOM *SBOM `json:"sbom,omitempty"`

	// Error is the last failure reason when State is Failed.
	Error string `json:"error,omitempty"`

	// Attempts counts fetch attempts since the entry was last (re)triggered.
	Attempts int `json:"attempts,omitempty"`

	// NextRetry is when a Failed entry becomes eligible for another attempt.
	NextRetry *time.Time `json:"nextRetry,omitempty"`

	// LastResolved is when the SBOM was last successfully fetched. Staleness
	// during store outages is visible here, never hidden.
	LastResolved *time.Time `json:"lastResolved,omitempty"`

	// Workloads are the live workloads referencing this image.
	Workloads []WorkloadRef `json:"workloads"`
}
