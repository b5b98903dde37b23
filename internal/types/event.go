package types

// EventType tags a workload event.
type EventType string

const (
	EventAdd    EventType = "Add"
	EventUpdate EventType = "Update"
	EventDelete EventType = "Delete"

	// EventResync carries a full authoritative snapshot of live workloads.
	// Emitted after every (re-)list; workloads absent from the snapshot are
	// implicitly deleted. This is how state is repaired after a stream gap.
	EventResync EventType = "Resync"
)

// WorkloadEvent is one normalized change notification from the cluster.
// Events may arrive duplicated or out of order; Token orders events for a
// single workload (higher wins).
type WorkloadEvent struct {
	Type     EventType
	Workload WorkloadRef
	Token    uint64
	Images   []ImageRef

	// Snapshot is set only for Resync events.
	Snapshot []WorkloadImages
}
