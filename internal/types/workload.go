package types

import "fmt"

// KindPod is the only workload kind observed today. The reference carries the
// kind so other sources (e.g. virtual machine workloads) can join later
// without a cache format change.
const KindPod = "Pod"

// WorkloadRef identifies a workload object in the cluster.
type WorkloadRef struct {
	Kind      string `json:"kind"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

// Key returns the map key for this workload.
func (w WorkloadRef) Key() string {
	return w.Kind + "/" + w.Namespace + "/" + w.Name
}

func (w WorkloadRef) String() string {
	return fmt.Sprintf("%s/%s/%s", w.Kind, w.Namespace, w.Name)
}

// WorkloadImages pairs a workload with the images it currently runs.
// Used in resync snapshots and query responses.
type WorkloadImages struct {
	Workload WorkloadRef `json:"workload"`
	Token    uint64      `json:"token"`
	Images   []ImageRef  `json:"images"`
}
