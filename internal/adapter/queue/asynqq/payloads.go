package asynqq

// launchPayload is the task body on an agent queue. The job record in the
// store is authoritative; the task carries only the key.
type launchPayload struct {
	JobID string `json:"jobId"`
}

// depGatePayload is the task body on the dep-gates queue. One gate blocks
// one parent on one dependency; the parent launches when its pending-gates
// countdown reaches zero.
type depGatePayload struct {
	DependencyJobID string `json:"dependencyJobId"`
	ParentJobID     string `json:"parentJobId"`
	ParentTarget    string `json:"parentTarget"`
}
