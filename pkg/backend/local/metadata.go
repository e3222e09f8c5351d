package local

import (
	"encoding/json"
)

// Phase is the backend-private reconcile phase stored in controller
// metadata.
type Phase string

const (
	PhaseNotStarted        Phase = "NotStarted"
	PhaseCreatingContainer Phase = "CreatingContainer"
	PhaseStartingContainer Phase = "StartingContainer"
	PhaseWaitingForHealth  Phase = "WaitingForHealth"
	PhaseCompleted         Phase = "Completed"
)

// DefaultInternalPort is the container port assumed when the
// deployment does not specify one.
const DefaultInternalPort = 8080

// metadata is this backend's controller metadata schema. It is
// persisted by the orchestrator between reconcile calls; every field
// is optional and defaulted on decode so older blobs keep working.
type metadata struct {
	ContainerID    string `json:"container_id,omitempty"`
	ContainerName  string `json:"container_name,omitempty"`
	AssignedPort   int    `json:"assigned_port,omitempty"`
	InternalPort   int    `json:"internal_port,omitempty"`
	ImageTag       string `json:"image_tag,omitempty"`
	ReconcilePhase Phase  `json:"reconcile_phase,omitempty"`
}

func decodeMetadata(raw json.RawMessage) *metadata {
	md := &metadata{}
	if len(raw) > 0 {
		// A blob that does not parse is treated as empty; the phase
		// machine rebuilds from scratch.
		_ = json.Unmarshal(raw, md)
	}
	if md.ReconcilePhase == "" {
		md.ReconcilePhase = PhaseNotStarted
	}
	if md.InternalPort == 0 {
		md.InternalPort = DefaultInternalPort
	}
	return md
}

func (md *metadata) encode() json.RawMessage {
	raw, _ := json.Marshal(md)
	return raw
}
