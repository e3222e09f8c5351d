package kube

import (
	"encoding/json"
)

// Phase is this backend's reconcile phase, persisted in controller
// metadata.
type Phase string

const (
	PhaseNotStarted              Phase = "NotStarted"
	PhaseCreatingNamespace       Phase = "CreatingNamespace"
	PhaseCreatingImagePullSecret Phase = "CreatingImagePullSecret"
	PhaseCreatingService         Phase = "CreatingService"
	PhaseCreatingReplicaSet      Phase = "CreatingReplicaSet"
	PhaseWaitingForReplicaSet    Phase = "WaitingForReplicaSet"
	PhaseUpdatingIngress         Phase = "UpdatingIngress"
	PhaseWaitingForHealth        Phase = "WaitingForHealth"
	PhaseSwitchingTraffic        Phase = "SwitchingTraffic"
	PhaseCompleted               Phase = "Completed"
)

// metadata is the backend-private schema inside a deployment's
// controller metadata. Fields are optional; decode defaults them so
// blobs written by older versions keep working.
type metadata struct {
	Namespace      string `json:"namespace,omitempty"`
	ServiceName    string `json:"service_name,omitempty"`
	ReplicaSetName string `json:"replicaset_name,omitempty"`
	IngressName    string `json:"ingress_name,omitempty"`
	HTTPPort       int    `json:"http_port,omitempty"`
	ImageTag       string `json:"image_tag,omitempty"`
	Phase          Phase  `json:"phase,omitempty"`
}

func decodeMetadata(raw json.RawMessage) *metadata {
	md := &metadata{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, md)
	}
	if md.Phase == "" {
		md.Phase = PhaseNotStarted
	}
	return md
}

func (md *metadata) encode() json.RawMessage {
	raw, _ := json.Marshal(md)
	return raw
}
