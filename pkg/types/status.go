package types

// DeploymentStatus is the lifecycle state of a deployment. States
// partition into pre-infrastructure (Pending..Pushed), deploying,
// running (Healthy/Unhealthy), transitional cleanup (Cancelling,
// Terminating) and terminal states.
type DeploymentStatus string

const (
	// Pre-infrastructure: no external resources allocated yet.
	DeploymentStatusPending  DeploymentStatus = "pending"
	DeploymentStatusBuilding DeploymentStatus = "building"
	DeploymentStatusPushing  DeploymentStatus = "pushing"
	DeploymentStatusPushed   DeploymentStatus = "pushed"

	// The backend is materializing resources.
	DeploymentStatusDeploying DeploymentStatus = "deploying"

	// Post-infrastructure; may receive traffic.
	DeploymentStatusHealthy   DeploymentStatus = "healthy"
	DeploymentStatusUnhealthy DeploymentStatus = "unhealthy"

	// Transitional cleanup.
	DeploymentStatusCancelling  DeploymentStatus = "cancelling"
	DeploymentStatusTerminating DeploymentStatus = "terminating"

	// Terminal: immutable once reached.
	DeploymentStatusCancelled  DeploymentStatus = "cancelled"
	DeploymentStatusStopped    DeploymentStatus = "stopped"
	DeploymentStatusSuperseded DeploymentStatus = "superseded"
	DeploymentStatusFailed     DeploymentStatus = "failed"
	DeploymentStatusExpired    DeploymentStatus = "expired"
)

// validTransitions is the complete transition table. Anything not
// listed here is rejected by the store.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	DeploymentStatusPending:     {DeploymentStatusBuilding, DeploymentStatusCancelling, DeploymentStatusFailed},
	DeploymentStatusBuilding:    {DeploymentStatusPushing, DeploymentStatusPushed, DeploymentStatusCancelling, DeploymentStatusFailed},
	DeploymentStatusPushing:     {DeploymentStatusPushed, DeploymentStatusCancelling, DeploymentStatusFailed},
	DeploymentStatusPushed:      {DeploymentStatusDeploying, DeploymentStatusCancelling, DeploymentStatusFailed},
	DeploymentStatusDeploying:   {DeploymentStatusHealthy, DeploymentStatusFailed, DeploymentStatusCancelling},
	DeploymentStatusHealthy:     {DeploymentStatusUnhealthy, DeploymentStatusTerminating},
	DeploymentStatusUnhealthy:   {DeploymentStatusHealthy, DeploymentStatusFailed, DeploymentStatusTerminating},
	DeploymentStatusCancelling:  {DeploymentStatusCancelled},
	DeploymentStatusTerminating: {DeploymentStatusStopped, DeploymentStatusSuperseded, DeploymentStatusExpired},
}

// ValidTransition reports whether a status change from -> to is allowed
// by the state machine. Self-transitions are not allowed; callers that
// re-observe the same status simply skip the write.
func ValidTransition(from, to DeploymentStatus) bool {
	for _, t := range validTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status is immutable.
func (s DeploymentStatus) IsTerminal() bool {
	switch s {
	case DeploymentStatusCancelled, DeploymentStatusStopped,
		DeploymentStatusSuperseded, DeploymentStatusFailed,
		DeploymentStatusExpired:
		return true
	}
	return false
}

// IsActive reports whether the deployment has live infrastructure that
// may receive traffic.
func (s DeploymentStatus) IsActive() bool {
	return s == DeploymentStatusHealthy || s == DeploymentStatusUnhealthy
}

// IsCancellable reports whether the deployment can still be cancelled,
// i.e. it has not yet produced durable infrastructure worth a full
// termination pass.
func (s DeploymentStatus) IsCancellable() bool {
	switch s {
	case DeploymentStatusPending, DeploymentStatusBuilding,
		DeploymentStatusPushing, DeploymentStatusPushed,
		DeploymentStatusDeploying:
		return true
	}
	return false
}

// IsPreInfrastructure reports whether no external resources have been
// allocated for the deployment yet.
func (s DeploymentStatus) IsPreInfrastructure() bool {
	switch s {
	case DeploymentStatusPending, DeploymentStatusBuilding,
		DeploymentStatusPushing, DeploymentStatusPushed:
		return true
	}
	return false
}

// IsRollbackable reports whether the deployment can serve as the source
// of a rollback.
func (s DeploymentStatus) IsRollbackable() bool {
	return s == DeploymentStatusHealthy || s == DeploymentStatusSuperseded
}

// TerminationReason records why a deployment entered Terminating and
// selects the terminal status the terminate loop applies afterwards.
type TerminationReason string

const (
	TerminationReasonNone        TerminationReason = ""
	TerminationReasonUserStopped TerminationReason = "user_stopped"
	TerminationReasonSuperseded  TerminationReason = "superseded"
	TerminationReasonCancelled   TerminationReason = "cancelled"
	TerminationReasonFailed      TerminationReason = "failed"
	TerminationReasonExpired     TerminationReason = "expired"
)

// TerminalStatus maps a termination reason to the terminal status the
// terminate loop should apply once the backend cleanup finished.
func (r TerminationReason) TerminalStatus() DeploymentStatus {
	switch r {
	case TerminationReasonSuperseded:
		return DeploymentStatusSuperseded
	case TerminationReasonExpired:
		return DeploymentStatusExpired
	case TerminationReasonFailed:
		return DeploymentStatusFailed
	default:
		// UserStopped, Cancelled and an unset reason all quiesce to
		// Stopped.
		return DeploymentStatusStopped
	}
}
