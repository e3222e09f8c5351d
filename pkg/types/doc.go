/*
Package types defines the core data model shared by the Rise control
plane: deployments, projects, environment variables and the deployment
state machine.

# Deployment lifecycle

A deployment moves through a fixed set of states:

	Pending → Building → Pushing → Pushed → Deploying → Healthy
	                                                       ↕
	                                                   Unhealthy

Cleanup runs through Cancelling (pre-infrastructure) or Terminating
(post-infrastructure) into one of the terminal states Cancelled,
Stopped, Superseded, Failed or Expired. Terminal states are immutable.

The transition table lives in ValidTransition; the persistent store
rejects any status write the table does not allow, which serializes
concurrent controllers without locks.

# Active deployments

Within one (project, deployment group) at most one deployment has
IsActive set, and only a Healthy deployment may become active. The
active deployment is the one receiving traffic; replacing it is the
blue/green switch performed by the controller's activation protocol.

# Controller metadata

Each deployment row carries an opaque JSON blob owned by the backend
that deploys it. The orchestrator round-trips the blob between
reconcile calls and never interprets it.
*/
package types
