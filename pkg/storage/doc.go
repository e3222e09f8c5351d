/*
Package storage provides BoltDB-backed persistence for the Rise control
plane: deployments, projects, environment variables and extensions.

All coordination between controllers flows through this store. Three
properties matter more than raw speed:

  - Status writes are validated against the deployment state machine
    inside a single bolt Update transaction, so concurrent controllers
    observing the same row race safely; the loser gets
    ErrInvalidTransition and moves on.
  - MarkAsActive clears IsActive on the rest of the (project, group)
    and sets it on the new deployment in one transaction, which is the
    at-most-one-active guarantee the blue/green switch relies on.
  - Terminal rows are immutable (the transition table has no outgoing
    edges) and are never physically deleted; they remain for audit.

Bucket layout:

	deployments   key: <project>/<deployment-id>   JSON Deployment
	projects      key: <name>                      JSON Project
	env_vars      key: project/<name>              JSON []EnvVar
	              key: deployment/<project>/<id>   JSON []EnvVar
	extensions    key: <project>/<extension-id>    JSON Extension

Queries are bucket scans (prefix cursors for per-project reads). The
dataset is small enough that scans beat maintaining index buckets; the
sort orders the loops depend on (oldest UpdatedAt first) are applied in
memory.
*/
package storage
