// Package service is the deployment intake layer. It validates user
// requests, creates deployment rows (including rollbacks that reuse a
// prior deployment's image) and records stop/cancel/delete intent for
// the controller loops to act on. It never talks to infrastructure
// directly except to precompute deployment URLs for env injection.
package service
