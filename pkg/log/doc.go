// Package log wraps zerolog with the global logger and the child-logger
// helpers used across the control plane. Components derive their logger
// via WithComponent; per-deployment work uses WithDeployment so every
// line carries the project and deployment id.
package log
