// Package config loads the server's YAML configuration: backend
// selection, controller loop intervals, registry provider settings and
// the Kubernetes ingress/URL templates.
package config
