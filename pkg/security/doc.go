// Package security provides AES-256-GCM encryption for secret
// environment variable values. Secrets are stored as ciphertext and
// decrypted only when a backend injects them into a container.
package security
