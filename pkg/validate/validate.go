package validate

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/distribution/reference"
)

// MaxDeploymentGroupLength caps group names so they stay usable inside
// Kubernetes resource names after sanitizing.
const MaxDeploymentGroupLength = 100

// Deployment groups are lowercase tags; slashes are allowed so branch
// style names like "mr/6" work.
var deploymentGroupPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9/_.-]*$`)

// DeploymentGroup validates a deployment group name.
func DeploymentGroup(group string) error {
	if group == "" {
		return fmt.Errorf("deployment group cannot be empty")
	}
	if len(group) > MaxDeploymentGroupLength {
		return fmt.Errorf("deployment group exceeds %d characters", MaxDeploymentGroupLength)
	}
	if !deploymentGroupPattern.MatchString(group) {
		return fmt.Errorf("invalid deployment group %q: must start with a lowercase letter or digit and contain only lowercase letters, digits, '/', '_', '.' or '-'", group)
	}
	return nil
}

// HTTPPort validates a container HTTP port.
func HTTPPort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("http port must be between 1 and 65535, got %d", port)
	}
	return nil
}

var expiryPattern = regexp.MustCompile(`^(\d+)([dhm])$`)

// ExpiresIn parses an expiration string like "7d", "2h" or "30m" into a
// duration. Zero values are rejected.
func ExpiresIn(s string) (time.Duration, error) {
	m := expiryPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid expiration %q: expected <number><d|h|m>", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, fmt.Errorf("invalid expiration %q: %w", s, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("invalid expiration %q: must be positive", s)
	}
	switch m[2] {
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * time.Minute, nil
	}
}

// MatchWildcard matches a name against a claim pattern where '*'
// matches any run of characters, including the empty run. Literal
// segments must appear in order and may not overlap, so "app-*-prod"
// does not match "app-prod".
func MatchWildcard(pattern, name string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == name
	}

	parts := strings.Split(pattern, "*")
	if !strings.HasPrefix(name, parts[0]) {
		return false
	}
	pos := len(parts[0])

	for _, part := range parts[1 : len(parts)-1] {
		if part == "" {
			continue
		}
		idx := strings.Index(name[pos:], part)
		if idx < 0 {
			return false
		}
		pos += idx + len(part)
	}

	last := parts[len(parts)-1]
	if last == "" {
		return true
	}
	if len(name)-pos < len(last) {
		return false
	}
	return strings.HasSuffix(name, last)
}

// NormalizeImage expands a short image reference into its fully
// qualified form, e.g. "nginx" becomes "docker.io/library/nginx".
// References that already carry a registry host are left unchanged.
func NormalizeImage(image string) (string, error) {
	named, err := reference.ParseNormalizedNamed(image)
	if err != nil {
		return "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	return named.String(), nil
}
