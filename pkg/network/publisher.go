package network

import (
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// PortMapping forwards a host port to a container port.
type PortMapping struct {
	HostPort      int
	ContainerPort int
	Protocol      string
}

type publishedEntry struct {
	containerIP string
	ports       []PortMapping
}

// HostPortPublisher publishes container ports on the host using
// iptables DNAT rules. Published rules are tracked per deployment so
// they can be removed on teardown.
type HostPortPublisher struct {
	mu        sync.Mutex
	published map[string]publishedEntry // deployment ID -> rules
}

// NewHostPortPublisher creates a host port publisher.
func NewHostPortPublisher() *HostPortPublisher {
	return &HostPortPublisher{
		published: make(map[string]publishedEntry),
	}
}

// Publish sets up forwarding from each host port to the container. On
// partial failure the rules already created are rolled back.
func (p *HostPortPublisher) Publish(deploymentID, containerIP string, ports []PortMapping) error {
	if len(ports) == 0 {
		return nil
	}

	for i, port := range ports {
		if err := p.setupPortForwarding(containerIP, port); err != nil {
			for _, done := range ports[:i] {
				p.removePortForwarding(containerIP, done)
			}
			return fmt.Errorf("failed to publish %d:%d: %w", port.HostPort, port.ContainerPort, err)
		}
	}

	p.mu.Lock()
	p.published[deploymentID] = publishedEntry{containerIP: containerIP, ports: ports}
	p.mu.Unlock()
	return nil
}

// Unpublish removes all forwarding rules for a deployment. Unknown
// deployments are a no-op.
func (p *HostPortPublisher) Unpublish(deploymentID string) error {
	p.mu.Lock()
	entry, ok := p.published[deploymentID]
	delete(p.published, deploymentID)
	p.mu.Unlock()
	if !ok {
		return nil
	}

	for _, port := range entry.ports {
		p.removePortForwarding(entry.containerIP, port)
	}
	return nil
}

// setupPortForwarding creates the DNAT, MASQUERADE and FORWARD rules
// for host_port -> container_ip:container_port.
func (p *HostPortPublisher) setupPortForwarding(containerIP string, port PortMapping) error {
	protocol := strings.ToLower(port.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}

	dnatRule := []string{
		"-t", "nat",
		"-A", "PREROUTING",
		"-p", protocol,
		"--dport", fmt.Sprintf("%d", port.HostPort),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	}
	if err := runIPTables(dnatRule); err != nil {
		return fmt.Errorf("failed to add DNAT rule: %w", err)
	}

	masqRule := []string{
		"-t", "nat",
		"-A", "POSTROUTING",
		"-p", protocol,
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "MASQUERADE",
	}
	if err := runIPTables(masqRule); err != nil {
		p.removePortForwarding(containerIP, port)
		return fmt.Errorf("failed to add MASQUERADE rule: %w", err)
	}

	forwardRule := []string{
		"-A", "FORWARD",
		"-p", protocol,
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "ACCEPT",
	}
	if err := runIPTables(forwardRule); err != nil {
		p.removePortForwarding(containerIP, port)
		return fmt.Errorf("failed to add FORWARD rule: %w", err)
	}

	return nil
}

// removePortForwarding removes the rules for a port. Errors are
// ignored; cleanup is best effort.
func (p *HostPortPublisher) removePortForwarding(containerIP string, port PortMapping) {
	protocol := strings.ToLower(port.Protocol)
	if protocol == "" {
		protocol = "tcp"
	}

	runIPTables([]string{
		"-t", "nat",
		"-D", "PREROUTING",
		"-p", protocol,
		"--dport", fmt.Sprintf("%d", port.HostPort),
		"-j", "DNAT",
		"--to-destination", fmt.Sprintf("%s:%d", containerIP, port.ContainerPort),
	})
	runIPTables([]string{
		"-t", "nat",
		"-D", "POSTROUTING",
		"-p", protocol,
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "MASQUERADE",
	})
	runIPTables([]string{
		"-D", "FORWARD",
		"-p", protocol,
		"-d", containerIP,
		"--dport", fmt.Sprintf("%d", port.ContainerPort),
		"-j", "ACCEPT",
	})
}

// runIPTables executes an iptables command.
func runIPTables(args []string) error {
	cmd := exec.Command("iptables", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("iptables failed: %w (output: %s)", err, string(output))
	}
	return nil
}

// PublishedPorts returns the ports currently published for a
// deployment.
func (p *HostPortPublisher) PublishedPorts(deploymentID string) []PortMapping {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.published[deploymentID].ports
}
