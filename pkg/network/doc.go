// Package network handles host networking for locally deployed
// containers: random host port allocation from the ephemeral range and
// iptables based publishing of those ports to container IPs.
package network
