package nettest

import (
	"fmt"
	"net/netip"

	"github.com/jabolina/go-homa/pkg/homa/types"
)

// Network is a fixed set of hosts sharing one relt exchange, the
// two-or-three-host in-process harness the end-to-end scenarios of §8 run
// against (the direct descendant of the teacher's cluster-building test
// harness, minus the consensus-specific plumbing it doesn't need here).
type Network struct {
	group string
	hosts []*Host
}

// NewNetwork builds a Network of len(names) hosts on a private exchange,
// one host per name, addressed 127.0.0.<n+1> in order.
func NewNetwork(group string, names []string, log types.Logger) (*Network, error) {
	n := &Network{group: group}
	for i, name := range names {
		addr := netip.AddrFrom4([4]byte{127, 0, 0, byte(i + 1)})
		h, err := NewHost(name, group, addr, log)
		if err != nil {
			n.Close()
			return nil, fmt.Errorf("nettest: host %s: %w", name, err)
		}
		n.hosts = append(n.hosts, h)
	}
	return n, nil
}

// Host returns the i'th host, in the order names were given to NewNetwork.
func (n *Network) Host(i int) *Host { return n.hosts[i] }

// Hosts returns every host on the network.
func (n *Network) Hosts() []*Host { return n.hosts }

// Close leaves every host's exchange, collecting the first error if any.
func (n *Network) Close() error {
	var first error
	for _, h := range n.hosts {
		if err := h.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
