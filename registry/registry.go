// Package registry leases unique loopback addresses to servers. All servers
// of a cluster listen on the same port, so each one needs its own address;
// leasing within a run-scoped loopback subnet keeps concurrent runs from
// colliding.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// HostRegistry hands out addresses of the form <subnet>.<n>.<m> where
// subnet is the upper half of a loopback /16, e.g. "127.93". Fresh
// addresses are preferred over released ones, so within a run an address
// practically never identifies two different servers; released addresses
// are only reused once the subnet is exhausted.
type HostRegistry struct {
	subnet string

	mu     sync.Mutex
	next   int
	freed  []string
	leased map[string]struct{}
}

func New(subnet string) *HostRegistry {
	return &HostRegistry{
		subnet: subnet,
		leased: map[string]struct{}{},
	}
}

// LeaseHost returns an address not held by any other live server.
func (r *HostRegistry) LeaseHost(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.next < 0xfffe {
		r.next++
		host := fmt.Sprintf("%s.%d.%d", r.subnet, r.next>>8, r.next&0xff)
		r.leased[host] = struct{}{}
		return host, nil
	}
	if n := len(r.freed); n > 0 {
		host := r.freed[0]
		r.freed = r.freed[1:]
		r.leased[host] = struct{}{}
		return host, nil
	}
	return "", fmt.Errorf("subnet %s exhausted", r.subnet)
}

// ReleaseHost returns a leased address to the registry.
func (r *HostRegistry) ReleaseHost(host string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.leased[host]; !ok {
		return fmt.Errorf("host %s is not leased", host)
	}
	delete(r.leased, host)
	r.freed = append(r.freed, host)
	return nil
}
