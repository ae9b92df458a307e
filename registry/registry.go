// Package registry keeps track of where restrpc peers listen.
//
// Peers register themselves under a service name; clients resolve a
// "service://name" address to one concrete host:port through a Registry.
package registry

import (
	"sort"

	"github.com/pkg/errors"
)

// ErrNoInstances is returned by Resolve when nothing is registered under a name.
var ErrNoInstances = errors.New("registry: no instances")

type ServiceInstance struct {
	Addr    string
	Weight  int // Advisory capacity hint published by the peer
	Version string
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}

// Resolve returns the address a client should connect to for serviceName.
// The choice is deterministic: highest Weight first, then lowest Addr.
func Resolve(r Registry, serviceName string) (string, error) {
	instances, err := r.Discover(serviceName)
	if err != nil {
		return "", errors.Wrapf(err, "discover %s", serviceName)
	}
	if len(instances) == 0 {
		return "", errors.Wrapf(ErrNoInstances, "service %s", serviceName)
	}
	sort.SliceStable(instances, func(i, j int) bool {
		if instances[i].Weight != instances[j].Weight {
			return instances[i].Weight > instances[j].Weight
		}
		return instances[i].Addr < instances[j].Addr
	})
	return instances[0].Addr, nil
}
