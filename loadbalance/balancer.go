// Package loadbalance chooses which instance of a service receives a call.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  the same operation keeps landing on the same instance
package loadbalance

import (
	"github.com/pkg/errors"

	"github.com/hack0303/ice/registry"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = errors.New("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each call to select a target instance.
type Balancer interface {
	// Pick selects one instance. key identifies the call ("Service.Method");
	// strategies that do not need affinity ignore it. Must be goroutine-safe.
	Pick(key string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer with the given name: "round_robin" (the default
// for ""), "weighted_random" or "consistent_hash".
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	default:
		return nil, errors.Errorf("loadbalance: unknown strategy %q", name)
	}
}
