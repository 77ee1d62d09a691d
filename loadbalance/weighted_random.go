package loadbalance

import (
	"math/rand/v2"

	"github.com/hack0303/ice/registry"
)

// WeightedRandomBalancer picks instances with probability proportional to
// their weight. Instances with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, instances []registry.ServiceInstance) (*registry.ServiceInstance, error) {
	if len(instances) == 0 {
		return nil, ErrNoInstances
	}

	total := 0
	for _, v := range instances {
		total += weight(v)
	}

	r := rand.IntN(total)
	for i := range instances {
		r -= weight(instances[i])
		if r < 0 {
			return &instances[i], nil
		}
	}
	return &instances[len(instances)-1], nil
}

func weight(i registry.ServiceInstance) int {
	return max(i.Weight, 1)
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
