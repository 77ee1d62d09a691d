// Package registry maps service names to the addresses serving them.
package registry

import (
	"context"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Discover when nothing serves the service.
var ErrNotFound = errors.New("registry: service not found")

type ServiceInstance struct {
	Addr    string `json:"addr" yaml:"addr"`
	Weight  int    `json:"weight" yaml:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty" yaml:"version,omitempty"`
}

type Registry interface {
	Register(ctx context.Context, serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(ctx context.Context, serviceName string, addr string) error
	Discover(ctx context.Context, serviceName string) ([]ServiceInstance, error)
	// Watch emits the current instance list, then the full list again whenever
	// it changes. The channel is closed when ctx ends.
	Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance
}
