package registry

import (
	"context"
	"slices"
	"sync"
)

// Static is an in-memory Registry for fixed deployments and tests. TTLs are
// ignored: entries live until deregistered.
type Static struct {
	mu       sync.Mutex
	services map[string][]ServiceInstance
	watchers map[string][]chan []ServiceInstance
}

func NewStatic() *Static {
	return &Static{
		services: make(map[string][]ServiceInstance),
		watchers: make(map[string][]chan []ServiceInstance),
	}
}

// StaticFor returns a Static registry serving every named service from addrs.
func StaticFor(addrs []string, services ...string) *Static {
	s := NewStatic()
	for _, name := range services {
		for _, addr := range addrs {
			s.Register(context.Background(), name, ServiceInstance{Addr: addr, Weight: 1}, 0)
		}
	}
	return s
}

func (s *Static) Register(_ context.Context, serviceName string, instance ServiceInstance, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := slices.DeleteFunc(s.services[serviceName], func(i ServiceInstance) bool { return i.Addr == instance.Addr })
	s.services[serviceName] = append(list, instance)
	s.notify(serviceName)
	return nil
}

func (s *Static) Deregister(_ context.Context, serviceName string, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.services[serviceName] = slices.DeleteFunc(s.services[serviceName], func(i ServiceInstance) bool { return i.Addr == addr })
	s.notify(serviceName)
	return nil
}

func (s *Static) Discover(_ context.Context, serviceName string) ([]ServiceInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.services[serviceName]
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return slices.Clone(list), nil
}

func (s *Static) Watch(ctx context.Context, serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	s.mu.Lock()
	ch <- slices.Clone(s.services[serviceName])
	s.watchers[serviceName] = append(s.watchers[serviceName], ch)
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers[serviceName] = slices.DeleteFunc(s.watchers[serviceName], func(c chan []ServiceInstance) bool { return c == ch })
		close(ch)
	})
	return ch
}

// notify hands each watcher the latest list, replacing one it has not read yet.
// Must hold s.mu.
func (s *Static) notify(serviceName string) {
	list := slices.Clone(s.services[serviceName])
	for _, ch := range s.watchers[serviceName] {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
