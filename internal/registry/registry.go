// Package registry keeps the ordered set of systems connected to one backend
// session.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/klubi/conduit/internal/provider"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// Handshake outcomes reported to observers.
const (
	OutcomeReady  = "ready"
	OutcomeFailed = "failed"
)

// Observer is told how each handshake ended.
type Observer interface {
	HandshakeFinished(kind v1alpha1.TransportKind, outcome string, elapsed time.Duration)
}

// TransportFactory builds the transport for a validated config.
type TransportFactory func(cfg v1alpha1.SystemConfig) (provider.Transport, error)

// Option configures a Registry.
type Option func(*Registry)

// WithObserver reports handshake outcomes to o.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithTransportFactory replaces the default transport construction.
func WithTransportFactory(f TransportFactory) Option {
	return func(r *Registry) { r.newTransport = f }
}

// WithProviderOptions sets the timeouts handed to every provider.
func WithProviderOptions(opts provider.Options) Option {
	return func(r *Registry) { r.opts = opts }
}

// Registry owns the providers of a session. Structural changes are
// serialized by one mutex; handshakes run in their own goroutines and never
// hold it.
type Registry struct {
	logger       *zap.Logger
	newTransport TransportFactory
	opts         provider.Options
	observer     Observer

	mu        sync.Mutex
	providers []*provider.Provider
	closed    bool

	wg sync.WaitGroup
}

// New creates an empty registry. builtins backs the builtin transport kind.
func New(builtins provider.Builtins, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger: logger,
		opts:   provider.DefaultOptions(),
		newTransport: func(cfg v1alpha1.SystemConfig) (provider.Transport, error) {
			return provider.NewTransport(cfg, builtins)
		},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add registers a system and starts its handshake in the background. The
// returned provider is in the connecting state.
//
//  1. Validate the config and build its transport.
//  2. Under the lock, reject duplicates unless replace is set; a replacement
//     takes the old provider's position.
//  3. Start the handshake goroutine.
//  4. Close the replaced provider, outside the lock.
func (r *Registry) Add(cfg v1alpha1.SystemConfig, replace bool) (*provider.Provider, error) {
	// 1. Validate.
	if err := provider.Validate(cfg); err != nil {
		return nil, err
	}
	t, err := r.newTransport(cfg)
	if err != nil {
		return nil, err
	}

	// 2. Insert.
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, v1alpha1.ErrRegistryClosed
	}
	idx := r.indexLocked(cfg.Name)
	if idx >= 0 && !replace {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", v1alpha1.ErrDuplicateProvider, cfg.Name)
	}

	p := provider.New(cfg, t, r.opts, r.logger)
	var old *provider.Provider
	if idx >= 0 {
		old = r.providers[idx]
		r.providers[idx] = p
	} else {
		r.providers = append(r.providers, p)
	}

	// 3. Handshake.
	r.wg.Add(1)
	r.mu.Unlock()
	go r.connect(p)

	// 4. Retire the replaced provider.
	if old != nil {
		if err := old.Close(); err != nil {
			r.logger.Warn("closing replaced system", zap.String("system", cfg.Name), zap.Error(err))
		}
		r.logger.Info("replaced system", zap.String("system", cfg.Name))
	} else {
		r.logger.Info("added system", zap.String("system", cfg.Name), zap.String("transport", string(cfg.Type)))
	}
	return p, nil
}

func (r *Registry) connect(p *provider.Provider) {
	defer r.wg.Done()

	start := time.Now()
	outcome := OutcomeReady
	if err := p.Connect(); err != nil {
		outcome = OutcomeFailed
	}
	if r.observer != nil {
		r.observer.HandshakeFinished(p.Kind(), outcome, time.Since(start))
	}
}

// Remove closes and forgets a system.
func (r *Registry) Remove(name string) error {
	r.mu.Lock()
	idx := r.indexLocked(name)
	if idx < 0 {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", v1alpha1.ErrUnknownProvider, name)
	}
	p := r.providers[idx]
	r.providers = append(r.providers[:idx:idx], r.providers[idx+1:]...)
	r.mu.Unlock()

	r.logger.Info("removed system", zap.String("system", name))
	return p.Close()
}

// Get returns the provider registered under name.
func (r *Registry) Get(name string) (*provider.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(name)
	if idx < 0 {
		return nil, fmt.Errorf("%w: %q", v1alpha1.ErrUnknownProvider, name)
	}
	return r.providers[idx], nil
}

// List returns the providers in insertion order. The slice is a copy taken
// under the lock, so callers see one consistent snapshot.
func (r *Registry) List() []*provider.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*provider.Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// Len returns the number of registered systems.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.providers)
}

// Statuses renders every provider in insertion order.
func (r *Registry) Statuses() []v1alpha1.SystemStatus {
	list := r.List()
	out := make([]v1alpha1.SystemStatus, 0, len(list))
	for _, p := range list {
		out = append(out, p.Status())
	}
	return out
}

// CountByState counts the registered providers per state.
func (r *Registry) CountByState() map[v1alpha1.SystemState]int {
	counts := make(map[v1alpha1.SystemState]int)
	for _, p := range r.List() {
		counts[p.State()]++
	}
	return counts
}

// Close cancels every in-flight handshake, closes every provider and waits
// for the handshake goroutines. Further Adds fail with ErrRegistryClosed.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	providers := r.providers
	r.providers = nil
	r.mu.Unlock()

	var result *multierror.Error
	for _, p := range providers {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.wg.Wait()

	r.logger.Info("registry closed", zap.Int("systems", len(providers)))
	return result.ErrorOrNil()
}

func (r *Registry) indexLocked(name string) int {
	for i, p := range r.providers {
		if p.Name() == name {
			return i
		}
	}
	return -1
}
