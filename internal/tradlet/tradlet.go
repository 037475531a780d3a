// Package tradlet runs user strategies. A tradlet reacts to ticks, the
// once-a-second noop timer and playbook changes; it trades through
// playbooks that a group's Keeper drives to completion.
package tradlet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"trader/internal/domain"
)

// Tradlet is the interface every strategy implements. Callbacks of one group
// never run concurrently. A returned error or a panic disables the tradlet.
type Tradlet interface {
	// Init is called once before any event.
	Init(ctx *TradletContext) error

	// OnTick is called for ticks of the group's instruments.
	OnTick(t *domain.Tick) error

	// OnNoopSecond is called once a second of market time.
	OnNoopSecond() error

	// OnPlaybookStateChanged is called when one of the tradlet's playbooks
	// changes state. prev is nil for a new playbook.
	OnPlaybookStateChanged(pb *Playbook, prev *PlaybookStateTuple)
}

// TradletContext is handed to a tradlet at Init and stays valid for the
// life of the group.
type TradletContext struct {
	id    string
	group *Group
	ctx   context.Context
}

// ID returns the tradlet id within its group.
func (c *TradletContext) ID() string { return c.id }

// Context returns the context the group was started with.
func (c *TradletContext) Context() context.Context { return c.ctx }

// Group returns the owning group.
func (c *TradletContext) Group() *Group { return c.group }

// Account returns the group's account.
func (c *TradletContext) Account() Account { return c.group.account }

// Keeper returns the group's playbook keeper.
func (c *TradletContext) Keeper() *Keeper { return c.group.keeper }

// Now returns market time.
func (c *TradletContext) Now() time.Time { return c.group.clock.Now() }

// Logger returns a logger tagged with the group and tradlet.
func (c *TradletContext) Logger() *zap.Logger {
	return c.group.logger.With(zap.String("tradlet", c.id))
}

// CreatePlaybook opens a playbook owned by this tradlet.
func (c *TradletContext) CreatePlaybook(b PlaybookBuilder) (*Playbook, error) {
	return c.group.keeper.CreatePlaybook(c.ctx, c.id, b)
}

// ClosePlaybook closes one of the group's playbooks.
func (c *TradletContext) ClosePlaybook(pb *Playbook, req CloseRequest) (bool, error) {
	return c.group.keeper.ClosePlaybook(c.ctx, pb, req)
}

// Factory creates a tradlet from its configured parameters.
type Factory func(params map[string]string) (Tradlet, error)

// Registry holds the tradlet factories by name.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name, replacing any previous one.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// New creates the tradlet registered under name.
func (r *Registry) New(name string, params map[string]string) (Tradlet, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown tradlet %q", name)
	}
	t, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("tradlet %s: %w", name, err)
	}
	return t, nil
}

// List returns a sorted slice of all registered tradlet names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
