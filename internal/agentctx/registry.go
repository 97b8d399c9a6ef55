// Package agentctx owns the in-memory Agent Context registry: the
// per-agent mutable state the firewall orchestrator reads and writes on
// every inspection, hydrated lazily from the relational store on first
// reference and kept for the lifetime of the process rather than any
// single connection.
package agentctx

import (
	"sync"
	"time"
)

// Status is an agent's admission state.
type Status string

const (
	StatusActive      Status = "active"
	StatusInactive    Status = "inactive"
	StatusBlocked     Status = "blocked"
	StatusQuarantined Status = "quarantined"
)

// Permission is one capability an agent may hold.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermExecute Permission = "execute"
	PermAdmin   Permission = "admin"
)

// Context is the mutable per-agent state. Every field is owned
// exclusively by the firewall orchestrator; other components receive it
// by reference for read only.
type Context struct {
	ID                   string
	Name                 string
	Status               Status
	Permissions          []Permission
	TrustedDomains       []string
	MaxRequestsPerMinute int
	RequestCount         int
	LastSeen             time.Time
	ThreatScore          float64
	RecentMessages       []string
	PeerIP               string
	ConnectedAt          time.Time
	CreatedAt            time.Time
}

// Hydrator loads an agent's durable attributes on first reference. It is
// satisfied by internal/store.Store's GetAgent, kept narrow here so the
// registry does not depend on the storage package's full surface.
type Hydrator interface {
	GetAgent(id string) (name string, maxRequestsPerMinute int, trustedDomains []string, found bool, err error)
}

// Registry is the process-wide, lock-guarded Agent Context owner: a
// typed owner rather than a bare package-level map.
type Registry struct {
	mu       sync.Mutex
	agents   map[string]*Context
	hydrator Hydrator
}

// New constructs an empty registry backed by hydrator for lazy loads.
func New(hydrator Hydrator) *Registry {
	return &Registry{
		agents:   make(map[string]*Context),
		hydrator: hydrator,
	}
}

// GetOrCreate returns the agent's context, hydrating it from the
// persistence layer on first reference if it is not already resident.
func (r *Registry) GetOrCreate(id string) (*Context, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ctx, ok := r.agents[id]; ok {
		return ctx, nil
	}

	ctx := &Context{
		ID:                   id,
		Status:               StatusActive,
		MaxRequestsPerMinute: 100,
		CreatedAt:            time.Now(),
	}

	if r.hydrator != nil {
		name, maxPerMinute, trusted, found, err := r.hydrator.GetAgent(id)
		if err != nil {
			return nil, err
		}
		if found {
			ctx.Name = name
			if maxPerMinute > 0 {
				ctx.MaxRequestsPerMinute = maxPerMinute
			}
			ctx.TrustedDomains = trusted
		}
	}

	r.agents[id] = ctx
	return ctx, nil
}

// Register explicitly registers or merges an agent context. Repeated
// identical registration preserves existing RequestCount, CreatedAt,
// ThreatScore, RecentMessages, and TrustedDomains when the supplied
// partial omits them.
func (r *Registry) Register(id string, partial Context) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.agents[id]
	if !ok {
		partial.ID = id
		partial.CreatedAt = time.Now()
		if partial.Status == "" {
			partial.Status = StatusActive
		}
		r.agents[id] = &partial
		return &partial
	}

	if partial.Name != "" {
		existing.Name = partial.Name
	}
	if partial.Status != "" {
		existing.Status = partial.Status
	}
	if partial.Permissions != nil {
		existing.Permissions = partial.Permissions
	}
	if partial.TrustedDomains != nil {
		existing.TrustedDomains = partial.TrustedDomains
	}
	if partial.MaxRequestsPerMinute != 0 {
		existing.MaxRequestsPerMinute = partial.MaxRequestsPerMinute
	}
	if partial.PeerIP != "" {
		existing.PeerIP = partial.PeerIP
		existing.ConnectedAt = time.Now()
	}
	return existing
}

// Touch bumps RequestCount and LastSeen for id, creating the context if
// absent.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, ok := r.agents[id]
	if !ok {
		ctx = &Context{ID: id, Status: StatusActive, MaxRequestsPerMinute: 100, CreatedAt: time.Now()}
		r.agents[id] = ctx
	}
	ctx.RequestCount++
	ctx.LastSeen = time.Now()
}

// Unregister removes an agent's context, e.g. on explicit unregister or
// connection close.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, id)
}

// Get returns the agent's context without creating one, or nil.
func (r *Registry) Get(id string) *Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agents[id]
}
