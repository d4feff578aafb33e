// Package router implements the immutable Subdomain -> Host routing
// table (component C5): a process-wide snapshot shared by reference,
// replaced atomically on reload. Readers never block and never observe
// a torn view, since Reload swaps in a whole new snapshot rather than
// mutating the live one in place.
package router

import (
	"fmt"
	"net"
	"sync/atomic"
)

// Host is a routing target on the server side: either a literal IP or a
// domain name to be resolved through the system resolver. It carries no
// port — the port always comes from the WavePacket prelude.
type Host interface {
	isHost()
	fmt.Stringer
}

// HostIP is a literal IP routing target.
type HostIP struct {
	Addr net.IP
}

func (HostIP) isHost() {}

func (h HostIP) String() string { return h.Addr.String() }

// HostDomain is a domain-name routing target, resolved by the system
// resolver at dial time.
type HostDomain struct {
	Name string
}

func (HostDomain) isHost() {}

func (h HostDomain) String() string { return h.Name }

// table is the immutable snapshot installed behind the Router's atomic
// pointer. Subdomain keys are compared by their string form since
// Subdomain itself is a small value type, not directly comparable as a
// map key in the general case (it wraps a string, so it is in fact
// comparable, but keying on the string form keeps this package
// independent of the subdomain package's internal representation).
type table map[string]Host

// Router is an immutable Subdomain -> Host mapping shared by reference.
// Lookups are lock-free; Reload atomically swaps in a new snapshot
// built by a Builder, and in-flight lookups against the old snapshot
// are unaffected.
type Router struct {
	snapshot atomic.Pointer[table]
}

// New creates a Router from a builder's accumulated routes.
func New(b *Builder) *Router {
	r := &Router{}
	t := table(b.routes)
	r.snapshot.Store(&t)
	return r
}

// Empty creates a Router with no routes.
func Empty() *Router {
	return New(NewBuilder())
}

// FindHost looks up subdomain in the current snapshot.
func (r *Router) FindHost(subdomainName string) (Host, bool) {
	t := *r.snapshot.Load()
	host, ok := t[subdomainName]
	return host, ok
}

// Reload atomically replaces the router's snapshot with the routes
// accumulated in b. In-flight FindHost calls that already loaded the
// old snapshot continue to observe it to completion.
func (r *Router) Reload(b *Builder) {
	t := table(b.routes)
	r.snapshot.Store(&t)
}

// Len reports the number of routes in the current snapshot.
func (r *Router) Len() int {
	return len(*r.snapshot.Load())
}

// Entries returns a copy of the current subdomain -> Host snapshot, for
// callers that need to enumerate routes (cmd/wavetun's "routes list").
func (r *Router) Entries() map[string]Host {
	t := *r.snapshot.Load()
	out := make(map[string]Host, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Builder accumulates Subdomain -> Host routes before a Router is built
// or reloaded from them. A Builder is not safe for concurrent use.
type Builder struct {
	routes map[string]Host
}

// NewBuilder creates an empty route builder.
func NewBuilder() *Builder {
	return &Builder{routes: make(map[string]Host)}
}

// Add registers a route from subdomainName to host, returning the
// builder for chaining.
func (b *Builder) Add(subdomainName string, host Host) *Builder {
	b.routes[subdomainName] = host
	return b
}
