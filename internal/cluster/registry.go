package cluster

import (
	"fmt"

	"golang.org/x/exp/slices"
)

// Registry maps store-reported addresses to friendly node names (container
// or VM names) and back. It replaces hard-coded address tables and is built
// once from configuration; it is never mutated afterwards, so it is safe for
// concurrent readers without locking.
//
// Example:
//
//	reg, err := cluster.NewRegistry(map[string]string{
//	    "172.18.0.2": "cassandra-1",
//	    "172.18.0.3": "cassandra-2",
//	})
//	node := reg.Lookup("172.18.0.2") // {ID: "cassandra-1", Addr: "172.18.0.2"}
type Registry struct {
	byAddr map[string]string
	byName map[string]string
}

// NewRegistry builds a registry from an address -> name table.
// Two addresses mapping to the same name is a configuration error.
func NewRegistry(addrToName map[string]string) (*Registry, error) {
	r := &Registry{
		byAddr: make(map[string]string, len(addrToName)),
		byName: make(map[string]string, len(addrToName)),
	}
	for addr, name := range addrToName {
		if addr == "" || name == "" {
			return nil, Errorf(ErrConfiguration, "registry entry %q -> %q has an empty side", addr, name)
		}
		if other, ok := r.byName[name]; ok {
			return nil, Errorf(ErrConfiguration, "name %q registered for both %s and %s", name, other, addr)
		}
		r.byAddr[addr] = name
		r.byName[name] = addr
	}
	return r, nil
}

// MustRegistry is NewRegistry for static tables in tests and defaults.
func MustRegistry(addrToName map[string]string) *Registry {
	r, err := NewRegistry(addrToName)
	if err != nil {
		panic(fmt.Sprintf("cluster: %v", err))
	}
	return r
}

// Lookup returns the node for addr. Unknown addresses are returned with the
// address doubling as the name. A nil registry behaves as an empty one.
func (r *Registry) Lookup(addr string) Node {
	return Node{ID: r.Name(addr), Addr: addr}
}

// Name returns the friendly name for addr, or addr itself when unknown.
func (r *Registry) Name(addr string) string {
	if r != nil {
		if name, ok := r.byAddr[addr]; ok {
			return name
		}
	}
	return addr
}

// Addr returns the address registered for name.
func (r *Registry) Addr(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	addr, ok := r.byName[name]
	return addr, ok
}

// Resolve fills in whichever side of n is missing.
func (r *Registry) Resolve(n Node) Node {
	switch {
	case n.Addr == "" && n.ID != "":
		if addr, ok := r.Addr(n.ID); ok {
			n.Addr = addr
		}
	case n.Addr != "" && (n.ID == "" || n.ID == n.Addr):
		n.ID = r.Name(n.Addr)
	}
	return n
}

// Addrs lists the registered addresses in sorted order.
func (r *Registry) Addrs() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.byAddr))
	for addr := range r.byAddr {
		out = append(out, addr)
	}
	slices.Sort(out)
	return out
}

// Len returns the number of registered nodes.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.byAddr)
}
