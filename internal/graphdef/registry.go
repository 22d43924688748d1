package graphdef

import (
	"errors"
	"fmt"
	"sync"
)

// ErrGraphMismatch is returned by Register when (name, version) is already
// registered with a different definition, and by validate for any
// structural violation (duplicate names, dangling dependency, self edge,
// bad mutate target, or a cycle) — spec.md §4.1 calls all of these out as
// the same error kind, "fatal at registration."
var ErrGraphMismatch = errors.New("graph mismatch")

type registryKey struct{ name, version string }

// Registry is the process-wide mapping from (name, version) to an immutable
// Graph. It is the single mutable structure in this package; once a Graph
// has been registered its NodeDefs are never mutated again.
type Registry struct {
	mu     sync.RWMutex
	graphs map[registryKey]*Graph
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{graphs: make(map[registryKey]*Graph)}
}

// Register validates g, injects the implicit system nodes, and stores it
// under (g.Name, g.Version). Re-registering the same identity is a no-op
// only if the definition is identical in shape (same node names, kinds,
// and Reads sets); otherwise it fails with ErrGraphMismatch.
func (r *Registry) Register(g *Graph) (*Graph, error) {
	if err := validate(g); err != nil {
		return nil, err
	}
	injectSystemNodes(g)

	key := registryKey{g.Name, g.Version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.graphs[key]; ok {
		if !sameShape(existing, g) {
			return nil, fmt.Errorf("%w: (%s, %s) already registered with a different definition", ErrGraphMismatch, g.Name, g.Version)
		}
		return existing, nil
	}
	r.graphs[key] = g
	return g, nil
}

// Lookup returns the registered Graph for (name, version), or false if none
// has been registered yet.
func (r *Registry) Lookup(name, version string) (*Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.graphs[registryKey{name, version}]
	return g, ok
}

func injectSystemNodes(g *Graph) {
	if _, ok := g.Node(ExecutionIDNode); !ok {
		g.AddNode(&NodeDef{Name: ExecutionIDNode, Kind: KindInput})
	}
	if _, ok := g.Node(LastUpdatedAtNode); !ok {
		g.AddNode(&NodeDef{Name: LastUpdatedAtNode, Kind: KindInput})
	}
}

func sameShape(a, b *Graph) bool {
	an, bn := a.Nodes(), b.Nodes()
	if len(an) != len(bn) {
		return false
	}
	for i := range an {
		if an[i].Name != bn[i].Name || an[i].Kind != bn[i].Kind {
			return false
		}
		if !containsAll(an[i].Reads, bn[i].Reads) || !containsAll(bn[i].Reads, an[i].Reads) {
			return false
		}
	}
	return true
}

// validate checks the structural invariants spec.md §4.1 and §9 require at
// registration time: unique names, dependencies referring to existing
// nodes, no self-dependency, mutate targets existing and not being inputs,
// and no cycle in the upstream-predicate DAG.
func validate(g *Graph) error {
	seen := make(map[string]bool, len(g.nodes))
	for _, nd := range g.nodes {
		if seen[nd.Name] {
			return fmt.Errorf("%w: duplicate node name %q", ErrGraphMismatch, nd.Name)
		}
		seen[nd.Name] = true
	}

	names := make(map[string]*NodeDef, len(g.nodes))
	for _, nd := range g.nodes {
		names[nd.Name] = nd
	}

	for _, nd := range g.nodes {
		if nd.Kind == KindInput {
			continue
		}
		if nd.Upstream == nil {
			return fmt.Errorf("%w: node %q of kind %q has no upstream predicate", ErrGraphMismatch, nd.Name, nd.Kind)
		}
		deps := nd.Upstream.DependsOn()
		for _, dep := range deps {
			if dep == nd.Name {
				return fmt.Errorf("%w: node %q depends on itself", ErrGraphMismatch, nd.Name)
			}
			if _, ok := names[dep]; !ok {
				return fmt.Errorf("%w: node %q depends on unknown node %q", ErrGraphMismatch, nd.Name, dep)
			}
		}
		if !containsAll(nd.Reads, deps) {
			return fmt.Errorf("%w: node %q's Reads does not cover its predicate's dependencies", ErrGraphMismatch, nd.Name)
		}
		if nd.Kind == KindMutate {
			target, ok := names[nd.Mutates]
			if !ok {
				return fmt.Errorf("%w: mutate node %q targets unknown node %q", ErrGraphMismatch, nd.Name, nd.Mutates)
			}
			if target.Kind == KindInput {
				return fmt.Errorf("%w: mutate node %q cannot target input node %q", ErrGraphMismatch, nd.Name, nd.Mutates)
			}
		}
	}

	return checkAcyclic(g.nodes)
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}

// checkAcyclic runs Kahn's algorithm over the dependency graph implied by
// each node's upstream predicate. A non-empty remainder after the topo sort
// means a cycle exists.
func checkAcyclic(nodes []*NodeDef) error {
	indegree := make(map[string]int, len(nodes))
	dependents := make(map[string][]string, len(nodes))

	for _, nd := range nodes {
		if _, ok := indegree[nd.Name]; !ok {
			indegree[nd.Name] = 0
		}
		if nd.Upstream == nil {
			continue
		}
		for _, dep := range nd.Upstream.DependsOn() {
			indegree[nd.Name]++
			dependents[dep] = append(dependents[dep], nd.Name)
		}
	}

	var queue []string
	for name, deg := range indegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, dependent := range dependents[n] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if visited != len(indegree) {
		return fmt.Errorf("%w: cycle detected in upstream predicate graph", ErrGraphMismatch)
	}
	return nil
}
