// Package toposort provides a string-keyed directed graph used for task
// dependency resolution: topological ordering, cycle detection, and
// parent/child queries.
package toposort

import (
	"sort"
	"sync"
)

// mark is the DFS visit state of a node.
type mark int

const (
	unmarked mark = iota

	// tempMark flags a node on the current DFS path; meeting one again
	// means the path loops.
	tempMark

	permMark
)

// Graph is a directed graph over string node names. All methods are safe for
// concurrent use.
type Graph struct {
	mu    sync.RWMutex
	edges map[string]map[string]bool
	nodes map[string]bool
}

// NewGraph initializes an empty Graph.
func NewGraph() *Graph {
	return &Graph{
		edges: make(map[string]map[string]bool),
		nodes: make(map[string]bool),
	}
}

// AddNode inserts a node. It reports whether the node was new.
func (g *Graph) AddNode(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.nodes[name] {
		return false
	}

	g.nodes[name] = true

	return true
}

// AddEdge inserts the link from -> to, creating missing nodes.
func (g *Graph) AddEdge(from, to string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nodes[from] = true
	g.nodes[to] = true

	if g.edges[from] == nil {
		g.edges[from] = make(map[string]bool)
	}

	g.edges[from][to] = true
}

// RemoveEdge deletes the link from -> to. It reports whether the edge existed.
func (g *Graph) RemoveEdge(from, to string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.edges[from][to] {
		return false
	}

	delete(g.edges[from], to)

	return true
}

// RemoveNode deletes a node together with its incident edges.
func (g *Graph) RemoveNode(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.nodes, name)
	delete(g.edges, name)

	for _, targets := range g.edges {
		delete(targets, name)
	}
}

// HasNode reports whether the node exists.
func (g *Graph) HasNode(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.nodes[name]
}

// Toposort returns the nodes in topological order. The second return is false
// when the graph contains a cycle. Ordering is deterministic: ties resolve
// lexicographically.
func (g *Graph) Toposort() ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	marks := make(map[string]mark, len(g.nodes))
	order := make([]string, 0, len(g.nodes))

	var visit func(node string) bool

	visit = func(node string) bool {
		switch marks[node] {
		case permMark:
			return true
		case tempMark:
			return false
		}

		marks[node] = tempMark

		for _, child := range g.sortedChildren(node) {
			if !visit(child) {
				return false
			}
		}

		marks[node] = permMark
		order = append(order, node)

		return true
	}

	for _, node := range g.sortedNodes() {
		if !visit(node) {
			return nil, false
		}
	}

	// DFS post-order is reverse topological.
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}

	return order, true
}

// FindCycle returns one cycle reachable from seed, or nil when none exists.
// The returned path lists the cycle nodes in traversal order.
func (g *Graph) FindCycle(seed string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.nodes[seed] {
		return nil
	}

	marks := make(map[string]mark, len(g.nodes))

	var (
		path  []string
		cycle []string
	)

	var visit func(node string) bool

	visit = func(node string) bool {
		switch marks[node] {
		case permMark:
			return false
		case tempMark:
			// Close the loop: everything on the path since node cycles.
			for i, onPath := range path {
				if onPath == node {
					cycle = append(cycle, path[i:]...)

					break
				}
			}

			return true
		}

		marks[node] = tempMark
		path = append(path, node)

		for _, child := range g.sortedChildren(node) {
			if visit(child) {
				return true
			}
		}

		marks[node] = permMark
		path = path[:len(path)-1]

		return false
	}

	visit(seed)

	return cycle
}

// FindParents returns the sorted other ends of incoming edges.
func (g *Graph) FindParents(to string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var parents []string

	for from, targets := range g.edges {
		if targets[to] {
			parents = append(parents, from)
		}
	}

	sort.Strings(parents)

	return parents
}

// FindChildren returns the sorted other ends of outgoing edges.
func (g *Graph) FindChildren(from string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.sortedChildren(from)
}

// Nodes returns all node names, sorted.
func (g *Graph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return g.sortedNodes()
}

func (g *Graph) sortedNodes() []string {
	nodes := make([]string, 0, len(g.nodes))
	for node := range g.nodes {
		nodes = append(nodes, node)
	}

	sort.Strings(nodes)

	return nodes
}

func (g *Graph) sortedChildren(from string) []string {
	targets := g.edges[from]
	if len(targets) == 0 {
		return nil
	}

	children := make([]string, 0, len(targets))
	for child := range targets {
		children = append(children, child)
	}

	sort.Strings(children)

	return children
}
