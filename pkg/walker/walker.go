// Package walker implements a bounded, cycle-safe depth-first search over an
// untyped object graph.
package walker

// Edge is a named reference from a parent node to a child.
type Edge[N any] struct {
	Name string
	Node N
}

// Graph exposes the structure of the walked object graph.
type Graph[N any] interface {
	// Identity returns the key used by the visited set. ok is false for
	// nodes that cannot hold references (they are skipped entirely).
	Identity(n N) (key any, ok bool)
	// Children lists the node's outgoing references in a stable order. An
	// error only stops the expansion of that node.
	Children(n N) ([]Edge[N], error)
}

// Frame is one entry of the DFS frontier.
type Frame[N any] struct {
	Node  N
	Path  string
	Depth int
}

type Options struct {
	MaxDepth   int
	MaxBreadth int
}

func DefaultOptions() Options {
	return Options{MaxDepth: 5, MaxBreadth: 50}
}

// Walk visits every node reachable from roots in depth-first pre-order.
// Nodes deeper than MaxDepth are not visited and at most MaxBreadth children
// of each node are followed. Every node is visited once even when several
// paths reach it. Returning false from visit stops the walk.
func Walk[N any](g Graph[N], roots []Edge[N], opts Options, visit func(Frame[N]) bool) {
	seen := make(map[any]struct{})

	stack := make([]Frame[N], 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		stack = append(stack, Frame[N]{Node: roots[i].Node, Path: roots[i].Name})
	}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		key, ok := g.Identity(f.Node)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		if !visit(f) {
			return
		}
		if f.Depth >= opts.MaxDepth {
			continue
		}

		children, err := g.Children(f.Node)
		if err != nil {
			continue
		}
		if opts.MaxBreadth > 0 && len(children) > opts.MaxBreadth {
			children = children[:opts.MaxBreadth]
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, Frame[N]{
				Node:  children[i].Node,
				Path:  f.Path + "." + children[i].Name,
				Depth: f.Depth + 1,
			})
		}
	}
}
