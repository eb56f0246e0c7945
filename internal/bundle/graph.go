package bundle

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/dominikbraun/graph"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
	"github.com/Norgate-AV/wasmbundle/internal/loader"
)

// metafile mirrors the parts of esbuild's metafile JSON we read
type metafile struct {
	Inputs  map[string]metafileInput  `json:"inputs"`
	Outputs map[string]metafileOutput `json:"outputs"`
}

type metafileInput struct {
	Bytes   int              `json:"bytes"`
	Imports []metafileImport `json:"imports"`
}

type metafileImport struct {
	Path     string `json:"path"`
	Kind     string `json:"kind"`
	External bool   `json:"external,omitempty"`
}

type metafileOutput struct {
	Bytes      int    `json:"bytes"`
	EntryPoint string `json:"entryPoint,omitempty"`
}

// Node is one resolved module
type Node struct {
	Path         string
	Kind         loader.Kind
	Dependencies []string
}

// Graph is the module graph reachable from one entry point
type Graph struct {
	Entry string
	Nodes map[string]*Node
}

// Node returns the node for p, or nil
func (g *Graph) Node(p string) *Node {
	return g.Nodes[p]
}

// Paths returns all node paths in sorted order
func (g *Graph) Paths() []string {
	paths := make([]string, 0, len(g.Nodes))
	for p := range g.Nodes {
		paths = append(paths, p)
	}

	sort.Strings(paths)

	return paths
}

// AsyncBinaries returns the paths of nodes marked AsyncBinary
func (g *Graph) AsyncBinaries() []string {
	var out []string
	for _, p := range g.Paths() {
		if g.Nodes[p].Kind == loader.AsyncBinary {
			out = append(out, p)
		}
	}

	return out
}

func parseMetafile(raw string) (*metafile, error) {
	var m metafile
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("failed to decode metafile: %w", err)
	}

	return &m, nil
}

// stripNamespace removes an esbuild "namespace:" prefix from a metafile path
func stripNamespace(p string) string {
	if i := strings.Index(p, ":"); i > 1 {
		return p[i+1:]
	}

	return p
}

// buildNodes classifies every input of m and records its internal imports
func buildNodes(m *metafile, policy *loader.Policy) map[string]*Node {
	nodes := make(map[string]*Node, len(m.Inputs))

	for p, in := range m.Inputs {
		n := &Node{Path: p, Kind: policy.Classify(stripNamespace(p))}

		seen := make(map[string]struct{}, len(in.Imports))
		for _, imp := range in.Imports {
			if imp.External {
				continue
			}
			if _, ok := seen[imp.Path]; ok {
				continue
			}
			seen[imp.Path] = struct{}{}
			n.Dependencies = append(n.Dependencies, imp.Path)
		}

		sort.Strings(n.Dependencies)
		nodes[p] = n
	}

	return nodes
}

// reachable returns the subgraph of nodes reachable from entry
func reachable(nodes map[string]*Node, entry string) *Graph {
	g := &Graph{Entry: entry, Nodes: make(map[string]*Node)}

	stack := []string{entry}
	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := g.Nodes[p]; ok {
			continue
		}

		n, ok := nodes[p]
		if !ok {
			continue
		}

		g.Nodes[p] = n
		stack = append(stack, n.Dependencies...)
	}

	return g
}

// checkAcyclic loads g into a cycle-preventing graph; the first edge that
// would close a loop is reported with the loop it closes.
func checkAcyclic(g *Graph) error {
	dag := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())

	paths := g.Paths()
	for _, p := range paths {
		if err := dag.AddVertex(p); err != nil && !errors.Is(err, graph.ErrVertexAlreadyExists) {
			return err
		}
	}

	for _, p := range paths {
		for _, dep := range g.Nodes[p].Dependencies {
			if _, ok := g.Nodes[dep]; !ok {
				return &builderr.ResolutionError{Path: dep, Diagnostics: fmt.Sprintf("imported by %s but missing from the module graph", p)}
			}

			err := dag.AddEdge(p, dep)
			switch {
			case err == nil, errors.Is(err, graph.ErrEdgeAlreadyExists):
			case errors.Is(err, graph.ErrEdgeCreatesCycle):
				back, pathErr := graph.ShortestPath(dag, dep, p)
				if pathErr != nil {
					back = []string{dep, p}
				}
				return &builderr.ResolutionError{Path: p, Cycle: append([]string{p}, back...)}
			default:
				return err
			}
		}
	}

	return nil
}
