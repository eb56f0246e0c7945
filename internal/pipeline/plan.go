package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dominikbraun/graph"
	"golang.org/x/sync/errgroup"

	"github.com/Norgate-AV/wasmbundle/internal/builderr"
)

// StageFunc does the work of one stage
type StageFunc func(ctx context.Context) error

// Stage is a typed step of a build with its declared dependencies
type Stage struct {
	Name  string
	After []string
	Run   StageFunc
}

// StageObserver is told about every finished stage
type StageObserver func(stage string, d time.Duration, err error)

// Plan is a validated set of stages
type Plan struct {
	stages map[string]Stage
	order  []string

	observe StageObserver
}

// NewPlan validates stages: names must be unique, dependencies must exist,
// and the dependency graph must be acyclic.
func NewPlan(stages ...Stage) (*Plan, error) {
	g := graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles())
	byName := make(map[string]Stage, len(stages))

	for _, s := range stages {
		if s.Name == "" {
			return nil, fmt.Errorf("stage without a name")
		}
		if s.Run == nil {
			return nil, fmt.Errorf("stage %q has no run function", s.Name)
		}
		if err := g.AddVertex(s.Name); err != nil {
			if errors.Is(err, graph.ErrVertexAlreadyExists) {
				return nil, fmt.Errorf("duplicate stage %q", s.Name)
			}
			return nil, err
		}
		byName[s.Name] = s
	}

	for _, s := range stages {
		for _, dep := range s.After {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("stage %q depends on unknown stage %q", s.Name, dep)
			}

			if err := g.AddEdge(dep, s.Name); err != nil {
				if errors.Is(err, graph.ErrEdgeCreatesCycle) {
					return nil, fmt.Errorf("stage %q depending on %q creates a cycle", s.Name, dep)
				}
				if !errors.Is(err, graph.ErrEdgeAlreadyExists) {
					return nil, err
				}
			}
		}
	}

	order, err := graph.StableTopologicalSort(g, func(a, b string) bool { return a < b })
	if err != nil {
		return nil, err
	}

	return &Plan{stages: byName, order: order}, nil
}

// Order returns the stage names in a valid sequential order
func (p *Plan) Order() []string {
	return append([]string(nil), p.order...)
}

// Observe registers fn to be called after every stage
func (p *Plan) Observe(fn StageObserver) *Plan {
	p.observe = fn
	return p
}

// Execute runs every stage once its dependencies have succeeded. Stages
// without a path between them run concurrently. The first failure cancels
// the rest and is returned as a *builderr.BuildError naming the stage.
func (p *Plan) Execute(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	done := make(map[string]chan struct{}, len(p.stages))
	for name := range p.stages {
		done[name] = make(chan struct{})
	}

	for _, name := range p.order {
		s := p.stages[name]

		g.Go(func() error {
			for _, dep := range s.After {
				select {
				case <-done[dep]:
				case <-gctx.Done():
					return builderr.Stage(s.Name, gctx.Err())
				}
			}

			if err := gctx.Err(); err != nil {
				return builderr.Stage(s.Name, err)
			}

			start := time.Now()
			err := s.Run(gctx)

			if p.observe != nil {
				p.observe(s.Name, time.Since(start), err)
			}

			if err != nil {
				return builderr.Stage(s.Name, err)
			}

			close(done[s.Name])

			return nil
		})
	}

	return g.Wait()
}
