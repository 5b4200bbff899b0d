// Package compiler drives the compilation of methods: it builds a
// graph for each method, canonicalizes it, and decides whether the
// method has to be interpreted instead.
package compiler

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
	"golang.org/x/sync/errgroup"
	"honnef.co/go/jit/builder"
	"honnef.co/go/jit/bytecode"
	"honnef.co/go/jit/canon"
	"honnef.co/go/jit/config"
	"honnef.co/go/jit/graph"
	"honnef.co/go/jit/interp"
)

var log = commonlog.GetLogger("jit.compiler")

type Options struct {
	Build builder.Options
	// NoCanon skips canonicalization.
	NoCanon bool
	Order   canon.Order
}

// Result is the outcome of compiling one method.
type Result struct {
	Method *bytecode.Method
	// Graph is the compiled graph, or nil after a bailout.
	Graph *graph.Graph
	// Bailout explains why the method could not be compiled.
	Bailout *builder.BailoutError
	// Built is the number of nodes before canonicalization.
	Built int
	Stats canon.Stats

	entryBCI int
}

// Compile builds and canonicalizes the graph of m.
//
// A method that cannot be compiled is not an error: the result's
// Bailout is set and its Graph is nil, and Run interprets the method
// instead. Errors are reserved for invalid configurations and for
// graphs that fail verification.
func Compile(m *bytecode.Method, cfg config.Config, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	res := &Result{Method: m, entryBCI: max(opts.Build.EntryBCI, 0)}
	g := graph.New()
	if err := builder.Build(g, m, cfg, opts.Build); err != nil {
		var bail *builder.BailoutError
		if !errors.As(err, &bail) {
			return nil, fmt.Errorf("compiling %s: %w", m, err)
		}
		log.Infof("%s, falling back to the interpreter", bail)
		res.Bailout = bail
		return res, nil
	}
	if err := g.Verify(); err != nil {
		return nil, fmt.Errorf("graph of %s is malformed after building: %w", m, err)
	}
	res.Built = g.NodeCount()

	if !opts.NoCanon {
		res.Stats = canon.Run(g, canon.Options{Order: opts.Order})
		if err := g.Verify(); err != nil {
			return nil, fmt.Errorf("graph of %s is malformed after canonicalization: %w", m, err)
		}
	}
	res.Graph = g
	log.Debugf("compiled %s: %d nodes, %d after canonicalization", m, res.Built, g.NodeCount())
	return res, nil
}

// Run executes the compiled method, or interprets it if it could not
// be compiled. For a method compiled for entry in the middle, args are
// the values of the local variables at the entry.
//
// A graph reaching a deoptimization point returns an error wrapping
// interp.ErrDeoptimized.
func (r *Result) Run(args []int64, env *interp.Env) (interp.Outcome, error) {
	switch {
	case r.Graph != nil:
		return interp.EvalGraph(r.Graph, args, env)
	case r.entryBCI > 0:
		return interp.RunAt(r.Method, r.entryBCI, args, env)
	default:
		return interp.RunMethod(r.Method, args, env)
	}
}

// CompileAll compiles methods independently of each other, running at
// most workers compilations at once. A non-positive workers means no
// limit. The results are in the order of methods.
//
// ctx is only consulted between compilations; a compilation that has
// started runs to completion.
func CompileAll(ctx context.Context, methods []*bytecode.Method, cfg config.Config, workers int) ([]*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	results := make([]*Result, len(methods))
	eg, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		eg.SetLimit(workers)
	}
	for i, m := range methods {
		if gctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := Compile(m, cfg, Options{})
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
