package engine

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"openstreambot/internal/matcher"
	"openstreambot/internal/rules"
)

// run is one execution of an action's pipeline.
type run struct {
	id     string
	action string
	vars   map[string]any
	depth  int
	logger *slog.Logger
}

// expand substitutes %key% for every key in the run context.
func (r *run) expand(text string) string {
	if !strings.Contains(text, "%") || len(r.vars) == 0 {
		return text
	}
	pairs := make([]string, 0, 2*len(r.vars))
	for k := range r.vars {
		pairs = append(pairs, "%"+k+"%", matcher.Field(r.vars, k))
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// spawn starts a pipeline run and returns immediately. Runs are never
// awaited by the caller; a panic ends the run and is logged.
func (e *Engine) spawn(a rules.Action, vars map[string]any, origin string) {
	e.spawnAt(a, vars, origin, 0)
}

func (e *Engine) spawnAt(a rules.Action, vars map[string]any, origin string, depth int) {
	r := &run{
		id:     uuid.Must(uuid.NewV7()).String(),
		action: a.Name,
		vars:   maps.Clone(vars),
		depth:  depth,
	}
	if r.vars == nil {
		r.vars = map[string]any{}
	}
	r.logger = e.logger.With("action", a.Name, "run_id", r.id)

	e.pipelines.Add(1)
	go func() {
		defer e.pipelines.Done()
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("pipeline panicked", "panic", p, "stack", string(debug.Stack()))
			}
		}()
		r.logger.Debug("pipeline started", "origin", origin, "steps", len(a.SubActions))
		e.execute(e.runCtx, r, a.SubActions)
	}()
}

// execute runs steps strictly in order. A failing step is logged and the
// pipeline moves on to the next one.
func (e *Engine) execute(ctx context.Context, r *run, steps rules.SubActionList) {
	for i, sa := range steps {
		if ctx.Err() != nil {
			r.logger.Debug("pipeline abandoned at shutdown", "step_index", i)
			return
		}
		if err := e.runStep(ctx, r, sa); err != nil {
			r.logger.Warn("step failed", "step", sa.Kind(), "step_index", i, "error", err)
		}
	}
	r.logger.Debug("pipeline finished")
}

func (e *Engine) runStep(ctx context.Context, r *run, sa rules.SubAction) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	fn, ok := e.steps[sa.Kind()]
	if !ok {
		return fmt.Errorf("no handler for step type %q", sa.Kind())
	}
	return fn(ctx, r, sa)
}
