package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
	"golang.org/x/sync/errgroup"
)

// Caller validates and executes tool batches for one session.
type Caller struct {
	registry Registry
	strategy Strategy
	// MaxParallel bounds concurrent dispatches under the parallel
	// strategy. Zero means unbounded.
	MaxParallel int
}

// NewCaller builds a caller with the parallel strategy.
func NewCaller(registry Registry) *Caller {
	return &Caller{registry: registry, strategy: Parallel}
}

// WithStrategy overrides the dispatch strategy.
func (c *Caller) WithStrategy(s Strategy) *Caller {
	c.strategy = s
	return c
}

// Validation is the outcome of the validate phase.
type Validation struct {
	Calls []Call
	// Skipped lists calls dropped by exclusivity dedup.
	Skipped []Call
	// Notes carries human-readable validation remarks.
	Notes []string
}

// Validate resolves each request against the registry, decodes string
// arguments, checks them against the tool schema and mints call ids. A batch
// with more than one exclusive call fails whole; a batch with exactly one
// keeps only it and reports the rest as skipped.
func (c *Caller) Validate(requests []Request) (*Validation, error) {
	calls := make([]Call, 0, len(requests))
	for _, req := range requests {
		tool, err := c.registry.Get(req.Name)
		if err != nil {
			return nil, err
		}

		args := req.Arguments
		if args == nil && req.RawArguments != "" {
			if err := json.Unmarshal([]byte(req.RawArguments), &args); err != nil {
				return nil, fmt.Errorf("decoding arguments for %s: %w", req.Name, err)
			}
		}
		if args == nil {
			args = map[string]any{}
		}
		if err := validateArgs(tool, args); err != nil {
			return nil, err
		}

		callID := req.CallID
		if callID == "" {
			callID = NewCallID()
		}
		calls = append(calls, Call{
			CallID:    callID,
			Name:      tool.Name,
			Arguments: args,
			Exclusive: tool.Exclusive,
			Private:   tool.Private,
			tool:      tool,
		})
	}

	exclusive := -1
	for i, call := range calls {
		if !call.Exclusive {
			continue
		}
		if exclusive >= 0 {
			return nil, fmt.Errorf("%w: %s and %s", ErrMultipleExclusive, calls[exclusive].Name, call.Name)
		}
		exclusive = i
	}

	v := &Validation{Calls: calls}
	if exclusive >= 0 && len(calls) > 1 {
		for i, call := range calls {
			if i != exclusive {
				v.Skipped = append(v.Skipped, call)
			}
		}
		v.Calls = []Call{calls[exclusive]}
		v.Notes = append(v.Notes, SkipNoteExclusive)
	}
	return v, nil
}

func validateArgs(tool *Tool, args map[string]any) error {
	if len(tool.Schema) == 0 {
		return nil
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(tool.Schema),
		gojsonschema.NewGoLoader(args),
	)
	if err != nil {
		return fmt.Errorf("checking arguments for %s: %w", tool.Name, err)
	}
	if !result.Valid() {
		errs := result.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("invalid arguments for %s: %s", tool.Name, errs[0])
		}
		return fmt.Errorf("invalid arguments for %s", tool.Name)
	}
	return nil
}

// Execute dispatches a validated batch. Outcomes preserve batch order under
// both strategies; a per-call failure lands in its outcome and never aborts
// the batch mates.
func (c *Caller) Execute(ctx context.Context, env Env, calls []Call) []Outcome {
	outcomes := make([]Outcome, len(calls))

	run := func(i int) {
		call := calls[i]
		result, err := call.tool.Handler(ctx, env, call.Arguments)
		outcomes[i] = Outcome{Call: call, Result: result, Err: err}
	}

	if c.strategy == Sequential || len(calls) == 1 {
		for i := range calls {
			run(i)
		}
		return outcomes
	}

	g, _ := errgroup.WithContext(ctx)
	if c.MaxParallel > 0 {
		g.SetLimit(c.MaxParallel)
	}
	for i := range calls {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	// Handlers report failure through their outcome slot, never the group.
	_ = g.Wait()
	return outcomes
}
