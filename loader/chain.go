package loader

import (
	"context"
	"fmt"
)

type stage struct {
	name     string
	strategy LoadingStrategy
	state    State
}

// LoadingChain runs an ordered list of LoadingStrategy stages over a single
// LoadingData, reporting the loader's State as it advances.
type LoadingChain struct {
	stages []stage
	events *eventBus
}

// NewLoadingChain creates an empty chain reporting state transitions to
// events, which may be nil.
func NewLoadingChain(events *eventBus) *LoadingChain {
	return &LoadingChain{events: events}
}

// Add appends a strategy to the end of the chain, associating it with the
// State reported while it runs.
func (c *LoadingChain) Add(name string, s LoadingStrategy, state State) {
	c.stages = append(c.stages, stage{name: name, strategy: s, state: state})
}

// Run executes the chain in order starting from the first stage. A
// Continue result advances to the next stage; Completed stops the chain
// successfully; a non-nil error cancels every stage that already ran, in
// reverse order, and returns the error wrapped with the failing stage's
// name.
func (c *LoadingChain) Run(ctx context.Context, data *LoadingData) error {
	ran := 0
	for _, st := range c.stages {
		select {
		case <-ctx.Done():
			c.cancel(ctx, data, ran)
			return ctx.Err()
		default:
		}

		c.emit(StateChangedEvent{State: st.state})
		result, err := st.strategy.Process(ctx, data)
		ran++
		if err != nil {
			wrapped := fmt.Errorf("loader: %s strategy: %w", st.name, err)
			c.emit(ErrorEvent{Err: wrapped})
			c.cancel(ctx, data, ran)
			return wrapped
		}
		if result == Completed {
			return nil
		}
	}
	return nil
}

// Cancel runs every stage's Cancel in reverse order, as if the chain had
// run to completion.
func (c *LoadingChain) Cancel(ctx context.Context, data *LoadingData) {
	c.cancel(ctx, data, len(c.stages))
}

func (c *LoadingChain) cancel(ctx context.Context, data *LoadingData, ran int) {
	for i := ran - 1; i >= 0; i-- {
		if err := c.stages[i].strategy.Cancel(ctx, data); err != nil {
			c.emit(ErrorEvent{Err: fmt.Errorf("loader: %s cancel: %w", c.stages[i].name, err)})
		}
	}
}

func (c *LoadingChain) emit(e Event) {
	if c.events != nil {
		c.events.emit(e)
	}
}
