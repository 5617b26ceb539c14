package loader

import "context"

// LoadingStrategy is one stage in a LoadingChain. Process may mutate data
// in place and must return Continue to run the next strategy, Completed to
// end the chain successfully, or a non-nil error to abort it.
type LoadingStrategy interface {
	Process(ctx context.Context, data *LoadingData) (LoadingResult, error)
	// Cancel releases whatever resource this strategy's Process acquired
	// (a stream, a torrent, a downloaded subtitle file). When a load fails,
	// the chain calls Cancel on every strategy that already ran, in reverse
	// order; on explicit cancellation it calls Cancel on every strategy in
	// the chain, in reverse order.
	Cancel(ctx context.Context, data *LoadingData) error
}

// EventPublisher is implemented by MediaLoader. Strategies that need to
// emit an event of their own (rather than relying on the chain's automatic
// per-stage StateChangedEvent) depend on this narrow interface instead of
// the loader's internal event bus.
type EventPublisher interface {
	Publish(e Event)
}
