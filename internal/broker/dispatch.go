package broker

import (
	"context"
	"fmt"

	"github.com/carlosmesquita/cmevents-go/internal/bus"
)

// runDispatcher is the single task that drains the queue in arrival
// order and fans each event out to its subscribers. One goroutine per
// Broker lifetime, started by Start and stopped by cancelling ctx.
func (b *Broker) runDispatcher(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-b.queue:
			b.dispatch(ctx, evt)
		}
	}
}

func (b *Broker) dispatch(ctx context.Context, evt bus.Event) {
	b.mu.Lock()
	handlers := append([]bus.Handler(nil), b.subscribers[evt.Type]...)
	b.mu.Unlock()

	if len(handlers) == 0 {
		b.logger.Debug(fmt.Sprintf("No subscribers for event type: %s", evt.Type))
		return
	}

	for _, h := range handlers {
		b.invokeHandler(ctx, h, evt)
	}
}

// invokeHandler calls h with evt, isolating the dispatcher from both
// panics and returned errors: either is logged and dispatch moves on
// to the next handler. This is the direct translation of "any
// exception raised by a handler is logged and swallowed" — Go has no
// exceptions, so panic/recover does the isolating.
func (b *Broker) invokeHandler(ctx context.Context, h bus.Handler, evt bus.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error(fmt.Sprintf("Handler error for event %s: %v", evt.Type, r))
		}
	}()

	switch handler := h.(type) {
	case bus.HandlerFunc:
		handler(evt)
	case bus.AsyncHandlerFunc:
		if err := handler(ctx, evt); err != nil {
			b.logger.Error(fmt.Sprintf("Handler error for event %s: %v", evt.Type, err))
		}
	}
}
