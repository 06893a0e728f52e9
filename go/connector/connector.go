// Package connector defines the shared source/destination framework:
// lifecycle, dispatch plumbing into the pipeline, and the registry of
// transport implementations.
package connector

import (
	"context"
	"sync/atomic"

	"github.com/meridian-hie/meridian/go/message"
)

// DispatchResult is what the pipeline reports back to a source for one
// raw message, after the source durability point and processing.
type DispatchResult struct {
	MessageID int64
	Status    message.Status    // Terminal status of the source connector message.
	Response  *message.Response // Selected response, if any.
}

// DispatchFunc is the pipeline entry point handed to a source before
// Start. It must not be called until the message is fully framed.
type DispatchFunc func(ctx context.Context, raw *message.RawMessage) (*DispatchResult, error)

// Lifecycle is common to sources and destinations. Start is given the
// channel-rooted context; cancellation of that context is the halt
// path and must promptly unwind workers and sockets. Stop drains
// in-flight work within the caller's context deadline.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Source accepts inbound messages and pushes them into the pipeline.
// Pause disables acceptance of new work without stopping the listener;
// Resume re-enables it.
type Source interface {
	Lifecycle
	OnDispatch(DispatchFunc)
	Pause()
	Resume()
}

// Destination delivers an encoded connector message and reports the
// outcome. Send is invoked by the destination dispatcher; a nil error
// with Response.Status == ERROR drives the retry policy, while a
// non-nil error is treated the same as an ERROR response.
type Destination interface {
	Lifecycle
	Send(ctx context.Context, cm *message.ConnectorMessage, encoded string) (*message.Response, error)
}

// SourceBase carries the dispatch hook and pause state shared by all
// source implementations.
type SourceBase struct {
	dispatch  atomic.Pointer[DispatchFunc]
	paused    atomic.Bool
	ChannelID string
	Name      string
}

func (b *SourceBase) OnDispatch(fn DispatchFunc) { b.dispatch.Store(&fn) }

// Dispatch forwards into the pipeline. It returns a PENDING result when
// no pipeline is attached, which only happens in partially-wired tests.
func (b *SourceBase) Dispatch(ctx context.Context, raw *message.RawMessage) (*DispatchResult, error) {
	var fn = b.dispatch.Load()
	if fn == nil {
		return &DispatchResult{Status: message.Pending}, nil
	}
	return (*fn)(ctx, raw)
}

func (b *SourceBase) Pause()       { b.paused.Store(true) }
func (b *SourceBase) Resume()      { b.paused.Store(false) }
func (b *SourceBase) Paused() bool { return b.paused.Load() }
