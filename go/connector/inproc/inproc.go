// Package inproc implements the in-process transport pair: a Channel
// Reader source that accepts injected messages without a network
// listener, and a Channel Writer destination that delivers into a named
// in-memory sink. Chained channels and tests use these.
package inproc

import (
	"context"
	"fmt"
	"sync"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterSource("Channel Reader", newReader)
	connector.RegisterDestination("Channel Writer", newWriter)
}

// Reader is a source with no transport of its own: messages arrive only
// through control-plane injection or an upstream Channel Writer.
type Reader struct {
	connector.SourceBase
}

func newReader(settings connector.Settings) (connector.Source, error) {
	var r = new(Reader)
	r.ChannelID = settings.ChannelID
	r.Name = settings.Name
	return r, nil
}

func (r *Reader) Start(ctx context.Context) error { return nil }
func (r *Reader) Stop(ctx context.Context) error  { return nil }

// Sink receives messages written by a Channel Writer.
type Sink interface {
	Receive(ctx context.Context, raw *message.RawMessage) (*message.Response, error)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, raw *message.RawMessage) (*message.Response, error)

func (f SinkFunc) Receive(ctx context.Context, raw *message.RawMessage) (*message.Response, error) {
	return f(ctx, raw)
}

var (
	sinkMu sync.RWMutex
	sinks  = map[string]Sink{}
)

// RegisterSink binds a named sink. The engine registers one per
// deployed channel with a Channel Reader source; tests register
// synthetic sinks. The returned func unbinds it.
func RegisterSink(name string, sink Sink) func() {
	sinkMu.Lock()
	sinks[name] = sink
	sinkMu.Unlock()
	return func() {
		sinkMu.Lock()
		delete(sinks, name)
		sinkMu.Unlock()
	}
}

func lookupSink(name string) Sink {
	sinkMu.RLock()
	defer sinkMu.RUnlock()
	return sinks[name]
}

// writer delivers encoded content to the sink named by the channelId
// property.
type writer struct {
	target string
}

func newWriter(settings connector.Settings) (connector.Destination, error) {
	var target = settings.Properties.String("channelId", "")
	if target == "" {
		return nil, fmt.Errorf("channel writer requires a channelId")
	}
	return &writer{target: target}, nil
}

func (w *writer) Start(ctx context.Context) error { return nil }
func (w *writer) Stop(ctx context.Context) error  { return nil }

func (w *writer) Send(ctx context.Context, cm *message.ConnectorMessage, encoded string) (*message.Response, error) {
	var sink = lookupSink(w.target)
	if sink == nil {
		return &message.Response{
			Status: message.Error,
			Error:  fmt.Sprintf("target channel %s is not deployed", w.target),
		}, nil
	}
	resp, err := sink.Receive(ctx, &message.RawMessage{
		Data: encoded,
		SourceMap: map[string]interface{}{
			"sourceChannelId": cm.ChannelID,
			"sourceMessageId": cm.MessageID,
		},
	})
	if err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	if resp == nil {
		resp = &message.Response{Status: message.Sent}
	}
	return resp, nil
}
