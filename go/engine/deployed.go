package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/dispatcher"
	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/pipeline"
	"github.com/meridian-hie/meridian/go/script"
	"github.com/meridian-hie/meridian/go/store"
)

const defaultStopGrace = 30 * time.Second

// DeployedChannel is the materialized runtime of one channel
// configuration revision: connectors, dispatchers, pipeline, and the
// lifecycle state machine.
type DeployedChannel struct {
	config *Channel

	mu    sync.Mutex // Serializes lifecycle transitions.
	state State

	ctx    context.Context // Halt root; cancelled on halt/undeploy.
	cancel context.CancelFunc

	source       connector.Source
	destinations map[int]connector.Destination
	dispatchers  map[int]*dispatcher.Dispatcher
	pipe         *pipeline.Pipeline

	handles   []script.Handle
	evaluator script.Evaluator
	bus       *Bus
	store     *store.Store

	// unbindSink releases the in-process sink of a Channel Reader
	// source. Nil for other transports.
	unbindSink func()
}

// Config returns the configuration revision captured at deploy.
func (d *DeployedChannel) Config() *Channel { return d.config }

// State returns the current lifecycle state.
func (d *DeployedChannel) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// setStateLocked transitions the state machine, enforcing the permitted
// graph, and publishes a StateChanged event. Callers hold d.mu.
func (d *DeployedChannel) setStateLocked(to State) error {
	if !d.state.CanTransition(to) {
		return errf(KindState, "channel %s cannot transition %s → %s", d.config.ID, d.state, to)
	}
	var prev = d.state
	d.state = to
	log.WithFields(log.Fields{
		"channel": d.config.ID,
		"name":    d.config.Name,
		"from":    prev.String(),
		"to":      to.String(),
	}).Info("channel state changed")
	d.bus.Publish(Event{
		Type:      EventStateChanged,
		ChannelID: d.config.ID,
		State:     to.String(),
		Previous:  prev.String(),
	})
	return nil
}

// Start begins accepting and delivering messages.
func (d *DeployedChannel) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == Paused {
		// Paused → Started only re-enables source acceptance.
		d.source.Resume()
		return d.setStateLocked(Started)
	}
	if err := d.setStateLocked(Started); err != nil {
		return err
	}
	if d.ctx.Err() != nil {
		// A halt cancelled the previous root context. Restart under a
		// fresh one so connectors and workers are not born cancelled.
		d.ctx, d.cancel = context.WithCancel(context.Background())
	}

	for id, dest := range d.destinations {
		if err := dest.Start(d.ctx); err != nil {
			_ = d.setStateLocked(Stopped)
			return wrapf(KindTransport, err, "starting destination %d", id)
		}
	}
	for _, disp := range d.dispatchers {
		disp.Start(d.ctx)
	}
	d.source.Resume()
	if err := d.source.Start(d.ctx); err != nil {
		_ = d.setStateLocked(Stopped)
		return wrapf(KindTransport, err, "starting source connector")
	}
	return nil
}

// Pause disables source acceptance; destination workers keep draining.
func (d *DeployedChannel) Pause(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Started {
		return errf(KindState, "channel %s is %s, not STARTED", d.config.ID, d.state)
	}
	d.source.Pause()
	return d.setStateLocked(Paused)
}

// Resume re-enables source acceptance. Invalid unless PAUSED.
func (d *DeployedChannel) Resume(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != Paused {
		return errf(KindState, "channel %s is %s, not PAUSED", d.config.ID, d.state)
	}
	d.source.Resume()
	return d.setStateLocked(Started)
}

// Stop stops the source, then drains in-flight and queued work within
// the stop grace before stopping destinations.
func (d *DeployedChannel) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopLocked(ctx)
}

func (d *DeployedChannel) stopLocked(ctx context.Context) error {
	if d.state == Stopped {
		return nil
	}
	if !d.state.Deployed() {
		return errf(KindState, "channel %s is %s", d.config.ID, d.state)
	}

	var grace = defaultStopGrace
	if d.config.Properties.StopGraceSeconds > 0 {
		grace = time.Duration(d.config.Properties.StopGraceSeconds) * time.Second
	}
	var graceCtx, cancel = context.WithTimeout(ctx, grace)
	defer cancel()

	d.source.Pause()
	if err := d.source.Stop(graceCtx); err != nil {
		log.WithFields(log.Fields{"channel": d.config.ID, "err": err}).Warn("source stop failed")
	}
	var firstErr error
	for id, disp := range d.dispatchers {
		if err := disp.Stop(graceCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("draining destination %d: %w", id, err)
		}
	}
	for id, dest := range d.destinations {
		if err := dest.Stop(graceCtx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stopping destination %d: %w", id, err)
		}
	}
	if err := d.setStateLocked(Stopped); err != nil {
		return err
	}
	return firstErr
}

// Halt cancels all in-flight work immediately. Persisted queue state
// remains in the store for resumption.
func (d *DeployedChannel) Halt(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Deployed() {
		return errf(KindState, "channel %s is %s", d.config.ID, d.state)
	}
	if err := d.setStateLocked(Halting); err != nil {
		return err
	}
	d.cancel() // Cascades to workers and sockets.

	var haltCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = d.source.Stop(haltCtx)
	for _, disp := range d.dispatchers {
		disp.Halt()
	}
	for _, dest := range d.destinations {
		_ = dest.Stop(haltCtx)
	}
	return d.setStateLocked(Stopped)
}

// StartConnector starts or resumes a single connector. Metadata ID 0
// resumes the source; destination IDs start that destination's workers.
func (d *DeployedChannel) StartConnector(ctx context.Context, metaDataID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Deployed() {
		return errf(KindState, "channel %s is %s", d.config.ID, d.state)
	}
	if metaDataID == 0 {
		d.source.Resume()
		return nil
	}
	var dest, ok = d.destinations[metaDataID]
	if !ok {
		return errf(KindNotFound, "channel %s has no connector %d", d.config.ID, metaDataID)
	}
	if err := dest.Start(d.ctx); err != nil {
		return wrapf(KindTransport, err, "starting connector %d", metaDataID)
	}
	if disp, ok := d.dispatchers[metaDataID]; ok {
		disp.Start(d.ctx)
	}
	return nil
}

// StopConnector stops a single connector. Metadata ID 0 pauses the
// source.
func (d *DeployedChannel) StopConnector(ctx context.Context, metaDataID int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.state.Deployed() {
		return errf(KindState, "channel %s is %s", d.config.ID, d.state)
	}
	if metaDataID == 0 {
		d.source.Pause()
		return nil
	}
	var dest, ok = d.destinations[metaDataID]
	if !ok {
		return errf(KindNotFound, "channel %s has no connector %d", d.config.ID, metaDataID)
	}
	if disp, ok := d.dispatchers[metaDataID]; ok {
		if err := disp.Stop(ctx); err != nil {
			return err
		}
	}
	return dest.Stop(ctx)
}

// release frees script handles and closes the halt context. Called on
// undeploy after the channel reached a resting state.
func (d *DeployedChannel) release() {
	if d.unbindSink != nil {
		d.unbindSink()
		d.unbindSink = nil
	}
	for _, h := range d.handles {
		d.evaluator.Release(h)
	}
	d.handles = nil
	d.cancel()
}

// QueueDepths reports in-memory queue depth per destination.
func (d *DeployedChannel) QueueDepths() map[int]int {
	var out = map[int]int{}
	for id, disp := range d.dispatchers {
		out[id] = disp.QueueDepth()
	}
	return out
}

// Dispatch injects a raw message directly into the channel's pipeline,
// used by the control plane's message injection and reprocessing.
func (d *DeployedChannel) Dispatch(ctx context.Context, raw *message.RawMessage) (*connector.DispatchResult, error) {
	var state = d.State()
	if state != Started && state != Paused {
		return nil, errf(KindState, "channel %s is %s, not accepting messages", d.config.ID, state)
	}
	return d.pipe.Process(ctx, raw)
}
