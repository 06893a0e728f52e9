// Package dispatcher drives destination delivery: one bounded queue
// and worker set per queued destination, with retry, rotation, and
// backpressure into the pipeline.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/store"
)

// QueueSettings configures a destination's delivery behavior.
type QueueSettings struct {
	// Enabled selects queued delivery; otherwise sends run on the
	// pipeline goroutine.
	Enabled     bool
	ThreadCount int
	BufferSize  int
	// RetryCount is per message, not per worker.
	RetryCount    int
	RetryInterval time.Duration
	// Rotate moves a failing message to the tail instead of blocking
	// the head.
	Rotate bool
	// SendFirst attempts the first delivery synchronously and queues
	// only on failure.
	SendFirst bool
	// QueueOnResponseStatus lists the destination Response statuses
	// that re-queue the item rather than terminating it.
	QueueOnResponseStatus []message.Status
}

func (q QueueSettings) requeuesOn(status message.Status) bool {
	for _, s := range q.QueueOnResponseStatus {
		if s == status {
			return true
		}
	}
	return false
}

type item struct {
	cm       *message.ConnectorMessage
	attempts int  // Attempts consumed so far for this message.
	queued   bool // Whether the QUEUED statistic was incremented.
}

// Dispatcher owns delivery for a single destination of a deployed
// channel.
type Dispatcher struct {
	channelID  string
	metaDataID int
	transport  string
	settings   QueueSettings

	dest  connector.Destination
	store *store.Store

	wg sync.WaitGroup

	mu      sync.Mutex
	queue   *deque[*item]
	started bool
	cancel  context.CancelFunc
}

// New builds a Dispatcher for `dest`.
func New(channelID string, metaDataID int, transport string, settings QueueSettings, dest connector.Destination, st *store.Store) *Dispatcher {
	if settings.ThreadCount <= 0 {
		settings.ThreadCount = 1
	}
	if settings.BufferSize <= 0 {
		settings.BufferSize = 1000
	}
	if settings.RetryInterval <= 0 {
		settings.RetryInterval = 10 * time.Second
	}
	return &Dispatcher{
		channelID:  channelID,
		metaDataID: metaDataID,
		transport:  transport,
		settings:   settings,
		dest:       dest,
		store:      st,
		queue:      newDeque[*item](settings.BufferSize),
	}
}

// Start launches the queue workers and reloads persisted QUEUED
// messages into the in-memory queue. ctx is the channel-rooted halt
// context; its cancellation abandons in-flight work. Starting again
// after a Stop or Halt resumes delivery on a fresh queue.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return
	}
	d.started = true
	if !d.settings.Enabled {
		return
	}
	if d.queue.Closed() {
		// The previous run's queue is permanently closed; workers and
		// deliveries get a fresh one.
		d.queue = newDeque[*item](d.settings.BufferSize)
	}
	var workerCtx context.Context
	workerCtx, d.cancel = context.WithCancel(ctx)
	var queue = d.queue

	// Snapshot persisted queue state before the source can accept new
	// messages, so recovery and fresh deliveries never observe the
	// same row.
	recovered, err := d.store.ListQueuedConnectorMessages(workerCtx, d.channelID, d.metaDataID)
	if err != nil {
		log.WithFields(log.Fields{
			"channel":    d.channelID,
			"metaDataId": d.metaDataID,
			"err":        err,
		}).Warn("queued message recovery failed")
	} else if len(recovered) > 0 {
		log.WithFields(log.Fields{
			"channel":    d.channelID,
			"metaDataId": d.metaDataID,
			"count":      len(recovered),
		}).Info("recovered persisted queued messages")
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for _, cm := range recovered {
				if !queue.PushTail(workerCtx, &item{cm: cm, attempts: cm.SendAttempts, queued: true}) {
					return
				}
			}
		}()
	}

	for i := 0; i < d.settings.ThreadCount; i++ {
		d.wg.Add(1)
		go d.work(workerCtx, queue, i)
	}
}

// Stop closes the queue and waits for workers to drain persisted items,
// up to the deadline of ctx. The dispatcher can be started again.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.q().Close()

	var done = make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		d.mu.Lock()
		if d.cancel != nil {
			d.cancel()
		}
		d.mu.Unlock()
		d.wg.Wait()
		err = fmt.Errorf("destination %d stop grace expired: %w", d.metaDataID, ctx.Err())
	}
	d.reset()
	return err
}

// Halt cancels workers immediately. Queued persisted state remains in
// the store and is recovered by the next Start.
func (d *Dispatcher) Halt() {
	d.q().Close()
	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.mu.Unlock()
	d.wg.Wait()
	d.reset()
}

// reset clears run state once all workers exited, so a later Start
// relaunches them.
func (d *Dispatcher) reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = false
	d.cancel = nil
}

func (d *Dispatcher) q() *deque[*item] {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue
}

// QueueDepth reports the in-memory queue length.
func (d *Dispatcher) QueueDepth() int { return d.q().Len() }

// Deliver hands a connector message (already TRANSFORMED/ENCODED and
// persisted) to this destination, and returns the status the response
// aggregation should observe. For a queued destination that is QUEUED;
// synchronous destinations return the terminal status. Deliver blocks
// while the queue buffer is full, which is the pipeline's backpressure.
func (d *Dispatcher) Deliver(ctx context.Context, cm *message.ConnectorMessage) (message.Status, error) {
	var it = &item{cm: cm}

	if !d.settings.Enabled {
		return d.deliverSync(ctx, it)
	}

	if d.settings.SendFirst {
		var status, terminal, err = d.attempt(ctx, it)
		if err != nil {
			return message.Error, err
		}
		if terminal {
			return status, nil
		}
		// Fall through to queue the failed first attempt.
	}

	if err := d.markQueued(ctx, cm); err != nil {
		return message.Error, err
	}
	it.queued = true
	if !d.q().PushTail(ctx, it) {
		return message.Queued, fmt.Errorf("destination %d queue is closed", d.metaDataID)
	}
	return message.Queued, nil
}

// deliverSync runs the full retry loop on the caller's goroutine.
func (d *Dispatcher) deliverSync(ctx context.Context, it *item) (message.Status, error) {
	for {
		var status, terminal, err = d.attempt(ctx, it)
		if err != nil {
			return message.Error, err
		}
		if terminal {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return message.Queued, ctx.Err()
		case <-time.After(d.settings.RetryInterval):
		}
	}
}

func (d *Dispatcher) work(ctx context.Context, queue *deque[*item], id int) {
	defer d.wg.Done()
	for {
		var it, ok = queue.Pop(ctx)
		if !ok {
			return
		}
		var _, terminal, err = d.attempt(ctx, it)
		if err != nil {
			log.WithFields(log.Fields{
				"channel":    d.channelID,
				"metaDataId": d.metaDataID,
				"worker":     id,
				"err":        err,
			}).Error("destination delivery failed fatally")
			continue
		}
		if terminal {
			continue
		}

		// Not terminal: wait out the retry interval, then re-enter the
		// queue at the head (or tail when rotating).
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.settings.RetryInterval):
		}
		if d.settings.Rotate {
			if !queue.PushTail(ctx, it) {
				return
			}
		} else if !queue.PushHead(it) {
			return
		}
	}
}

// attempt performs one send and commits its outcome. It returns the
// resulting status and whether that status is terminal for this item.
func (d *Dispatcher) attempt(ctx context.Context, it *item) (message.Status, bool, error) {
	var cm = it.cm

	encoded, err := d.store.ReadContent(ctx, cm.ChannelID, cm.MessageID, cm.MetaDataID, message.ContentEncoded)
	if err != nil {
		return message.Error, false, fmt.Errorf("loading encoded content: %w", err)
	}

	it.attempts++
	cm.SendAttempts++
	cm.SendDate = time.Now()
	connector.SendAttemptsCounter.WithLabelValues(d.channelID, d.transport).Inc()

	resp, sendErr := d.dest.Send(ctx, cm, encoded)
	if resp == nil {
		resp = &message.Response{Status: message.Error}
		if sendErr != nil {
			resp.Error = sendErr.Error()
		}
	}
	cm.ResponseDate = time.Now()

	var contents = []store.PendingContent{
		{ContentType: message.ContentSent, Content: encoded},
	}
	if resp.Message != "" {
		contents = append(contents, store.PendingContent{
			ContentType: message.ContentResponse, Content: resp.Message,
		})
	}
	if resp.Error != "" {
		contents = append(contents, store.PendingContent{
			ContentType: message.ContentResponseError, Content: resp.Error,
		})
	}

	var status message.Status
	var terminal bool
	switch resp.Status {
	case message.Sent:
		status, terminal = message.Sent, true
	case message.Filtered:
		status, terminal = message.Filtered, true
	case message.Queued:
		if d.settings.requeuesOn(message.Queued) {
			status, terminal = message.Queued, false
		} else {
			// Conservative rule: a QUEUED response with queueing not
			// requested for it parks the message for manual release.
			status, terminal = message.Queued, true
		}
	default: // ERROR and anything unrecognized.
		if it.attempts <= d.settings.RetryCount {
			status, terminal = message.Queued, false
		} else {
			status, terminal = message.Error, true
		}
	}
	cm.Status = status

	if err = d.store.CommitStatusWithContent(ctx, cm, contents); err != nil {
		return message.Error, false, fmt.Errorf("committing send outcome: %w", err)
	}
	if terminal {
		d.accountTerminal(ctx, status, it.queued)
		connector.MessagesSentCounter.WithLabelValues(d.channelID, d.transport, status.String()).Inc()
	}
	return status, terminal, nil
}

func (d *Dispatcher) markQueued(ctx context.Context, cm *message.ConnectorMessage) error {
	cm.Status = message.Queued
	if err := d.store.UpsertConnectorMessage(ctx, cm); err != nil {
		return fmt.Errorf("persisting queued status: %w", err)
	}
	return d.store.AddStatistic(ctx, d.channelID, d.metaDataID, message.Queued, 1)
}

func (d *Dispatcher) accountTerminal(ctx context.Context, status message.Status, wasQueued bool) {
	if wasQueued {
		// Leaving the queue: the queued gauge-like counter goes down.
		_ = d.store.AddStatistic(ctx, d.channelID, d.metaDataID, message.Queued, -1)
	}
	if err := d.store.AddStatistic(ctx, d.channelID, d.metaDataID, status, 1); err != nil {
		log.WithFields(log.Fields{
			"channel":    d.channelID,
			"metaDataId": d.metaDataID,
			"err":        err,
		}).Warn("failed to update destination statistics")
	}
}
