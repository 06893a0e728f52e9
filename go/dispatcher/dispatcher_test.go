package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/store"
)

// scriptedDestination returns one response per Send call, in order,
// repeating the last entry once the script runs out.
type scriptedDestination struct {
	mu        sync.Mutex
	responses []*message.Response
	errs      []error
	calls     int
	payloads  []string
}

func (d *scriptedDestination) Start(context.Context) error { return nil }
func (d *scriptedDestination) Stop(context.Context) error  { return nil }

func (d *scriptedDestination) Send(_ context.Context, _ *message.ConnectorMessage, encoded string) (*message.Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var i = d.calls
	d.calls++
	d.payloads = append(d.payloads, encoded)
	if i >= len(d.responses) {
		i = len(d.responses) - 1
	}
	var err error
	if i < len(d.errs) {
		err = d.errs[i]
	}
	return d.responses[i], err
}

func (d *scriptedDestination) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func (d *scriptedDestination) sentPayloads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.payloads...)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	var st, err = store.Open(context.Background(), store.Config{
		Driver: "sqlite3", DSN: ":memory:", Mode: store.ModeStandalone,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.RegisterChannel(context.Background(), "chan-a"))
	return st
}

func stageMessage(t *testing.T, st *store.Store, encoded string) *message.ConnectorMessage {
	t.Helper()
	var ctx = context.Background()
	id, err := st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.NoError(t, err)
	var cm = &message.ConnectorMessage{
		ChannelID:    "chan-a",
		MessageID:    id,
		MetaDataID:   1,
		ServerID:     "server-1",
		ReceivedDate: time.Now(),
		Status:       message.Transformed,
	}
	require.NoError(t, st.UpsertConnectorMessage(ctx, cm))
	require.NoError(t, st.WriteContent(ctx, "chan-a", id, 1, message.ContentEncoded, encoded, "HL7V2"))
	return cm
}

func TestSynchronousDelivery(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent, Message: "ack"},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{}, dest, st)
	var cm = stageMessage(t, st, "encoded payload")

	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	require.Equal(t, message.Sent, status)
	require.Equal(t, []string{"encoded payload"}, dest.sentPayloads())

	// Outcome content rows were committed with the status.
	text, err := st.ReadContent(ctx, "chan-a", cm.MessageID, 1, message.ContentSent)
	require.NoError(t, err)
	require.Equal(t, "encoded payload", text)
	text, err = st.ReadContent(ctx, "chan-a", cm.MessageID, 1, message.ContentResponse)
	require.NoError(t, err)
	require.Equal(t, "ack", text)

	v, err := st.StatValue(ctx, "chan-a", 1, message.Sent)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestSynchronousRetryThenSuccess(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Error, Error: "connection refused"},
		{Status: message.Error, Error: "connection refused"},
		{Status: message.Sent},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{
		RetryCount:    3,
		RetryInterval: time.Millisecond,
	}, dest, st)
	var cm = stageMessage(t, st, "payload")

	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	require.Equal(t, message.Sent, status)
	require.Equal(t, 3, dest.callCount())
	require.Equal(t, 3, cm.SendAttempts)
}

func TestSynchronousRetriesExhausted(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Error, Error: "boom"},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{
		RetryCount:    2,
		RetryInterval: time.Millisecond,
	}, dest, st)
	var cm = stageMessage(t, st, "payload")

	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	require.Equal(t, message.Error, status)
	// Initial attempt plus two retries.
	require.Equal(t, 3, dest.callCount())

	text, err := st.ReadContent(ctx, "chan-a", cm.MessageID, 1, message.ContentResponseError)
	require.NoError(t, err)
	require.Equal(t, "boom", text)

	v, err := st.StatValue(ctx, "chan-a", 1, message.Error)
	require.NoError(t, err)
	require.Equal(t, int64(1), v)
}

func TestNilResponseWithError(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{
		responses: []*message.Response{nil},
		errs:      []error{errors.New("dial tcp: refused")},
	}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{RetryCount: 0}, dest, st)
	var cm = stageMessage(t, st, "payload")

	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	require.Equal(t, message.Error, status)

	text, err := st.ReadContent(ctx, "chan-a", cm.MessageID, 1, message.ContentResponseError)
	require.NoError(t, err)
	require.Equal(t, "dial tcp: refused", text)
}

func TestQueuedDeliveryReturnsImmediately(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{
		Enabled:       true,
		RetryInterval: time.Millisecond,
	}, dest, st)
	d.Start(ctx)
	defer d.Halt()

	var cm = stageMessage(t, st, "payload")
	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	require.Equal(t, message.Queued, status)

	require.Eventually(t, func() bool {
		msg, err := st.GetMessage(ctx, "chan-a", cm.MessageID)
		if err != nil || len(msg.ConnectorMessages) == 0 {
			return false
		}
		return msg.ConnectorMessages[0].Status == message.Sent
	}, 5*time.Second, 10*time.Millisecond)

	// The queued counter was decremented on leaving the queue.
	require.Eventually(t, func() bool {
		v, err := st.StatValue(ctx, "chan-a", 1, message.Queued)
		return err == nil && v == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestQueuePreservesOrder(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent},
	}}
	// A single worker delivers strictly in queue order.
	var d = New("chan-a", 1, "Test Sender", QueueSettings{
		Enabled:     true,
		ThreadCount: 1,
	}, dest, st)
	d.Start(ctx)

	var want []string
	for i := 0; i < 5; i++ {
		var payload = string(rune('a' + i))
		var cm = stageMessage(t, st, payload)
		want = append(want, payload)
		_, err := d.Deliver(ctx, cm)
		require.NoError(t, err)
	}

	var stopCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))
	require.Equal(t, want, dest.sentPayloads())
}

func TestSendFirstQueuesOnlyOnFailure(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{
		Enabled:   true,
		SendFirst: true,
	}, dest, st)
	d.Start(ctx)
	defer d.Halt()

	var cm = stageMessage(t, st, "payload")
	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	// First attempt succeeded, so the caller sees the terminal status.
	require.Equal(t, message.Sent, status)
	require.Equal(t, 0, d.QueueDepth())
}

func TestQueuedResponseParksWithoutRequeuePolicy(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Queued, StatusMessage: "downstream asked to hold"},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{RetryCount: 5}, dest, st)
	var cm = stageMessage(t, st, "payload")

	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	require.Equal(t, message.Queued, status)
	// Parked, not retried.
	require.Equal(t, 1, dest.callCount())
}

func TestDeliverOnClosedQueueFails(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{Enabled: true}, dest, st)
	d.Start(ctx)
	d.Halt()

	var cm = stageMessage(t, st, "payload")
	var _, err = d.Deliver(ctx, cm)
	require.Error(t, err)
}

func TestRestartAfterStop(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{Enabled: true}, dest, st)
	d.Start(ctx)

	var first = stageMessage(t, st, "before stop")
	_, err := d.Deliver(ctx, first)
	require.NoError(t, err)

	var stopCtx, cancel = context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, d.Stop(stopCtx))

	// A stopped dispatcher accepts and delivers work again once
	// restarted.
	d.Start(ctx)
	defer d.Halt()

	var second = stageMessage(t, st, "after restart")
	status, err := d.Deliver(ctx, second)
	require.NoError(t, err)
	require.Equal(t, message.Queued, status)

	require.Eventually(t, func() bool {
		msg, err := st.GetMessage(ctx, "chan-a", second.MessageID)
		if err != nil || len(msg.ConnectorMessages) == 0 {
			return false
		}
		return msg.ConnectorMessages[0].Status == message.Sent
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRestartAfterHalt(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent},
	}}
	var d = New("chan-a", 1, "Test Sender", QueueSettings{Enabled: true}, dest, st)
	d.Start(ctx)
	d.Halt()

	d.Start(ctx)
	defer d.Halt()

	var cm = stageMessage(t, st, "after halt")
	status, err := d.Deliver(ctx, cm)
	require.NoError(t, err)
	require.Equal(t, message.Queued, status)

	require.Eventually(t, func() bool {
		msg, err := st.GetMessage(ctx, "chan-a", cm.MessageID)
		if err != nil || len(msg.ConnectorMessages) == 0 {
			return false
		}
		return msg.ConnectorMessages[0].Status == message.Sent
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartRecoversPersistedQueue(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t)
	var dest = &scriptedDestination{responses: []*message.Response{
		{Status: message.Sent},
	}}

	// A QUEUED row left behind by an earlier run of the engine.
	var cm = stageMessage(t, st, "orphaned payload")
	cm.Status = message.Queued
	require.NoError(t, st.UpsertConnectorMessage(ctx, cm))
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 1, message.Queued, 1))

	var d = New("chan-a", 1, "Test Sender", QueueSettings{Enabled: true}, dest, st)
	d.Start(ctx)
	defer d.Halt()

	require.Eventually(t, func() bool {
		msg, err := st.GetMessage(ctx, "chan-a", cm.MessageID)
		if err != nil || len(msg.ConnectorMessages) == 0 {
			return false
		}
		return msg.ConnectorMessages[0].Status == message.Sent
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"orphaned payload"}, dest.sentPayloads())

	// The queued counter drained back to zero.
	require.Eventually(t, func() bool {
		v, err := st.StatValue(ctx, "chan-a", 1, message.Queued)
		return err == nil && v == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestDequeSemantics(t *testing.T) {
	var ctx = context.Background()
	var q = newDeque[int](2)

	require.True(t, q.PushTail(ctx, 1))
	require.True(t, q.PushTail(ctx, 2))
	// Head pushes are exempt from the capacity bound.
	require.True(t, q.PushHead(0))
	require.Equal(t, 3, q.Len())

	v, ok := q.Pop(ctx)
	require.True(t, ok)
	require.Equal(t, 0, v)

	// A full queue blocks tail pushes until ctx cancellation.
	var blockedCtx, cancel = context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	require.False(t, q.PushTail(blockedCtx, 4))

	q.Close()
	require.False(t, q.PushTail(ctx, 5))
	// Pending items remain poppable after close.
	for _, want := range []int{1, 2} {
		v, ok = q.Pop(ctx)
		require.True(t, ok)
		require.Equal(t, want, v)
	}
	_, ok = q.Pop(ctx)
	require.False(t, ok)
}
