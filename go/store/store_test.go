package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/meridian/go/message"
)

func openTestStore(t *testing.T, key string) *Store {
	t.Helper()
	var st, err = Open(context.Background(), Config{
		Driver:        "sqlite3",
		DSN:           ":memory:",
		Mode:          ModeStandalone,
		EncryptionKey: key,
	})
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestRegisterChannelIsIdempotent(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")

	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	require.NoError(t, st.RegisterChannel(ctx, "chan-b"))

	// Each channel allocates its own sequence.
	id, err := st.NextMessageID(ctx, "chan-a")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	id, err = st.NextMessageID(ctx, "chan-b")
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
	id, err = st.NextMessageID(ctx, "chan-a")
	require.NoError(t, err)
	require.Equal(t, int64(2), id)
}

func TestUnregisteredChannelFails(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")

	var _, err = st.CreateMessage(ctx, "nope", "server-1", time.Now())
	require.Error(t, err)
}

func TestMessageAndContentRoundTrip(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	var received = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	id, err := st.CreateMessage(ctx, "chan-a", "server-1", received)
	require.NoError(t, err)

	var raw = "MSH|^~\\&|LAB|FAC|EMR|FAC|20240301||ORU^R01|777|P|2.3\r"
	require.NoError(t, st.WriteContent(ctx, "chan-a", id, 0, message.ContentRaw, raw, "HL7V2"))

	text, err := st.ReadContent(ctx, "chan-a", id, 0, message.ContentRaw)
	require.NoError(t, err)
	require.Equal(t, raw, text)

	// Replacement of the same content type, and a cache miss path.
	require.NoError(t, st.WriteContent(ctx, "chan-a", id, 0, message.ContentRaw, raw+"updated", "HL7V2"))
	text, err = st.ReadContent(ctx, "chan-a", id, 0, message.ContentRaw)
	require.NoError(t, err)
	require.Equal(t, raw+"updated", text)

	_, err = st.ReadContent(ctx, "chan-a", id, 0, message.ContentTransformed)
	require.Equal(t, ErrNotFound, err)

	msg, err := st.GetMessage(ctx, "chan-a", id)
	require.NoError(t, err)
	require.Equal(t, id, msg.MessageID)
	require.Equal(t, "server-1", msg.ServerID)
	require.False(t, msg.Processed)

	require.NoError(t, st.MarkProcessed(ctx, "chan-a", id))
	msg, err = st.GetMessage(ctx, "chan-a", id)
	require.NoError(t, err)
	require.True(t, msg.Processed)

	_, err = st.GetMessage(ctx, "chan-a", id+100)
	require.Equal(t, ErrNotFound, err)
}

func TestEncryptedContentAtRest(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "content-key")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	id, err := st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.NoError(t, err)

	var raw = "MSH|^~\\&|A|B|C|D|20240301||ADT^A01|1|P|2.3\r"
	require.NoError(t, st.WriteContent(ctx, "chan-a", id, 0, message.ContentRaw, raw, "HL7V2"))

	// The stored blob must not contain the plaintext.
	var blob []byte
	var encrypted bool
	err = st.DB().QueryRowContext(ctx,
		`SELECT content, is_encrypted FROM d_mc1 WHERE message_id = ? AND metadata_id = 0 AND content_type = ?`,
		id, int(message.ContentRaw)).Scan(&blob, &encrypted)
	require.NoError(t, err)
	require.True(t, encrypted)
	require.NotContains(t, string(blob), "MSH|")

	text, err := st.ReadContent(ctx, "chan-a", id, 0, message.ContentRaw)
	require.NoError(t, err)
	require.Equal(t, raw, text)
}

func TestConnectorMessageUpsert(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	id, err := st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.NoError(t, err)

	var cm = &message.ConnectorMessage{
		ChannelID:     "chan-a",
		MessageID:     id,
		MetaDataID:    1,
		ConnectorName: "Destination 1",
		ServerID:      "server-1",
		ReceivedDate:  time.Now(),
		Status:        message.Queued,
	}
	require.NoError(t, st.UpsertConnectorMessage(ctx, cm))

	cm.Status = message.Sent
	cm.SendAttempts = 3
	cm.SendDate = time.Now()
	require.NoError(t, st.UpsertConnectorMessage(ctx, cm))

	msg, err := st.GetMessage(ctx, "chan-a", id)
	require.NoError(t, err)
	require.Len(t, msg.ConnectorMessages, 1)
	require.Equal(t, message.Sent, msg.ConnectorMessages[0].Status)
	require.Equal(t, 3, msg.ConnectorMessages[0].SendAttempts)
	require.False(t, msg.ConnectorMessages[0].SendDate.IsZero())
}

func TestCommitStatusWithContent(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	id, err := st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.NoError(t, err)

	var cm = &message.ConnectorMessage{
		ChannelID:    "chan-a",
		MessageID:    id,
		MetaDataID:   1,
		ServerID:     "server-1",
		ReceivedDate: time.Now(),
		Status:       message.Sent,
	}
	require.NoError(t, st.CommitStatusWithContent(ctx, cm, []PendingContent{
		{message.ContentSent, "payload out", "HL7V2"},
		{message.ContentResponse, "ack in", "HL7V2"},
	}))

	msg, err := st.GetMessage(ctx, "chan-a", id)
	require.NoError(t, err)
	require.Len(t, msg.ConnectorMessages, 1)
	require.Equal(t, message.Sent, msg.ConnectorMessages[0].Status)

	text, err := st.ReadContent(ctx, "chan-a", id, 1, message.ContentSent)
	require.NoError(t, err)
	require.Equal(t, "payload out", text)
	text, err = st.ReadContent(ctx, "chan-a", id, 1, message.ContentResponse)
	require.NoError(t, err)
	require.Equal(t, "ack in", text)
}

func TestStatistics(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	require.NoError(t, st.AddStatistic(ctx, "chan-a", 0, message.Received, 1))
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 0, message.Received, 1))
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 1, message.Sent, 1))
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 1, message.Error, 1))
	// PENDING is not a counted status and must be a no-op.
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 1, message.Pending, 1))

	stats, err := st.GetStatistics(ctx, "chan-a")
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, int64(2), stats[0].Received)
	require.Equal(t, int64(1), stats[1].Sent)
	require.Equal(t, int64(1), stats[1].Error)
	require.Equal(t, int64(2), stats[0].Lifetime["received"])

	// Resetting clears session counters only.
	require.NoError(t, st.ResetStatistics(ctx, "chan-a", nil, nil))
	stats, err = st.GetStatistics(ctx, "chan-a")
	require.NoError(t, err)
	require.Equal(t, int64(0), stats[0].Received)
	require.Equal(t, int64(2), stats[0].Lifetime["received"])

	// Counters go negative-free again after a queue drain style decrement.
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 1, message.Queued, 1))
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 1, message.Queued, -1))
	v, err := st.StatValue(ctx, "chan-a", 1, message.Queued)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
}

func TestResetStatisticsSelective(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	require.NoError(t, st.AddStatistic(ctx, "chan-a", 0, message.Received, 5))
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 0, message.Error, 2))
	require.NoError(t, st.AddStatistic(ctx, "chan-a", 1, message.Error, 3))

	require.NoError(t, st.ResetStatistics(ctx, "chan-a", []int{0}, []message.Status{message.Error}))

	v, err := st.StatValue(ctx, "chan-a", 0, message.Error)
	require.NoError(t, err)
	require.Equal(t, int64(0), v)
	v, err = st.StatValue(ctx, "chan-a", 0, message.Received)
	require.NoError(t, err)
	require.Equal(t, int64(5), v)
	v, err = st.StatValue(ctx, "chan-a", 1, message.Error)
	require.NoError(t, err)
	require.Equal(t, int64(3), v)
}

func seedMessages(t *testing.T, st *Store, channelID string, count int) []int64 {
	t.Helper()
	var ctx = context.Background()
	var ids []int64
	var base = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < count; i++ {
		id, err := st.CreateMessage(ctx, channelID, "server-1", base.Add(time.Duration(i)*time.Hour))
		require.NoError(t, err)
		var status = message.Sent
		if i%3 == 0 {
			status = message.Error
		}
		require.NoError(t, st.UpsertConnectorMessage(ctx, &message.ConnectorMessage{
			ChannelID:    channelID,
			MessageID:    id,
			MetaDataID:   1,
			ServerID:     "server-1",
			ReceivedDate: base.Add(time.Duration(i) * time.Hour),
			Status:       status,
		}))
		ids = append(ids, id)
	}
	return ids
}

func TestListAndCountAgree(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	seedMessages(t, st, "chan-a", 10)

	var filters = []MessageFilter{
		{},
		{MinMessageID: 3, MaxMessageID: 8},
		{Statuses: []message.Status{message.Error}},
		{MetaDataIDs: []int{1}},
		{StartDate: time.Date(2024, 6, 1, 4, 0, 0, 0, time.UTC)},
	}
	for _, filter := range filters {
		msgs, err := st.ListMessages(ctx, "chan-a", filter)
		require.NoError(t, err)
		count, err := st.CountMessages(ctx, "chan-a", filter)
		require.NoError(t, err)
		require.Equal(t, int64(len(msgs)), count)
	}
}

func TestListMessagesPagination(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	var ids = seedMessages(t, st, "chan-a", 10)

	msgs, err := st.ListMessages(ctx, "chan-a", MessageFilter{Offset: 2, Limit: 3})
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, ids[2], msgs[0].MessageID)
	require.Equal(t, ids[4], msgs[2].MessageID)
}

func TestTextSearch(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	var ids = seedMessages(t, st, "chan-a", 4)
	require.NoError(t, st.WriteContent(ctx, "chan-a", ids[0], 0, message.ContentRaw, "PID|1||ALPHA|", "HL7V2"))
	require.NoError(t, st.WriteContent(ctx, "chan-a", ids[1], 0, message.ContentRaw, "PID|1||BETA|", "HL7V2"))
	require.NoError(t, st.WriteContent(ctx, "chan-a", ids[2], 0, message.ContentRaw, "PID|1||ALPHABET|", "HL7V2"))

	msgs, err := st.ListMessages(ctx, "chan-a", MessageFilter{TextSearch: "ALPHA"})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	msgs, err = st.ListMessages(ctx, "chan-a", MessageFilter{TextSearch: "ALPHA$", TextSearchRegex: true})
	require.NoError(t, err)
	require.Len(t, msgs, 0)

	msgs, err = st.ListMessages(ctx, "chan-a", MessageFilter{TextSearch: "ALPHA\\|$", TextSearchRegex: true})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, ids[0], msgs[0].MessageID)

	_, err = st.ListMessages(ctx, "chan-a", MessageFilter{TextSearch: "([", TextSearchRegex: true})
	require.Error(t, err)
}

func TestDeleteMessages(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	var ids = seedMessages(t, st, "chan-a", 6)
	require.NoError(t, st.WriteContent(ctx, "chan-a", ids[0], 0, message.ContentRaw, "payload", "RAW"))

	deleted, err := st.DeleteMessages(ctx, "chan-a", MessageFilter{MaxMessageID: ids[2]})
	require.NoError(t, err)
	require.Equal(t, 3, deleted)

	count, err := st.CountMessages(ctx, "chan-a", MessageFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	_, err = st.ReadContent(ctx, "chan-a", ids[0], 0, message.ContentRaw)
	require.Equal(t, ErrNotFound, err)

	// Sequence continues past deleted messages.
	id, err := st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.NoError(t, err)
	require.Greater(t, id, ids[5])
}

func TestRemoveAllMessages(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	var ids = seedMessages(t, st, "chan-a", 4)
	require.NoError(t, st.WriteContent(ctx, "chan-a", ids[0], 0, message.ContentRaw, "payload", "RAW"))

	require.NoError(t, st.RemoveAllMessages(ctx, "chan-a"))
	count, err := st.CountMessages(ctx, "chan-a", MessageFilter{})
	require.NoError(t, err)
	require.Equal(t, int64(0), count)
}

func TestAttachments(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))

	id, err := st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.NoError(t, err)

	require.NoError(t, st.WriteAttachment(ctx, &message.Attachment{
		ChannelID: "chan-a",
		MessageID: id,
		ID:        "att-1",
		Type:      "application/dicom",
		Content:   []byte{0x00, 0x01, 0x02},
	}))

	a, err := st.GetAttachment(ctx, "chan-a", id, "att-1")
	require.NoError(t, err)
	require.Equal(t, "application/dicom", a.Type)
	require.Equal(t, []byte{0x00, 0x01, 0x02}, a.Content)

	list, err := st.ListAttachments(ctx, "chan-a", id)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "att-1", list[0].ID)
	require.Nil(t, list[0].Content)

	_, err = st.GetAttachment(ctx, "chan-a", id, "missing")
	require.Equal(t, ErrNotFound, err)
}

func TestChannelRecords(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")

	var rec = &ChannelRecord{ID: "chan-a", Name: "ADT Inbound", Revision: 1, Channel: `{"id":"chan-a"}`}
	require.NoError(t, st.PutChannelRecord(ctx, rec))

	got, err := st.GetChannelRecord(ctx, "chan-a")
	require.NoError(t, err)
	require.Equal(t, "ADT Inbound", got.Name)
	require.Equal(t, 1, got.Revision)

	rec.Revision = 2
	rec.Name = "ADT Inbound v2"
	require.NoError(t, st.PutChannelRecord(ctx, rec))

	all, err := st.GetChannelRecords(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Equal(t, 2, all[0].Revision)

	// A second channel may not take a name already in use.
	var dup = &ChannelRecord{ID: "chan-b", Name: "ADT Inbound v2", Revision: 1, Channel: `{"id":"chan-b"}`}
	require.Equal(t, ErrConflict, st.PutChannelRecord(ctx, dup))

	require.NoError(t, st.DeleteChannelRecord(ctx, "chan-a"))
	require.Equal(t, ErrNotFound, st.DeleteChannelRecord(ctx, "chan-a"))
	_, err = st.GetChannelRecord(ctx, "chan-a")
	require.Equal(t, ErrNotFound, err)
}

func TestDropChannel(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	seedMessages(t, st, "chan-a", 2)

	require.NoError(t, st.DropChannel(ctx, "chan-a"))
	var _, err = st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.Error(t, err)

	// Re-registering builds fresh tables with a fresh sequence.
	require.NoError(t, st.RegisterChannel(ctx, "chan-a"))
	id, err := st.CreateMessage(ctx, "chan-a", "server-1", time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(1), id)
}

func TestConfigurationMap(t *testing.T) {
	var ctx = context.Background()
	var st = openTestStore(t, "")

	require.NoError(t, st.PutConfiguration(ctx, "core", "environment", "prod"))
	require.NoError(t, st.PutConfiguration(ctx, "core", "environment", "staging"))
	require.NoError(t, st.PutConfiguration(ctx, "other", "ignored", "x"))

	m, err := st.LoadConfigurationMap(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]interface{}{"environment": "staging"}, m)
}
