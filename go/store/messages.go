package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/meridian-hie/meridian/go/message"
)

// ErrNotFound is returned when a referenced message, content row, or
// attachment does not exist.
var ErrNotFound = errors.New("not found")

// NextMessageID atomically increments and returns the channel's message
// ID sequence. Allocated IDs may be lost on crash; gaps are allowed.
func (s *Store) NextMessageID(ctx context.Context, channelID string) (int64, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return 0, err
	}
	var n = strconv.FormatInt(local, 10)

	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning sequence transaction: %w", err)
	}
	defer tx.Rollback()

	var id int64
	if err = tx.QueryRowContext(ctx, `SELECT next_id FROM d_msq`+n).Scan(&id); err != nil {
		return 0, fmt.Errorf("reading message sequence: %w", err)
	}
	if _, err = tx.ExecContext(ctx, s.rebind(`UPDATE d_msq`+n+` SET next_id = ?`), id+1); err != nil {
		return 0, fmt.Errorf("advancing message sequence: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// CreateMessage inserts a new message row and returns its assigned ID.
func (s *Store) CreateMessage(ctx context.Context, channelID, serverID string, receivedDate time.Time) (int64, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return 0, err
	}
	id, err := s.NextMessageID(ctx, channelID)
	if err != nil {
		return 0, err
	}
	var n = strconv.FormatInt(local, 10)
	_, err = s.exec(ctx,
		`INSERT INTO d_m`+n+` (message_id, server_id, received_date, processed) VALUES (?, ?, ?, FALSE)`,
		id, serverID, receivedDate.UTC())
	if err != nil {
		return 0, fmt.Errorf("creating message: %w", err)
	}
	return id, nil
}

// ImportMessage inserts a message row carrying an import reference,
// used by reprocessing.
func (s *Store) ImportMessage(ctx context.Context, channelID, serverID string, receivedDate time.Time, importID int64, importChannelID string) (int64, error) {
	id, err := s.CreateMessage(ctx, channelID, serverID, receivedDate)
	if err != nil {
		return 0, err
	}
	local, _ := s.localID(channelID)
	var n = strconv.FormatInt(local, 10)
	_, err = s.exec(ctx,
		`UPDATE d_m`+n+` SET import_id = ?, import_channel_id = ? WHERE message_id = ?`,
		importID, importChannelID, id)
	return id, err
}

// MarkProcessed sets the message's processed flag once all destinations
// reached a terminal status.
func (s *Store) MarkProcessed(ctx context.Context, channelID string, messageID int64) error {
	local, err := s.localID(channelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)
	_, err = s.exec(ctx, `UPDATE d_m`+n+` SET processed = TRUE WHERE message_id = ?`, messageID)
	return err
}

// UpsertConnectorMessage inserts or updates the connector-message row.
func (s *Store) UpsertConnectorMessage(ctx context.Context, cm *message.ConnectorMessage) error {
	local, err := s.localID(cm.ChannelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)
	return s.upsertConnectorMessageExec(ctx, s.exec, n, cm)
}

type execFunc func(ctx context.Context, query string, args ...interface{}) (sql.Result, error)

func (s *Store) upsertConnectorMessageExec(ctx context.Context, exec execFunc, n string, cm *message.ConnectorMessage) error {
	res, err := exec(ctx,
		`UPDATE d_mm`+n+` SET status = ?, send_attempts = ?, send_date = ?, response_date = ?, error_code = ?
		 WHERE message_id = ? AND metadata_id = ?`,
		string(cm.Status), cm.SendAttempts, nullTime(cm.SendDate), nullTime(cm.ResponseDate), cm.ErrorCode,
		cm.MessageID, cm.MetaDataID)
	if err != nil {
		return fmt.Errorf("updating connector message: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	_, err = exec(ctx,
		`INSERT INTO d_mm`+n+` (message_id, metadata_id, connector_name, server_id, received_date, status, send_attempts, send_date, response_date, error_code)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cm.MessageID, cm.MetaDataID, cm.ConnectorName, cm.ServerID, cm.ReceivedDate.UTC(),
		string(cm.Status), cm.SendAttempts, nullTime(cm.SendDate), nullTime(cm.ResponseDate), cm.ErrorCode)
	if err != nil {
		return fmt.Errorf("inserting connector message: %w", err)
	}
	return nil
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// PendingContent is one content row to be written together with a
// status transition.
type PendingContent struct {
	ContentType message.ContentType
	Content     string
	DataType    string
}

// WriteContent encodes and writes a single content row, replacing any
// existing row of the same type.
func (s *Store) WriteContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct message.ContentType, content, dataType string) error {
	local, err := s.localID(channelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)
	if err = s.writeContentExec(ctx, s.exec, n, messageID, metaDataID, PendingContent{ct, content, dataType}); err != nil {
		return err
	}
	s.cache.Remove(contentKey{channelID, messageID, metaDataID, ct})
	return nil
}

func (s *Store) writeContentExec(ctx context.Context, exec execFunc, n string, messageID int64, metaDataID int, pc PendingContent) error {
	blob, compressed, encrypted, err := s.codec.Encode(pc.ContentType, pc.Content)
	if err != nil {
		return err
	}
	if _, err = exec(ctx,
		`DELETE FROM d_mc`+n+` WHERE message_id = ? AND metadata_id = ? AND content_type = ?`,
		messageID, metaDataID, int(pc.ContentType)); err != nil {
		return fmt.Errorf("replacing content: %w", err)
	}
	if _, err = exec(ctx,
		`INSERT INTO d_mc`+n+` (message_id, metadata_id, content_type, content, is_compressed, is_encrypted, data_type)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		messageID, metaDataID, int(pc.ContentType), blob, compressed, encrypted, pc.DataType); err != nil {
		return fmt.Errorf("writing content: %w", err)
	}
	return nil
}

// ReadContent reads and decodes one content row. ErrNotFound when absent.
func (s *Store) ReadContent(ctx context.Context, channelID string, messageID int64, metaDataID int, ct message.ContentType) (string, error) {
	var key = contentKey{channelID, messageID, metaDataID, ct}
	if text, ok := s.cache.Get(key); ok {
		return text, nil
	}

	local, err := s.localID(channelID)
	if err != nil {
		return "", err
	}
	var n = strconv.FormatInt(local, 10)

	var blob []byte
	var compressed, encrypted bool
	err = s.queryRow(ctx,
		`SELECT content, is_compressed, is_encrypted FROM d_mc`+n+`
		 WHERE message_id = ? AND metadata_id = ? AND content_type = ?`,
		messageID, metaDataID, int(ct)).Scan(&blob, &compressed, &encrypted)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	} else if err != nil {
		return "", fmt.Errorf("reading content: %w", err)
	}

	text, err := s.codec.Decode(blob, compressed, encrypted)
	if err != nil {
		return "", err
	}
	s.cache.Add(key, text)
	return text, nil
}

// CommitStatusWithContent writes the connector-message status and its
// accompanying content rows in a single transaction. Terminal status
// transitions go through here so a reader never observes a terminal
// connector message without its content.
func (s *Store) CommitStatusWithContent(ctx context.Context, cm *message.ConnectorMessage, contents []PendingContent) error {
	local, err := s.localID(cm.ChannelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning commit transaction: %w", err)
	}
	defer tx.Rollback()

	var exec = func(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
		return tx.ExecContext(ctx, s.rebind(query), args...)
	}
	if err = s.upsertConnectorMessageExec(ctx, exec, n, cm); err != nil {
		return err
	}
	for _, pc := range contents {
		if err = s.writeContentExec(ctx, exec, n, cm.MessageID, cm.MetaDataID, pc); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing status and content: %w", err)
	}
	for _, pc := range contents {
		s.cache.Remove(contentKey{cm.ChannelID, cm.MessageID, cm.MetaDataID, pc.ContentType})
	}
	return nil
}

// GetMessage loads a message and its connector messages.
func (s *Store) GetMessage(ctx context.Context, channelID string, messageID int64) (*message.Message, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return nil, err
	}
	var n = strconv.FormatInt(local, 10)

	var m = &message.Message{ChannelID: channelID}
	var importID sql.NullInt64
	var importChannel sql.NullString
	err = s.queryRow(ctx,
		`SELECT message_id, server_id, received_date, processed, import_id, import_channel_id
		 FROM d_m`+n+` WHERE message_id = ?`, messageID).
		Scan(&m.MessageID, &m.ServerID, &m.ReceivedDate, &m.Processed, &importID, &importChannel)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading message: %w", err)
	}
	m.ImportID = importID.Int64
	m.ImportChannelID = importChannel.String

	rows, err := s.query(ctx,
		`SELECT metadata_id, connector_name, server_id, received_date, status, send_attempts, send_date, response_date, error_code
		 FROM d_mm`+n+` WHERE message_id = ? ORDER BY metadata_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("reading connector messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var cm = &message.ConnectorMessage{ChannelID: channelID, MessageID: messageID}
		var status string
		var received, sendDate, respDate sql.NullTime
		if err = rows.Scan(&cm.MetaDataID, &cm.ConnectorName, &cm.ServerID, &received,
			&status, &cm.SendAttempts, &sendDate, &respDate, &cm.ErrorCode); err != nil {
			return nil, err
		}
		if status != "" {
			cm.Status = message.Status(status[0])
		}
		cm.ReceivedDate, cm.SendDate, cm.ResponseDate = received.Time, sendDate.Time, respDate.Time
		m.ConnectorMessages = append(m.ConnectorMessages, cm)
	}
	return m, rows.Err()
}

// ListQueuedConnectorMessages returns the QUEUED connector messages of
// one destination, oldest first. Dispatchers reload these at start so
// a restarted queue resumes where the previous run left off.
func (s *Store) ListQueuedConnectorMessages(ctx context.Context, channelID string, metaDataID int) ([]*message.ConnectorMessage, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return nil, err
	}
	var n = strconv.FormatInt(local, 10)

	rows, err := s.query(ctx,
		`SELECT message_id, connector_name, server_id, received_date, status, send_attempts, send_date, response_date, error_code
		 FROM d_mm`+n+` WHERE metadata_id = ? AND status = ? ORDER BY message_id`,
		metaDataID, string(message.Queued))
	if err != nil {
		return nil, fmt.Errorf("listing queued connector messages: %w", err)
	}
	defer rows.Close()

	var out []*message.ConnectorMessage
	for rows.Next() {
		var cm = &message.ConnectorMessage{ChannelID: channelID, MetaDataID: metaDataID}
		var status string
		var received, sendDate, respDate sql.NullTime
		if err = rows.Scan(&cm.MessageID, &cm.ConnectorName, &cm.ServerID, &received,
			&status, &cm.SendAttempts, &sendDate, &respDate, &cm.ErrorCode); err != nil {
			return nil, err
		}
		if status != "" {
			cm.Status = message.Status(status[0])
		}
		cm.ReceivedDate, cm.SendDate, cm.ResponseDate = received.Time, sendDate.Time, respDate.Time
		out = append(out, cm)
	}
	return out, rows.Err()
}

// RemoveAllMessages clears every message table of the channel.
func (s *Store) RemoveAllMessages(ctx context.Context, channelID string) error {
	local, err := s.localID(channelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)
	for _, table := range []string{"d_m", "d_mm", "d_mc", "d_ma"} {
		if _, err = s.db.ExecContext(ctx, `DELETE FROM `+table+n); err != nil {
			return fmt.Errorf("clearing %s%s: %w", table, n, err)
		}
	}
	s.cache.Purge()
	return nil
}
