package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"github.com/meridian-hie/meridian/go/message"
)

// WriteAttachment stores one binary attachment of a message.
func (s *Store) WriteAttachment(ctx context.Context, a *message.Attachment) error {
	local, err := s.localID(a.ChannelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)
	if _, err = s.exec(ctx,
		`INSERT INTO d_ma`+n+` (message_id, attachment_id, type, content) VALUES (?, ?, ?, ?)`,
		a.MessageID, a.ID, a.Type, a.Content); err != nil {
		return fmt.Errorf("writing attachment: %w", err)
	}
	return nil
}

// GetAttachment loads one attachment with its payload.
func (s *Store) GetAttachment(ctx context.Context, channelID string, messageID int64, attachmentID string) (*message.Attachment, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return nil, err
	}
	var n = strconv.FormatInt(local, 10)

	var a = &message.Attachment{ChannelID: channelID, MessageID: messageID, ID: attachmentID}
	err = s.queryRow(ctx,
		`SELECT type, content FROM d_ma`+n+` WHERE message_id = ? AND attachment_id = ?`,
		messageID, attachmentID).Scan(&a.Type, &a.Content)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading attachment: %w", err)
	}
	return a, nil
}

// ListAttachments lists a message's attachments without their payloads.
func (s *Store) ListAttachments(ctx context.Context, channelID string, messageID int64) ([]*message.Attachment, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return nil, err
	}
	var n = strconv.FormatInt(local, 10)

	rows, err := s.query(ctx,
		`SELECT attachment_id, type FROM d_ma`+n+` WHERE message_id = ? ORDER BY attachment_id`, messageID)
	if err != nil {
		return nil, fmt.Errorf("listing attachments: %w", err)
	}
	defer rows.Close()

	var out []*message.Attachment
	for rows.Next() {
		var a = &message.Attachment{ChannelID: channelID, MessageID: messageID}
		if err = rows.Scan(&a.ID, &a.Type); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
