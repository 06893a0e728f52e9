package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ChannelRecord is a stored channel configuration: the opaque JSON
// document plus the identity columns the store indexes.
type ChannelRecord struct {
	ID       string
	Name     string
	Revision int
	Channel  string // JSON document
}

// GetChannelRecords loads every stored channel configuration.
func (s *Store) GetChannelRecords(ctx context.Context) ([]*ChannelRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, revision, channel FROM channels ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	defer rows.Close()

	var out []*ChannelRecord
	for rows.Next() {
		var r = new(ChannelRecord)
		if err = rows.Scan(&r.ID, &r.Name, &r.Revision, &r.Channel); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetChannelRecord loads one stored channel. ErrNotFound when absent.
func (s *Store) GetChannelRecord(ctx context.Context, id string) (*ChannelRecord, error) {
	var r = new(ChannelRecord)
	var err = s.queryRow(ctx, `SELECT id, name, revision, channel FROM channels WHERE id = ?`, id).
		Scan(&r.ID, &r.Name, &r.Revision, &r.Channel)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("reading channel: %w", err)
	}
	return r, nil
}

// PutChannelRecord inserts or replaces a stored channel configuration.
// The caller has already performed revision checking.
func (s *Store) PutChannelRecord(ctx context.Context, r *ChannelRecord) error {
	res, err := s.exec(ctx,
		`UPDATE channels SET name = ?, revision = ?, channel = ? WHERE id = ?`,
		r.Name, r.Revision, r.Channel, r.ID)
	if err != nil {
		return fmt.Errorf("updating channel: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err = s.exec(ctx,
		`INSERT INTO channels (id, name, revision, channel) VALUES (?, ?, ?, ?)`,
		r.ID, r.Name, r.Revision, r.Channel); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("inserting channel: %w", err)
	}
	return nil
}

// DeleteChannelRecord removes a stored channel configuration.
func (s *Store) DeleteChannelRecord(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM channels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting channel: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadConfigurationMap reads the "core" configuration category into a map.
func (s *Store) LoadConfigurationMap(ctx context.Context) (map[string]interface{}, error) {
	rows, err := s.query(ctx, `SELECT name, value FROM configuration WHERE category = ?`, "core")
	if err != nil {
		return nil, fmt.Errorf("loading configuration map: %w", err)
	}
	defer rows.Close()

	var out = map[string]interface{}{}
	for rows.Next() {
		var name string
		var value sql.NullString
		if err = rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value.String
	}
	return out, rows.Err()
}

// PutConfiguration writes one configuration key/value pair.
func (s *Store) PutConfiguration(ctx context.Context, category, name, value string) error {
	res, err := s.exec(ctx,
		`UPDATE configuration SET value = ? WHERE category = ? AND name = ?`, value, category, name)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	_, err = s.exec(ctx,
		`INSERT INTO configuration (category, name, value) VALUES (?, ?, ?)`, category, name, value)
	return err
}

// Heartbeat upserts this server's row in the shared registry. Used when
// clustering over shared storage is enabled.
func (s *Store) Heartbeat(ctx context.Context, serverID, host string) error {
	var now = time.Now().UTC()
	res, err := s.exec(ctx,
		`UPDATE servers SET host = ?, last_heartbeat = ? WHERE id = ?`, host, now, serverID)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows > 0 {
		return nil
	}
	if _, err = s.exec(ctx,
		`INSERT INTO servers (id, host, last_heartbeat) VALUES (?, ?, ?)`, serverID, host, now); err != nil {
		return fmt.Errorf("inserting heartbeat: %w", err)
	}
	return nil
}
