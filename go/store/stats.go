package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/meridian-hie/meridian/go/message"
)

// Statistics are the per-connector counters of a channel, in both
// current-session and lifetime variants.
type Statistics struct {
	MetaDataID  int              `json:"metaDataId"`
	Received    int64            `json:"received"`
	Filtered    int64            `json:"filtered"`
	Transformed int64            `json:"transformed"`
	Sent        int64            `json:"sent"`
	Error       int64            `json:"error"`
	Queued      int64            `json:"queued"`
	Lifetime    map[string]int64 `json:"lifetime"`
}

func statColumn(status message.Status) (string, bool) {
	switch status {
	case message.Received:
		return "received", true
	case message.Filtered:
		return "filtered", true
	case message.Transformed:
		return "transformed", true
	case message.Sent:
		return "sent", true
	case message.Error:
		return "error", true
	case message.Queued:
		return "queued", true
	default:
		return "", false
	}
}

// AddStatistic adjusts one counter of (channel, metaDataID) in both the
// current-session and lifetime variants.
func (s *Store) AddStatistic(ctx context.Context, channelID string, metaDataID int, status message.Status, delta int64) error {
	var column, ok = statColumn(status)
	if !ok {
		return nil // PENDING and others are not counted.
	}
	local, err := s.localID(channelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)

	res, err := s.exec(ctx,
		`UPDATE d_ms`+n+` SET `+column+` = `+column+` + ?, lifetime_`+column+` = lifetime_`+column+` + ?
		 WHERE metadata_id = ?`, delta, delta, metaDataID)
	if err != nil {
		return fmt.Errorf("updating statistics: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err = s.exec(ctx,
			`INSERT INTO d_ms`+n+` (metadata_id, `+column+`, lifetime_`+column+`) VALUES (?, ?, ?)`,
			metaDataID, delta, delta); err != nil {
			return fmt.Errorf("inserting statistics: %w", err)
		}
	}
	return nil
}

// GetStatistics loads the counters of every connector of the channel.
func (s *Store) GetStatistics(ctx context.Context, channelID string) ([]*Statistics, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return nil, err
	}
	var n = strconv.FormatInt(local, 10)

	rows, err := s.query(ctx,
		`SELECT metadata_id, received, filtered, transformed, sent, error, queued,
		        lifetime_received, lifetime_filtered, lifetime_transformed, lifetime_sent, lifetime_error, lifetime_queued
		 FROM d_ms`+n+` ORDER BY metadata_id`)
	if err != nil {
		return nil, fmt.Errorf("reading statistics: %w", err)
	}
	defer rows.Close()

	var out []*Statistics
	for rows.Next() {
		var st = &Statistics{Lifetime: map[string]int64{}}
		var lr, lf, lt, ls, le, lq int64
		if err = rows.Scan(&st.MetaDataID, &st.Received, &st.Filtered, &st.Transformed, &st.Sent, &st.Error, &st.Queued,
			&lr, &lf, &lt, &ls, &le, &lq); err != nil {
			return nil, err
		}
		st.Lifetime["received"], st.Lifetime["filtered"], st.Lifetime["transformed"] = lr, lf, lt
		st.Lifetime["sent"], st.Lifetime["error"], st.Lifetime["queued"] = ls, le, lq
		out = append(out, st)
	}
	return out, rows.Err()
}

// ResetStatistics clears the current-session counters of the selected
// connectors and statuses. Nil metaDataIDs means all connectors; nil
// statuses means all counted statuses. Lifetime counters are never
// cleared.
func (s *Store) ResetStatistics(ctx context.Context, channelID string, metaDataIDs []int, statuses []message.Status) error {
	local, err := s.localID(channelID)
	if err != nil {
		return err
	}
	var n = strconv.FormatInt(local, 10)

	if statuses == nil {
		statuses = []message.Status{message.Received, message.Filtered, message.Transformed,
			message.Sent, message.Error, message.Queued}
	}
	var sets []string
	for _, status := range statuses {
		if column, ok := statColumn(status); ok {
			sets = append(sets, column+" = 0")
		}
	}
	if len(sets) == 0 {
		return nil
	}

	var q = `UPDATE d_ms` + n + ` SET ` + strings.Join(sets, ", ")
	var args []interface{}
	if len(metaDataIDs) > 0 {
		var ph = make([]string, len(metaDataIDs))
		for i, id := range metaDataIDs {
			ph[i] = "?"
			args = append(args, id)
		}
		q += ` WHERE metadata_id IN (` + strings.Join(ph, ",") + `)`
	}
	if _, err = s.exec(ctx, q, args...); err != nil {
		return fmt.Errorf("resetting statistics: %w", err)
	}
	return nil
}

// StatValue reads a single current-session counter, mostly for tests
// and the dashboard.
func (s *Store) StatValue(ctx context.Context, channelID string, metaDataID int, status message.Status) (int64, error) {
	var column, ok = statColumn(status)
	if !ok {
		return 0, nil
	}
	local, err := s.localID(channelID)
	if err != nil {
		return 0, err
	}
	var n = strconv.FormatInt(local, 10)

	var v int64
	err = s.queryRow(ctx,
		`SELECT `+column+` FROM d_ms`+n+` WHERE metadata_id = ?`, metaDataID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return v, err
}
