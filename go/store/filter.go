package store

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/meridian-hie/meridian/go/message"
)

// MessageFilter restricts a message listing, count, or bulk delete.
// Zero values mean "no restriction".
type MessageFilter struct {
	MinMessageID int64
	MaxMessageID int64
	StartDate    time.Time
	EndDate      time.Time
	Statuses     []message.Status
	MetaDataIDs  []int
	// TextSearch is a substring match against stored content, or a
	// regular expression when TextSearchRegex is set.
	TextSearch      string
	TextSearchRegex bool

	Offset int
	Limit  int
}

// whereClause renders the SQL restriction over d_m aliased `m`, with
// EXISTS subqueries against d_mm for status and metadata restrictions.
func (f *MessageFilter) whereClause(n string) (string, []interface{}) {
	var clauses []string
	var args []interface{}

	if f.MinMessageID > 0 {
		clauses = append(clauses, "m.message_id >= ?")
		args = append(args, f.MinMessageID)
	}
	if f.MaxMessageID > 0 {
		clauses = append(clauses, "m.message_id <= ?")
		args = append(args, f.MaxMessageID)
	}
	if !f.StartDate.IsZero() {
		clauses = append(clauses, "m.received_date >= ?")
		args = append(args, f.StartDate.UTC())
	}
	if !f.EndDate.IsZero() {
		clauses = append(clauses, "m.received_date <= ?")
		args = append(args, f.EndDate.UTC())
	}
	if len(f.Statuses) > 0 {
		var ph = make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM d_mm"+n+" mm WHERE mm.message_id = m.message_id AND mm.status IN ("+strings.Join(ph, ",")+"))")
	}
	if len(f.MetaDataIDs) > 0 {
		var ph = make([]string, len(f.MetaDataIDs))
		for i, id := range f.MetaDataIDs {
			ph[i] = "?"
			args = append(args, id)
		}
		clauses = append(clauses,
			"EXISTS (SELECT 1 FROM d_mm"+n+" mm WHERE mm.message_id = m.message_id AND mm.metadata_id IN ("+strings.Join(ph, ",")+"))")
	}

	if len(clauses) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// textMatcher builds the in-process content matcher for TextSearch.
// Substring search is pushed to SQL; regex search must run Go-side
// because neither backing driver guarantees a REGEXP function.
func (f *MessageFilter) textMatcher() (func(string) bool, error) {
	if f.TextSearch == "" {
		return nil, nil
	}
	if f.TextSearchRegex {
		re, err := regexp.Compile(f.TextSearch)
		if err != nil {
			return nil, fmt.Errorf("compiling content search: %w", err)
		}
		return re.MatchString, nil
	}
	var needle = f.TextSearch
	return func(s string) bool { return strings.Contains(s, needle) }, nil
}

// matchesContent reports whether any RAW or ENCODED content row of the
// message satisfies the matcher.
func (s *Store) matchesContent(ctx context.Context, channelID string, messageID int64, match func(string) bool) bool {
	local, err := s.localID(channelID)
	if err != nil {
		return false
	}
	var n = strconv.FormatInt(local, 10)

	rows, err := s.query(ctx,
		`SELECT content, is_compressed, is_encrypted FROM d_mc`+n+`
		 WHERE message_id = ? AND content_type IN (?, ?)`,
		messageID, int(message.ContentRaw), int(message.ContentEncoded))
	if err != nil {
		return false
	}
	defer rows.Close()

	for rows.Next() {
		var blob []byte
		var compressed, encrypted bool
		if err = rows.Scan(&blob, &compressed, &encrypted); err != nil {
			return false
		}
		text, err := s.codec.Decode(blob, compressed, encrypted)
		if err == nil && match(text) {
			return true
		}
	}
	return false
}

// ListMessages returns the messages matching `filter`, newest-last,
// honoring Offset and Limit. The result is finite and restartable: the
// same filter and page always re-runs the same query.
func (s *Store) ListMessages(ctx context.Context, channelID string, filter MessageFilter) ([]*message.Message, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return nil, err
	}
	var n = strconv.FormatInt(local, 10)
	var where, args = filter.whereClause(n)

	match, err := filter.textMatcher()
	if err != nil {
		return nil, err
	}

	var q = `SELECT message_id FROM d_m` + n + ` m` + where + ` ORDER BY m.message_id`
	if match == nil {
		// Pagination can be pushed down when no Go-side filtering runs.
		if filter.Limit > 0 {
			q += ` LIMIT ` + strconv.Itoa(filter.Limit)
		}
		if filter.Offset > 0 {
			q += ` OFFSET ` + strconv.Itoa(filter.Offset)
		}
	}

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, err
	}

	var out []*message.Message
	var skipped int
	for _, id := range ids {
		if match != nil && !s.matchesContent(ctx, channelID, id, match) {
			continue
		}
		if match != nil && skipped < filter.Offset {
			skipped++
			continue
		}
		m, err := s.GetMessage(ctx, channelID, id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
		if match != nil && filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// CountMessages counts the messages matching `filter`, ignoring
// pagination so that the count equals the length of an unpaginated
// listing.
func (s *Store) CountMessages(ctx context.Context, channelID string, filter MessageFilter) (int64, error) {
	match, err := filter.textMatcher()
	if err != nil {
		return 0, err
	}
	if match != nil {
		var unpaged = filter
		unpaged.Offset, unpaged.Limit = 0, 0
		msgs, err := s.ListMessages(ctx, channelID, unpaged)
		return int64(len(msgs)), err
	}

	local, err := s.localID(channelID)
	if err != nil {
		return 0, err
	}
	var n = strconv.FormatInt(local, 10)
	var where, args = filter.whereClause(n)

	var count int64
	err = s.queryRow(ctx, `SELECT COUNT(*) FROM d_m`+n+` m`+where, args...).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting messages: %w", err)
	}
	return count, nil
}

// DeleteMessages bulk-deletes matching messages and all dependent rows,
// returning the number of deleted messages.
func (s *Store) DeleteMessages(ctx context.Context, channelID string, filter MessageFilter) (int, error) {
	local, err := s.localID(channelID)
	if err != nil {
		return 0, err
	}
	var n = strconv.FormatInt(local, 10)

	var unpaged = filter
	unpaged.Offset, unpaged.Limit = 0, 0
	msgs, err := s.ListMessages(ctx, channelID, unpaged)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning delete transaction: %w", err)
	}
	defer tx.Rollback()

	for _, m := range msgs {
		for _, table := range []string{"d_mc", "d_ma", "d_mm", "d_m"} {
			if _, err = tx.ExecContext(ctx,
				s.rebind(`DELETE FROM `+table+n+` WHERE message_id = ?`), m.MessageID); err != nil {
				return 0, fmt.Errorf("deleting from %s%s: %w", table, n, err)
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	s.cache.Purge()
	return len(msgs), nil
}
