package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/store"
)

// attachTokenRe matches the ${ATTACH:<id>} placeholders left in message
// bodies after extraction.
var attachTokenRe = regexp.MustCompile(`\$\{ATTACH:([0-9a-fA-F-]+)\}`)

// Extractor pulls regex-matched spans of inbound payloads out into
// attachment rows, replacing them with ${ATTACH:id} tokens. The tokens
// are re-inlined just before a destination send.
type Extractor struct {
	Pattern  *regexp.Regexp
	MimeType string
}

// NewExtractor compiles an extractor; empty pattern disables extraction.
func NewExtractor(pattern, mimeType string) (*Extractor, error) {
	if pattern == "" {
		return nil, nil
	}
	var re, err = regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compiling attachment pattern: %w", err)
	}
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return &Extractor{Pattern: re, MimeType: mimeType}, nil
}

// Extract stores each match as an attachment and substitutes tokens.
func (e *Extractor) Extract(ctx context.Context, st *store.Store, channelID string, messageID int64, payload string) (string, error) {
	var outerErr error
	var out = e.Pattern.ReplaceAllStringFunc(payload, func(match string) string {
		if outerErr != nil {
			return match
		}
		var id = uuid.NewString()
		if err := st.WriteAttachment(ctx, &message.Attachment{
			ChannelID: channelID,
			MessageID: messageID,
			ID:        id,
			Type:      e.MimeType,
			Content:   []byte(match),
		}); err != nil {
			outerErr = err
			return match
		}
		return "${ATTACH:" + id + "}"
	})
	return out, outerErr
}

// Reattach substitutes stored attachment payloads back into `payload`.
// Unknown tokens are left in place.
func (e *Extractor) Reattach(ctx context.Context, st *store.Store, channelID string, messageID int64, payload string) (string, error) {
	if !strings.Contains(payload, "${ATTACH:") {
		return payload, nil
	}
	var outerErr error
	var out = attachTokenRe.ReplaceAllStringFunc(payload, func(token string) string {
		if outerErr != nil {
			return token
		}
		var id = attachTokenRe.FindStringSubmatch(token)[1]
		var a, err = st.GetAttachment(ctx, channelID, messageID, id)
		if err == store.ErrNotFound {
			return token
		} else if err != nil {
			outerErr = err
			return token
		}
		return string(a.Content)
	})
	return out, outerErr
}
