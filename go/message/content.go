package message

import "fmt"

// ContentType identifies one of the typed payload rows attached to a
// ConnectorMessage. Codes are stable and appear in the content table.
type ContentType int

const (
	ContentRaw ContentType = iota + 1
	ContentProcessedRaw
	ContentTransformed
	ContentEncoded
	ContentSent
	ContentResponse
	ContentResponseTransformed
	ContentProcessedResponse
	ContentConnectorMap
	ContentChannelMap
	ContentSourceMap
	ContentResponseMap
	ContentProcessingError
	ContentPostprocessorError
	ContentResponseError
)

var contentTypeNames = map[ContentType]string{
	ContentRaw:                 "RAW",
	ContentProcessedRaw:        "PROCESSED_RAW",
	ContentTransformed:         "TRANSFORMED",
	ContentEncoded:             "ENCODED",
	ContentSent:                "SENT",
	ContentResponse:            "RESPONSE",
	ContentResponseTransformed: "RESPONSE_TRANSFORMED",
	ContentProcessedResponse:   "PROCESSED_RESPONSE",
	ContentConnectorMap:        "CONNECTOR_MAP",
	ContentChannelMap:          "CHANNEL_MAP",
	ContentSourceMap:           "SOURCE_MAP",
	ContentResponseMap:         "RESPONSE_MAP",
	ContentProcessingError:     "PROCESSING_ERROR",
	ContentPostprocessorError:  "POSTPROCESSOR_ERROR",
	ContentResponseError:       "RESPONSE_ERROR",
}

func (c ContentType) String() string {
	if name, ok := contentTypeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ContentType(%d)", int(c))
}

// ParseContentType maps a name (as used in REST paths) to its ContentType.
func ParseContentType(name string) (ContentType, error) {
	for ct, n := range contentTypeNames {
		if n == name {
			return ct, nil
		}
	}
	return 0, fmt.Errorf("unknown content type %q", name)
}

// AllContentTypes lists every content type in code order.
func AllContentTypes() []ContentType {
	var out = make([]ContentType, 0, len(contentTypeNames))
	for ct := ContentRaw; ct <= ContentResponseError; ct++ {
		out = append(out, ct)
	}
	return out
}

// Status is the processing state of a ConnectorMessage. Single-character
// codes are what the store persists.
type Status byte

const (
	Received    Status = 'R'
	Filtered    Status = 'F'
	Transformed Status = 'T'
	Sent        Status = 'S'
	Queued      Status = 'Q'
	Error       Status = 'E'
	Pending     Status = 'P'
)

var statusNames = map[Status]string{
	Received:    "RECEIVED",
	Filtered:    "FILTERED",
	Transformed: "TRANSFORMED",
	Sent:        "SENT",
	Queued:      "QUEUED",
	Error:       "ERROR",
	Pending:     "PENDING",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%c)", byte(s))
}

// ParseStatus maps a status name or single-character code to a Status.
func ParseStatus(name string) (Status, error) {
	if len(name) == 1 {
		var s = Status(name[0])
		if _, ok := statusNames[s]; ok {
			return s, nil
		}
	}
	for s, n := range statusNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// IsTerminal tells whether a destination connector-message in this
// status has finished processing. QUEUED is terminal only from the
// dispatcher's point of view once retries are exhausted; the dispatcher
// reports terminality explicitly, and this helper covers the states a
// reader of the store may rely upon.
func (s Status) IsTerminal() bool {
	switch s {
	case Sent, Filtered, Error:
		return true
	default:
		return false
	}
}
