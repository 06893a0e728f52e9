package message

import (
	"time"
)

// Message is one inbound message of a channel. Its connector messages
// record per-connector processing state.
type Message struct {
	ChannelID       string    `json:"channelId"`
	MessageID       int64     `json:"messageId"`
	ServerID        string    `json:"serverId"`
	ReceivedDate    time.Time `json:"receivedDate"`
	Processed       bool      `json:"processed"`
	ImportID        int64     `json:"importId,omitempty"`
	ImportChannelID string    `json:"importChannelId,omitempty"`

	ConnectorMessages []*ConnectorMessage `json:"connectorMessages,omitempty"`
}

// ConnectorMessage is the per-connector shadow of a Message. The source
// connector holds metadata ID 0; destinations hold 1..N.
type ConnectorMessage struct {
	ChannelID     string    `json:"channelId"`
	MessageID     int64     `json:"messageId"`
	MetaDataID    int       `json:"metaDataId"`
	ConnectorName string    `json:"connectorName"`
	ServerID      string    `json:"serverId"`
	ReceivedDate  time.Time `json:"receivedDate"`
	Status        Status    `json:"status"`
	SendAttempts  int       `json:"sendAttempts"`
	SendDate      time.Time `json:"sendDate,omitempty"`
	ResponseDate  time.Time `json:"responseDate,omitempty"`
	ErrorCode     int       `json:"errorCode,omitempty"`

	// Per-message maps, live while the message is in flight and
	// serialized into content rows at connector-message boundaries.
	SourceMap    map[string]interface{} `json:"sourceMap,omitempty"`
	ChannelMap   map[string]interface{} `json:"channelMap,omitempty"`
	ConnectorMap map[string]interface{} `json:"connectorMap,omitempty"`
	ResponseMap  map[string]interface{} `json:"responseMap,omitempty"`
}

// Content rows of this connector message that have been read back from
// the store, keyed by content type.
type MessageContent struct {
	ChannelID   string      `json:"channelId"`
	MessageID   int64       `json:"messageId"`
	MetaDataID  int         `json:"metaDataId"`
	ContentType ContentType `json:"contentType"`
	Content     string      `json:"content"`
	DataType    string      `json:"dataType,omitempty"`
	Encrypted   bool        `json:"encrypted"`
}

// Attachment is a binary payload extracted from a message and stored
// out of band. The engine treats it as opaque.
type Attachment struct {
	ChannelID string `json:"channelId"`
	MessageID int64  `json:"messageId"`
	ID        string `json:"id"`
	Type      string `json:"type"`
	Content   []byte `json:"content,omitempty"`
}

// Response is the outcome of a destination send, or of the channel's
// response selection.
type Response struct {
	Status        Status `json:"status"`
	Message       string `json:"message,omitempty"`
	StatusMessage string `json:"statusMessage,omitempty"`
	StatusCode    int    `json:"statusCode,omitempty"`
	Error         string `json:"error,omitempty"`
}

// RawMessage is what a source connector hands to the pipeline: the
// decoded payload plus the connector-populated source map.
type RawMessage struct {
	Data      string
	SourceMap map[string]interface{}

	// Overrides used by message reprocessing.
	ImportID        int64
	ImportChannelID string
	DestinationSet  []int // When non-empty, restricts fan-out to these metadata IDs.
}

// CopyMap returns a shallow copy, so a destination's mutations do not
// leak into the source snapshot or into sibling destinations.
func CopyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	var out = make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
