package engine

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

// InitialState selects the state a channel enters after deploy.
type InitialState string

const (
	InitialStarted InitialState = "STARTED"
	InitialPaused  InitialState = "PAUSED"
	InitialStopped InitialState = "STOPPED"
)

// Channel is a stored channel configuration. A deployed channel
// captures the revision at deploy time and ignores later edits until
// redeployed.
type Channel struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Revision     int          `json:"revision"`
	Enabled      bool         `json:"enabled"`
	InitialState InitialState `json:"initialState,omitempty"`
	Description  string       `json:"description,omitempty"`

	Source       *SourceDescriptor        `json:"source"`
	Destinations []*DestinationDescriptor `json:"destinations"`

	Properties ChannelProperties `json:"properties"`
}

// SourceDescriptor configures the channel's single source connector
// (metadata ID 0).
type SourceDescriptor struct {
	Transport         string               `json:"transport"`
	DataType          string               `json:"dataType,omitempty"`
	FilterScript      string               `json:"filterScript,omitempty"`
	TransformerScript string               `json:"transformerScript,omitempty"`
	Properties        connector.Properties `json:"properties,omitempty"`
}

// DestinationDescriptor configures one destination connector. The
// engine assigns MetaDataID (1..N) and keeps it stable across revisions
// until the destination is removed.
type DestinationDescriptor struct {
	MetaDataID        int                  `json:"metaDataId,omitempty"`
	Name              string               `json:"name"`
	Transport         string               `json:"transport"`
	Enabled           *bool                `json:"enabled,omitempty"`
	FilterScript      string               `json:"filterScript,omitempty"`
	TransformerScript string               `json:"transformerScript,omitempty"`
	WaitForPrevious   bool                 `json:"waitForPreviousDestination,omitempty"`
	Properties        connector.Properties `json:"properties,omitempty"`
	Queue             QueueProperties      `json:"queue"`
}

// QueueProperties is the serialized form of the destination queue
// settings.
type QueueProperties struct {
	Enabled               bool     `json:"enabled"`
	SendFirst             bool     `json:"sendFirst,omitempty"`
	ThreadCount           int      `json:"threadCount,omitempty"`
	BufferSize            int      `json:"bufferSize,omitempty"`
	RetryCount            int      `json:"retryCount,omitempty"`
	RetryIntervalMillis   int      `json:"retryIntervalMillis,omitempty"`
	Rotate                bool     `json:"rotate,omitempty"`
	QueueOnResponseStatus []string `json:"queueOnResponseStatus,omitempty"`
}

// ChannelProperties is the channel-level properties bag.
type ChannelProperties struct {
	ProcessDestinationsInParallel bool     `json:"processDestinationsInParallel,omitempty"`
	ResponseScript                string   `json:"responseScript,omitempty"`
	DeployScript                  string   `json:"deployScript,omitempty"`
	UndeployScript                string   `json:"undeployScript,omitempty"`
	AttachmentPattern             string   `json:"attachmentPattern,omitempty"`
	AttachmentMimeType            string   `json:"attachmentMimeType,omitempty"`
	StopGraceSeconds              int      `json:"stopGraceSeconds,omitempty"`
	DependsOn                     []string `json:"dependsOn,omitempty"`
	StopCascades                  bool     `json:"stopCascades,omitempty"`
	Tags                          []string `json:"tags,omitempty"`
	MetadataColumns               []string `json:"metadataColumns,omitempty"`
}

// Validate checks the configuration's internal consistency.
func (c *Channel) Validate() error {
	if c.Name == "" {
		return errf(KindValidation, "channel name is required")
	}
	if c.Source == nil || c.Source.Transport == "" {
		return errf(KindValidation, "channel %q requires a source connector", c.Name)
	}
	switch c.InitialState {
	case "", InitialStarted, InitialPaused, InitialStopped:
	default:
		return errf(KindValidation, "invalid initial state %q", c.InitialState)
	}
	var seen = map[int]bool{}
	for _, d := range c.Destinations {
		if d.Transport == "" {
			return errf(KindValidation, "destination %q requires a transport", d.Name)
		}
		if d.MetaDataID < 0 {
			return errf(KindValidation, "metadata ID %d is reserved", d.MetaDataID)
		}
		if d.MetaDataID > 0 {
			if seen[d.MetaDataID] {
				return errf(KindValidation, "duplicate metadata ID %d", d.MetaDataID)
			}
			seen[d.MetaDataID] = true
		}
		for _, status := range d.Queue.QueueOnResponseStatus {
			if _, err := message.ParseStatus(status); err != nil {
				return errf(KindValidation, "invalid queueOnResponseStatus %q", status)
			}
		}
	}
	return nil
}

// assignMetaDataIDs gives unassigned destinations stable IDs: existing
// IDs (including those of `previous`, matched by destination name) are
// preserved, and new destinations get max+1. Metadata ID 0 stays
// reserved for the source.
func (c *Channel) assignMetaDataIDs(previous *Channel) {
	var byName = map[string]int{}
	if previous != nil {
		for _, d := range previous.Destinations {
			byName[d.Name] = d.MetaDataID
		}
	}
	var max int
	for _, d := range c.Destinations {
		if d.MetaDataID == 0 {
			if id, ok := byName[d.Name]; ok {
				d.MetaDataID = id
			}
		}
		if d.MetaDataID > max {
			max = d.MetaDataID
		}
	}
	for _, d := range c.Destinations {
		if d.MetaDataID == 0 {
			max++
			d.MetaDataID = max
		}
	}
}

// DecodeChannel parses a channel document. JSON is canonical; XML is
// accepted for backward compatibility as a second serialization of the
// same schema.
func DecodeChannel(body []byte, contentType string) (*Channel, error) {
	var c = new(Channel)
	if strings.Contains(contentType, "xml") || looksLikeXML(body) {
		var x = new(xmlChannel)
		if err := xml.Unmarshal(body, x); err != nil {
			return nil, wrapf(KindValidation, err, "parsing channel XML")
		}
		c = x.toChannel()
	} else if err := json.Unmarshal(body, c); err != nil {
		return nil, wrapf(KindValidation, err, "parsing channel JSON")
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func looksLikeXML(body []byte) bool {
	for _, b := range body {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '<':
			return true
		default:
			return false
		}
	}
	return false
}

// xmlChannel is the XML rendition of the channel schema. Untyped
// property bags become repeated <property name="..."> elements.
type xmlChannel struct {
	XMLName      xml.Name        `xml:"channel"`
	ID           string          `xml:"id"`
	Name         string          `xml:"name"`
	Revision     int             `xml:"revision"`
	Enabled      bool            `xml:"enabled"`
	InitialState string          `xml:"initialState"`
	Description  string          `xml:"description"`
	Source       *xmlConnector   `xml:"source"`
	Destinations []*xmlConnector `xml:"destinations>destination"`
	Properties   []xmlProperty   `xml:"properties>property"`
	DependsOn    []string        `xml:"dependsOn>channelId"`
}

type xmlConnector struct {
	MetaDataID        int           `xml:"metaDataId,attr"`
	Name              string        `xml:"name"`
	Transport         string        `xml:"transport"`
	DataType          string        `xml:"dataType"`
	FilterScript      string        `xml:"filterScript"`
	TransformerScript string        `xml:"transformerScript"`
	WaitForPrevious   bool          `xml:"waitForPreviousDestination"`
	Properties        []xmlProperty `xml:"properties>property"`
	Queue             *xmlQueue     `xml:"queue"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:",chardata"`
}

type xmlQueue struct {
	Enabled               bool     `xml:"enabled,attr"`
	SendFirst             bool     `xml:"sendFirst"`
	ThreadCount           int      `xml:"threadCount"`
	BufferSize            int      `xml:"bufferSize"`
	RetryCount            int      `xml:"retryCount"`
	RetryIntervalMillis   int      `xml:"retryIntervalMillis"`
	Rotate                bool     `xml:"rotate"`
	QueueOnResponseStatus []string `xml:"queueOnResponseStatus>status"`
}

func propertiesOf(props []xmlProperty) connector.Properties {
	var out = connector.Properties{}
	for _, p := range props {
		out[p.Name] = strings.TrimSpace(p.Value)
	}
	return out
}

func (x *xmlChannel) toChannel() *Channel {
	var c = &Channel{
		ID:           x.ID,
		Name:         x.Name,
		Revision:     x.Revision,
		Enabled:      x.Enabled,
		InitialState: InitialState(x.InitialState),
		Description:  x.Description,
		Properties: ChannelProperties{
			DependsOn: x.DependsOn,
		},
	}
	for _, p := range x.Properties {
		switch p.Name {
		case "processDestinationsInParallel":
			c.Properties.ProcessDestinationsInParallel = strings.EqualFold(strings.TrimSpace(p.Value), "true")
		case "responseScript":
			c.Properties.ResponseScript = p.Value
		case "attachmentPattern":
			c.Properties.AttachmentPattern = p.Value
		case "attachmentMimeType":
			c.Properties.AttachmentMimeType = strings.TrimSpace(p.Value)
		}
	}
	if x.Source != nil {
		c.Source = &SourceDescriptor{
			Transport:         x.Source.Transport,
			DataType:          x.Source.DataType,
			FilterScript:      x.Source.FilterScript,
			TransformerScript: x.Source.TransformerScript,
			Properties:        propertiesOf(x.Source.Properties),
		}
	}
	for _, d := range x.Destinations {
		var dest = &DestinationDescriptor{
			MetaDataID:        d.MetaDataID,
			Name:              d.Name,
			Transport:         d.Transport,
			FilterScript:      d.FilterScript,
			TransformerScript: d.TransformerScript,
			WaitForPrevious:   d.WaitForPrevious,
			Properties:        propertiesOf(d.Properties),
		}
		if d.Queue != nil {
			dest.Queue = QueueProperties{
				Enabled:               d.Queue.Enabled,
				SendFirst:             d.Queue.SendFirst,
				ThreadCount:           d.Queue.ThreadCount,
				BufferSize:            d.Queue.BufferSize,
				RetryCount:            d.Queue.RetryCount,
				RetryIntervalMillis:   d.Queue.RetryIntervalMillis,
				Rotate:                d.Queue.Rotate,
				QueueOnResponseStatus: d.Queue.QueueOnResponseStatus,
			}
		}
		c.Destinations = append(c.Destinations, dest)
	}
	return c
}

// Encode renders the canonical JSON document.
func (c *Channel) Encode() (string, error) {
	var out, err = json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encoding channel: %w", err)
	}
	return string(out), nil
}
