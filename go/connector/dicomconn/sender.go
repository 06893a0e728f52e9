package dicomconn

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/dicom"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterDestination("DICOM Sender", newSender)
}

// sender is a C-STORE SCU. Encoded content is expected to be the JSON
// envelope produced by the listener; raw payloads fall back to the
// configured SOP class with a generated instance UID.
type sender struct {
	address string
	cfg     dicom.ClientConfig
	// sopClass is the fallback abstract syntax for non-envelope payloads.
	sopClass string
}

func newSender(settings connector.Settings) (connector.Destination, error) {
	var host = settings.Properties.String("host", "")
	if host == "" {
		return nil, fmt.Errorf("DICOM sender requires a host")
	}
	var sopClass = settings.Properties.String("sopClass", "")
	var proposed = settings.Properties.StringSlice("sopClasses")
	if sopClass != "" {
		proposed = append(proposed, sopClass)
	}
	return &sender{
		address:  fmt.Sprintf("%s:%d", host, settings.Properties.Int("port", 104)),
		sopClass: sopClass,
		cfg: dicom.ClientConfig{
			CallingAETitle: settings.Properties.String("localApplicationEntity", "MERIDIAN"),
			CalledAETitle:  settings.Properties.String("applicationEntity", ""),
			SOPClasses:     proposed,
			MaxPDU:         uint32(settings.Properties.Int("maxPduSize", int(dicom.DefaultMaxPDU))),
			Timeout:        settings.Properties.Duration("sendTimeout", 30*time.Second),
		},
	}, nil
}

func (s *sender) Start(ctx context.Context) error { return nil }
func (s *sender) Stop(ctx context.Context) error  { return nil }

func (s *sender) Send(ctx context.Context, cm *message.ConnectorMessage, encoded string) (*message.Response, error) {
	var envelope Envelope
	if err := json.UnmarshalFromString(encoded, &envelope); err != nil || envelope.SOPClassUID == "" {
		envelope = Envelope{
			SOPClassUID:    s.sopClass,
			SOPInstanceUID: uuid.NewString(),
			Data:           base64.StdEncoding.EncodeToString([]byte(encoded)),
		}
	}
	if envelope.SOPClassUID == "" {
		return &message.Response{Status: message.Error, Error: "no SOP class for payload"}, nil
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return &message.Response{Status: message.Error, Error: fmt.Sprintf("decoding data set: %v", err)}, nil
	}

	var cfg = s.cfg
	var proposed = false
	for _, sop := range cfg.SOPClasses {
		if sop == envelope.SOPClassUID {
			proposed = true
		}
	}
	if !proposed {
		cfg.SOPClasses = append(append([]string{}, cfg.SOPClasses...), envelope.SOPClassUID)
	}

	client, err := dicom.Dial(ctx, s.address, cfg)
	if err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	defer client.Close()

	status, err := client.Store(ctx, envelope.SOPClassUID, envelope.SOPInstanceUID, data)
	if err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	var resp = &message.Response{
		StatusMessage: fmt.Sprintf("DIMSE status 0x%04x", status),
		StatusCode:    int(status),
	}
	if status == dicom.StatusSuccess {
		resp.Status = message.Sent
	} else {
		resp.Status = message.Error
		resp.Error = resp.StatusMessage
	}
	if err = client.Release(ctx); err != nil {
		// Delivery already succeeded; a failed release is advisory.
		resp.StatusMessage += "; release failed"
	}
	return resp, nil
}
