package mllp

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"time"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterDestination("MLLP Sender", newSender)
}

// sender delivers HL7 messages over MLLP and maps the returned MSA-1
// acknowledgement code onto the response status.
type sender struct {
	address     string
	sendTimeout time.Duration
	// ignoreACK skips waiting for the acknowledgement frame.
	ignoreACK bool
}

func newSender(settings connector.Settings) (connector.Destination, error) {
	var host = settings.Properties.String("host", "")
	if host == "" {
		return nil, fmt.Errorf("MLLP sender requires a host")
	}
	return &sender{
		address:     fmt.Sprintf("%s:%d", host, settings.Properties.Int("port", 6661)),
		sendTimeout: settings.Properties.Duration("sendTimeout", 30*time.Second),
		ignoreACK:   settings.Properties.Bool("ignoreResponse", false),
	}, nil
}

func (s *sender) Start(ctx context.Context) error { return nil }
func (s *sender) Stop(ctx context.Context) error  { return nil }

func (s *sender) Send(ctx context.Context, cm *message.ConnectorMessage, encoded string) (*message.Response, error) {
	var dialer = net.Dialer{Timeout: s.sendTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", s.address)
	if err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(s.sendTimeout))

	var writer = bufio.NewWriter(conn)
	if err = writeFrame(writer, []byte(encoded)); err != nil {
		return &message.Response{Status: message.Error, Error: err.Error()}, nil
	}
	if s.ignoreACK {
		return &message.Response{Status: message.Sent, StatusMessage: "message sent without acknowledgement"}, nil
	}

	ack, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return &message.Response{Status: message.Error, Error: fmt.Sprintf("reading acknowledgement: %v", err)}, nil
	}
	var code = ackCode(ack)
	var resp = &message.Response{Message: string(ack), StatusMessage: "MSA-1: " + code}
	switch code {
	case "AA", "CA":
		resp.Status = message.Sent
	default:
		resp.Status = message.Error
		resp.Error = fmt.Sprintf("negative acknowledgement %s", code)
	}
	return resp, nil
}

// ackCode extracts MSA-1 from an acknowledgement message.
func ackCode(ack []byte) string {
	for _, segment := range bytes.FieldsFunc(ack, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if bytes.HasPrefix(segment, []byte("MSA")) && len(segment) >= 4 {
			var fields = bytes.Split(segment, segment[3:4])
			if len(fields) > 1 {
				return string(fields[1])
			}
		}
	}
	return ""
}
