package dicomconn

import (
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/dicom"
	"github.com/meridian-hie/meridian/go/message"
)

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

func startTestListener(t *testing.T, dispatch connector.DispatchFunc) (string, connector.Source) {
	t.Helper()
	var src, err = newListener(connector.Settings{
		ChannelID: "chan-dicom",
		Properties: connector.Properties{
			"host":               "127.0.0.1",
			"port":               0,
			"applicationEntity":  "MERIDIAN-SCP",
			"acceptedSopClasses": []string{dicom.VerificationSOPClass, ctImageStorage},
		},
	})
	require.NoError(t, err)
	src.OnDispatch(dispatch)
	require.NoError(t, src.Start(context.Background()))
	t.Cleanup(func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, src.Stop(ctx))
	})
	return src.(*listener).ln.Addr().String(), src
}

func newTestSender(t *testing.T, address string) connector.Destination {
	t.Helper()
	var host, port, err = net.SplitHostPort(address)
	require.NoError(t, err)
	dest, err := newSender(connector.Settings{
		ChannelID: "chan-dicom",
		Properties: connector.Properties{
			"host":              host,
			"port":              port,
			"applicationEntity": "MERIDIAN-SCP",
			"sopClass":          ctImageStorage,
		},
	})
	require.NoError(t, err)
	return dest
}

func TestStoreBridgesEnvelope(t *testing.T) {
	var dispatched = make(chan *message.RawMessage, 1)
	address, _ := startTestListener(t, func(_ context.Context, raw *message.RawMessage) (*connector.DispatchResult, error) {
		dispatched <- raw
		return &connector.DispatchResult{MessageID: 1, Status: message.Sent}, nil
	})

	var payload = []byte{0x10, 0x20, 0x30}
	var doc, err = json.MarshalToString(&Envelope{
		SOPClassUID:    ctImageStorage,
		SOPInstanceUID: "1.2.3.4.5",
		Data:           base64.StdEncoding.EncodeToString(payload),
	})
	require.NoError(t, err)

	var dest = newTestSender(t, address)
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, doc)
	require.NoError(t, err)
	require.Equal(t, message.Sent, resp.Status)
	require.Equal(t, int(dicom.StatusSuccess), resp.StatusCode)

	var raw = <-dispatched
	var received Envelope
	require.NoError(t, json.UnmarshalFromString(raw.Data, &received))
	require.Equal(t, ctImageStorage, received.SOPClassUID)
	require.Equal(t, "1.2.3.4.5", received.SOPInstanceUID)
	require.Equal(t, "MERIDIAN", received.CallingAE)
	require.Equal(t, "MERIDIAN-SCP", received.CalledAE)
	decoded, err := base64.StdEncoding.DecodeString(received.Data)
	require.NoError(t, err)
	require.Equal(t, payload, decoded)
	require.Equal(t, ctImageStorage, raw.SourceMap["sopClassUid"])
}

func TestStoreRawPayloadFallback(t *testing.T) {
	var dispatched = make(chan *message.RawMessage, 1)
	address, _ := startTestListener(t, func(_ context.Context, raw *message.RawMessage) (*connector.DispatchResult, error) {
		dispatched <- raw
		return &connector.DispatchResult{MessageID: 1, Status: message.Sent}, nil
	})

	// A non-envelope payload is wrapped under the configured SOP class
	// with a generated instance UID.
	var dest = newTestSender(t, address)
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, "not an envelope")
	require.NoError(t, err)
	require.Equal(t, message.Sent, resp.Status)

	var raw = <-dispatched
	var received Envelope
	require.NoError(t, json.UnmarshalFromString(raw.Data, &received))
	require.Equal(t, ctImageStorage, received.SOPClassUID)
	require.NotEmpty(t, received.SOPInstanceUID)
	decoded, err := base64.StdEncoding.DecodeString(received.Data)
	require.NoError(t, err)
	require.Equal(t, "not an envelope", string(decoded))
}

func TestStoreFailureMapsToDIMSEStatus(t *testing.T) {
	address, _ := startTestListener(t, func(context.Context, *message.RawMessage) (*connector.DispatchResult, error) {
		return &connector.DispatchResult{MessageID: 1, Status: message.Error}, nil
	})

	var dest = newTestSender(t, address)
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, "payload")
	require.NoError(t, err)
	require.Equal(t, message.Error, resp.Status)
	require.Equal(t, int(dicom.StatusProcessingFailure), resp.StatusCode)
}

func TestPausedListenerRefusesStores(t *testing.T) {
	address, src := startTestListener(t, func(context.Context, *message.RawMessage) (*connector.DispatchResult, error) {
		t.Error("paused listener must not dispatch")
		return &connector.DispatchResult{Status: message.Error}, nil
	})
	src.Pause()

	var dest = newTestSender(t, address)
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, "payload")
	require.NoError(t, err)
	require.Equal(t, message.Error, resp.Status)
}

func TestSenderRequiresHost(t *testing.T) {
	var _, err = newSender(connector.Settings{Properties: connector.Properties{}})
	require.Error(t, err)
}

func TestSenderRequiresSOPClassForRawPayload(t *testing.T) {
	var dest, err = newSender(connector.Settings{Properties: connector.Properties{
		"host": "127.0.0.1",
	}})
	require.NoError(t, err)

	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, "raw")
	require.NoError(t, err)
	require.Equal(t, message.Error, resp.Status)
	require.Contains(t, resp.Error, "SOP class")
}
