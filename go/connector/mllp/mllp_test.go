package mllp

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

const testMessage = "MSH|^~\\&|LAB|HOSP|EMR|HOSP|20240101||ADT^A01|12345|P|2.3\rPID|1||1234^^^MRN\r"

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(bufio.NewWriter(&buf), []byte(testMessage)))

	var reader = bufio.NewReader(&buf)
	frame, err := readFrame(reader)
	require.NoError(t, err)
	require.Equal(t, testMessage, string(frame))
}

func TestReadFrameErrors(t *testing.T) {
	// Missing start block.
	var _, err = readFrame(bufio.NewReader(bytes.NewReader([]byte("MSH|garbage"))))
	require.Error(t, err)
	require.Contains(t, err.Error(), "start block")

	// End block followed by something other than a carriage return.
	var frame = append([]byte{startBlock}, []byte("MSH|")...)
	frame = append(frame, endBlock, 'X')
	_, err = readFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.Error(t, err)
	require.Contains(t, err.Error(), "trailer")

	// Truncated frame with no end block.
	frame = append([]byte{startBlock}, []byte("MSH|")...)
	_, err = readFrame(bufio.NewReader(bytes.NewReader(frame)))
	require.Error(t, err)
}

func TestControlID(t *testing.T) {
	require.Equal(t, "12345", controlID([]byte(testMessage)))
	require.Equal(t, "", controlID([]byte("PID|1||1234\r")))
	require.Equal(t, "", controlID([]byte("MSH|^~\\&|LAB\r")))
	require.Equal(t, "", controlID(nil))
}

func TestBuildACK(t *testing.T) {
	var ack = string(buildACK([]byte(testMessage), "AA"))
	require.Contains(t, ack, "MSA|AA|12345")

	ack = string(buildACK([]byte(testMessage), "AE"))
	require.Contains(t, ack, "MSA|AE|12345")
}

func TestAckCode(t *testing.T) {
	require.Equal(t, "AA", ackCode(buildACK([]byte(testMessage), "AA")))
	require.Equal(t, "AR", ackCode(buildACK([]byte(testMessage), "AR")))
	require.Equal(t, "", ackCode([]byte("MSH|^~\\&|only a header\r")))
	require.Equal(t, "", ackCode(nil))
}

func startTestListener(t *testing.T, dispatch connector.DispatchFunc) string {
	t.Helper()
	var src, err = newListener(connector.Settings{
		ChannelID: "chan-mllp",
		Name:      "sourceConnector",
		Properties: connector.Properties{
			"host": "127.0.0.1",
			"port": 0,
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
	return src.(*listener).ln.Addr().String()
}

func exchange(t *testing.T, address string, msg []byte) []byte {
	t.Helper()
	var conn, err = net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	require.NoError(t, writeFrame(bufio.NewWriter(conn), msg))
	ack, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	return ack
}

func TestListenerAcknowledgesDispatch(t *testing.T) {
	var dispatched = make(chan *message.RawMessage, 1)
	var address = startTestListener(t, func(_ context.Context, raw *message.RawMessage) (*connector.DispatchResult, error) {
		dispatched <- raw
		return &connector.DispatchResult{MessageID: 1, Status: message.Sent}, nil
	})

	var ack = exchange(t, address, []byte(testMessage))
	require.Equal(t, "AA", ackCode(ack))

	var raw = <-dispatched
	require.Equal(t, testMessage, raw.Data)
	require.NotEmpty(t, raw.SourceMap["remoteAddress"])
}

func TestListenerNacksOnPipelineError(t *testing.T) {
	var address = startTestListener(t, func(context.Context, *message.RawMessage) (*connector.DispatchResult, error) {
		return nil, context.DeadlineExceeded
	})
	require.Equal(t, "AE", ackCode(exchange(t, address, []byte(testMessage))))
}

func TestListenerNacksOnErrorStatus(t *testing.T) {
	var address = startTestListener(t, func(context.Context, *message.RawMessage) (*connector.DispatchResult, error) {
		return &connector.DispatchResult{MessageID: 1, Status: message.Error}, nil
	})
	require.Equal(t, "AE", ackCode(exchange(t, address, []byte(testMessage))))
}

func TestListenerNacksMalformedFrame(t *testing.T) {
	var address = startTestListener(t, func(context.Context, *message.RawMessage) (*connector.DispatchResult, error) {
		t.Error("a malformed frame must not reach the pipeline")
		return nil, nil
	})

	var conn, err = net.Dial("tcp", address)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(5 * time.Second))

	// No start block: the framing layer cannot resynchronize, so the
	// listener negatively acknowledges and drops the connection.
	_, err = conn.Write([]byte("MSH|garbage\r"))
	require.NoError(t, err)

	ack, err := readFrame(bufio.NewReader(conn))
	require.NoError(t, err)
	require.Equal(t, "AE", ackCode(ack))

	// The connection is closed after the negative acknowledgement.
	_, err = readFrame(bufio.NewReader(conn))
	require.Error(t, err)
}

// ackServer accepts one connection, reads one frame, and answers with an
// acknowledgement carrying the given code.
func ackServer(t *testing.T, code string) string {
	t.Helper()
	var ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		var conn, err = ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var frame, _ = readFrame(bufio.NewReader(conn))
		writeFrame(bufio.NewWriter(conn), buildACK(frame, code))
	}()
	return ln.Addr().String()
}

func newTestSender(t *testing.T, address string, props connector.Properties) connector.Destination {
	t.Helper()
	var host, port, err = net.SplitHostPort(address)
	require.NoError(t, err)
	if props == nil {
		props = connector.Properties{}
	}
	props["host"] = host
	props["port"] = port
	dest, err := newSender(connector.Settings{ChannelID: "chan-mllp", Properties: props})
	require.NoError(t, err)
	return dest
}

func TestSenderPositiveAcknowledgement(t *testing.T) {
	var dest = newTestSender(t, ackServer(t, "AA"), nil)
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, testMessage)
	require.NoError(t, err)
	require.Equal(t, message.Sent, resp.Status)
	require.Contains(t, resp.Message, "MSA|AA|12345")
}

func TestSenderNegativeAcknowledgement(t *testing.T) {
	var dest = newTestSender(t, ackServer(t, "AR"), nil)
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, testMessage)
	require.NoError(t, err)
	require.Equal(t, message.Error, resp.Status)
	require.Contains(t, resp.Error, "AR")
}

func TestSenderIgnoresAcknowledgement(t *testing.T) {
	var dest = newTestSender(t, ackServer(t, "AR"), connector.Properties{"ignoreResponse": true})
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, testMessage)
	require.NoError(t, err)
	require.Equal(t, message.Sent, resp.Status)
}

func TestSenderConnectFailureIsErrorResponse(t *testing.T) {
	// A listener that is immediately closed leaves a port nobody answers.
	var ln, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var address = ln.Addr().String()
	ln.Close()

	var dest = newTestSender(t, address, connector.Properties{"sendTimeout": "500ms"})
	resp, err := dest.Send(context.Background(), &message.ConnectorMessage{}, testMessage)
	require.NoError(t, err)
	require.Equal(t, message.Error, resp.Status)
	require.NotEmpty(t, resp.Error)
}

func TestSenderRequiresHost(t *testing.T) {
	var _, err = newSender(connector.Settings{Properties: connector.Properties{}})
	require.Error(t, err)
}
