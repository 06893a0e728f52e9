package mllp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterSource("MLLP Listener", newListener)
}

// listener accepts MLLP connections and pushes framed HL7 messages into
// the pipeline. Each connection gets a reader goroutine; the upstream
// acknowledgement is derived from the pipeline result.
type listener struct {
	connector.SourceBase

	address        string
	maxConnections int
	readTimeout    time.Duration

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newListener(settings connector.Settings) (connector.Source, error) {
	var host = settings.Properties.String("host", "0.0.0.0")
	var port = settings.Properties.Int("port", 6661)
	var l = &listener{
		address:        fmt.Sprintf("%s:%d", host, port),
		maxConnections: settings.Properties.Int("maxConnections", 64),
		readTimeout:    settings.Properties.Duration("receiveTimeout", 0),
	}
	l.ChannelID = settings.ChannelID
	l.Name = settings.Name
	return l, nil
}

func (l *listener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.address, err)
	}
	l.ln = netutil.LimitListener(ln, l.maxConnections)

	var acceptCtx context.Context
	acceptCtx, l.cancel = context.WithCancel(ctx)
	context.AfterFunc(acceptCtx, func() { ln.Close() })

	l.wg.Add(1)
	go l.acceptLoop(acceptCtx)
	log.WithFields(log.Fields{"channel": l.ChannelID, "address": l.address}).
		Info("MLLP listener started")
	return nil
}

func (l *listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	var cancel = l.cancel
	l.ln, l.cancel = nil, nil
	l.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	var done = make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("MLLP listener drain: %w", ctx.Err())
	}
}

func (l *listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()
	l.mu.Lock()
	var ln = l.ln
	l.mu.Unlock()
	if ln == nil {
		return
	}
	for {
		var conn, err = ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithFields(log.Fields{"channel": l.ChannelID, "err": err}).Warn("MLLP accept failed")
			return
		}
		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

func (l *listener) handleConn(ctx context.Context, conn net.Conn) {
	defer l.wg.Done()
	defer conn.Close()
	var stop = context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	connector.OpenConnectionsGauge.WithLabelValues(l.ChannelID, "MLLP Listener").Inc()
	defer connector.OpenConnectionsGauge.WithLabelValues(l.ChannelID, "MLLP Listener").Dec()

	var reader = bufio.NewReader(conn)
	var writer = bufio.NewWriter(conn)
	for {
		// A paused channel stops reading; the peer blocks in its send.
		for l.Paused() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
		}

		if l.readTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.readTimeout))
		}
		var frame, err = readFrame(reader)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if err == io.EOF || errors.Is(err, net.ErrClosed) || os.IsTimeout(err) {
				log.WithFields(log.Fields{
					"channel": l.ChannelID,
					"remote":  conn.RemoteAddr().String(),
				}).Debug("MLLP connection closed")
				return
			}
			// The framing layer cannot resynchronize after a malformed
			// frame: negatively acknowledge so the peer knows nothing
			// was accepted, then drop the connection.
			log.WithFields(log.Fields{
				"channel": l.ChannelID,
				"remote":  conn.RemoteAddr().String(),
				"err":     err,
			}).Warn("malformed MLLP frame")
			if err = writeFrame(writer, buildACK(nil, "AE")); err != nil {
				log.WithFields(log.Fields{"channel": l.ChannelID, "err": err}).Warn("MLLP NACK write failed")
			}
			return
		}

		connector.MessagesReceivedCounter.WithLabelValues(l.ChannelID, "MLLP Listener").Inc()
		var result, dispatchErr = l.Dispatch(ctx, &message.RawMessage{
			Data: string(frame),
			SourceMap: map[string]interface{}{
				"remoteAddress": conn.RemoteAddr().String(),
				"localAddress":  conn.LocalAddr().String(),
			},
		})

		var code = "AA"
		if dispatchErr != nil {
			// The durability point was not reached; a negative ACK tells
			// the peer to resend.
			code = "AE"
		} else if result.Status == message.Error {
			code = "AE"
		}
		if err = writeFrame(writer, buildACK(frame, code)); err != nil {
			log.WithFields(log.Fields{"channel": l.ChannelID, "err": err}).Warn("MLLP ACK write failed")
			return
		}
	}
}
