// Package httpx implements the HTTP transport: a receiver source and a
// sender destination with a configurable status-code mapping.
package httpx

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/message"
)

func init() {
	connector.RegisterSource("HTTP Listener", newListener)
}

// maxRequestBody caps inbound payloads at 64 MiB.
const maxRequestBody = 64 << 20

type listener struct {
	connector.SourceBase

	address        string
	contextPath    string
	maxConnections int

	// boundAddress is the actual listen address, which differs from
	// address when port 0 was configured.
	boundAddress string

	server *http.Server
	done   chan struct{}
}

func newListener(settings connector.Settings) (connector.Source, error) {
	var host = settings.Properties.String("host", "0.0.0.0")
	var port = settings.Properties.Int("port", 8081)
	var l = &listener{
		address:        fmt.Sprintf("%s:%d", host, port),
		contextPath:    settings.Properties.String("contextPath", "/"),
		maxConnections: settings.Properties.Int("maxConnections", 256),
	}
	l.ChannelID = settings.ChannelID
	l.Name = settings.Name
	return l, nil
}

func (l *listener) Start(ctx context.Context) error {
	if l.server != nil {
		return nil
	}
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", l.address, err)
	}
	l.boundAddress = ln.Addr().String()

	var mux = http.NewServeMux()
	mux.HandleFunc(l.contextPath, l.handle)
	l.server = &http.Server{Handler: mux}
	l.done = make(chan struct{})
	context.AfterFunc(ctx, func() { l.server.Close() })

	go func() {
		defer close(l.done)
		if err := l.server.Serve(netutil.LimitListener(ln, l.maxConnections)); err != http.ErrServerClosed {
			log.WithFields(log.Fields{"channel": l.ChannelID, "err": err}).Warn("HTTP listener exited")
		}
	}()
	log.WithFields(log.Fields{"channel": l.ChannelID, "address": l.boundAddress}).
		Info("HTTP listener started")
	return nil
}

func (l *listener) Stop(ctx context.Context) error {
	if l.server == nil {
		return nil
	}
	var server = l.server
	l.server = nil
	if err := server.Shutdown(ctx); err != nil {
		server.Close()
		return fmt.Errorf("HTTP listener drain: %w", err)
	}
	<-l.done
	return nil
}

func (l *listener) handle(w http.ResponseWriter, r *http.Request) {
	if l.Paused() {
		http.Error(w, "channel is paused", http.StatusServiceUnavailable)
		return
	}
	var body, err = io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		http.Error(w, "reading request body", http.StatusBadRequest)
		return
	}

	connector.MessagesReceivedCounter.WithLabelValues(l.ChannelID, "HTTP Listener").Inc()
	var result, dispatchErr = l.Dispatch(r.Context(), &message.RawMessage{
		Data: string(body),
		SourceMap: map[string]interface{}{
			"remoteAddress": r.RemoteAddr,
			"method":        r.Method,
			"uri":           r.RequestURI,
			"contentType":   r.Header.Get("Content-Type"),
			"receivedDate":  time.Now().Format(time.RFC3339),
		},
	})
	if dispatchErr != nil {
		http.Error(w, dispatchErr.Error(), http.StatusInternalServerError)
		return
	}

	var status = http.StatusOK
	var text string
	if result.Response != nil {
		text = result.Response.Message
	}
	if result.Status == message.Error {
		status = http.StatusInternalServerError
		if result.Response != nil && result.Response.Error != "" {
			text = result.Response.Error
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	io.WriteString(w, text)
}
