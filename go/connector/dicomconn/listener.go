// Package dicomconn binds the DICOM Upper Layer engine into the
// connector framework: an SCP listener source and a C-STORE SCU
// destination. Stored instances travel through the pipeline as a JSON
// envelope with the data set base64-encoded.
package dicomconn

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/net/netutil"

	"github.com/meridian-hie/meridian/go/connector"
	"github.com/meridian-hie/meridian/go/dicom"
	"github.com/meridian-hie/meridian/go/message"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

func init() {
	connector.RegisterSource("DICOM Listener", newListener)
}

// Envelope is the pipeline representation of one stored instance.
type Envelope struct {
	SOPClassUID    string `json:"sopClassUid"`
	SOPInstanceUID string `json:"sopInstanceUid"`
	TransferSyntax string `json:"transferSyntax"`
	CallingAE      string `json:"callingAE"`
	CalledAE       string `json:"calledAE"`
	Data           string `json:"data"` // base64
}

type listener struct {
	connector.SourceBase

	address        string
	maxConnections int
	cfg            dicom.AcceptorConfig

	mu     sync.Mutex
	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newListener(settings connector.Settings) (connector.Source, error) {
	var host = settings.Properties.String("host", "0.0.0.0")
	var port = settings.Properties.Int("port", 11112)
	var sopClasses = settings.Properties.StringSlice("acceptedSopClasses")
	if len(sopClasses) == 0 {
		sopClasses = []string{dicom.VerificationSOPClass}
	}
	var syntaxes = settings.Properties.StringSlice("acceptedTransferSyntaxes")
	if len(syntaxes) == 0 {
		syntaxes = []string{dicom.ImplicitVRLittleEndian}
	}
	var l = &listener{
		address:        fmt.Sprintf("%s:%d", host, port),
		maxConnections: settings.Properties.Int("maxConnections", 16),
		cfg: dicom.AcceptorConfig{
			AETitle:          settings.Properties.String("applicationEntity", ""),
			SOPClasses:       sopClasses,
			TransferSyntaxes: syntaxes,
			MaxPDU:           uint32(settings.Properties.Int("maxPduSize", int(dicom.DefaultMaxPDU))),
			IdleTimeout:      settings.Properties.Duration("idleTimeout", time.Minute),
		},
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
		Info("DICOM listener started")
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
		return fmt.Errorf("DICOM listener drain: %w", ctx.Err())
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
			log.WithFields(log.Fields{"channel": l.ChannelID, "err": err}).Warn("DICOM accept failed")
			return
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			connector.OpenConnectionsGauge.WithLabelValues(l.ChannelID, "DICOM Listener").Inc()
			defer connector.OpenConnectionsGauge.WithLabelValues(l.ChannelID, "DICOM Listener").Dec()
			if err := dicom.ServeAssociation(ctx, conn, l.cfg, l.handleStore); err != nil && ctx.Err() == nil {
				log.WithFields(log.Fields{"channel": l.ChannelID, "err": err}).Debug("association ended")
			}
		}()
	}
}

// handleStore dispatches one C-STORE into the pipeline and maps the
// result onto a DIMSE status.
func (l *listener) handleStore(ctx context.Context, req *dicom.StoreRequest) uint16 {
	if l.Paused() {
		return dicom.StatusProcessingFailure
	}
	var envelope, err = json.MarshalToString(&Envelope{
		SOPClassUID:    req.SOPClassUID,
		SOPInstanceUID: req.SOPInstanceUID,
		TransferSyntax: req.TransferSyntax,
		CallingAE:      req.CallingAETitle,
		CalledAE:       req.CalledAETitle,
		Data:           base64.StdEncoding.EncodeToString(req.Data),
	})
	if err != nil {
		return dicom.StatusProcessingFailure
	}

	connector.MessagesReceivedCounter.WithLabelValues(l.ChannelID, "DICOM Listener").Inc()
	result, err := l.Dispatch(ctx, &message.RawMessage{
		Data: envelope,
		SourceMap: map[string]interface{}{
			"callingAE":      req.CallingAETitle,
			"calledAE":       req.CalledAETitle,
			"sopClassUid":    req.SOPClassUID,
			"sopInstanceUid": req.SOPInstanceUID,
		},
	})
	if err != nil || result.Status == message.Error {
		return dicom.StatusProcessingFailure
	}
	return dicom.StatusSuccess
}
