package dicom

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// AcceptorConfig configures the server side of an association.
type AcceptorConfig struct {
	// AETitle, when set, must match the Called AE title of inbound
	// association requests.
	AETitle string
	// SOPClasses lists the abstract syntaxes the acceptor supports.
	SOPClasses []string
	// TransferSyntaxes lists acceptable transfer syntaxes, in priority
	// order.
	TransferSyntaxes []string
	MaxPDU           uint32
	// IdleTimeout aborts associations with no traffic. Zero disables it.
	IdleTimeout time.Duration
}

// StoreRequest is a fully-reassembled C-STORE-RQ.
type StoreRequest struct {
	CallingAETitle string
	CalledAETitle  string
	SOPClassUID    string
	SOPInstanceUID string
	TransferSyntax string
	Data           []byte
}

// StoreHandler processes one C-STORE-RQ and returns the DIMSE status
// for the C-STORE-RSP.
type StoreHandler func(ctx context.Context, req *StoreRequest) uint16

// acceptedContext tracks one negotiated presentation context.
type acceptedContext struct {
	abstractSyntax string
	transferSyntax string
}

// pdvAssembly accumulates command and data fragments of one context.
type pdvAssembly struct {
	command bytes.Buffer
	data    bytes.Buffer
	pending *Command // Parsed command awaiting its data set.
}

// ServeAssociation drives one inbound association over conn until
// release, abort, error, or context cancellation. The association state
// machine is IDLE until the A-ASSOCIATE-AC is written, ASSOCIATED while
// exchanging P-DATA-TF, and CLOSED after release or abort.
func ServeAssociation(ctx context.Context, conn net.Conn, cfg AcceptorConfig, handler StoreHandler) error {
	defer conn.Close()
	var stop = context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var framer = NewFramer(conn)
	var logger = log.WithFields(log.Fields{"remote": conn.RemoteAddr().String()})

	var deadline = func() {
		if cfg.IdleTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(cfg.IdleTimeout))
		}
	}

	// IDLE: the first PDU must be an A-ASSOCIATE-RQ.
	deadline()
	pduType, body, err := framer.ReadPDU()
	if err != nil {
		return fmt.Errorf("reading association request: %w", err)
	}
	if pduType != PDUAssociateRQ {
		framer.WritePDU(PDUAbort, (&Abort{}).Encode())
		return fmt.Errorf("expected A-ASSOCIATE-RQ, got PDU 0x%02x", pduType)
	}
	request, err := DecodeAssociate(body)
	if err != nil {
		framer.WritePDU(PDUAbort, (&Abort{}).Encode())
		return fmt.Errorf("parsing A-ASSOCIATE-RQ: %w", err)
	}

	if cfg.AETitle != "" && request.CalledAETitle != cfg.AETitle {
		logger.WithFields(log.Fields{"calledAE": request.CalledAETitle}).Warn("rejecting unknown called AE title")
		return framer.WritePDU(PDUAssociateRJ, (&AssociateRJ{
			Result: RejectResultPermanent,
			Source: RejectSourceServiceUser,
			Reason: RejectReasonCalledAENotRecognized,
		}).Encode())
	}

	var contexts = map[byte]*acceptedContext{}
	var accept = &AssociateRQAC{
		CalledAETitle:  request.CalledAETitle,
		CallingAETitle: request.CallingAETitle,
		MaxPDU:         cfg.MaxPDU,
	}
	for _, proposed := range request.Contexts {
		var selected, ok = selectTransferSyntax(cfg, proposed)
		var result byte = 4 // Transfer syntaxes not supported.
		if !supportsSOPClass(cfg, proposed.AbstractSyntax) {
			result = 3 // Abstract syntax not supported.
		} else if ok {
			result = 0
			contexts[proposed.ID] = &acceptedContext{
				abstractSyntax: proposed.AbstractSyntax,
				transferSyntax: selected,
			}
		}
		accept.Contexts = append(accept.Contexts, &PresentationContext{
			ID:               proposed.ID,
			Result:           result,
			TransferSyntaxes: []string{selected},
		})
	}
	if len(contexts) == 0 {
		return framer.WritePDU(PDUAssociateRJ, (&AssociateRJ{
			Result: RejectResultPermanent,
			Source: RejectSourceServiceUser,
			Reason: RejectReasonNoReasonGiven,
		}).Encode())
	}

	var maxPDU = effectiveMaxPDU(cfg.MaxPDU, request.MaxPDU)
	if err = framer.WritePDU(PDUAssociateAC, accept.Encode(PDUAssociateAC)); err != nil {
		return fmt.Errorf("writing A-ASSOCIATE-AC: %w", err)
	}
	logger.WithFields(log.Fields{
		"callingAE": request.CallingAETitle,
		"calledAE":  request.CalledAETitle,
		"contexts":  len(contexts),
		"maxPDU":    maxPDU,
	}).Info("association established")

	// ASSOCIATED.
	var assemblies = map[byte]*pdvAssembly{}
	for {
		deadline()
		pduType, body, err = framer.ReadPDU()
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				framer.WritePDU(PDUAbort, (&Abort{}).Encode())
				return fmt.Errorf("association idle timeout")
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading PDU: %w", err)
		}

		switch pduType {
		case PDUDataTF:
			pdvs, err := DecodePDVs(body)
			if err != nil {
				framer.WritePDU(PDUAbort, (&Abort{}).Encode())
				return fmt.Errorf("parsing P-DATA-TF: %w", err)
			}
			for _, pdv := range pdvs {
				if err = handlePDV(ctx, framer, request, contexts, assemblies, pdv, maxPDU, handler); err != nil {
					framer.WritePDU(PDUAbort, (&Abort{}).Encode())
					return err
				}
			}
		case PDUReleaseRQ:
			return framer.WritePDU(PDUReleaseRP, releaseBody)
		case PDUAbort:
			logger.Debug("association aborted by peer")
			return nil
		default:
			framer.WritePDU(PDUAbort, (&Abort{}).Encode())
			return fmt.Errorf("unexpected PDU 0x%02x while associated", pduType)
		}
	}
}

func supportsSOPClass(cfg AcceptorConfig, sopClass string) bool {
	for _, s := range cfg.SOPClasses {
		if s == sopClass {
			return true
		}
	}
	return false
}

// selectTransferSyntax picks the highest-priority acceptable syntax of
// a proposed context. Priority follows the acceptor's configured order.
func selectTransferSyntax(cfg AcceptorConfig, proposed *PresentationContext) (string, bool) {
	for _, accepted := range cfg.TransferSyntaxes {
		for _, ts := range proposed.TransferSyntaxes {
			if ts == accepted {
				return ts, true
			}
		}
	}
	if len(proposed.TransferSyntaxes) > 0 {
		return proposed.TransferSyntaxes[0], false
	}
	return ImplicitVRLittleEndian, false
}

func effectiveMaxPDU(local, remote uint32) uint32 {
	if local == 0 {
		local = DefaultMaxPDU
	}
	if remote == 0 {
		remote = DefaultMaxPDU
	}
	if remote < local {
		return remote
	}
	return local
}

// handlePDV folds one PDV into its context's assembly and dispatches
// DIMSE messages as they complete.
func handlePDV(
	ctx context.Context,
	framer *Framer,
	request *AssociateRQAC,
	contexts map[byte]*acceptedContext,
	assemblies map[byte]*pdvAssembly,
	pdv PDV,
	maxPDU uint32,
	handler StoreHandler,
) error {
	var accepted, ok = contexts[pdv.ContextID]
	if !ok {
		return fmt.Errorf("PDV for unaccepted presentation context %d", pdv.ContextID)
	}
	var assembly = assemblies[pdv.ContextID]
	if assembly == nil {
		assembly = new(pdvAssembly)
		assemblies[pdv.ContextID] = assembly
	}

	if pdv.IsCommand {
		assembly.command.Write(pdv.Data)
		if !pdv.IsLast {
			return nil
		}
		var cmd, err = DecodeCommand(assembly.command.Bytes())
		assembly.command.Reset()
		if err != nil {
			return fmt.Errorf("parsing DIMSE command: %w", err)
		}
		if !cmd.HasDataSet() {
			return dispatchDIMSE(ctx, framer, request, accepted, pdv.ContextID, cmd, nil, maxPDU, handler)
		}
		assembly.pending = cmd
		return nil
	}

	assembly.data.Write(pdv.Data)
	if !pdv.IsLast {
		return nil
	}
	var cmd = assembly.pending
	var data = append([]byte(nil), assembly.data.Bytes()...)
	assembly.pending = nil
	assembly.data.Reset()
	if cmd == nil {
		return fmt.Errorf("data PDVs without a preceding DIMSE command on context %d", pdv.ContextID)
	}
	return dispatchDIMSE(ctx, framer, request, accepted, pdv.ContextID, cmd, data, maxPDU, handler)
}

func dispatchDIMSE(
	ctx context.Context,
	framer *Framer,
	request *AssociateRQAC,
	accepted *acceptedContext,
	contextID byte,
	cmd *Command,
	data []byte,
	maxPDU uint32,
	handler StoreHandler,
) error {
	switch cmd.CommandField {
	case CommandCEchoRQ:
		var rsp = &Command{
			CommandField:              CommandCEchoRSP,
			MessageIDBeingRespondedTo: cmd.MessageID,
			DataSetType:               noDataSet,
			Status:                    StatusSuccess,
			AffectedSOPClassUID:       VerificationSOPClass,
		}
		return writeCommand(framer, contextID, rsp, maxPDU)

	case CommandCStoreRQ:
		var status = StatusProcessingFailure
		if handler != nil {
			status = handler(ctx, &StoreRequest{
				CallingAETitle: request.CallingAETitle,
				CalledAETitle:  request.CalledAETitle,
				SOPClassUID:    cmd.AffectedSOPClassUID,
				SOPInstanceUID: cmd.AffectedSOPInstanceUID,
				TransferSyntax: accepted.transferSyntax,
				Data:           data,
			})
		}
		var rsp = &Command{
			CommandField:              CommandCStoreRSP,
			MessageIDBeingRespondedTo: cmd.MessageID,
			DataSetType:               noDataSet,
			Status:                    status,
			AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
			AffectedSOPInstanceUID:    cmd.AffectedSOPInstanceUID,
		}
		return writeCommand(framer, contextID, rsp, maxPDU)

	default:
		return fmt.Errorf("unsupported DIMSE command 0x%04x", cmd.CommandField)
	}
}

// writeCommand sends a command set as P-DATA-TF PDVs.
func writeCommand(framer *Framer, contextID byte, cmd *Command, maxPDU uint32) error {
	for _, pdvs := range splitPDVs(contextID, true, cmd.Encode(), maxPDU) {
		if err := framer.WritePDU(PDUDataTF, EncodePDVs(pdvs)); err != nil {
			return fmt.Errorf("writing DIMSE response: %w", err)
		}
	}
	return nil
}

// splitPDVs fragments a DIMSE payload into PDVs that fit the effective
// max PDU, leaving room for the 6-byte PDU header and 6-byte PDV
// header.
func splitPDVs(contextID byte, isCommand bool, data []byte, maxPDU uint32) [][]PDV {
	var chunk = int(maxPDU) - 12
	if chunk <= 0 {
		chunk = int(DefaultMaxPDU) - 12
	}
	var out [][]PDV
	for offset := 0; ; offset += chunk {
		var end = offset + chunk
		var last = end >= len(data)
		if last {
			end = len(data)
		}
		out = append(out, []PDV{{
			ContextID: contextID,
			IsCommand: isCommand,
			IsLast:    last,
			Data:      data[offset:end],
		}})
		if last {
			return out
		}
	}
}
