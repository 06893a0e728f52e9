package dicom

import (
	"context"
	"fmt"
	"net"
	"time"
)

// ClientConfig configures the requestor side of an association.
type ClientConfig struct {
	CallingAETitle string
	CalledAETitle  string
	// SOPClasses lists the abstract syntaxes to propose. Verification is
	// always proposed so Echo works on any client.
	SOPClasses []string
	MaxPDU     uint32
	// Timeout bounds the association handshake and each DIMSE exchange.
	Timeout time.Duration
}

// Client is one requested association. It is not safe for concurrent
// use; the destination dispatcher serializes sends per worker.
type Client struct {
	conn   net.Conn
	framer *Framer
	cfg    ClientConfig
	maxPDU uint32

	// contexts maps accepted abstract syntax → presentation context ID.
	contexts  map[string]byte
	messageID uint16
}

// Dial connects and negotiates an association proposing the configured
// SOP classes with Implicit VR Little Endian.
func Dial(ctx context.Context, address string, cfg ClientConfig) (*Client, error) {
	var dialer = net.Dialer{Timeout: cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", address, err)
	}
	client, err := Associate(ctx, conn, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return client, nil
}

// Associate negotiates over an established connection. Useful directly
// in tests over synthetic pipes.
func Associate(ctx context.Context, conn net.Conn, cfg ClientConfig) (*Client, error) {
	var c = &Client{
		conn:     conn,
		framer:   NewFramer(conn),
		cfg:      cfg,
		contexts: map[string]byte{},
	}
	var stop = context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	var sopClasses = append([]string{}, cfg.SOPClasses...)
	var hasVerification bool
	for _, s := range sopClasses {
		if s == VerificationSOPClass {
			hasVerification = true
		}
	}
	if !hasVerification {
		sopClasses = append(sopClasses, VerificationSOPClass)
	}

	var request = &AssociateRQAC{
		CalledAETitle:  cfg.CalledAETitle,
		CallingAETitle: cfg.CallingAETitle,
		MaxPDU:         cfg.MaxPDU,
	}
	var proposed = map[byte]string{}
	for i, sopClass := range sopClasses {
		var id = byte(2*i + 1) // Presentation context IDs are odd.
		proposed[id] = sopClass
		request.Contexts = append(request.Contexts, &PresentationContext{
			ID:               id,
			AbstractSyntax:   sopClass,
			TransferSyntaxes: []string{ImplicitVRLittleEndian},
		})
	}

	c.deadline()
	if err := c.framer.WritePDU(PDUAssociateRQ, request.Encode(PDUAssociateRQ)); err != nil {
		return nil, fmt.Errorf("writing A-ASSOCIATE-RQ: %w", err)
	}

	// AWAITING_ASSOCIATE_AC.
	pduType, body, err := c.framer.ReadPDU()
	if err != nil {
		return nil, fmt.Errorf("reading association response: %w", err)
	}
	switch pduType {
	case PDUAssociateAC:
	case PDUAssociateRJ:
		rj, err := DecodeAssociateRJ(body)
		if err != nil {
			return nil, err
		}
		return nil, rj
	default:
		return nil, fmt.Errorf("expected A-ASSOCIATE-AC, got PDU 0x%02x", pduType)
	}

	accept, err := DecodeAssociate(body)
	if err != nil {
		return nil, fmt.Errorf("parsing A-ASSOCIATE-AC: %w", err)
	}
	for _, pc := range accept.Contexts {
		if pc.Result == 0 {
			if sopClass, ok := proposed[pc.ID]; ok {
				c.contexts[sopClass] = pc.ID
			}
		}
	}
	if len(c.contexts) == 0 {
		c.abort()
		return nil, fmt.Errorf("no presentation context accepted")
	}
	c.maxPDU = effectiveMaxPDU(cfg.MaxPDU, accept.MaxPDU)
	return c, nil
}

func (c *Client) deadline() {
	if c.cfg.Timeout > 0 {
		c.conn.SetDeadline(time.Now().Add(c.cfg.Timeout))
	}
}

// Echo performs a C-ECHO round trip.
func (c *Client) Echo(ctx context.Context) error {
	var cmd, _, err = c.exchange(ctx, VerificationSOPClass, &Command{
		CommandField:        CommandCEchoRQ,
		DataSetType:         noDataSet,
		AffectedSOPClassUID: VerificationSOPClass,
	}, nil)
	if err != nil {
		return err
	}
	if cmd.Status != StatusSuccess {
		return fmt.Errorf("C-ECHO failed with status 0x%04x", cmd.Status)
	}
	return nil
}

// Store performs a C-STORE of one data set and returns the DIMSE status.
func (c *Client) Store(ctx context.Context, sopClassUID, sopInstanceUID string, data []byte) (uint16, error) {
	var cmd, _, err = c.exchange(ctx, sopClassUID, &Command{
		CommandField:           CommandCStoreRQ,
		DataSetType:            0x0000,
		AffectedSOPClassUID:    sopClassUID,
		AffectedSOPInstanceUID: sopInstanceUID,
	}, data)
	if err != nil {
		return StatusProcessingFailure, err
	}
	return cmd.Status, nil
}

// exchange sends one DIMSE request and collects its response command.
func (c *Client) exchange(ctx context.Context, sopClassUID string, cmd *Command, data []byte) (*Command, []byte, error) {
	var contextID, ok = c.contexts[sopClassUID]
	if !ok {
		return nil, nil, fmt.Errorf("no accepted presentation context for %s", sopClassUID)
	}
	var stop = context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()

	c.messageID++
	cmd.MessageID = c.messageID

	c.deadline()
	for _, pdvs := range splitPDVs(contextID, true, cmd.Encode(), c.maxPDU) {
		if err := c.framer.WritePDU(PDUDataTF, EncodePDVs(pdvs)); err != nil {
			return nil, nil, fmt.Errorf("writing DIMSE command: %w", err)
		}
	}
	if data != nil {
		for _, pdvs := range splitPDVs(contextID, false, data, c.maxPDU) {
			if err := c.framer.WritePDU(PDUDataTF, EncodePDVs(pdvs)); err != nil {
				return nil, nil, fmt.Errorf("writing DIMSE data: %w", err)
			}
		}
	}

	var assembly pdvAssembly
	for {
		c.deadline()
		pduType, body, err := c.framer.ReadPDU()
		if err != nil {
			return nil, nil, fmt.Errorf("reading DIMSE response: %w", err)
		}
		switch pduType {
		case PDUDataTF:
			pdvs, err := DecodePDVs(body)
			if err != nil {
				return nil, nil, err
			}
			for _, pdv := range pdvs {
				if pdv.IsCommand {
					assembly.command.Write(pdv.Data)
					if pdv.IsLast {
						rsp, err := DecodeCommand(assembly.command.Bytes())
						if err != nil {
							return nil, nil, err
						}
						if !rsp.HasDataSet() {
							return rsp, nil, nil
						}
						assembly.pending = rsp
					}
				} else {
					assembly.data.Write(pdv.Data)
					if pdv.IsLast && assembly.pending != nil {
						return assembly.pending, assembly.data.Bytes(), nil
					}
				}
			}
		case PDUAbort:
			return nil, nil, fmt.Errorf("association aborted by peer")
		default:
			return nil, nil, fmt.Errorf("unexpected PDU 0x%02x awaiting DIMSE response", pduType)
		}
	}
}

// Release performs the graceful release handshake and closes the
// connection.
func (c *Client) Release(ctx context.Context) error {
	var stop = context.AfterFunc(ctx, func() { c.conn.Close() })
	defer stop()
	defer c.conn.Close()

	c.deadline()
	if err := c.framer.WritePDU(PDUReleaseRQ, releaseBody); err != nil {
		return fmt.Errorf("writing A-RELEASE-RQ: %w", err)
	}
	// AWAITING_RELEASE_RP.
	for {
		pduType, _, err := c.framer.ReadPDU()
		if err != nil {
			return fmt.Errorf("reading A-RELEASE-RP: %w", err)
		}
		switch pduType {
		case PDUReleaseRP:
			return nil
		case PDUDataTF:
			// Straggling response data is drained during release.
		default:
			return fmt.Errorf("unexpected PDU 0x%02x awaiting release", pduType)
		}
	}
}

func (c *Client) abort() {
	c.framer.WritePDU(PDUAbort, (&Abort{}).Encode())
	c.conn.Close()
}

// Close abandons the association without the release handshake.
func (c *Client) Close() error {
	c.abort()
	return nil
}
