package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// PDU type octets, PS3.8 9.3.
const (
	PDUAssociateRQ byte = 0x01
	PDUAssociateAC byte = 0x02
	PDUAssociateRJ byte = 0x03
	PDUDataTF      byte = 0x04
	PDUReleaseRQ   byte = 0x05
	PDUReleaseRP   byte = 0x06
	PDUAbort       byte = 0x07
)

// Variable item type octets within associate PDUs.
const (
	itemApplicationContext    byte = 0x10
	itemPresentationContextRQ byte = 0x20
	itemPresentationContextAC byte = 0x21
	itemAbstractSyntax        byte = 0x30
	itemTransferSyntax        byte = 0x40
	itemUserInformation       byte = 0x50
	subItemMaxLength          byte = 0x51
	subItemImplementationUID  byte = 0x52
	subItemImplementationName byte = 0x55
)

// A-ASSOCIATE-RJ codes used by the acceptor.
const (
	RejectResultPermanent             byte = 1
	RejectSourceServiceUser           byte = 1
	RejectReasonNoReasonGiven         byte = 1
	RejectReasonCalledAENotRecognized byte = 7
)

// PresentationContext is one proposed (RQ) or negotiated (AC) context.
// In an RQ, TransferSyntaxes lists the proposals; in an AC it holds the
// single selected syntax and Result is meaningful.
type PresentationContext struct {
	ID               byte
	Result           byte // AC only: 0 accept, 3 abstract syntax not supported, 4 transfer syntaxes not supported.
	AbstractSyntax   string
	TransferSyntaxes []string
}

// AssociateRQAC is the shared shape of A-ASSOCIATE-RQ and -AC.
type AssociateRQAC struct {
	CalledAETitle  string
	CallingAETitle string
	Contexts       []*PresentationContext
	MaxPDU         uint32
}

func padAE(title string) []byte {
	var out = make([]byte, 16)
	copy(out, title)
	for i := len(title); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

func writeItem(buf *bytes.Buffer, itemType byte, body []byte) {
	buf.WriteByte(itemType)
	buf.WriteByte(0)
	binary.Write(buf, binary.BigEndian, uint16(len(body)))
	buf.Write(body)
}

// Encode renders the associate body (without the 6-byte PDU header).
func (a *AssociateRQAC) Encode(pduType byte) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint16(1)) // Protocol version.
	buf.Write([]byte{0, 0})
	buf.Write(padAE(a.CalledAETitle))
	buf.Write(padAE(a.CallingAETitle))
	buf.Write(make([]byte, 32))

	writeItem(&buf, itemApplicationContext, []byte(ApplicationContextName))

	for _, pc := range a.Contexts {
		var item bytes.Buffer
		item.Write([]byte{pc.ID, 0, pc.Result, 0})
		if pduType == PDUAssociateRQ {
			writeItem(&item, itemAbstractSyntax, []byte(pc.AbstractSyntax))
		}
		for _, ts := range pc.TransferSyntaxes {
			writeItem(&item, itemTransferSyntax, []byte(ts))
		}
		if pduType == PDUAssociateRQ {
			writeItem(&buf, itemPresentationContextRQ, item.Bytes())
		} else {
			writeItem(&buf, itemPresentationContextAC, item.Bytes())
		}
	}

	var user bytes.Buffer
	var maxPDU = a.MaxPDU
	if maxPDU == 0 {
		maxPDU = DefaultMaxPDU
	}
	var maxBody = make([]byte, 4)
	binary.BigEndian.PutUint32(maxBody, maxPDU)
	writeItem(&user, subItemMaxLength, maxBody)
	writeItem(&user, subItemImplementationUID, []byte(implementationClassUID))
	writeItem(&user, subItemImplementationName, []byte(implementationVersion))
	writeItem(&buf, itemUserInformation, user.Bytes())

	return buf.Bytes()
}

// DecodeAssociate parses an A-ASSOCIATE-RQ or -AC body.
func DecodeAssociate(body []byte) (*AssociateRQAC, error) {
	if len(body) < 68 {
		return nil, fmt.Errorf("associate PDU too short: %d bytes", len(body))
	}
	var a = &AssociateRQAC{
		CalledAETitle:  strings.TrimRight(string(body[6:22]), " \x00"),
		CallingAETitle: strings.TrimRight(string(body[22:38]), " \x00"),
		MaxPDU:         DefaultMaxPDU,
	}

	var rest = body[70:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated associate item")
		}
		var itemType = rest[0]
		var itemLen = int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+itemLen {
			return nil, fmt.Errorf("associate item 0x%02x overruns PDU", itemType)
		}
		var item = rest[4 : 4+itemLen]
		rest = rest[4+itemLen:]

		switch itemType {
		case itemApplicationContext:
			// Accepted without inspection.
		case itemPresentationContextRQ, itemPresentationContextAC:
			pc, err := decodePresentationContext(item)
			if err != nil {
				return nil, err
			}
			a.Contexts = append(a.Contexts, pc)
		case itemUserInformation:
			if err := decodeUserInformation(item, a); err != nil {
				return nil, err
			}
		default:
			// Unknown items (asynchronous operations window, role
			// selection) are skipped.
		}
	}
	return a, nil
}

func decodePresentationContext(item []byte) (*PresentationContext, error) {
	if len(item) < 4 {
		return nil, fmt.Errorf("truncated presentation context item")
	}
	var pc = &PresentationContext{ID: item[0], Result: item[2]}
	var rest = item[4:]
	for len(rest) > 0 {
		if len(rest) < 4 {
			return nil, fmt.Errorf("truncated presentation context sub-item")
		}
		var subType = rest[0]
		var subLen = int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+subLen {
			return nil, fmt.Errorf("presentation context sub-item overruns item")
		}
		var value = string(rest[4 : 4+subLen])
		rest = rest[4+subLen:]

		switch subType {
		case itemAbstractSyntax:
			pc.AbstractSyntax = value
		case itemTransferSyntax:
			pc.TransferSyntaxes = append(pc.TransferSyntaxes, value)
		}
	}
	return pc, nil
}

func decodeUserInformation(item []byte, a *AssociateRQAC) error {
	var rest = item
	for len(rest) > 0 {
		if len(rest) < 4 {
			return fmt.Errorf("truncated user information sub-item")
		}
		var subType = rest[0]
		var subLen = int(binary.BigEndian.Uint16(rest[2:4]))
		if len(rest) < 4+subLen {
			return fmt.Errorf("user information sub-item overruns item")
		}
		if subType == subItemMaxLength && subLen == 4 {
			a.MaxPDU = binary.BigEndian.Uint32(rest[4:8])
		}
		rest = rest[4+subLen:]
	}
	return nil
}

// AssociateRJ is the A-ASSOCIATE-RJ body.
type AssociateRJ struct {
	Result byte
	Source byte
	Reason byte
}

func (r *AssociateRJ) Encode() []byte { return []byte{0, r.Result, r.Source, r.Reason} }

// DecodeAssociateRJ parses an A-ASSOCIATE-RJ body.
func DecodeAssociateRJ(body []byte) (*AssociateRJ, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("A-ASSOCIATE-RJ too short")
	}
	return &AssociateRJ{Result: body[1], Source: body[2], Reason: body[3]}, nil
}

func (r *AssociateRJ) Error() string {
	return fmt.Sprintf("association rejected: result=%d source=%d reason=%d", r.Result, r.Source, r.Reason)
}

// Abort is the A-ABORT body.
type Abort struct {
	Source byte
	Reason byte
}

func (a *Abort) Encode() []byte { return []byte{0, 0, a.Source, a.Reason} }

// releaseBody is shared by A-RELEASE-RQ and -RP: four reserved octets.
var releaseBody = []byte{0, 0, 0, 0}

// PDV is one Presentation Data Value within a P-DATA-TF PDU.
type PDV struct {
	ContextID byte
	IsCommand bool
	IsLast    bool
	Data      []byte
}

// EncodePDVs renders a P-DATA-TF body from PDVs.
func EncodePDVs(pdvs []PDV) []byte {
	var buf bytes.Buffer
	for _, pdv := range pdvs {
		binary.Write(&buf, binary.BigEndian, uint32(2+len(pdv.Data)))
		buf.WriteByte(pdv.ContextID)
		var header byte
		if pdv.IsCommand {
			header |= 0x01
		}
		if pdv.IsLast {
			header |= 0x02
		}
		buf.WriteByte(header)
		buf.Write(pdv.Data)
	}
	return buf.Bytes()
}

// DecodePDVs parses a P-DATA-TF body.
func DecodePDVs(body []byte) ([]PDV, error) {
	var out []PDV
	for len(body) > 0 {
		if len(body) < 6 {
			return nil, fmt.Errorf("truncated PDV header")
		}
		var length = binary.BigEndian.Uint32(body[0:4])
		if length < 2 || int(length) > len(body)-4 {
			return nil, fmt.Errorf("PDV length %d overruns PDU", length)
		}
		out = append(out, PDV{
			ContextID: body[4],
			IsCommand: body[5]&0x01 != 0,
			IsLast:    body[5]&0x02 != 0,
			Data:      body[6 : 4+length],
		})
		body = body[4+length:]
	}
	return out, nil
}
