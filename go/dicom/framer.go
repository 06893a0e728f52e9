package dicom

import (
	"encoding/binary"
	"fmt"
	"io"
)

// maxPDUBody bounds a single PDU body to keep a misbehaving peer from
// forcing an unbounded allocation.
const maxPDUBody = 64 * 1024 * 1024

// Framer reads and writes whole PDUs over a byte stream. A PDU is a
// 6-byte header <type:u8><reserved:u8><length:u32 BE> followed by
// `length` body bytes. Reads block until a full PDU arrives; idle
// enforcement belongs to the socket deadline, not the framer.
type Framer struct {
	rw io.ReadWriter
}

func NewFramer(rw io.ReadWriter) *Framer { return &Framer{rw: rw} }

// ReadPDU reads the next complete PDU.
func (f *Framer) ReadPDU() (pduType byte, body []byte, err error) {
	var header [6]byte
	if _, err = io.ReadFull(f.rw, header[:]); err != nil {
		return 0, nil, err
	}
	var length = binary.BigEndian.Uint32(header[2:6])
	if length > maxPDUBody {
		return 0, nil, fmt.Errorf("PDU body of %d bytes exceeds limit", length)
	}
	body = make([]byte, length)
	if _, err = io.ReadFull(f.rw, body); err != nil {
		return 0, nil, fmt.Errorf("reading PDU body: %w", err)
	}
	return header[0], body, nil
}

// WritePDU frames and writes one PDU.
func (f *Framer) WritePDU(pduType byte, body []byte) error {
	var header [6]byte
	header[0] = pduType
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	if _, err := f.rw.Write(header[:]); err != nil {
		return err
	}
	_, err := f.rw.Write(body)
	return err
}
