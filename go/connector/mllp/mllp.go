// Package mllp implements the HL7 MLLP transport: a framed TCP
// listener source and a framed TCP sender destination. A frame is
// <0x0B> message bytes <0x1C> <0x0D>.
package mllp

import (
	"bufio"
	"bytes"
	"fmt"
	"time"
)

const (
	startBlock byte = 0x0B
	endBlock   byte = 0x1C
	carriage   byte = 0x0D
)

// readFrame reads one MLLP frame. An embedded end-block byte inside
// the body is unrecoverable at the framing layer, so anything between
// the end block and the trailing carriage return fails the frame.
func readFrame(r *bufio.Reader) ([]byte, error) {
	var first, err = r.ReadByte()
	if err != nil {
		return nil, err
	}
	if first != startBlock {
		return nil, fmt.Errorf("expected MLLP start block, got 0x%02x", first)
	}
	body, err := r.ReadBytes(endBlock)
	if err != nil {
		return nil, fmt.Errorf("reading MLLP frame: %w", err)
	}
	body = body[:len(body)-1]
	tail, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("reading MLLP frame trailer: %w", err)
	}
	if tail != carriage {
		return nil, fmt.Errorf("malformed MLLP frame trailer 0x%02x", tail)
	}
	return body, nil
}

// writeFrame writes one MLLP frame.
func writeFrame(w *bufio.Writer, body []byte) error {
	w.WriteByte(startBlock)
	w.Write(body)
	w.WriteByte(endBlock)
	w.WriteByte(carriage)
	return w.Flush()
}

// controlID extracts MSH-10 from an HL7 message, or "" when absent.
func controlID(msg []byte) string {
	var end = bytes.IndexAny(msg, "\r\n")
	if end < 0 {
		end = len(msg)
	}
	var segment = msg[:end]
	if !bytes.HasPrefix(segment, []byte("MSH")) || len(segment) < 4 {
		return ""
	}
	var fields = bytes.Split(segment, segment[3:4])
	if len(fields) < 10 {
		return ""
	}
	return string(fields[9])
}

// buildACK renders an HL7 acknowledgement for msg with the given MSA-1
// code (AA accept, AE error, AR reject).
func buildACK(msg []byte, code string) []byte {
	var now = time.Now().Format("20060102150405")
	var ack = fmt.Sprintf("MSH|^~\\&|||||%s||ACK|%s|P|2.3\rMSA|%s|%s\r",
		now, now, code, controlID(msg))
	return []byte(ack)
}
