package dicom

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// DIMSE command fields, PS3.7 E.
const (
	CommandCStoreRQ  uint16 = 0x0001
	CommandCStoreRSP uint16 = 0x8001
	CommandCEchoRQ   uint16 = 0x0030
	CommandCEchoRSP  uint16 = 0x8030
)

// DIMSE status codes.
const (
	StatusSuccess           uint16 = 0x0000
	StatusProcessingFailure uint16 = 0x0110
)

// Command group 0000 element tags.
const (
	tagCommandGroupLength        = 0x0000
	tagAffectedSOPClassUID       = 0x0002
	tagCommandField              = 0x0100
	tagMessageID                 = 0x0110
	tagMessageIDBeingRespondedTo = 0x0120
	tagDataSetType               = 0x0800
	tagStatus                    = 0x0900
	tagAffectedSOPInstanceUID    = 0x1000
)

// noDataSet is the Data-Set-Type value meaning no data set follows.
const noDataSet uint16 = 0x0101

// Command is a parsed DIMSE command set.
type Command struct {
	CommandField              uint16
	MessageID                 uint16
	MessageIDBeingRespondedTo uint16
	DataSetType               uint16
	Status                    uint16
	AffectedSOPClassUID       string
	AffectedSOPInstanceUID    string
}

// HasDataSet tells whether a data set follows the command.
func (c *Command) HasDataSet() bool { return c.DataSetType != noDataSet }

// DecodeCommand parses an Implicit VR Little Endian command set: a
// sequence of <group:u16><element:u16><length:u32><value> elements.
func DecodeCommand(data []byte) (*Command, error) {
	var cmd = &Command{DataSetType: noDataSet}
	var rest = data
	for len(rest) > 0 {
		if len(rest) < 8 {
			return nil, fmt.Errorf("truncated DIMSE element header")
		}
		var group = binary.LittleEndian.Uint16(rest[0:2])
		var element = binary.LittleEndian.Uint16(rest[2:4])
		var length = binary.LittleEndian.Uint32(rest[4:8])
		if int(length) > len(rest)-8 {
			return nil, fmt.Errorf("DIMSE element (%04x,%04x) length %d overruns command", group, element, length)
		}
		var value = rest[8 : 8+length]
		rest = rest[8+length:]

		if group != 0x0000 {
			continue
		}
		switch element {
		case tagCommandField:
			cmd.CommandField = uint16Value(value)
		case tagMessageID:
			cmd.MessageID = uint16Value(value)
		case tagMessageIDBeingRespondedTo:
			cmd.MessageIDBeingRespondedTo = uint16Value(value)
		case tagDataSetType:
			cmd.DataSetType = uint16Value(value)
		case tagStatus:
			cmd.Status = uint16Value(value)
		case tagAffectedSOPClassUID:
			cmd.AffectedSOPClassUID = uidValue(value)
		case tagAffectedSOPInstanceUID:
			cmd.AffectedSOPInstanceUID = uidValue(value)
		}
	}
	return cmd, nil
}

func uint16Value(value []byte) uint16 {
	if len(value) < 2 {
		return 0
	}
	return binary.LittleEndian.Uint16(value[0:2])
}

// uidValue trims the trailing NUL a UI value is padded with to even
// length.
func uidValue(value []byte) string {
	return strings.TrimRight(string(value), "\x00 ")
}

// Encode renders the command set in Implicit VR Little Endian, with the
// Command Group Length element first.
func (c *Command) Encode() []byte {
	type element struct {
		tag   uint16
		value []byte
	}
	var elements = []element{
		{tagCommandField, uint16Bytes(c.CommandField)},
		{tagDataSetType, uint16Bytes(c.DataSetType)},
	}
	if c.MessageID != 0 {
		elements = append(elements, element{tagMessageID, uint16Bytes(c.MessageID)})
	}
	if c.CommandField&0x8000 != 0 {
		elements = append(elements,
			element{tagMessageIDBeingRespondedTo, uint16Bytes(c.MessageIDBeingRespondedTo)},
			element{tagStatus, uint16Bytes(c.Status)})
	}
	if c.AffectedSOPClassUID != "" {
		elements = append(elements, element{tagAffectedSOPClassUID, uidBytes(c.AffectedSOPClassUID)})
	}
	if c.AffectedSOPInstanceUID != "" {
		elements = append(elements, element{tagAffectedSOPInstanceUID, uidBytes(c.AffectedSOPInstanceUID)})
	}
	sort.Slice(elements, func(i, j int) bool { return elements[i].tag < elements[j].tag })

	var body bytes.Buffer
	for _, e := range elements {
		binary.Write(&body, binary.LittleEndian, uint16(0x0000))
		binary.Write(&body, binary.LittleEndian, e.tag)
		binary.Write(&body, binary.LittleEndian, uint32(len(e.value)))
		body.Write(e.value)
	}

	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint16(0x0000))
	binary.Write(&out, binary.LittleEndian, uint16(tagCommandGroupLength))
	binary.Write(&out, binary.LittleEndian, uint32(4))
	binary.Write(&out, binary.LittleEndian, uint32(body.Len()))
	out.Write(body.Bytes())
	return out.Bytes()
}

func uint16Bytes(v uint16) []byte {
	var out = make([]byte, 2)
	binary.LittleEndian.PutUint16(out, v)
	return out
}

// uidBytes pads a UI value with a trailing NUL to even length.
func uidBytes(uid string) []byte {
	var out = []byte(uid)
	if len(out)%2 != 0 {
		out = append(out, 0x00)
	}
	return out
}
