// Package wire implements the binary and JSON codec (C1): parsing the
// 8-byte frame header and the two binary event payload shapes, and
// encoding outbound text commands. All multi-byte integers and floats are
// little-endian, per spec. Parsing is strict: trailing bytes after the
// last complete record, or a length field that would overrun the buffer,
// are faults, never silently truncated.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/kjellberg/loxone/protocol"
)

const (
	headerSize     = 8
	valueEventSize = 16 + 8 // UUID + float64
	uuidSize       = 16
)

// ErrTruncatedFrame marks a binary frame whose declared length field would
// overrun the supplied buffer, or a record that ends mid-field.
var ErrTruncatedFrame = fmt.Errorf("%w: truncated binary frame", protocol.ErrBadMessage)

// ErrTrailingBytes marks bytes left over after the last complete record in
// a binary event buffer — a fault, per spec, not a benign remainder.
var ErrTrailingBytes = fmt.Errorf("%w: trailing bytes after last record", protocol.ErrBadMessage)

// ErrBadMagic marks a header whose first byte was not 0x03.
var ErrBadMagic = fmt.Errorf("%w: bad frame magic", protocol.ErrBadMessage)

// EncodeCommand renders cmd's wire text form. It accepts either a
// protocol.Command or a protocol.SecuredCommand (whose wrapped
// jdev/sps/ios/{hash}/{inner} form is resolved here), so callers never need
// a type switch of their own before handing a command to the transport.
func EncodeCommand(cmd any) (string, error) {
	switch c := cmd.(type) {
	case protocol.Command:
		return c.WireForm(), nil
	case protocol.SecuredCommand:
		return c.Command().WireForm(), nil
	default:
		return "", fmt.Errorf("wire: EncodeCommand: unsupported command type %T", cmd)
	}
}

// ParseHeader decodes the 8-byte binary frame header.
func ParseHeader(b []byte) (protocol.MessageHeader, error) {
	if len(b) < headerSize {
		return protocol.MessageHeader{}, fmt.Errorf("%w: header needs %d bytes, got %d", ErrTruncatedFrame, headerSize, len(b))
	}
	if b[0] != protocol.HeaderMagic {
		return protocol.MessageHeader{}, fmt.Errorf("%w: got 0x%02x", ErrBadMagic, b[0])
	}
	return protocol.MessageHeader{
		Kind:          protocol.FrameKind(b[1]),
		Flags:         b[2],
		PayloadLength: binary.LittleEndian.Uint32(b[4:8]),
	}, nil
}

// ParseValueEvents parses a buffer of back-to-back ValueEvent records.
func ParseValueEvents(buf []byte) ([]protocol.ValueEvent, error) {
	if len(buf)%valueEventSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrTrailingBytes, len(buf), valueEventSize)
	}
	n := len(buf) / valueEventSize
	events := make([]protocol.ValueEvent, 0, n)
	for i := 0; i < n; i++ {
		off := i * valueEventSize
		id, err := uuid.FromBytes(buf[off : off+uuidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
		}
		bits := binary.LittleEndian.Uint64(buf[off+uuidSize : off+valueEventSize])
		events = append(events, protocol.ValueEvent{
			UUID:  id,
			Value: math.Float64frombits(bits),
		})
	}
	return events, nil
}

// ParseTextEvents parses a buffer of back-to-back TextEvent records. Each
// record is UUID(16) + iconUUID(16) + length(4, LE) + UTF-8 text,
// zero-padded to the next 4-byte boundary.
func ParseTextEvents(buf []byte) ([]protocol.TextEvent, error) {
	var events []protocol.TextEvent
	off := 0
	for off < len(buf) {
		const fixedHeader = uuidSize + uuidSize + 4
		if off+fixedHeader > len(buf) {
			return nil, fmt.Errorf("%w: text event header needs %d bytes, %d remain", ErrTruncatedFrame, fixedHeader, len(buf)-off)
		}
		id, err := uuid.FromBytes(buf[off : off+uuidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
		}
		iconID, err := uuid.FromBytes(buf[off+uuidSize : off+2*uuidSize])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
		}
		length := binary.LittleEndian.Uint32(buf[off+2*uuidSize : off+fixedHeader])
		textStart := off + fixedHeader
		textEnd := textStart + int(length)
		if length > math.MaxInt32 || textEnd > len(buf) {
			return nil, fmt.Errorf("%w: text length %d overruns buffer", ErrTruncatedFrame, length)
		}
		text := string(buf[textStart:textEnd])

		padded := padTo4(int(length))
		recordEnd := textStart + padded
		if recordEnd > len(buf) {
			return nil, fmt.Errorf("%w: padded text event overruns buffer", ErrTruncatedFrame)
		}

		events = append(events, protocol.TextEvent{
			UUID:     id,
			IconUUID: iconID,
			Text:     text,
		})
		off = recordEnd
	}
	if off != len(buf) {
		return nil, ErrTrailingBytes
	}
	return events, nil
}

// padTo4 returns n rounded up to the next multiple of 4.
func padTo4(n int) int {
	if rem := n % 4; rem != 0 {
		return n + (4 - rem)
	}
	return n
}

// ParseJSON unmarshals body into a protocol.LoxoneMessage.
func ParseJSON(body string) (protocol.LoxoneMessage, error) {
	var msg protocol.LoxoneMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return protocol.LoxoneMessage{}, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
	}
	return msg, nil
}

// ParseJSONInto unmarshals body into a T, for the non-LoxoneMessage
// response categories (token, key, salt, visu-salt) the auth engine needs.
func ParseJSONInto[T any](body string) (T, error) {
	var out T
	if err := json.Unmarshal([]byte(body), &out); err != nil {
		return out, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
	}
	return out, nil
}

// DecodeValue re-decodes a LoxoneMessage's generic Value field into a typed
// T. The outer envelope ({control, code, value}) always decodes as a
// LoxoneMessage first; this is the second pass that turns msg.Value into a
// protocol.TokenResponse, protocol.SaltResponse, and so on, once the
// command's declared ResponseCategory says which T to expect.
func DecodeValue[T any](msg protocol.LoxoneMessage) (T, error) {
	var out T
	raw, err := json.Marshal(msg.Value)
	if err != nil {
		return out, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%w: %v", protocol.ErrBadMessage, err)
	}
	return out, nil
}
