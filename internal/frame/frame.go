// Package frame implements the Binary Frame Codec (C4): decoding of the
// vendor duplex-socket wire format into a generic message map. It mirrors
// the header-and-payload structure the teacher's AOCS protocol package
// uses, cut down to the vendor's much smaller 8-byte header.
package frame

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ocx/connectorfabric/internal/fabricerr"
)

// PacketType is byte 0 of a frame header.
type PacketType uint8

const (
	PacketAction PacketType = 1
	PacketData   PacketType = 2
)

// PayloadFormat is byte 1 of a frame header.
type PayloadFormat uint8

const (
	FormatJSON PayloadFormat = 1
	FormatText PayloadFormat = 2
	FormatRaw  PayloadFormat = 3
)

// HeaderSize is the fixed size of one frame header.
const HeaderSize = 8

// Header is the 8-byte big-endian frame header.
type Header struct {
	PacketType    PacketType
	PayloadFormat PayloadFormat
	Deflated      bool
	Reserved      uint8
	PayloadSize   uint32
}

// Marshal serializes the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.PacketType)
	buf[1] = byte(h.PayloadFormat)
	if h.Deflated {
		buf[2] = 1
	}
	buf[3] = h.Reserved
	binary.BigEndian.PutUint32(buf[4:8], h.PayloadSize)
	return buf
}

// UnmarshalHeader reads a header from the first HeaderSize bytes of data.
func UnmarshalHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fabricerr.New(fabricerr.KindProtocolError, "frame.UnmarshalHeader",
			fmt.Sprintf("header too short: %d bytes (need %d)", len(data), HeaderSize))
	}
	return Header{
		PacketType:    PacketType(data[0]),
		PayloadFormat: PayloadFormat(data[1]),
		Deflated:      data[2] != 0,
		Reserved:      data[3],
		PayloadSize:   binary.BigEndian.Uint32(data[4:8]),
	}, nil
}

// Message is the decoded result of §4.4's algorithm: the action frame's
// fields plus an optional attached "data" payload from a second frame.
type Message struct {
	Action string
	Fields map[string]any
	Data   any
}

// Decode implements the seven-step decoding algorithm: try whole-buffer
// JSON first, then a one- or two-frame header-delimited message.
func Decode(buf []byte) (*Message, error) {
	if len(buf) < HeaderSize {
		return nil, fabricerr.New(fabricerr.KindProtocolError, "frame.Decode",
			fmt.Sprintf("buffer too short: %d bytes (need %d)", len(buf), HeaderSize))
	}

	if msg, ok := tryWholeBufferJSON(buf); ok {
		return msg, nil
	}

	r := bytes.NewReader(buf)

	actionHeaderBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, actionHeaderBytes); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.Decode", "reading action header", err)
	}
	actionHeader, err := UnmarshalHeader(actionHeaderBytes)
	if err != nil {
		return nil, err
	}
	if actionHeader.PayloadFormat != FormatJSON {
		return nil, fabricerr.New(fabricerr.KindProtocolError, "frame.Decode", "action frame must be JSON")
	}

	if actionHeader.PayloadSize == 0 {
		return &Message{Action: synthesizeAction(nil), Fields: map[string]any{}}, nil
	}

	actionPayload := make([]byte, actionHeader.PayloadSize)
	if _, err := io.ReadFull(r, actionPayload); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.Decode", "reading action payload", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(actionPayload, &fields); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.Decode", "action payload is not valid JSON", err)
	}

	msg := &Message{
		Action: synthesizeAction(fields),
		Fields: fields,
	}

	if r.Len() == 0 {
		return msg, nil
	}

	dataHeaderBytes := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, dataHeaderBytes); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.Decode", "reading data header", err)
	}
	dataHeader, err := UnmarshalHeader(dataHeaderBytes)
	if err != nil {
		return nil, err
	}

	dataPayload := make([]byte, dataHeader.PayloadSize)
	if dataHeader.PayloadSize > 0 {
		if _, err := io.ReadFull(r, dataPayload); err != nil {
			return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.Decode", "reading data payload", err)
		}
	}

	if dataHeader.Deflated {
		dataPayload, err = inflate(dataPayload)
		if err != nil {
			return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.Decode", "inflating data payload", err)
		}
	}

	data, err := decodePayload(dataHeader.PayloadFormat, dataPayload)
	if err != nil {
		return nil, err
	}
	msg.Data = data

	return msg, nil
}

// EncodeAction writes an action-only single-frame message.
func EncodeAction(fields map[string]any) ([]byte, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.EncodeAction", "marshaling action fields", err)
	}
	h := Header{PacketType: PacketAction, PayloadFormat: FormatJSON, PayloadSize: uint32(len(payload))}
	return append(h.Marshal(), payload...), nil
}

func tryWholeBufferJSON(buf []byte) (*Message, bool) {
	var fields map[string]any
	if err := json.Unmarshal(buf, &fields); err != nil {
		return nil, false
	}
	return &Message{Action: synthesizeAction(fields), Fields: fields}, true
}

func synthesizeAction(fields map[string]any) string {
	if a, ok := fields["action"].(string); ok && a != "" {
		return a
	}
	if _, ok := fields["modelKey"]; ok {
		return "update"
	}
	if _, ok := fields["newUpdateId"]; ok {
		return "update"
	}
	return "message"
}

func decodePayload(format PayloadFormat, payload []byte) (any, error) {
	switch format {
	case FormatJSON:
		var v any
		if err := json.Unmarshal(payload, &v); err != nil {
			return nil, fabricerr.Wrap(fabricerr.KindProtocolError, "frame.decodePayload", "data payload is not valid JSON", err)
		}
		return v, nil
	case FormatText:
		return string(payload), nil
	case FormatRaw:
		return payload, nil
	default:
		return nil, fabricerr.New(fabricerr.KindProtocolError, "frame.decodePayload",
			fmt.Sprintf("unknown payload_format %d", format))
	}
}

func inflate(compressed []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	return io.ReadAll(r)
}
