// Package msfs binds Microsoft Flight Simulator through the SimConnect
// binary protocol over TCP.
package msfs

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ProtocolVersion is the SimConnect protocol revision (SP2/Acceleration).
const ProtocolVersion = 4

// headerSize is the fixed SimConnect message preamble: size, version,
// id, callIndex, all little-endian u32.
const headerSize = 16

// maxMessageSize bounds a frame's declared size. Real SimConnect messages
// are well under this; anything larger is a corrupt or hostile stream.
const maxMessageSize = 1 << 20

// Receive message ids.
const (
	RecvNull                = 0
	RecvException           = 1
	RecvOpen                = 2
	RecvQuit                = 3
	RecvEvent               = 4
	RecvSimObjectData       = 5
	RecvSimObjectDataByType = 6
	RecvClientData          = 7
)

// Request message ids.
const (
	ReqOpen                   = 0xF0000001
	ReqRequestDataOnSimObject = 1
	ReqSetDataOnSimObject     = 2
	ReqAddToDataDefinition    = 6
	ReqClearDataDefinition    = 7
	ReqSubscribeToSystemEvent = 8
)

// Data type ids for data definition entries.
const (
	DataTypeFloat64   = 4
	DataTypeString260 = 10
	DataTypeLatLonAlt = 15
	DataTypeXYZ       = 16
)

// Exception codes surfaced in RecvException messages.
const (
	ExceptionNone            = 0
	ExceptionError           = 1
	ExceptionSizeMismatch    = 2
	ExceptionUnrecognizedID  = 3
	ExceptionUnopened        = 4
	ExceptionVersionMismatch = 5
	ExceptionTooManyRequests = 7
	ExceptionDataError       = 22
)

// exceptionText maps the common exception codes to readable strings.
var exceptionText = map[uint32]string{
	ExceptionError:           "generic error",
	ExceptionSizeMismatch:    "size mismatch",
	ExceptionUnrecognizedID:  "unrecognized id",
	ExceptionUnopened:        "connection not opened",
	ExceptionVersionMismatch: "version mismatch",
	ExceptionTooManyRequests: "too many requests",
	ExceptionDataError:       "data error",
}

// header is the SimConnect message preamble.
type header struct {
	Size      uint32
	Version   uint32
	ID        uint32
	CallIndex uint32
}

// writeMessage frames a body with the SimConnect header and writes it.
func writeMessage(w io.Writer, id, callIndex uint32, body []byte) error {
	buf := make([]byte, headerSize+len(body))
	binary.LittleEndian.PutUint32(buf[0:], uint32(len(buf)))
	binary.LittleEndian.PutUint32(buf[4:], ProtocolVersion)
	binary.LittleEndian.PutUint32(buf[8:], id)
	binary.LittleEndian.PutUint32(buf[12:], callIndex)
	copy(buf[headerSize:], body)

	_, err := w.Write(buf)
	if err != nil {
		return fmt.Errorf("write simconnect message %#x: %w", id, err)
	}

	return nil
}

// readMessage reads one framed message, returning its header and body.
func readMessage(r io.Reader) (header, []byte, error) {
	raw := make([]byte, headerSize)

	_, err := io.ReadFull(r, raw)
	if err != nil {
		return header{}, nil, fmt.Errorf("read simconnect header: %w", err)
	}

	h := header{
		Size:      binary.LittleEndian.Uint32(raw[0:]),
		Version:   binary.LittleEndian.Uint32(raw[4:]),
		ID:        binary.LittleEndian.Uint32(raw[8:]),
		CallIndex: binary.LittleEndian.Uint32(raw[12:]),
	}

	if h.Size < headerSize {
		return header{}, nil, fmt.Errorf("simconnect frame size %d below header size", h.Size)
	}

	if h.Size > maxMessageSize {
		return header{}, nil, fmt.Errorf("simconnect frame size %d exceeds limit %d", h.Size, maxMessageSize)
	}

	body := make([]byte, h.Size-headerSize)

	_, err = io.ReadFull(r, body)
	if err != nil {
		return header{}, nil, fmt.Errorf("read simconnect body: %w", err)
	}

	return h, body, nil
}

// fixedString encodes a NUL-padded fixed-width string field.
func fixedString(s string, width int) []byte {
	out := make([]byte, width)
	copy(out, s)

	return out
}
