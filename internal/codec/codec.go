// Package codec encodes and decodes the controller wire frame.
//
// # Frame Layout
//
// All fields are big-endian u32:
//
//	[data_type][sub_code][payload word 0][payload word 1]...
//
// A frame is at least 8 bytes and its length is a multiple of 4.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/pilot-net/eventmon/pkg/types"
)

// Data types sent by the controllers.
const (
	// TypeSpecial carries downtime start/end events.
	TypeSpecial uint32 = 1
	// TypeKeepalive frames only prove liveness and are never stored.
	TypeKeepalive uint32 = 12
	// TypePLC carries ordinary PLC events.
	TypePLC uint32 = 50
)

// Sub-codes of TypeSpecial frames.
const (
	CodeDowntimeStart uint32 = 41
	CodeDowntimeEnd   uint32 = 42
)

const (
	headerSize = 8
	wordSize   = 4
)

// Ack is written back after every frame read.
var Ack = []byte("ACK")

// ErrMalformedFrame is returned for buffers shorter than 8 bytes or not word aligned.
var ErrMalformedFrame = errors.New("malformed frame")

// Decode parses one frame. The returned packet keeps a copy of b in Raw.
func Decode(b []byte) (*types.EventDataPacket, error) {
	if len(b) < headerSize || len(b)%wordSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformedFrame, len(b))
	}

	raw := make([]byte, len(b))
	copy(raw, b)

	data := make([]uint32, 0, (len(b)-headerSize)/wordSize)
	for off := headerSize; off < len(b); off += wordSize {
		data = append(data, binary.BigEndian.Uint32(b[off:off+wordSize]))
	}

	return &types.EventDataPacket{
		Raw:      raw,
		DataType: binary.BigEndian.Uint32(b[0:4]),
		SubCode:  binary.BigEndian.Uint32(b[4:8]),
		Data:     data,
	}, nil
}

// Encode builds the wire form of a frame.
func Encode(dataType, subCode uint32, data ...uint32) []byte {
	b := make([]byte, headerSize, headerSize+len(data)*wordSize)
	binary.BigEndian.PutUint32(b[0:4], dataType)
	binary.BigEndian.PutUint32(b[4:8], subCode)
	for _, w := range data {
		b = binary.BigEndian.AppendUint32(b, w)
	}
	return b
}

// IsSystem reports whether p is a keepalive frame that must not be persisted.
func IsSystem(p *types.EventDataPacket) bool {
	return p.DataType == TypeKeepalive
}
