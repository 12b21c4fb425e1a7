package protocol

import (
	"encoding/binary"

	"github.com/logbus-protocol/logbus/pkg/buffer"
)

// DataHeader is the 32-byte header carried by Data and Pad frames.
//
// Layout:
//
//	[4B frameLength][1B version][1B flags][2B type]
//	[4B termOffset][4B sessionId][4B streamId][4B termId][8B reserved]
//
// The reliability layer repurposes the first four reserved bytes (offset 24)
// as a little-endian sequence number; SequenceNumber and SetSequenceNumber
// provide that view.
type DataHeader struct {
	FrameLength uint32
	Version     byte
	Flags       byte
	Type        uint16
	TermOffset  uint32
	SessionID   uint32
	StreamID    uint32
	TermID      uint32
	Reserved    uint64
}

// SequenceNumber returns the reliability sequence number stored in the low
// four reserved bytes.
func (h *DataHeader) SequenceNumber() uint32 {
	return uint32(h.Reserved)
}

// SetSequenceNumber stores seq in the low four reserved bytes.
func (h *DataHeader) SetSequenceNumber(seq uint32) {
	h.Reserved = (h.Reserved &^ 0xFFFFFFFF) | uint64(seq)
}

// WriteAt encodes the header into buf starting at offset. This is the write
// path into term partitions; datagram encoding goes through EncodeData.
func (h *DataHeader) WriteAt(buf *buffer.Buffer, offset int) error {
	if err := buf.PutUint32(offset+frameLengthOffset, h.FrameLength); err != nil {
		return err
	}
	_ = buf.PutUint8(offset+versionOffset, h.Version)
	_ = buf.PutUint8(offset+flagsOffset, h.Flags)
	_ = buf.PutUint16(offset+typeOffset, h.Type)
	_ = buf.PutUint32(offset+8, h.TermOffset)
	_ = buf.PutUint32(offset+12, h.SessionID)
	_ = buf.PutUint32(offset+16, h.StreamID)
	_ = buf.PutUint32(offset+20, h.TermID)
	return buf.PutUint64(offset+24, h.Reserved)
}

// ReadDataHeader decodes a DataHeader from buf at offset. Used by the term
// rebuilder when scanning reconstructed terms.
func ReadDataHeader(buf *buffer.Buffer, offset int) (DataHeader, error) {
	var h DataHeader
	raw, err := buf.Slice(offset, DataHeaderLength)
	if err != nil {
		return h, err
	}
	return decodeDataHeader(raw), nil
}

func decodeDataHeader(b []byte) DataHeader {
	return DataHeader{
		FrameLength: binary.LittleEndian.Uint32(b[frameLengthOffset:]),
		Version:     b[versionOffset],
		Flags:       b[flagsOffset],
		Type:        binary.LittleEndian.Uint16(b[typeOffset:]),
		TermOffset:  binary.LittleEndian.Uint32(b[8:]),
		SessionID:   binary.LittleEndian.Uint32(b[12:]),
		StreamID:    binary.LittleEndian.Uint32(b[16:]),
		TermID:      binary.LittleEndian.Uint32(b[20:]),
		Reserved:    binary.LittleEndian.Uint64(b[24:]),
	}
}

// EncodeData produces a complete, alignment-padded datagram for the header
// and payload. FrameLength is set to header length plus payload length; the
// zero padding out to the next 32-byte boundary is included in the returned
// slice but not in FrameLength.
func EncodeData(h *DataHeader, payload []byte) []byte {
	h.FrameLength = uint32(DataHeaderLength + len(payload))
	frame := make([]byte, Align(DataHeaderLength+len(payload)))
	encodeDataHeader(frame, h)
	copy(frame[DataHeaderLength:], payload)
	return frame
}

func encodeDataHeader(b []byte, h *DataHeader) {
	binary.LittleEndian.PutUint32(b[frameLengthOffset:], h.FrameLength)
	b[versionOffset] = h.Version
	b[flagsOffset] = h.Flags
	binary.LittleEndian.PutUint16(b[typeOffset:], h.Type)
	binary.LittleEndian.PutUint32(b[8:], h.TermOffset)
	binary.LittleEndian.PutUint32(b[12:], h.SessionID)
	binary.LittleEndian.PutUint32(b[16:], h.StreamID)
	binary.LittleEndian.PutUint32(b[20:], h.TermID)
	binary.LittleEndian.PutUint64(b[24:], h.Reserved)
}

// DecodeData decodes a Data or Pad frame from a received datagram, returning
// the header and the payload bytes (a sub-slice of b, zero-copy). A Pad
// frame's frameLength spans the padded term region but only the header
// travels on the wire, so for Pad the payload is whatever the datagram
// actually carries.
func DecodeData(b []byte) (DataHeader, []byte, error) {
	if len(b) < DataHeaderLength {
		return DataHeader{}, nil, ErrFrameTooShort
	}
	h := decodeDataHeader(b)
	if h.FrameLength < DataHeaderLength {
		return DataHeader{}, nil, ErrFrameTooShort
	}
	end := int(h.FrameLength)
	if h.Type == TypePad {
		end = min(end, len(b))
	} else if end > len(b) {
		return DataHeader{}, nil, ErrFrameTooShort
	}
	return h, b[DataHeaderLength:end], nil
}

// SetupHeader is the 40-byte publication announcement frame. A Publisher
// sends it until the first Status frame confirms the Subscriber has created
// an image for the session.
type SetupHeader struct {
	Version       byte
	Flags         byte
	TermOffset    uint32
	SessionID     uint32
	StreamID      uint32
	InitialTermID uint32
	ActiveTermID  uint32
	TermLength    uint32
	MTULength     uint32
	TTL           uint32
}

// Encode serialises the Setup frame into a standalone datagram.
func (h *SetupHeader) Encode() []byte {
	b := make([]byte, SetupHeaderLength)
	binary.LittleEndian.PutUint32(b[frameLengthOffset:], SetupHeaderLength)
	b[versionOffset] = h.Version
	b[flagsOffset] = h.Flags
	binary.LittleEndian.PutUint16(b[typeOffset:], TypeSetup)
	binary.LittleEndian.PutUint32(b[8:], h.TermOffset)
	binary.LittleEndian.PutUint32(b[12:], h.SessionID)
	binary.LittleEndian.PutUint32(b[16:], h.StreamID)
	binary.LittleEndian.PutUint32(b[20:], h.InitialTermID)
	binary.LittleEndian.PutUint32(b[24:], h.ActiveTermID)
	binary.LittleEndian.PutUint32(b[28:], h.TermLength)
	binary.LittleEndian.PutUint32(b[32:], h.MTULength)
	binary.LittleEndian.PutUint32(b[36:], h.TTL)
	return b
}

// DecodeSetup decodes a Setup frame from a received datagram.
func DecodeSetup(b []byte) (SetupHeader, error) {
	if len(b) < SetupHeaderLength {
		return SetupHeader{}, ErrFrameTooShort
	}
	return SetupHeader{
		Version:       b[versionOffset],
		Flags:         b[flagsOffset],
		TermOffset:    binary.LittleEndian.Uint32(b[8:]),
		SessionID:     binary.LittleEndian.Uint32(b[12:]),
		StreamID:      binary.LittleEndian.Uint32(b[16:]),
		InitialTermID: binary.LittleEndian.Uint32(b[20:]),
		ActiveTermID:  binary.LittleEndian.Uint32(b[24:]),
		TermLength:    binary.LittleEndian.Uint32(b[28:]),
		MTULength:     binary.LittleEndian.Uint32(b[32:]),
		TTL:           binary.LittleEndian.Uint32(b[36:]),
	}, nil
}

// StatusHeader is the 28-byte receiver status frame. The Subscriber reports
// its consumption point and advertised window after every rebuilt fragment;
// the reliability layer reuses the same layout for ACKs, carrying the
// acknowledged sequence number in ConsumptionTermOffset.
type StatusHeader struct {
	Version               byte
	Flags                 byte
	SessionID             uint32
	StreamID              uint32
	ConsumptionTermID     uint32
	ConsumptionTermOffset uint32
	ReceiverWindow        uint32
}

// Encode serialises the Status frame into a standalone datagram.
func (h *StatusHeader) Encode() []byte {
	b := make([]byte, StatusHeaderLength)
	binary.LittleEndian.PutUint32(b[frameLengthOffset:], StatusHeaderLength)
	b[versionOffset] = h.Version
	b[flagsOffset] = h.Flags
	binary.LittleEndian.PutUint16(b[typeOffset:], TypeStatus)
	binary.LittleEndian.PutUint32(b[8:], h.SessionID)
	binary.LittleEndian.PutUint32(b[12:], h.StreamID)
	binary.LittleEndian.PutUint32(b[16:], h.ConsumptionTermID)
	binary.LittleEndian.PutUint32(b[20:], h.ConsumptionTermOffset)
	binary.LittleEndian.PutUint32(b[24:], h.ReceiverWindow)
	return b
}

// DecodeStatus decodes a Status frame from a received datagram.
func DecodeStatus(b []byte) (StatusHeader, error) {
	if len(b) < StatusHeaderLength {
		return StatusHeader{}, ErrFrameTooShort
	}
	return StatusHeader{
		Version:               b[versionOffset],
		Flags:                 b[flagsOffset],
		SessionID:             binary.LittleEndian.Uint32(b[8:]),
		StreamID:              binary.LittleEndian.Uint32(b[12:]),
		ConsumptionTermID:     binary.LittleEndian.Uint32(b[16:]),
		ConsumptionTermOffset: binary.LittleEndian.Uint32(b[20:]),
		ReceiverWindow:        binary.LittleEndian.Uint32(b[24:]),
	}, nil
}

// NakHeader is the 28-byte negative acknowledgement frame. It shares the
// Status layout family: the consumption fields identify the missing range
// instead of a consumption point. The codec round-trips it but the core
// delivery path never emits one; gap recovery is the reliability layer's job.
type NakHeader struct {
	Version    byte
	Flags      byte
	SessionID  uint32
	StreamID   uint32
	TermID     uint32
	TermOffset uint32
	Length     uint32
}

// Encode serialises the NAK frame into a standalone datagram.
func (h *NakHeader) Encode() []byte {
	b := make([]byte, NakHeaderLength)
	binary.LittleEndian.PutUint32(b[frameLengthOffset:], NakHeaderLength)
	b[versionOffset] = h.Version
	b[flagsOffset] = h.Flags
	binary.LittleEndian.PutUint16(b[typeOffset:], TypeNak)
	binary.LittleEndian.PutUint32(b[8:], h.SessionID)
	binary.LittleEndian.PutUint32(b[12:], h.StreamID)
	binary.LittleEndian.PutUint32(b[16:], h.TermID)
	binary.LittleEndian.PutUint32(b[20:], h.TermOffset)
	binary.LittleEndian.PutUint32(b[24:], h.Length)
	return b
}

// DecodeNak decodes a NAK frame from a received datagram.
func DecodeNak(b []byte) (NakHeader, error) {
	if len(b) < NakHeaderLength {
		return NakHeader{}, ErrFrameTooShort
	}
	return NakHeader{
		Version:    b[versionOffset],
		Flags:      b[flagsOffset],
		SessionID:  binary.LittleEndian.Uint32(b[8:]),
		StreamID:   binary.LittleEndian.Uint32(b[12:]),
		TermID:     binary.LittleEndian.Uint32(b[16:]),
		TermOffset: binary.LittleEndian.Uint32(b[20:]),
		Length:     binary.LittleEndian.Uint32(b[24:]),
	}, nil
}

// DataFrame pairs a decoded data header with its payload.
type DataFrame struct {
	Header  DataHeader
	Payload []byte
}

// Decode inspects the type field and decodes the frame into its concrete
// representation: *DataFrame (Data and Pad), SetupHeader, StatusHeader, or
// NakHeader. A short buffer or unrecognised type yields an error; callers
// must treat that as a dropped frame, not a fatal condition.
func Decode(b []byte) (any, error) {
	if len(b) < typeOffset+2 {
		return nil, ErrFrameTooShort
	}
	switch binary.LittleEndian.Uint16(b[typeOffset:]) {
	case TypeData, TypePad:
		h, payload, err := DecodeData(b)
		if err != nil {
			return nil, err
		}
		return &DataFrame{Header: h, Payload: payload}, nil
	case TypeSetup:
		h, err := DecodeSetup(b)
		if err != nil {
			return nil, err
		}
		return h, nil
	case TypeStatus:
		h, err := DecodeStatus(b)
		if err != nil {
			return nil, err
		}
		return h, nil
	case TypeNak:
		h, err := DecodeNak(b)
		if err != nil {
			return nil, err
		}
		return h, nil
	default:
		return nil, ErrUnknownFrameType
	}
}
