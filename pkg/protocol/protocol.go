// Package protocol defines the logbus wire protocol: frame types, flags,
// fixed header layouts, and the codec that moves them to and from byte
// buffers. All multi-byte integers are little-endian and every frame starts
// on a 32-byte boundary.
package protocol

// Frame type codes identify logbus frames on the wire.
const (
	TypeData   uint16 = 0x01 // application payload frame
	TypePad    uint16 = 0x02 // padding frame filling the rest of a term
	TypeStatus uint16 = 0x03 // receiver status / flow-control frame
	TypeNak    uint16 = 0x04 // negative acknowledgement (defined, unused by core delivery)
	TypeSetup  uint16 = 0x05 // publication announcement frame
)

// FrameTypeNames maps frame types to human-readable names for logging and
// diagnostics.
var FrameTypeNames = map[uint16]string{
	TypeData:   "DATA",
	TypePad:    "PAD",
	TypeStatus: "STATUS",
	TypeNak:    "NAK",
	TypeSetup:  "SETUP",
}

// Flag bits carried in the flags byte of data frames.
const (
	FlagBegin byte = 0x80
	FlagEnd   byte = 0x40

	// FlagsUnfragmented marks a message fully contained in one frame.
	// Fragmentation is unsupported, so every data frame carries both bits.
	FlagsUnfragmented = FlagBegin | FlagEnd
)

// Version is the protocol version stamped into every frame header.
const Version byte = 0x01

// Header lengths in bytes. Data and Pad frames share the 32-byte layout;
// Status and Nak share the 28-byte layout.
const (
	DataHeaderLength   = 32
	SetupHeaderLength  = 40
	StatusHeaderLength = 28
	NakHeaderLength    = 28
)

// FrameAlignment is the boundary every frame is padded out to with zeros.
const FrameAlignment = 32

// Defaults for negotiable transport parameters.
const (
	DefaultTermLength     = 16 * 1024 * 1024
	MinTermLength         = 64 * 1024
	MaxTermLength         = 1024 * 1024 * 1024
	DefaultMTULength      = 1408
	DefaultReceiverWindow = 16 * 1024 * 1024
)

// Align rounds n up to the next FrameAlignment boundary.
func Align(n int) int {
	return (n + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// Common field offsets shared by every header layout.
const (
	frameLengthOffset = 0
	versionOffset     = 4
	flagsOffset       = 5
	typeOffset        = 6
)
