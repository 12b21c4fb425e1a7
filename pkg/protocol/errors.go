package protocol

import "errors"

var (
	// ErrFrameTooShort is returned when a buffer is smaller than the header
	// length required by its frame type. Receivers drop such frames and
	// continue the session.
	ErrFrameTooShort = errors.New("logbus protocol: frame shorter than header")

	// ErrUnknownFrameType is returned when the type field does not match any
	// defined frame type. Receivers drop such frames and continue.
	ErrUnknownFrameType = errors.New("logbus protocol: unknown frame type")

	// ErrBufferTooSmall is returned when an encode target cannot hold the
	// header being written.
	ErrBufferTooSmall = errors.New("logbus protocol: encode buffer too small")
)
