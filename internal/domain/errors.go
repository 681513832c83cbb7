package domain

import "errors"

var (
	ErrDecode            = errors.New("decode failed: unsupported or corrupt image")
	ErrInvalidGeometry   = errors.New("invalid geometry")
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrEncode            = errors.New("encode failed")
	ErrNotFound          = errors.New("file not found")
	ErrTooLarge          = errors.New("file too large")
	ErrUnsupportedUpload = errors.New("unsupported file type")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrTimeout           = errors.New("conversion timed out")
)
