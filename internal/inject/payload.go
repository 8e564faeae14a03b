package inject

import (
	"encoding/binary"
	"strings"
)

// LogLevel is the verbosity requested from the injected module.
type LogLevel uint8

const (
	LevelOff LogLevel = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

// ParseLogLevel maps a configuration level name. Unknown names are LevelInfo.
func ParseLogLevel(s string) LogLevel {
	switch strings.ToLower(s) {
	case "off":
		return LevelOff
	case "error":
		return LevelError
	case "warn", "warning":
		return LevelWarn
	case "debug":
		return LevelDebug
	case "trace":
		return LevelTrace
	}
	return LevelInfo
}

const (
	// PayloadSize is the size of the init argument block.
	PayloadSize = 16
	// PayloadAlign is the alignment of its first field.
	PayloadAlign = 8
)

// Payload is the block handed to the loader's init export:
//
//	offset 0  auth code, u64 little endian
//	offset 8  log level, u8
//	offset 9  show target, u8 (0 or 1)
//	offset 10 padding
type Payload struct {
	AuthCode   uint64
	LogLevel   LogLevel
	ShowTarget bool
}

// Bytes is the wire layout of p.
func (p Payload) Bytes() []byte {
	b := make([]byte, PayloadSize)
	binary.LittleEndian.PutUint64(b[0:8], p.AuthCode)
	b[8] = byte(p.LogLevel)
	if p.ShowTarget {
		b[9] = 1
	}
	return b
}

// DecodePayload is the inverse of Bytes.
func DecodePayload(b []byte) (Payload, bool) {
	if len(b) < PayloadSize {
		return Payload{}, false
	}
	return Payload{
		AuthCode:   binary.LittleEndian.Uint64(b[0:8]),
		LogLevel:   LogLevel(b[8]),
		ShowTarget: b[9] != 0,
	}, true
}
