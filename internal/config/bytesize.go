package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ByteSize is a size value that supports human-readable parsing.
//
// Examples:
//   - "20MB" = 20 * 1000 * 1000 bytes
//   - "1.5GB" = 1.5 * 1000^3 bytes
//   - "500KB" = 500 * 1000 bytes
//   - "5242880" = 5242880 bytes (raw number still works)
//
// This type implements encoding.TextUnmarshaler for Viper/YAML support
// and json.Unmarshaler for JSON configuration files.
type ByteSize int64

// Decimal unit multipliers. Bitrate-style sizes use SI units.
const (
	byteUnitKB int64 = 1000
	byteUnitMB int64 = 1000 * 1000
	byteUnitGB int64 = 1000 * 1000 * 1000
	byteUnitTB int64 = 1000 * 1000 * 1000 * 1000
)

// ParseByteSize parses a human-readable byte size string.
func ParseByteSize(s string) (ByteSize, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty byte size")
	}

	// Raw number means bytes.
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("byte size must not be negative: %s", s)
		}
		return ByteSize(n), nil
	}

	upper := strings.ToUpper(s)
	var mult int64
	var suffix string
	switch {
	case strings.HasSuffix(upper, "TB"):
		mult, suffix = byteUnitTB, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "GB"):
		mult, suffix = byteUnitGB, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "MB"):
		mult, suffix = byteUnitMB, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "KB"):
		mult, suffix = byteUnitKB, upper[:len(upper)-2]
	case strings.HasSuffix(upper, "B"):
		mult, suffix = 1, upper[:len(upper)-1]
	default:
		return 0, fmt.Errorf("unknown byte size unit in %q", s)
	}

	value, err := strconv.ParseFloat(strings.TrimSpace(suffix), 64)
	if err != nil {
		return 0, fmt.Errorf("parsing byte size %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("byte size must not be negative: %s", s)
	}

	return ByteSize(value * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler for YAML/Viper support.
func (b *ByteSize) UnmarshalText(text []byte) error {
	parsed, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Try as a number (bytes) for backwards compatibility
		var raw int64
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*b = ByteSize(raw)
		return nil
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalText implements encoding.TextMarshaler.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// Bytes returns the size in bytes as int64.
func (b ByteSize) Bytes() int64 {
	return int64(b)
}

// BitsPerSecond returns the size interpreted as a bitrate in bits per second.
func (b ByteSize) BitsPerSecond() int64 {
	return int64(b) * 8
}

// String returns a human-readable string representation.
func (b ByteSize) String() string {
	n := int64(b)
	switch {
	case n >= byteUnitTB && n%byteUnitTB == 0:
		return fmt.Sprintf("%dTB", n/byteUnitTB)
	case n >= byteUnitGB && n%byteUnitGB == 0:
		return fmt.Sprintf("%dGB", n/byteUnitGB)
	case n >= byteUnitMB && n%byteUnitMB == 0:
		return fmt.Sprintf("%dMB", n/byteUnitMB)
	case n >= byteUnitKB && n%byteUnitKB == 0:
		return fmt.Sprintf("%dKB", n/byteUnitKB)
	default:
		return strconv.FormatInt(n, 10)
	}
}
