// Package bytesize parses and formats byte sizes such as "32KiB" or "1.5GB".
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Common byte size units. Sizes are binary: 1KB and 1KiB are both 1024 bytes.
const (
	B  int64 = 1
	KB int64 = 1024
	MB int64 = 1024 * KB
	GB int64 = 1024 * MB
	TB int64 = 1024 * GB
)

// sizePattern matches size strings like "100MB", "1.5 GiB", "1024"
var sizePattern = regexp.MustCompile(`^\s*(\d+(?:\.\d+)?)\s*([a-zA-Z]*)\s*$`)

// Parse parses a byte size string like "100MB", "1.5GiB", or "1024" into bytes.
// Units are case-insensitive; bytes are assumed without one.
func Parse(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	matches := sizePattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid size format: %q", s)
	}
	value, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number: %q", matches[1])
	}

	var multiplier int64
	switch strings.ToUpper(matches[2]) {
	case "", "B":
		multiplier = B
	case "KB", "K", "KI", "KIB":
		multiplier = KB
	case "MB", "M", "MI", "MIB":
		multiplier = MB
	case "GB", "G", "GI", "GIB":
		multiplier = GB
	case "TB", "T", "TI", "TIB":
		multiplier = TB
	default:
		return 0, fmt.Errorf("unknown unit: %q", matches[2])
	}
	return int64(value * float64(multiplier)), nil
}

// Format formats a byte count into a human-readable string.
func Format(bytes int64) string {
	if bytes == 0 {
		return "0 B"
	}
	units := []struct {
		threshold int64
		unit      string
	}{
		{TB, "TiB"},
		{GB, "GiB"},
		{MB, "MiB"},
		{KB, "KiB"},
	}
	for _, u := range units {
		if bytes >= u.threshold {
			if bytes%u.threshold == 0 {
				return fmt.Sprintf("%d %s", bytes/u.threshold, u.unit)
			}
			return fmt.Sprintf("%.2f %s", float64(bytes)/float64(u.threshold), u.unit)
		}
	}
	return fmt.Sprintf("%d B", bytes)
}

// Size is a byte size read from YAML as either a number of bytes or a
// string with units ("32KiB", "1GB").
type Size int64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var i int64
	if err := value.Decode(&i); err == nil {
		*s = Size(i)
		return nil
	}
	var str string
	if err := value.Decode(&str); err != nil {
		return fmt.Errorf("size must be a number or string with units (e.g., 32KiB, 1GB)")
	}
	bytes, err := Parse(str)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	*s = Size(bytes)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Size.
func (s Size) MarshalYAML() (any, error) {
	return strings.ReplaceAll(s.String(), " ", ""), nil
}

// Bytes returns the size in bytes.
func (s Size) Bytes() int64 {
	return int64(s)
}

// String returns a human-readable representation.
func (s Size) String() string {
	return Format(int64(s))
}
