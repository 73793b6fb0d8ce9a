// Package utils holds small helpers shared by configuration and the console.
package utils

import (
	"fmt"
	"math"
	"strings"

	"github.com/dustin/go-humanize"
)

const (
	KiB int64 = humanize.KiByte
	MiB int64 = humanize.MiByte
	GiB int64 = humanize.GiByte
)

// ParseDataSize parses sizes such as "512", "64KiB", "1.5MB" into bytes.
// KB/MB/GB are decimal; KiB/MiB/GiB are binary. Sizes that do not fit in an
// int64 are rejected.
func ParseDataSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > math.MaxInt64 {
		return 0, fmt.Errorf("size %q too large", s)
	}
	return int64(n), nil
}

// FormatDataSize renders bytes with binary units, e.g. "1.5 KiB".
func FormatDataSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	return humanize.IBytes(uint64(n))
}
