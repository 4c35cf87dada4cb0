// Package sizeparse parses the size literals accepted by the transfer
// CLI's --chunk/--limit-rate flags (spec §6): an integer followed by an
// optional case-insensitive unit, base-1024. Human-readable formatting for
// logs reuses github.com/dustin/go-humanize.
package sizeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

var literalPattern = regexp.MustCompile(`(?i)^(\d+)(B|K|KB|M|MB|G|GB|T|TB)?$`)

var unitMultiplier = map[string]int64{
	"":   1,
	"B":  1,
	"K":  1 << 10,
	"KB": 1 << 10,
	"M":  1 << 20,
	"MB": 1 << 20,
	"G":  1 << 30,
	"GB": 1 << 30,
	"T":  1 << 40,
	"TB": 1 << 40,
}

// Parse parses a size literal matching `^\d+(B|K|KB|M|MB|G|GB|T|TB)?$`
// (case-insensitive), returning the value in bytes, base-1024.
func Parse(s string) (int64, error) {
	m := literalPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("invalid size literal %q", s)
	}

	value, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size literal %q: %w", s, err)
	}

	mult := unitMultiplier[strings.ToUpper(m[2])]
	return value * mult, nil
}

// Format renders n bytes as a human-readable base-1024 string (e.g. "1.0
// MiB") for logs and progress reporting.
func Format(n int64) string {
	return humanize.IBytes(uint64(n))
}
