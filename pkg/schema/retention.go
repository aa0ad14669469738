package schema

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kenshin-tsdb/kenshin/pkg/kenerr"
)

var unitSeconds = map[byte]int64{
	's': 1,
	'm': 60,
	'h': 60 * 60,
	'd': 60 * 60 * 24,
	'w': 60 * 60 * 24 * 7,
	'y': 60 * 60 * 24 * 365,
}

// ParseDuration parses a single graphite-style duration like "60s", "7d" or
// "5", (bare numbers are seconds) into a second count.
func ParseDuration(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", kenerr.ErrInvalidConfig)
	}

	last := s[len(s)-1]
	if mul, ok := unitSeconds[last]; ok {
		n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: bad duration %q: %v", kenerr.ErrInvalidConfig, s, err)
		}
		return n * mul, nil
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: bad duration %q: %v", kenerr.ErrInvalidConfig, s, err)
	}
	return n, nil
}

// ParseRetentionDef parses one "<precision>:<retention>" entry of a
// retentions= line, e.g. "60s:7d" -> Archive{SecPerPoint: 60, Count: 10080}.
func ParseRetentionDef(def string) (Archive, error) {
	parts := strings.SplitN(strings.TrimSpace(def), ":", 2)
	if len(parts) != 2 {
		return Archive{}, fmt.Errorf("%w: bad retention definition %q", kenerr.ErrInvalidConfig, def)
	}

	secPerPoint, err := ParseDuration(parts[0])
	if err != nil {
		return Archive{}, err
	}

	retention, err := ParseDuration(parts[1])
	if err != nil {
		return Archive{}, err
	}

	if secPerPoint <= 0 || retention%secPerPoint != 0 {
		return Archive{}, fmt.Errorf("%w: retention %q is not a whole multiple of its precision", kenerr.ErrInvalidConfig, def)
	}

	return Archive{
		SecPerPoint: uint32(secPerPoint),
		Count:       uint32(retention / secPerPoint),
	}, nil
}

// ParseRetentions parses a comma-separated retentions= value into an
// ordered, finest-to-coarsest Archive list.
func ParseRetentions(s string) ([]Archive, error) {
	parts := strings.Split(s, ",")
	archives := make([]Archive, 0, len(parts))
	for _, p := range parts {
		a, err := ParseRetentionDef(p)
		if err != nil {
			return nil, err
		}
		archives = append(archives, a)
	}
	return archives, nil
}
