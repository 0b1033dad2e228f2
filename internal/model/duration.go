package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// unitDurations maps the human-readable unit suffixes from spec §6 to a
// fixed time.Duration. Calendar units (month, year) are approximated with
// fixed lengths, which is adequate for waker scheduling purposes (the
// waker re-derives the next due time from live state on every run, so a
// slightly-approximate month/year does not accumulate drift in practice).
var unitDurations = map[string]time.Duration{
	"ms": time.Millisecond,
	"s":  time.Second,
	"m":  time.Minute,
	"h":  time.Hour,
	"d":  24 * time.Hour,
	"w":  7 * 24 * time.Hour,
	"M":  30 * 24 * time.Hour,
	"y":  365 * 24 * time.Hour,
}

// ParseDuration parses the wire duration form used throughout the API and
// by scripts setting context.waker, e.g. "1m", "30s", "1h 30m". Tokens are
// whitespace-separated; each token is a non-negative integer immediately
// followed by one of ms|s|m|h|d|w|M|y.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty duration", ErrInvalid)
	}

	var total time.Duration
	for _, tok := range strings.Fields(s) {
		d, err := parseToken(tok)
		if err != nil {
			return 0, err
		}
		total += d
	}
	return total, nil
}

func parseToken(tok string) (time.Duration, error) {
	i := 0
	for i < len(tok) && (tok[i] >= '0' && tok[i] <= '9') {
		i++
	}
	if i == 0 {
		return 0, fmt.Errorf("%w: malformed duration token %q", ErrInvalid, tok)
	}
	numPart := tok[:i]
	unitPart := tok[i:]

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: malformed duration number %q", ErrInvalid, numPart)
	}

	unit, ok := unitDurations[unitPart]
	if !ok {
		return 0, fmt.Errorf("%w: unknown duration unit %q", ErrInvalid, unitPart)
	}
	return time.Duration(n) * unit, nil
}
