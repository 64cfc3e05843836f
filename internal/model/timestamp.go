package model

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// ErrInvalidTimestamp is returned when a transaction timestamp is missing or
// cannot be parsed by any accepted layout.
var ErrInvalidTimestamp = eris.New("invalid transaction timestamp")

// Accepted layouts, in priority order. Naive layouts (no zone marker) are
// interpreted as UTC.
const (
	layoutSpaceSeparated = "2006-01-02 15:04:05"
	layoutNaiveISO       = "2006-01-02T15:04:05.999999999"
)

// ParseUTC normalizes a textual timestamp into a UTC instant.
//
// Accepted forms:
//   - "YYYY-MM-DD HH:MM:SS" (naive, interpreted as UTC)
//   - ISO-8601 with an explicit offset
//   - ISO-8601 ending in "Z"
//   - the malformed "...Z+00:00" combination emitted by the history
//     service, which is repaired rather than rejected
//
// A timestamp with no offset or zone marker is assumed UTC. History
// ingestion and inbound request decoding share this function so that
// recency comparisons stay consistent across call sites.
func ParseUTC(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, eris.Wrap(ErrInvalidTimestamp, "empty value")
	}

	// Known upstream defect: "Z" immediately followed by a numeric offset.
	s = strings.Replace(s, "Z+00:00", "+00:00", 1)

	if strings.Contains(s, " ") && !strings.Contains(s, "T") {
		t, err := time.Parse(layoutSpaceSeparated, s)
		if err != nil {
			return time.Time{}, eris.Wrapf(ErrInvalidTimestamp, "parse %q", s)
		}
		return t.UTC(), nil
	}

	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}

	if t, err := time.Parse(layoutNaiveISO, s); err == nil {
		return t.UTC(), nil
	}

	return time.Time{}, eris.Wrapf(ErrInvalidTimestamp, "parse %q", s)
}

// UTCTime is a time.Time that (un)marshals JSON through ParseUTC, so every
// timestamp entering the system is normalized by the same rules.
type UTCTime struct {
	time.Time
}

// NewUTCTime wraps t, normalized to UTC.
func NewUTCTime(t time.Time) UTCTime {
	return UTCTime{t.UTC()}
}

// UnmarshalJSON accepts a JSON string in any layout ParseUTC accepts.
func (u *UTCTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "null" {
		return eris.Wrap(ErrInvalidTimestamp, "null value")
	}
	t, err := ParseUTC(s)
	if err != nil {
		return err
	}
	u.Time = t
	return nil
}

// MarshalJSON emits RFC3339 UTC.
func (u UTCTime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.Time.UTC().Format(time.RFC3339) + `"`), nil
}
