package model

import (
	"bytes"
	"time"
)

// TimeLayout is the textual form every persisted timestamp uses.
const TimeLayout = "2006-01-02 15:04:05"

// Timestamp wraps time.Time with the fixed persisted layout, truncated to
// whole seconds.
type Timestamp struct {
	time.Time
}

// Now returns the current time as a Timestamp.
func Now() Timestamp {
	return Timestamp{time.Now().Truncate(time.Second)}
}

// At wraps an arbitrary time.
func At(t time.Time) Timestamp {
	return Timestamp{t.Truncate(time.Second)}
}

// FarFuture is the sentinel for "not scheduled". Actions carry it in next_try
// while they are owned by a worker so the reaper never considers them due.
func FarFuture() Timestamp {
	return Timestamp{time.Date(9999, time.January, 1, 0, 0, 0, 0, time.UTC)}
}

// IsFarFuture reports whether t is at or beyond the sentinel.
func (t Timestamp) IsFarFuture() bool {
	return t.Year() >= 9999
}

func (t Timestamp) String() string {
	return t.Format(TimeLayout)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.Format(TimeLayout) + `"`), nil
}

// UnmarshalJSON accepts the fixed layout; anything unparsable collapses to the
// zero timestamp rather than failing the whole document read.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "null" || s == "" {
		t.Time = time.Time{}
		return nil
	}
	parsed, err := time.ParseInLocation(TimeLayout, s, time.Local)
	if err != nil {
		t.Time = time.Time{}
		return nil
	}
	t.Time = parsed
	return nil
}
