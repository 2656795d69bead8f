package models

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseTime parses the timestamp formats the backend emits. Anything it cannot
// read yields the zero time, which derived values treat as "unknown".
func ParseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// FormatTime is the inverse used when writing rows. Zero times are stored empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// looseTime decodes timestamps without ever failing the surrounding record.
type looseTime struct {
	time.Time
	set bool
}

func (t *looseTime) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return nil
	}
	t.Time = ParseTime(s)
	t.set = !t.Time.IsZero()
	return nil
}

func (t *looseTime) ptr() *time.Time {
	if t == nil || !t.set {
		return nil
	}
	v := t.Time
	return &v
}
