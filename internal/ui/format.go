package ui

import (
	"fmt"
	"time"
)

const (
	// DisplayTimeFormat is the time format used in tables.
	DisplayTimeFormat = "2006-01-02 15:04:05"
	// LogTimeFormat is the short format used in interactive logs.
	LogTimeFormat = "15:04:05"
)

// FormatTime renders t in local time, or "-" for the zero time.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(DisplayTimeFormat)
}

// Remaining renders the time left until t.
func Remaining(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := t.Sub(now)
	if d <= 0 {
		return "expired"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h == 0 {
		return fmt.Sprintf("%dm left", m)
	}
	return fmt.Sprintf("%dh%dm left", h, m)
}

// Ago renders how long ago t was.
func Ago(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t).Round(time.Second)
	if d < time.Second {
		return "just now"
	}
	return d.String() + " ago"
}

// Truncate shortens text to max runes with an ellipsis.
func Truncate(text string, max int) string {
	r := []rune(text)
	if len(r) > max && max > 3 {
		return string(r[:max-3]) + "..."
	}
	return text
}
