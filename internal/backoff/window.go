package backoff

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily time range, expressed as offsets from local midnight.
// A window whose End is before its Start wraps past midnight.
type Window struct {
	Start time.Duration
	End   time.Duration
}

// ParseWindow parses "HH:MM-HH:MM" (e.g. "22:00-02:30").
func ParseWindow(s string) (Window, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return Window{}, fmt.Errorf("window %q: expected HH:MM-HH:MM", s)
	}
	start, err := parseClock(from)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	end, err := parseClock(to)
	if err != nil {
		return Window{}, fmt.Errorf("window %q: %w", s, err)
	}
	if start == end {
		return Window{}, fmt.Errorf("window %q: empty range", s)
	}
	return Window{Start: start, End: end}, nil
}

// MustParseWindow is like [ParseWindow] but panics on error.
func MustParseWindow(s string) Window {
	w, err := ParseWindow(s)
	if err != nil {
		panic(err)
	}
	return w
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// Contains reports whether the time of day of t falls inside the window.
func (w Window) Contains(t time.Time) bool {
	h, m, s := t.Clock()
	tod := time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(s)*time.Second
	if w.Start < w.End {
		return tod >= w.Start && tod < w.End
	}
	return tod >= w.Start || tod < w.End
}

// String renders the window as HH:MM-HH:MM.
func (w Window) String() string {
	return fmt.Sprintf("%s-%s", clock(w.Start), clock(w.End))
}

func clock(d time.Duration) string {
	return fmt.Sprintf("%02d:%02d", int(d/time.Hour), int(d%time.Hour/time.Minute))
}

// Schedule groups the time-of-day windows of one retailer.
type Schedule struct {
	Peak        []Window
	OffPeak     []Window
	Maintenance []Window
}

// multiplier returns the time-of-day factor at t; ok is false inside a
// maintenance window.
func (s Schedule) multiplier(t time.Time, peak, offPeak float64) (float64, bool) {
	for _, w := range s.Maintenance {
		if w.Contains(t) {
			return 0, false
		}
	}
	for _, w := range s.Peak {
		if w.Contains(t) {
			return peak, true
		}
	}
	for _, w := range s.OffPeak {
		if w.Contains(t) {
			return offPeak, true
		}
	}
	return 1, true
}
