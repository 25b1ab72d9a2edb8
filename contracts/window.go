package contracts

import (
	"errors"
	"fmt"
	"time"
)

// WindowTimeFormat is the wire format of window timestamps (UTC)
const WindowTimeFormat = "2006-01-02T15:04:05"

var (
	ErrWindowPending = errors.New("gofer: window pending")
	ErrWindowMissed  = errors.New("gofer: window missed")
)

// WindowUnits maps the accepted duration keys to their length
var WindowUnits = map[string]time.Duration{
	"seconds": time.Second,
	"minutes": time.Minute,
	"hours":   time.Hour,
	"days":    24 * time.Hour,
	"weeks":   7 * 24 * time.Hour,
}

// Window is a maintenance window attached to a request. The agent
// executes the request only while the window is open.
type Window struct {
	Begin time.Time
	End   time.Time

	unit  string
	count int
}

// NewWindow creates a window between begin and end. A zero begin means
// now and a zero end means one hour after begin.
func NewWindow(begin, end time.Time) (*Window, error) {
	if begin.IsZero() {
		begin = time.Now()
	}
	if end.IsZero() {
		end = begin.Add(time.Hour)
	}
	begin, end = begin.UTC().Truncate(time.Second), end.UTC().Truncate(time.Second)
	if end.Before(begin) {
		return nil, fmt.Errorf("%w: end %s before begin %s", ErrInvalidWindow,
			end.Format(WindowTimeFormat), begin.Format(WindowTimeFormat))
	}
	return &Window{Begin: begin, End: end}, nil
}

// NewWindowFor creates a window that opens at begin and lasts count units
func NewWindowFor(begin time.Time, unit string, count int) (*Window, error) {
	size, ok := WindowUnits[unit]
	if !ok {
		return nil, fmt.Errorf("%w: unknown unit %q", ErrInvalidWindow, unit)
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: %s must be positive", ErrInvalidWindow, unit)
	}
	if begin.IsZero() {
		begin = time.Now()
	}
	begin = begin.UTC().Truncate(time.Second)
	return &Window{
		Begin: begin,
		End:   begin.Add(time.Duration(count) * size),
		unit:  unit,
		count: count,
	}, nil
}

// ParseWindow rebuilds a window from its wire form
func ParseWindow(m map[string]any) (*Window, error) {
	raw, ok := m["begin"]
	if !ok {
		return nil, fmt.Errorf("%w: must specify \"begin\"", ErrInvalidWindow)
	}
	begin, err := parseWindowTime(raw)
	if err != nil {
		return nil, err
	}
	if raw, ok := m["end"]; ok {
		end, err := parseWindowTime(raw)
		if err != nil {
			return nil, err
		}
		return NewWindow(begin, end)
	}
	for unit := range WindowUnits {
		if v, ok := m[unit]; ok {
			n, err := windowCount(v)
			if err != nil {
				return nil, err
			}
			return NewWindowFor(begin, unit, n)
		}
	}
	return nil, fmt.Errorf("%w: must have \"end\" or one of seconds, minutes, hours, days, weeks", ErrInvalidWindow)
}

// Map returns the wire form passed through to the agent
func (w *Window) Map() map[string]any {
	m := map[string]any{"begin": w.Begin.Format(WindowTimeFormat)}
	if w.unit != "" {
		m[w.unit] = w.count
	} else {
		m["end"] = w.End.Format(WindowTimeFormat)
	}
	return m
}

// Contains reports whether t falls inside the window
func (w *Window) Contains(t time.Time) bool {
	t = t.UTC()
	return !t.Before(w.Begin) && t.Before(w.End)
}

// Check returns ErrWindowPending before the window opens and
// ErrWindowMissed after it closes.
func (w *Window) Check(now time.Time) error {
	now = now.UTC()
	switch {
	case now.Before(w.Begin):
		return ErrWindowPending
	case !now.Before(w.End):
		return ErrWindowMissed
	}
	return nil
}

func parseWindowTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.ParseInLocation(WindowTimeFormat, t, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: %v", ErrInvalidWindow, err)
		}
		return parsed, nil
	}
	return time.Time{}, fmt.Errorf("%w: unsupported timestamp %T", ErrInvalidWindow, v)
}

func windowCount(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	}
	return 0, fmt.Errorf("%w: unsupported duration %T", ErrInvalidWindow, v)
}
