package agreement

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dirsrv/replication/kit/platform/errors"
)

// Schedule is an update window in the nsds5ReplicaUpdateSchedule format
// "HHMM-HHMM DDDDDDD": a start and an inclusive end time, then the days of
// the week the window opens on (0 is Sunday). A window whose end is before
// its start runs past midnight into the next day. The zero Schedule is
// always open.
type Schedule struct {
	set   bool
	start int // minutes after midnight
	end   int
	days  [7]bool
	text  string
}

// ParseSchedule parses s. An empty string yields an always open schedule;
// a missing day list means every day.
func ParseSchedule(s string) (Schedule, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Schedule{}, nil
	}
	fail := func(msg string) (Schedule, error) {
		return Schedule{}, &errors.Error{
			Code: errors.EInvalid,
			Op:   "agreement.ParseSchedule",
			Msg:  fmt.Sprintf("invalid schedule %q: %s", s, msg),
		}
	}

	fields := strings.Fields(s)
	if len(fields) > 2 {
		return fail("expected HHMM-HHMM DDDDDDD")
	}
	window := strings.Split(fields[0], "-")
	if len(window) != 2 {
		return fail("expected HHMM-HHMM")
	}
	start, err := parseHHMM(window[0])
	if err != nil {
		return fail(err.Error())
	}
	end, err := parseHHMM(window[1])
	if err != nil {
		return fail(err.Error())
	}

	sch := Schedule{set: true, start: start, end: end, text: s}
	if len(fields) == 1 {
		for d := range sch.days {
			sch.days[d] = true
		}
		return sch, nil
	}
	for _, c := range fields[1] {
		if c < '0' || c > '6' {
			return fail(fmt.Sprintf("invalid day %q", c))
		}
		if sch.days[c-'0'] {
			return fail(fmt.Sprintf("day %q listed twice", c))
		}
		sch.days[c-'0'] = true
	}
	return sch, nil
}

func parseHHMM(s string) (int, error) {
	if len(s) != 4 {
		return 0, fmt.Errorf("time %q is not HHMM", s)
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("time %q is not HHMM", s)
	}
	h, m := n/100, n%100
	if h > 23 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}

// Always reports whether the schedule never closes.
func (s Schedule) Always() bool {
	return !s.set
}

// Open reports whether t falls inside the window.
func (s Schedule) Open(t time.Time) bool {
	if !s.set {
		return true
	}
	if s.start == s.end {
		return false
	}
	m := t.Hour()*60 + t.Minute()
	today := int(t.Weekday())
	if s.start < s.end {
		return s.days[today] && m >= s.start && m <= s.end
	}
	// the window opened yesterday and runs past midnight
	yesterday := (today + 6) % 7
	return (s.days[today] && m >= s.start) || (s.days[yesterday] && m <= s.end)
}

// NextOpen returns the first minute at or after t inside the window. It
// returns false for a window that never opens.
func (s Schedule) NextOpen(t time.Time) (time.Time, bool) {
	if s.Open(t) {
		return t, true
	}
	next := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 8*24*60; i++ {
		if s.Open(next) {
			return next, true
		}
		next = next.Add(time.Minute)
	}
	return time.Time{}, false
}

func (s Schedule) String() string {
	return s.text
}
