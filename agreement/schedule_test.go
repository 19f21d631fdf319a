package agreement

import (
	"testing"
	"time"

	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/stretchr/testify/require"
)

// 2021-06-06 is a Sunday.
func at(day int, hhmm string) time.Time {
	t, err := time.Parse("2006-01-02 1504", "2021-06-06 "+hhmm)
	if err != nil {
		panic(err)
	}
	return t.AddDate(0, 0, day)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		name  string
		sched string
		open  []time.Time
		shut  []time.Time
	}{
		{
			name:  "always",
			sched: "",
			open:  []time.Time{at(0, "0000"), at(3, "1234")},
		},
		{
			name:  "business hours on weekdays",
			sched: "0800-1700 12345",
			open:  []time.Time{at(1, "0800"), at(5, "1700"), at(3, "1200")},
			shut:  []time.Time{at(1, "0759"), at(1, "1701"), at(0, "1200"), at(6, "1200")},
		},
		{
			name:  "every day when no days are listed",
			sched: "0100-0200",
			open:  []time.Time{at(0, "0130"), at(6, "0130")},
			shut:  []time.Time{at(0, "0300")},
		},
		{
			name:  "window past midnight",
			sched: "2200-0200 5",
			// Friday 23:00 and Saturday 01:00 belong to Friday's window
			open: []time.Time{at(5, "2300"), at(6, "0100")},
			shut: []time.Time{at(5, "0100"), at(6, "2300"), at(6, "0201")},
		},
		{
			name:  "never",
			sched: "1000-1000",
			shut:  []time.Time{at(0, "1000"), at(1, "0000")},
		},
		{
			name:  "whole week",
			sched: "0000-2359 0123456",
			open:  []time.Time{at(0, "0000"), at(3, "2359"), at(6, "1200")},
		},
		{
			name:  "never on sundays",
			sched: "0000-0000 0",
			shut:  []time.Time{at(0, "0000"), at(0, "1200"), at(1, "0000"), at(6, "2359")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := ParseSchedule(tt.sched)
			require.NoError(t, err)
			require.Equal(t, tt.sched == "", s.Always())
			for _, tm := range tt.open {
				require.True(t, s.Open(tm), "expected open at %s", tm)
			}
			for _, tm := range tt.shut {
				require.False(t, s.Open(tm), "expected closed at %s", tm)
			}
		})
	}
}

func TestParseSchedule_Invalid(t *testing.T) {
	for _, s := range []string{
		"0800",
		"0800-2500",
		"0860-0900",
		"08:00-09:00",
		"0800-0900 7",
		"0800-0900 11",
		"0800-0900 1 2",
	} {
		_, err := ParseSchedule(s)
		require.Equal(t, errors.EInvalid, errors.ErrorCode(err), s)
	}
}

func TestSchedule_NextOpen(t *testing.T) {
	s, err := ParseSchedule("0800-1700 1")
	require.NoError(t, err)

	next, ok := s.NextOpen(at(0, "2330"))
	require.True(t, ok)
	require.Equal(t, at(1, "0800"), next)

	now := at(1, "0930")
	next, ok = s.NextOpen(now)
	require.True(t, ok)
	require.Equal(t, now, next)

	never, err := ParseSchedule("1000-1000")
	require.NoError(t, err)
	_, ok = never.NextOpen(now)
	require.False(t, ok)

	never, err = ParseSchedule("0000-0000 0")
	require.NoError(t, err)
	_, ok = never.NextOpen(at(0, "0000"))
	require.False(t, ok)
}

func TestBackoff(t *testing.T) {
	b := newBackoff(time.Second, 5*time.Second)
	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.Next())
	}
	require.Equal(t, []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second,
	}, got)

	b.Reset()
	require.Equal(t, time.Second, b.Next())
}
