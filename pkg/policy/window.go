package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Window format: "MON-FRI 09:00-17:00 Asia/Tokyo", a comma list of days
// ("SAT,SUN 10:00-12:00 UTC"), or the literals "always" / "never". Day
// ranges wrap (SAT-MON covers SAT, SUN, MON); time ranges may span
// midnight (22:00-06:00).
var windowRe = regexp.MustCompile(`^([A-Z\-,\s]+)\s+(\d{2}:\d{2})-(\d{2}:\d{2})\s+([A-Za-z/_+\-0-9]+)$`)

var dayIndex = map[string]time.Weekday{
	"SUN": time.Sunday, "MON": time.Monday, "TUE": time.Tuesday,
	"WED": time.Wednesday, "THU": time.Thursday, "FRI": time.Friday,
	"SAT": time.Saturday,
}

// Window is a parsed execution window.
type Window struct {
	spec     string
	always   bool
	never    bool
	days     map[time.Weekday]bool
	startMin int
	endMin   int
	loc      *time.Location
}

// ParseWindow parses a window spec. Empty specs parse as "never": a policy
// that mentions no window grants no window.
func ParseWindow(spec string) (*Window, error) {
	trimmed := strings.TrimSpace(spec)
	switch strings.ToLower(trimmed) {
	case "always":
		return &Window{spec: trimmed, always: true}, nil
	case "", "never":
		return &Window{spec: trimmed, never: true}, nil
	}

	m := windowRe.FindStringSubmatch(trimmed)
	if m == nil {
		return nil, fmt.Errorf("window %q: want \"DAYS HH:MM-HH:MM TZ\", \"always\", or \"never\"", spec)
	}

	days, err := parseDays(m[1])
	if err != nil {
		return nil, fmt.Errorf("window %q: %w", spec, err)
	}
	start, err := parseHHMM(m[2])
	if err != nil {
		return nil, fmt.Errorf("window %q: %w", spec, err)
	}
	end, err := parseHHMM(m[3])
	if err != nil {
		return nil, fmt.Errorf("window %q: %w", spec, err)
	}
	loc, err := time.LoadLocation(m[4])
	if err != nil {
		return nil, fmt.Errorf("window %q: unknown timezone %q", spec, m[4])
	}

	return &Window{spec: trimmed, days: days, startMin: start, endMin: end, loc: loc}, nil
}

func parseDays(s string) (map[time.Weekday]bool, error) {
	out := map[time.Weekday]bool{}
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if from, to, isRange := strings.Cut(part, "-"); isRange {
			start, ok1 := dayIndex[strings.TrimSpace(from)]
			end, ok2 := dayIndex[strings.TrimSpace(to)]
			if !ok1 || !ok2 {
				return nil, fmt.Errorf("unknown day in range %q", part)
			}
			// Walk forward with wraparound: SAT-MON is SAT, SUN, MON.
			for d := start; ; d = (d + 1) % 7 {
				out[d] = true
				if d == end {
					break
				}
			}
			continue
		}
		d, ok := dayIndex[part]
		if !ok {
			return nil, fmt.Errorf("unknown day %q", part)
		}
		out[d] = true
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no days specified")
	}
	return out, nil
}

func parseHHMM(s string) (int, error) {
	hh, _ := strconv.Atoi(s[:2])
	mm, _ := strconv.Atoi(s[3:])
	if hh > 23 || mm > 59 {
		return 0, fmt.Errorf("invalid time %q", s)
	}
	return hh*60 + mm, nil
}

// Contains reports whether t falls inside the window. For overnight spans
// the day check applies to the day the span starts on.
func (w *Window) Contains(t time.Time) bool {
	if w.always {
		return true
	}
	if w.never {
		return false
	}

	local := t.In(w.loc)
	minute := local.Hour()*60 + local.Minute()

	if w.startMin <= w.endMin {
		return w.days[local.Weekday()] && minute >= w.startMin && minute < w.endMin
	}

	// Overnight span: the late side belongs to today's window, the early
	// side to the window that started yesterday.
	if minute >= w.startMin {
		return w.days[local.Weekday()]
	}
	if minute < w.endMin {
		return w.days[local.AddDate(0, 0, -1).Weekday()]
	}
	return false
}

// String returns the original spec.
func (w *Window) String() string { return w.spec }
