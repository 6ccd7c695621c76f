package schedules

import (
	"sort"
	"time"
)

// NextRunAt computes the next UTC fire instant for s as observed at now.
// It is a pure function: no store access, no wall clock.
//
// Rules:
//   - inactive schedules never fire (nil).
//   - once returns run_at verbatim, even if already past; the claim
//     predicate picks it up on the next tick.
//   - interval advances from the previous next_run_at (or now when unset)
//     in every_minutes steps until strictly past now. Missed fires while
//     the process was down collapse into the single next tick.
//   - daily picks the first configured local time strictly after now in
//     the schedule's zone, rolling to the earliest time of the next local
//     day when all of today's candidates have passed.
func NextRunAt(s *Schedule, now time.Time) *time.Time {
	if !s.Active {
		return nil
	}

	switch s.Type {
	case TypeOnce:
		if s.RunAt == nil {
			return nil
		}
		t := s.RunAt.UTC()
		return &t

	case TypeInterval:
		if s.EveryMinutes == nil || *s.EveryMinutes < 1 {
			return nil
		}
		step := time.Duration(*s.EveryMinutes) * time.Minute
		base := now
		if s.NextRunAt != nil {
			base = *s.NextRunAt
		}
		next := base.Add(step)
		for !next.After(now) {
			next = next.Add(step)
		}
		next = next.UTC()
		return &next

	case TypeDaily:
		return nextDaily(s, now)
	}
	return nil
}

// localTime is a parsed HH:MM wall-clock candidate.
type localTime struct {
	hour, minute int
}

func nextDaily(s *Schedule, now time.Time) *time.Time {
	zone := "UTC"
	if s.Timezone != nil && *s.Timezone != "" {
		zone = *s.Timezone
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		// Unknown zones are rejected at the API edge; a stored one that no
		// longer resolves makes the schedule non-firing rather than fatal.
		return nil
	}

	raw := s.TimesHHMM
	if len(raw) == 0 && s.TimeHHMM != nil {
		raw = []string{*s.TimeHHMM}
	}

	var candidates []localTime
	for _, v := range raw {
		hh, mm, ok := ParseHHMM(v)
		if !ok {
			continue // drop unparseable entries silently
		}
		candidates = append(candidates, localTime{hh, mm})
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].hour != candidates[j].hour {
			return candidates[i].hour < candidates[j].hour
		}
		return candidates[i].minute < candidates[j].minute
	})

	localNow := now.In(loc)
	for _, c := range candidates {
		cand := time.Date(localNow.Year(), localNow.Month(), localNow.Day(),
			c.hour, c.minute, 0, 0, loc)
		if cand.After(localNow) {
			utc := cand.UTC()
			return &utc
		}
	}

	// All of today's candidates have passed; earliest time tomorrow.
	tomorrow := localNow.AddDate(0, 0, 1)
	first := candidates[0]
	cand := time.Date(tomorrow.Year(), tomorrow.Month(), tomorrow.Day(),
		first.hour, first.minute, 0, 0, loc)
	utc := cand.UTC()
	return &utc
}

// ParseHHMM parses a strict "HH:MM" wall-clock string.
// Hours 00-23, minutes 00-59, zero padding required.
func ParseHHMM(v string) (hour, minute int, ok bool) {
	if len(v) != 5 || v[2] != ':' {
		return 0, 0, false
	}
	for _, i := range []int{0, 1, 3, 4} {
		if v[i] < '0' || v[i] > '9' {
			return 0, 0, false
		}
	}
	hour = int(v[0]-'0')*10 + int(v[1]-'0')
	minute = int(v[3]-'0')*10 + int(v[4]-'0')
	if hour > 23 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
