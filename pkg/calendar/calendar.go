// Package calendar maps relative day indexes onto calendar dates.
//
// The oracle never does date arithmetic; it only sees a day index and the
// weekday label. Every absolute date in the ledger is produced here.
package calendar

import (
	"fmt"
	"strings"
	"time"

	"github.com/arnavshah/rota-api-go/pkg/models"
)

// SkipPolicy describes which dates are not duty days
type SkipPolicy struct {
	Weekdays map[time.Weekday]bool
	Holidays map[string]bool
}

// DayRef ties a day index to its resolved date
type DayRef struct {
	Index   int    `json:"day_index"`
	Date    string `json:"date,omitempty"`
	Weekday string `json:"weekday"`
}

// NewSkipPolicy builds a policy from weekday names ("saturday", "Sun", ...) and YYYY-MM-DD holidays
func NewSkipPolicy(skipWeekends bool, weekdays []string, holidays []string) (SkipPolicy, error) {
	p := SkipPolicy{
		Weekdays: make(map[time.Weekday]bool),
		Holidays: make(map[string]bool),
	}
	if skipWeekends {
		p.Weekdays[time.Saturday] = true
		p.Weekdays[time.Sunday] = true
	}
	for _, name := range weekdays {
		wd, err := ParseWeekday(name)
		if err != nil {
			return SkipPolicy{}, err
		}
		p.Weekdays[wd] = true
	}
	if len(p.Weekdays) == 7 {
		return SkipPolicy{}, fmt.Errorf("skip policy excludes every weekday")
	}
	for _, h := range holidays {
		d, err := ParseDate(h)
		if err != nil {
			return SkipPolicy{}, fmt.Errorf("holiday %q: %w", h, err)
		}
		p.Holidays[d.Format(models.DateLayout)] = true
	}
	return p, nil
}

// Skips reports whether the date is excluded by the policy
func (p SkipPolicy) Skips(d time.Time) bool {
	// A policy that skips every weekday would never yield a date
	if len(p.Weekdays) < 7 && p.Weekdays[d.Weekday()] {
		return true
	}
	return p.Holidays[d.Format(models.DateLayout)]
}

// Resolve returns the dayIndex-th duty date on or after start.
// Index 0 is the first date at or after start that the policy does not skip.
func Resolve(dayIndex int, start time.Time, policy SkipPolicy) time.Time {
	d := Midnight(start)
	for policy.Skips(d) {
		d = d.AddDate(0, 0, 1)
	}
	for i := 0; i < dayIndex; i++ {
		d = d.AddDate(0, 0, 1)
		for policy.Skips(d) {
			d = d.AddDate(0, 0, 1)
		}
	}
	return d
}

// Window resolves days 0..n-1 in one pass
func Window(start time.Time, n int, policy SkipPolicy) []DayRef {
	refs := make([]DayRef, 0, n)
	if n <= 0 {
		return refs
	}
	d := Resolve(0, start, policy)
	for i := 0; i < n; i++ {
		if i > 0 {
			d = d.AddDate(0, 0, 1)
			for policy.Skips(d) {
				d = d.AddDate(0, 0, 1)
			}
		}
		refs = append(refs, DayRef{Index: i, Date: d.Format(models.DateLayout), Weekday: d.Weekday().String()})
	}
	return refs
}

// Midnight truncates t to its calendar date in UTC, keeping t's wall-clock date
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD date
func ParseDate(s string) (time.Time, error) {
	return time.Parse(models.DateLayout, strings.TrimSpace(s))
}

// ParseWeekday accepts full or three-letter English weekday names, any case
func ParseWeekday(name string) (time.Weekday, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		full := strings.ToLower(wd.String())
		if n == full || (len(n) >= 3 && strings.HasPrefix(full, n)) {
			return wd, nil
		}
	}
	return time.Sunday, fmt.Errorf("unknown weekday %q", name)
}
