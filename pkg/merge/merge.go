// Package merge combines newly generated duty days with the existing pool
package merge

import (
	"fmt"
	"sort"

	"github.com/arnavshah/rota-api-go/pkg/models"
)

// Apply merges fresh days into pool under mode and returns a new pool sorted
// by date with at most one entry per date. Neither input is modified.
// runStart is the first date of the run (YYYY-MM-DD), used by replaceFuture.
func Apply(pool, fresh []models.DutyDay, mode models.ApplyMode, runStart string) ([]models.DutyDay, error) {
	var kept []models.DutyDay
	switch mode {
	case models.ApplyAppend:
		kept = pool
	case models.ApplyReplaceFuture:
		for _, day := range pool {
			if day.Date < runStart {
				kept = append(kept, day)
			}
		}
	case models.ApplyReplaceOverlap:
		lo, hi := span(fresh)
		for _, day := range pool {
			if len(fresh) == 0 || day.Date < lo || day.Date > hi {
				kept = append(kept, day)
			}
		}
	case models.ApplyReplaceAll:
		kept = nil
	default:
		return nil, fmt.Errorf("unknown apply mode %q", mode)
	}

	// Most recent write wins per date: fresh entries overwrite kept ones
	byDate := make(map[string]models.DutyDay, len(kept)+len(fresh))
	for _, day := range kept {
		byDate[day.Date] = day.Clone()
	}
	for _, day := range fresh {
		byDate[day.Date] = day.Clone()
	}

	out := make([]models.DutyDay, 0, len(byDate))
	for _, day := range byDate {
		out = append(out, day)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// span returns the lowest and highest date among days. ISO dates sort lexically.
func span(days []models.DutyDay) (string, string) {
	if len(days) == 0 {
		return "", ""
	}
	lo, hi := days[0].Date, days[0].Date
	for _, day := range days[1:] {
		if day.Date < lo {
			lo = day.Date
		}
		if day.Date > hi {
			hi = day.Date
		}
	}
	return lo, hi
}

// Between returns the pool entries with from <= date <= to; empty bounds are open
func Between(pool []models.DutyDay, from, to string) []models.DutyDay {
	out := []models.DutyDay{}
	for _, day := range pool {
		if (from == "" || day.Date >= from) && (to == "" || day.Date <= to) {
			out = append(out, day.Clone())
		}
	}
	return out
}
