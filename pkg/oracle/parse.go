package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var errNoDocument = errors.New("no JSON object in output")

// Parse decodes raw oracle output into a Proposal. Chat models like to wrap
// JSON in prose or code fences, so the outermost object is extracted first.
func Parse(raw []byte) (*Proposal, error) {
	doc := extractObject(raw)
	if doc == nil {
		return nil, newError(KindMalformed, errNoDocument)
	}

	var p Proposal
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, newError(KindMalformed, err)
	}
	if p.Rejected != "" {
		return nil, newError(KindRejected, errors.New(p.Rejected))
	}
	for i, day := range p.Days {
		if day.DayIndex < 0 {
			return nil, newError(KindMalformed, fmt.Errorf("day %d has negative day_index %d", i, day.DayIndex))
		}
	}
	return &p, nil
}

func extractObject(raw []byte) []byte {
	start := bytes.IndexByte(raw, '{')
	end := bytes.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return nil
	}
	return raw[start : end+1]
}
