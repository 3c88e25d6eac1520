package editor

import (
	"github.com/google/uuid"

	"lorekeep/api/internal/analysis"
	"lorekeep/api/internal/doc"
)

// Annotation is one analysis finding anchored to a live document range.
// SourceStart/SourceEnd are the character offsets the analysis service
// reported; From/To are document positions derived from the position map
// that was current when the result was applied, and they slide with every
// subsequent edit.
type Annotation struct {
	ID           string   `json:"id"`
	SourceStart  int      `json:"sourceStart"`
	SourceEnd    int      `json:"sourceEnd"`
	From         int      `json:"from"`
	To           int      `json:"to"`
	Message      string   `json:"message"`
	ShortMessage string   `json:"shortMessage,omitempty"`
	Rule         string   `json:"rule,omitempty"`
	Replacements []string `json:"replacements,omitempty"`
}

// annotationsFromMatches re-anchors analysis matches through the draft's
// current position map. Offsets are only meaningful at apply time: a match
// computed against older text is anchored against the positions the
// current map assigns to those offsets, and matches that no longer fit
// inside the projection are dropped, never applied partially.
func annotationsFromMatches(matches []analysis.Match, draft Draft) []Annotation {
	pm := draft.PositionMap
	out := make([]Annotation, 0, len(matches))
	for _, m := range matches {
		start := m.Offset
		end := m.Offset + m.Length
		if start < 0 || end > len(pm) || start >= end {
			continue
		}
		out = append(out, Annotation{
			ID:           uuid.NewString(),
			SourceStart:  start,
			SourceEnd:    end,
			From:         pm[start],
			To:           pm[end-1] + 1,
			Message:      m.Message,
			ShortMessage: m.ShortMessage,
			Rule:         m.Rule,
			Replacements: m.Replacements,
		})
	}
	return out
}

// removeAnnotation deletes exactly one annotation by identity, leaving the
// rest untouched even when their ranges touch or overlap the removed one.
func removeAnnotation(list []Annotation, id string) ([]Annotation, bool) {
	for i, ann := range list {
		if ann.ID == id {
			out := make([]Annotation, 0, len(list)-1)
			out = append(out, list[:i]...)
			return append(out, list[i+1:]...), true
		}
	}
	return list, false
}

// remapAnnotations slides every annotation range through an edit's
// transform. Ranges the edit fully deleted are dropped; nothing is ever
// left dangling on positions that no longer exist.
func remapAnnotations(list []Annotation, tr doc.Transform) []Annotation {
	out := make([]Annotation, 0, len(list))
	for _, ann := range list {
		from, to, ok := tr.MapRange(ann.From, ann.To)
		if !ok || to <= from {
			continue
		}
		ann.From = from
		ann.To = to
		out = append(out, ann)
	}
	return out
}
