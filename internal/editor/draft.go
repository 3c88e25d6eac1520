// Package editor is the narrative editor core: the versioned draft bundle,
// the annotation overlay that survives edits, the debounced analysis
// coordinator, and the snapshot/draft recovery state machine. A Session
// serializes all of it so every observable state change is a single step.
package editor

import (
	"encoding/json"
	"fmt"

	"lorekeep/api/internal/doc"
)

// Draft bundles the serialized document, its plain-text projection, and the
// position map as one snapshot-in-time value. Drafts are superseded, never
// mutated; the only prior draft ever retained is the recovery backup.
type Draft struct {
	Serialized  json.RawMessage
	PlainText   string
	PositionMap []int
}

// NewDraft projects a document into a fresh draft. A projection invariant
// failure aborts with an error rather than producing a partial draft.
func NewDraft(d *doc.Document) (Draft, error) {
	serialized, err := d.Serialize()
	if err != nil {
		return Draft{}, err
	}
	proj, err := d.Project()
	if err != nil {
		return Draft{}, fmt.Errorf("project document: %w", err)
	}
	return Draft{
		Serialized:  serialized,
		PlainText:   proj.PlainText,
		PositionMap: proj.PositionMap,
	}, nil
}
