package doc

import (
	"fmt"
	"strings"
)

// Projection is the linear plain-text view of a document plus the map from
// each plain-text character (rune index) back to the document position it
// came from. len(PositionMap) always equals the rune length of PlainText.
type Projection struct {
	PlainText   string
	PositionMap []int
}

// Len returns the projection length in characters.
func (p Projection) Len() int {
	return len(p.PositionMap)
}

type projector struct {
	buf  strings.Builder
	pm   []int
	pos  int
	sep  bool // last appended rune was a block separator
}

// Project walks the document in order and produces its plain-text
// projection together with the position map, one map entry per character.
// The walk is deterministic and leaves the document untouched; projecting
// an unchanged document twice yields identical output.
//
// Text runs contribute one character per rune, each mapped to the run's
// start position plus the intra-run offset. An explicit line break
// contributes "\n" mapped to the break's own position. A block that
// appended any content since it was entered contributes a separating "\n"
// mapped to its end boundary, except when the block's last child already
// closed with a separator (nested blocks share one separator rather than
// stacking blank lines). The single trailing separator is trimmed.
func (d *Document) Project() (Projection, error) {
	w := &projector{}
	for _, child := range d.node(d.root).Children {
		w.walk(d, child)
	}

	text := w.buf.String()
	pm := w.pm
	if w.sep {
		text = text[:len(text)-1]
		pm = pm[:len(pm)-1]
	}

	proj := Projection{PlainText: text, PositionMap: pm}
	if err := proj.validate(); err != nil {
		return Projection{}, err
	}
	return proj, nil
}

func (w *projector) walk(d *Document, id NodeID) {
	n := d.node(id)
	switch n.Kind {
	case KindText:
		for _, r := range n.Text {
			w.append(r, w.pos)
			w.pos++
		}

	case KindHardBreak:
		w.append('\n', w.pos)
		w.pos++

	case KindMention:
		// The mention occupies a single document position; every rune of
		// its label maps to that position.
		for _, r := range n.Label {
			w.append(r, w.pos)
		}
		w.pos++

	default: // block-level
		w.pos++ // opening boundary
		mark := len(w.pm)
		for _, child := range n.Children {
			w.walk(d, child)
		}
		if len(w.pm) > mark && !w.sep {
			w.buf.WriteRune('\n')
			w.pm = append(w.pm, w.pos)
			w.sep = true
		}
		w.pos++ // closing boundary
	}
}

func (w *projector) append(r rune, pos int) {
	w.buf.WriteRune(r)
	w.pm = append(w.pm, pos)
	w.sep = false
}

func (p Projection) validate() error {
	runes := 0
	for range p.PlainText {
		runes++
	}
	if runes != len(p.PositionMap) {
		return fmt.Errorf("projection invariant violated: %d characters, %d map entries", runes, len(p.PositionMap))
	}
	for i := 1; i < len(p.PositionMap); i++ {
		if p.PositionMap[i] < p.PositionMap[i-1] {
			return fmt.Errorf("projection invariant violated: position map decreases at %d", i)
		}
	}
	return nil
}
