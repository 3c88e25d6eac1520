package doc

import (
	"fmt"
	"unicode/utf8"
)

// Transform describes how a single ReplaceRange edit moves document
// positions: [From, To) was removed and Inserted positions took its place.
type Transform struct {
	From     int
	To       int
	Inserted int
}

func (t Transform) delta() int {
	return t.Inserted - (t.To - t.From)
}

// MapPos maps a single position through the edit. Positions inside the
// replaced range collapse to its start.
func (t Transform) MapPos(p int) int {
	switch {
	case p <= t.From:
		return p
	case p >= t.To:
		return p + t.delta()
	default:
		return t.From
	}
}

// MapRange maps a half-open range through the edit. ok is false when the
// edit deleted the entire range; a surviving range is clipped to the
// content that remains and never dangles past either side of the edit.
func (t Transform) MapRange(from, to int) (newFrom, newTo int, ok bool) {
	d := t.delta()
	switch {
	case to <= t.From:
		return from, to, true
	case from >= t.To:
		return from + d, to + d, true
	case from >= t.From && to <= t.To:
		return 0, 0, false
	case from <= t.From && to >= t.To:
		return from, to + d, true
	case from < t.From:
		return from, t.From, true
	default:
		return t.From + t.Inserted, to + d, true
	}
}

// inlineSpan is the editable inline content of one textblock:
// document positions [start, end), with end == start + atom count.
type inlineSpan struct {
	block NodeID
	start int
	end   int
}

type nodeRange struct {
	start int
	end   int
}

// layout computes, in one walk, the inline spans of every textblock and
// the full boundary-to-boundary range of every block node.
func (d *Document) layout() ([]inlineSpan, map[NodeID]nodeRange) {
	var spans []inlineSpan
	ranges := make(map[NodeID]nodeRange)

	pos := 0
	var walk func(id NodeID)
	walk = func(id NodeID) {
		n := d.node(id)
		switch n.Kind {
		case KindText:
			pos += utf8.RuneCountInString(n.Text)
		case KindHardBreak, KindMention:
			pos++
		default:
			start := pos
			pos++
			contentStart := pos
			for _, child := range n.Children {
				walk(child)
			}
			if n.Kind.Textblock() {
				spans = append(spans, inlineSpan{block: id, start: contentStart, end: pos})
			}
			pos++
			ranges[id] = nodeRange{start: start, end: pos}
		}
	}
	for _, child := range d.node(d.root).Children {
		walk(child)
	}
	return spans, ranges
}

// atom is one unit of inline content occupying a single position slot.
// Text runs flatten to one atom per rune; hard breaks and mentions are
// single atoms.
type atom struct {
	kind  Kind
	r     rune
	label string
	refID string
}

func (d *Document) atoms(block NodeID) []atom {
	var out []atom
	for _, childID := range d.node(block).Children {
		child := d.node(childID)
		switch child.Kind {
		case KindText:
			for _, r := range child.Text {
				out = append(out, atom{kind: KindText, r: r})
			}
		case KindHardBreak:
			out = append(out, atom{kind: KindHardBreak})
		case KindMention:
			out = append(out, atom{kind: KindMention, label: child.Label, refID: child.RefID})
		}
	}
	return out
}

func textAtoms(text string) []atom {
	var out []atom
	for _, r := range text {
		out = append(out, atom{kind: KindText, r: r})
	}
	return out
}

// setInlineContent rebuilds a textblock's children from an atom slice,
// merging consecutive text atoms into single runs.
func (d *Document) setInlineContent(block NodeID, atoms []atom) {
	var children []NodeID
	var run []rune
	flush := func() {
		if len(run) > 0 {
			children = append(children, d.alloc(Node{Kind: KindText, Text: string(run)}))
			run = nil
		}
	}
	for _, a := range atoms {
		switch a.kind {
		case KindText:
			run = append(run, a.r)
		case KindHardBreak:
			flush()
			children = append(children, d.alloc(Node{Kind: KindHardBreak}))
		case KindMention:
			flush()
			children = append(children, d.alloc(Node{Kind: KindMention, Label: a.label, RefID: a.refID}))
		}
	}
	flush()
	d.node(block).Children = children
}

// ReplaceRange replaces the document positions [from, to) with the given
// plain text and reports the resulting position transform. Both endpoints
// must fall inside (or at the edge of) a textblock's inline content. A
// range spanning several blocks deletes the fully covered blocks and
// merges the tail of the last block into the first; containers emptied by
// the deletion are removed as well. The edit either fully applies or
// leaves the document untouched.
func (d *Document) ReplaceRange(from, to int, text string) (Transform, error) {
	if from < 0 || to < from {
		return Transform{}, fmt.Errorf("invalid range [%d, %d)", from, to)
	}

	spans, ranges := d.layout()
	if len(spans) == 0 {
		if from != 0 || to != 0 {
			return Transform{}, fmt.Errorf("position %d outside empty document", to)
		}
		if text == "" {
			return Transform{}, nil
		}
		para := d.alloc(Node{Kind: KindParagraph})
		d.setInlineContent(para, textAtoms(text))
		d.node(d.root).Children = append(d.node(d.root).Children, para)
		return Transform{From: 0, To: 0, Inserted: utf8.RuneCountInString(text)}, nil
	}

	first, ok := spanAt(spans, from)
	if !ok {
		return Transform{}, fmt.Errorf("position %d is not inside editable content", from)
	}
	last, ok := spanAt(spans, to)
	if !ok {
		return Transform{}, fmt.Errorf("position %d is not inside editable content", to)
	}

	head := d.atoms(first.block)[:from-first.start]
	tail := d.atoms(last.block)[to-last.start:]
	d.setInlineContent(first.block, append(append(head, textAtoms(text)...), tail...))

	if last.block != first.block {
		d.prune(d.root, first.block, last.block, from, to, ranges)
	}

	return Transform{From: from, To: to, Inserted: utf8.RuneCountInString(text)}, nil
}

func spanAt(spans []inlineSpan, p int) (inlineSpan, bool) {
	for _, s := range spans {
		if p >= s.start && p <= s.end {
			return s, true
		}
	}
	return inlineSpan{}, false
}

// prune removes blocks consumed by a cross-block deletion: the last block
// (its surviving tail has been merged into the first), every block fully
// inside the deleted range, and any container left childless. Ranges are
// the pre-edit layout.
func (d *Document) prune(parent, keep, last NodeID, from, to int, ranges map[NodeID]nodeRange) {
	var kept []NodeID
	for _, id := range d.node(parent).Children {
		n := d.node(id)
		if !n.Kind.Block() {
			kept = append(kept, id)
			continue
		}
		if id == last {
			continue
		}
		if id != keep {
			if r := ranges[id]; r.start >= from && r.end <= to {
				continue
			}
		}
		if !n.Kind.Textblock() {
			d.prune(id, keep, last, from, to, ranges)
			if len(d.node(id).Children) == 0 {
				continue
			}
		}
		kept = append(kept, id)
	}
	d.node(parent).Children = kept
}
