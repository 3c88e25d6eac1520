// Package doc holds the structured narrative document: an arena of tagged
// nodes parsed from the editor's JSON form, plus the projection and edit
// machinery built on top of it.
package doc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks serialized content that cannot be turned into a document.
var ErrMalformed = errors.New("malformed document")

type NodeID int

type Kind int

const (
	KindDoc Kind = iota
	KindParagraph
	KindHeading
	KindBulletList
	KindOrderedList
	KindListItem
	KindBlockquote
	KindText
	KindHardBreak
	KindMention
)

// Block reports whether the kind is a block-level grouping.
func (k Kind) Block() bool {
	switch k {
	case KindParagraph, KindHeading, KindBulletList, KindOrderedList, KindListItem, KindBlockquote:
		return true
	}
	return false
}

// Textblock reports whether the kind is a block whose children are inline.
func (k Kind) Textblock() bool {
	return k == KindParagraph || k == KindHeading
}

// Inline reports whether the kind is an inline leaf.
func (k Kind) Inline() bool {
	return k == KindText || k == KindHardBreak || k == KindMention
}

type Node struct {
	Kind     Kind
	Text     string // text runs
	Label    string // mention display label
	RefID    string // mention stable external identifier
	Level    int    // heading level
	Children []NodeID
}

// Document is an ordered tree of nodes over an integer-indexed arena.
// Node ids are stable for the life of the document; edits may leave
// unreferenced nodes behind in the arena.
type Document struct {
	nodes []Node
	root  NodeID
}

// New returns an empty document (a bare root with no blocks).
func New() *Document {
	d := &Document{}
	d.root = d.alloc(Node{Kind: KindDoc})
	return d
}

func (d *Document) alloc(n Node) NodeID {
	d.nodes = append(d.nodes, n)
	return NodeID(len(d.nodes) - 1)
}

func (d *Document) node(id NodeID) *Node {
	return &d.nodes[id]
}

// Root returns the root node id.
func (d *Document) Root() NodeID {
	return d.root
}

// Node returns a copy of the node with the given id.
func (d *Document) Node(id NodeID) Node {
	return d.nodes[id]
}

type wireNode struct {
	Type    string         `json:"type"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []wireNode     `json:"content,omitempty"`
	Text    string         `json:"text,omitempty"`
}

var kindByType = map[string]Kind{
	"doc":         KindDoc,
	"paragraph":   KindParagraph,
	"heading":     KindHeading,
	"bulletList":  KindBulletList,
	"orderedList": KindOrderedList,
	"listItem":    KindListItem,
	"blockquote":  KindBlockquote,
	"text":        KindText,
	"hardBreak":   KindHardBreak,
	"mention":     KindMention,
}

var typeByKind = func() map[Kind]string {
	out := make(map[Kind]string, len(kindByType))
	for name, kind := range kindByType {
		out[kind] = name
	}
	return out
}()

// Parse decodes the editor's serialized JSON form into a Document. Content
// that does not decode, or that violates the node schema, fails with an
// error wrapping ErrMalformed and produces no document.
func Parse(raw []byte) (*Document, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty serialized form", ErrMalformed)
	}
	var root wireNode
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if root.Type != "doc" {
		return nil, fmt.Errorf("%w: root node is %q, want doc", ErrMalformed, root.Type)
	}

	d := &Document{}
	d.root = d.alloc(Node{Kind: KindDoc})
	for _, child := range root.Content {
		childID, err := d.buildNode(child)
		if err != nil {
			return nil, err
		}
		if !d.node(childID).Kind.Block() {
			return nil, fmt.Errorf("%w: %s is not allowed at document top level", ErrMalformed, child.Type)
		}
		d.node(d.root).Children = append(d.node(d.root).Children, childID)
	}
	return d, nil
}

func (d *Document) buildNode(w wireNode) (NodeID, error) {
	kind, ok := kindByType[w.Type]
	if !ok {
		return 0, fmt.Errorf("%w: unknown node type %q", ErrMalformed, w.Type)
	}

	switch kind {
	case KindDoc:
		return 0, fmt.Errorf("%w: nested doc node", ErrMalformed)

	case KindText:
		if w.Text == "" {
			return 0, fmt.Errorf("%w: empty text node", ErrMalformed)
		}
		return d.alloc(Node{Kind: KindText, Text: w.Text}), nil

	case KindHardBreak:
		return d.alloc(Node{Kind: KindHardBreak}), nil

	case KindMention:
		refID, _ := w.Attrs["id"].(string)
		label, _ := w.Attrs["label"].(string)
		if refID == "" {
			return 0, fmt.Errorf("%w: mention without an id", ErrMalformed)
		}
		return d.alloc(Node{Kind: KindMention, RefID: refID, Label: label}), nil

	case KindHeading:
		level := 1
		if raw, ok := w.Attrs["level"].(float64); ok && raw >= 1 && raw <= 6 {
			level = int(raw)
		}
		id := d.alloc(Node{Kind: KindHeading, Level: level})
		return id, d.buildChildren(id, w.Content, inlineOnly)

	case KindParagraph:
		id := d.alloc(Node{Kind: KindParagraph})
		return id, d.buildChildren(id, w.Content, inlineOnly)

	case KindBulletList, KindOrderedList:
		id := d.alloc(Node{Kind: kind})
		return id, d.buildChildren(id, w.Content, listItemsOnly)

	case KindListItem:
		id := d.alloc(Node{Kind: KindListItem})
		return id, d.buildChildren(id, w.Content, blocksOnly)

	case KindBlockquote:
		id := d.alloc(Node{Kind: KindBlockquote})
		return id, d.buildChildren(id, w.Content, blocksOnly)
	}
	return 0, fmt.Errorf("%w: unhandled node type %q", ErrMalformed, w.Type)
}

type contentRule int

const (
	inlineOnly contentRule = iota
	blocksOnly
	listItemsOnly
)

func (d *Document) buildChildren(parent NodeID, content []wireNode, rule contentRule) error {
	for _, child := range content {
		childID, err := d.buildNode(child)
		if err != nil {
			return err
		}
		childKind := d.node(childID).Kind
		switch rule {
		case inlineOnly:
			if !childKind.Inline() {
				return fmt.Errorf("%w: %s inside a textblock", ErrMalformed, typeByKind[childKind])
			}
		case blocksOnly:
			if !childKind.Block() || childKind == KindListItem {
				return fmt.Errorf("%w: %s not allowed here", ErrMalformed, typeByKind[childKind])
			}
		case listItemsOnly:
			if childKind != KindListItem {
				return fmt.Errorf("%w: %s inside a list", ErrMalformed, typeByKind[childKind])
			}
		}
		d.node(parent).Children = append(d.node(parent).Children, childID)
	}
	return nil
}

// Serialize renders the document back to its JSON wire form. Serialize and
// Parse round-trip: Parse(Serialize(d)) yields an equivalent document.
func (d *Document) Serialize() (json.RawMessage, error) {
	root := d.wire(d.root)
	raw, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("serialize document: %w", err)
	}
	return raw, nil
}

func (d *Document) wire(id NodeID) wireNode {
	n := d.node(id)
	w := wireNode{Type: typeByKind[n.Kind]}
	switch n.Kind {
	case KindText:
		w.Text = n.Text
		return w
	case KindHardBreak:
		return w
	case KindMention:
		w.Attrs = map[string]any{"id": n.RefID, "label": n.Label}
		return w
	case KindHeading:
		w.Attrs = map[string]any{"level": n.Level}
	}
	for _, child := range n.Children {
		w.Content = append(w.Content, d.wire(child))
	}
	return w
}
