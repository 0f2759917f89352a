// Package openrosa parses OpenRosa submissions and XForm definitions and
// renders the XML documents the OpenRosa HTTP API answers with.
package openrosa

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

// Node is an element or, when Name.Local is empty, a text node. Names keep
// their source prefix in Name.Space so documents serialize unchanged.
type Node struct {
	Name     xml.Name
	Attr     []xml.Attr
	Children []*Node
	Data     string
}

// Document is a parsed XML document with insignificant whitespace removed.
type Document struct {
	Root *Node
}

// IsText reports whether n is a character data node.
func (n *Node) IsText() bool { return n.Name.Local == "" }

// Elements returns the element children of n.
func (n *Node) Elements() []*Node {
	out := make([]*Node, 0, len(n.Children))
	for _, c := range n.Children {
		if !c.IsText() {
			out = append(out, c)
		}
	}
	return out
}

// Child returns the first element child whose local name matches,
// ignoring case.
func (n *Node) Child(local string) *Node {
	for _, c := range n.Children {
		if !c.IsText() && strings.EqualFold(c.Name.Local, local) {
			return c
		}
	}
	return nil
}

// ChildrenNamed returns every element child with the exact local name.
func (n *Node) ChildrenNamed(local string) []*Node {
	var out []*Node
	for _, c := range n.Children {
		if !c.IsText() && c.Name.Local == local {
			out = append(out, c)
		}
	}
	return out
}

// Text returns the trimmed character data directly under n.
func (n *Node) Text() string {
	var b strings.Builder
	for _, c := range n.Children {
		if c.IsText() {
			b.WriteString(c.Data)
		}
	}
	return strings.TrimSpace(b.String())
}

// SetText replaces the character data of n, keeping element children.
func (n *Node) SetText(text string) {
	kept := n.Children[:0]
	for _, c := range n.Children {
		if !c.IsText() {
			kept = append(kept, c)
		}
	}
	n.Children = append(kept, &Node{Data: text})
}

// AttrValue returns the value of the attribute with the given local name.
func (n *Node) AttrValue(local string) (string, bool) {
	for _, a := range n.Attr {
		if a.Name.Local == local && a.Name.Space != "xmlns" {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets or appends an unprefixed attribute.
func (n *Node) SetAttr(local, value string) {
	for i, a := range n.Attr {
		if a.Name.Local == local && a.Name.Space == "" {
			n.Attr[i].Value = value
			return
		}
	}
	n.Attr = append(n.Attr, xml.Attr{Name: xml.Name{Local: local}, Value: value})
}

// AppendElement adds an empty element named local under n and returns it.
func (n *Node) AppendElement(local string) *Node {
	child := &Node{Name: xmlName(local)}
	n.Children = append(n.Children, child)
	return child
}

// Walk visits n and every descendant element depth first.
func (n *Node) Walk(fn func(*Node)) {
	if n.IsText() {
		return
	}
	fn(n)
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// ParseXML decodes data into a Document. Whitespace-only text between
// elements is dropped.
func ParseXML(data []byte) (*Document, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyInstance
	}
	if !utf8.Valid(data) {
		return nil, ErrInvalidEncoding
	}
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = func(label string, r io.Reader) (io.Reader, error) {
		if strings.EqualFold(label, "us-ascii") || strings.EqualFold(label, "utf8") {
			return r, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrInvalidEncoding, label)
	}

	var (
		root  *Node
		stack []*Node
	)
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if errors.Is(err, ErrInvalidEncoding) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %v", ErrMalformedXML, err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &Node{Name: t.Name, Attr: append([]xml.Attr(nil), t.Attr...)}
			if len(stack) == 0 {
				if root != nil {
					return nil, fmt.Errorf("%w: %s after %s", ErrMultipleNodes, qualified(t.Name), qualified(root.Name))
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) == 0 || stack[len(stack)-1].Name != t.Name {
				return nil, fmt.Errorf("%w: unexpected </%s>", ErrMalformedXML, qualified(t.Name))
			}
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(bytes.TrimSpace(t)) == 0 {
				continue
			}
			if len(stack) == 0 {
				return nil, fmt.Errorf("%w: text outside the root element", ErrMalformedXML)
			}
			parent := stack[len(stack)-1]
			parent.Children = append(parent.Children, &Node{Data: string(t)})
		}
	}
	if len(stack) != 0 {
		return nil, fmt.Errorf("%w: unclosed <%s>", ErrMalformedXML, qualified(stack[len(stack)-1].Name))
	}
	if root == nil {
		return nil, ErrEmptyInstance
	}
	return &Document{Root: root}, nil
}

// Bytes serializes the document without an XML declaration.
func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	writeNode(&buf, d.Root)
	return buf.Bytes()
}

func (d *Document) String() string { return string(d.Bytes()) }

func xmlName(local string) xml.Name { return xml.Name{Local: local} }

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func writeNode(buf *bytes.Buffer, n *Node) {
	if n.IsText() {
		_ = xml.EscapeText(buf, []byte(n.Data))
		return
	}
	name := qualified(n.Name)
	buf.WriteByte('<')
	buf.WriteString(name)
	for _, a := range n.Attr {
		buf.WriteByte(' ')
		buf.WriteString(qualified(a.Name))
		buf.WriteString(`="`)
		_ = xml.EscapeText(buf, []byte(a.Value))
		buf.WriteByte('"')
	}
	if len(n.Children) == 0 {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	for _, c := range n.Children {
		writeNode(buf, c)
	}
	buf.WriteString("</")
	buf.WriteString(name)
	buf.WriteByte('>')
}
