package openrosa

import (
	"regexp"
	"strings"
	"time"
)

var (
	formhubUUIDPattern = regexp.MustCompile(`(?s)<formhub>\s*<uuid>\s*([^<]+)\s*</uuid>\s*</formhub>`)
	uuidValuePattern   = regexp.MustCompile(`^uuid:(.*)`)
)

// FormhubUUID returns the form uuid embedded by SetFormhubUUID, scanning the
// raw submission so it works before the XML is parsed.
func FormhubUUID(raw []byte) string {
	m := formhubUUIDPattern.FindSubmatch(raw)
	if m == nil {
		return ""
	}
	return strings.TrimSpace(string(m[1]))
}

// MetaValue returns the trimmed text of <meta><name> under the root. Both
// the plain and the orx: prefixed meta block are recognised.
func (d *Document) MetaValue(name string) string {
	meta := d.Root.Child("meta")
	if meta == nil {
		return ""
	}
	tag := meta.Child(name)
	if tag == nil {
		return ""
	}
	return tag.Text()
}

// InstanceUUID returns the submission uuid from meta/instanceID, falling back
// to the root instanceID attribute. Only values carrying the uuid: scheme
// count.
func (d *Document) InstanceUUID() string {
	if v := d.MetaValue("instanceID"); v != "" {
		return uuidOnly(v)
	}
	if v, ok := d.Root.AttrValue("instanceID"); ok && v != "" {
		return uuidOnly(v)
	}
	return ""
}

// DeprecatedUUID returns the uuid of the submission this one replaces.
func (d *Document) DeprecatedUUID() string {
	if v := d.MetaValue("deprecatedID"); v != "" {
		return uuidOnly(v)
	}
	return ""
}

func uuidOnly(v string) string {
	m := uuidValuePattern.FindStringSubmatch(v)
	if m == nil {
		return ""
	}
	return m[1]
}

// IDString returns the form id_string from the root id attribute. Older
// clients nest the instance inside a data element, so that is checked next.
func (d *Document) IDString() string {
	if v, ok := d.Root.AttrValue("id"); ok && v != "" {
		return v
	}
	var found string
	d.Root.Walk(func(n *Node) {
		if found != "" || n.Name.Local != "data" || n == d.Root {
			return
		}
		for _, c := range n.Elements() {
			if v, ok := c.AttrValue("id"); ok && v != "" {
				found = v
				return
			}
		}
	})
	return found
}

// Version returns the root version attribute, if any.
func (d *Document) Version() string {
	v, _ := d.Root.AttrValue("version")
	return v
}

// SubmissionDate parses the root submissionDate attribute. Values without a
// zone are taken as UTC. ok is false when the attribute is absent or invalid.
func (d *Document) SubmissionDate() (time.Time, bool) {
	v, present := d.Root.AttrValue("submissionDate")
	if !present || strings.TrimSpace(v) == "" {
		return time.Time{}, false
	}
	return ParseDateTime(v)
}

var zonedLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02T15:04Z07:00",
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02 15:04",
}

// ParseDateTime accepts ISO-8601 date-times with or without a zone.
func ParseDateTime(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	for _, layout := range zonedLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// InjectInstanceID writes meta/instanceID when the document has no uuid yet.
// It reports whether the document changed.
func (d *Document) InjectInstanceID(uuid string) bool {
	if d.InstanceUUID() != "" {
		return false
	}
	meta := d.Root.Child("meta")
	if meta == nil {
		meta = d.Root.AppendElement("meta")
	}
	tag := meta.Child("instanceID")
	if tag == nil {
		tag = meta.AppendElement("instanceID")
	}
	tag.SetText("uuid:" + uuid)
	return true
}

// InjectInstanceID parses raw and adds meta/instanceID when it is missing.
// raw is returned untouched when it already carries a uuid.
func InjectInstanceID(raw []byte, uuid string) ([]byte, error) {
	doc, err := ParseXML(raw)
	if err != nil {
		return nil, err
	}
	if !doc.InjectInstanceID(uuid) {
		return raw, nil
	}
	return doc.Bytes(), nil
}

// FindPaths returns the non-empty text of every node at xpath. The first
// segment names the root and is not compared, since clients may rename it.
// Repeated groups yield one value per occurrence.
func (d *Document) FindPaths(xpath string) []string {
	segments := strings.Split(strings.Trim(xpath, "/"), "/")
	if len(segments) < 2 {
		return nil
	}
	nodes := []*Node{d.Root}
	for _, seg := range segments[1:] {
		var next []*Node
		for _, n := range nodes {
			next = append(next, n.ChildrenNamed(seg)...)
		}
		nodes = next
	}
	var out []string
	for _, n := range nodes {
		if text := n.Text(); text != "" {
			out = append(out, text)
		}
	}
	return out
}
