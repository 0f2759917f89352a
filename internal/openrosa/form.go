package openrosa

import (
	"fmt"
	"strings"
)

// FormDefinition is the part of an XForm the ingestion pipeline relies on.
type FormDefinition struct {
	Title        string
	IDString     string
	Version      string
	HasStartTime bool
	Encrypted    bool
	MediaXPaths  []string

	doc      *Document
	model    *Node
	instance *Node
}

// ParseForm parses an XForm definition.
func ParseForm(raw []byte) (*FormDefinition, error) {
	doc, err := ParseXML(raw)
	if err != nil {
		return nil, err
	}
	head := doc.Root.Child("head")
	if head == nil {
		return nil, fmt.Errorf("%w: missing head", ErrInvalidForm)
	}
	var models []*Node
	doc.Root.Walk(func(n *Node) {
		if n.Name.Local == "model" {
			models = append(models, n)
		}
	})
	if len(models) != 1 {
		return nil, fmt.Errorf("%w: expected one model, found %d", ErrInvalidForm, len(models))
	}
	model := models[0]

	var primary []*Node
	for _, inst := range model.ChildrenNamed("instance") {
		if _, ok := inst.AttrValue("id"); !ok {
			primary = append(primary, inst)
		}
	}
	if len(primary) != 1 {
		return nil, fmt.Errorf("%w: expected one primary instance, found %d", ErrInvalidForm, len(primary))
	}
	roots := primary[0].Elements()
	if len(roots) != 1 {
		return nil, fmt.Errorf("%w: primary instance must hold one survey element", ErrInvalidForm)
	}
	root := roots[0]
	idString, _ := root.AttrValue("id")
	if idString == "" {
		return nil, fmt.Errorf("%w: survey element has no id", ErrInvalidForm)
	}

	def := &FormDefinition{IDString: idString, doc: doc, model: model, instance: root}
	def.Version, _ = root.AttrValue("version")
	if title := head.Child("title"); title != nil {
		def.Title = title.Text()
	}
	if def.Title == "" {
		def.Title = idString
	}
	for _, bind := range model.ChildrenNamed("bind") {
		nodeset, _ := bind.AttrValue("nodeset")
		if params, _ := bind.AttrValue("preloadParams"); params == "start" {
			def.HasStartTime = true
		}
		if typ, _ := bind.AttrValue("type"); typ == "binary" && nodeset != "" {
			def.MediaXPaths = append(def.MediaXPaths, strings.TrimPrefix(nodeset, "/"))
		}
	}
	if sub := model.Child("submission"); sub != nil {
		if key, _ := sub.AttrValue("base64RsaPublicKey"); strings.TrimSpace(key) != "" {
			def.Encrypted = true
		}
	}
	return def, nil
}

// SetFormhubUUID ensures the primary instance carries formhub/uuid and that
// a calculate bind fills it with uuid on every device.
func (f *FormDefinition) SetFormhubUUID(uuid string) error {
	formhubs := f.instance.ChildrenNamed("formhub")
	if len(formhubs) > 1 {
		return fmt.Errorf("%w: multiple formhub nodes", ErrInvalidForm)
	}
	var formhub *Node
	if len(formhubs) == 1 {
		formhub = formhubs[0]
	} else {
		formhub = &Node{Name: xmlName("formhub")}
		f.instance.Children = append([]*Node{formhub}, f.instance.Children...)
	}
	if len(formhub.ChildrenNamed("uuid")) == 0 {
		formhub.AppendElement("uuid")
	}

	nodeset := "/" + f.instance.Name.Local + "/formhub/uuid"
	calculate := "'" + uuid + "'"
	for _, bind := range f.model.ChildrenNamed("bind") {
		if v, _ := bind.AttrValue("nodeset"); v == nodeset {
			bind.SetAttr("calculate", calculate)
			return nil
		}
	}
	bind := f.model.AppendElement("bind")
	bind.SetAttr("nodeset", nodeset)
	bind.SetAttr("type", "string")
	bind.SetAttr("calculate", calculate)
	return nil
}

// XML serializes the (possibly modified) definition.
func (f *FormDefinition) XML() []byte {
	return append([]byte(`<?xml version="1.0" encoding="utf-8"?>`+"\n"), f.doc.Bytes()...)
}
