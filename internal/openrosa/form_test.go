package openrosa

import (
	"errors"
	"strings"
	"testing"
)

const householdForm = `<?xml version="1.0"?>
<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml" xmlns:jr="http://openrosa.org/javarosa">
  <h:head>
    <h:title>Household survey</h:title>
    <model>
      <instance>
        <household id="household" version="2">
          <start/>
          <photo/>
          <members><portrait/></members>
          <meta><instanceID/></meta>
        </household>
      </instance>
      <instance id="choices"><root/></instance>
      <bind nodeset="/household/start" type="dateTime" jr:preload="timestamp" jr:preloadParams="start"/>
      <bind nodeset="/household/photo" type="binary"/>
      <bind nodeset="/household/members/portrait" type="binary"/>
      <bind nodeset="/household/meta/instanceID" type="string" readonly="true()" calculate="concat('uuid:', uuid())"/>
    </model>
  </h:head>
  <h:body/>
</h:html>`

func TestParseForm(t *testing.T) {
	def, err := ParseForm([]byte(householdForm))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	if def.Title != "Household survey" || def.IDString != "household" || def.Version != "2" {
		t.Fatalf("unexpected definition %+v", def)
	}
	if !def.HasStartTime || def.Encrypted {
		t.Fatalf("unexpected flags start=%v encrypted=%v", def.HasStartTime, def.Encrypted)
	}
	if len(def.MediaXPaths) != 2 || def.MediaXPaths[0] != "household/photo" || def.MediaXPaths[1] != "household/members/portrait" {
		t.Fatalf("unexpected media xpaths %v", def.MediaXPaths)
	}
}

func TestParseFormEncrypted(t *testing.T) {
	src := strings.Replace(householdForm, "<instance>", `<submission base64RsaPublicKey="MIIBIjAN" method="form-data-post"/><instance>`, 1)
	def, err := ParseForm([]byte(src))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	if !def.Encrypted {
		t.Fatalf("expected encrypted form")
	}
}

func TestParseFormErrors(t *testing.T) {
	if _, err := ParseForm([]byte("<h:html")); !errors.Is(err, ErrMalformedXML) {
		t.Fatalf("expected ErrMalformedXML, got %v", err)
	}
	noID := strings.Replace(householdForm, `id="household" `, "", 1)
	if _, err := ParseForm([]byte(noID)); !errors.Is(err, ErrInvalidForm) {
		t.Fatalf("expected ErrInvalidForm, got %v", err)
	}
	if _, err := ParseForm([]byte(`<html><body/></html>`)); !errors.Is(err, ErrInvalidForm) {
		t.Fatalf("expected ErrInvalidForm for missing head, got %v", err)
	}
}

func TestSetFormhubUUID(t *testing.T) {
	def, err := ParseForm([]byte(householdForm))
	if err != nil {
		t.Fatalf("parse form: %v", err)
	}
	if err := def.SetFormhubUUID("abc"); err != nil {
		t.Fatalf("set uuid: %v", err)
	}
	if err := def.SetFormhubUUID("def"); err != nil {
		t.Fatalf("set uuid again: %v", err)
	}

	reparsed, err := ParseForm(def.XML())
	if err != nil {
		t.Fatalf("reparse: %v\n%s", err, def.XML())
	}
	first := reparsed.instance.Elements()[0]
	if first.Name.Local != "formhub" || first.Child("uuid") == nil {
		t.Fatalf("expected formhub/uuid as first instance child, got %s", first.Name.Local)
	}
	var binds int
	for _, bind := range reparsed.model.ChildrenNamed("bind") {
		if v, _ := bind.AttrValue("nodeset"); v == "/household/formhub/uuid" {
			binds++
			if calc, _ := bind.AttrValue("calculate"); calc != "'def'" {
				t.Fatalf("unexpected calculate %q", calc)
			}
		}
	}
	if binds != 1 {
		t.Fatalf("expected a single formhub bind, got %d", binds)
	}
	if reparsed.IDString != "household" || len(reparsed.MediaXPaths) != 2 {
		t.Fatalf("definition changed unexpectedly: %+v", reparsed)
	}
}
