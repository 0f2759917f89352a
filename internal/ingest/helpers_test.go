package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"kobocat/internal/blob"
	"kobocat/internal/core"
	"kobocat/internal/infra/persistence/memory"
	"kobocat/internal/mirror"
	"kobocat/pkg/domain"
)

const householdForm = `<?xml version="1.0"?>
<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml" xmlns:jr="http://openrosa.org/javarosa">
  <h:head>
    <h:title>Household survey</h:title>
    <model>
      <instance>
        <household id="household">
          <start/>
          <name/>
          <photo/>
          <meta><instanceID/></meta>
        </household>
      </instance>
      <bind nodeset="/household/start" type="dateTime" jr:preload="timestamp" jr:preloadParams="start"/>
      <bind nodeset="/household/photo" type="binary"/>
    </model>
  </h:head>
  <h:body/>
</h:html>`

const plainForm = `<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml">
  <h:head>
    <h:title>Water points</h:title>
    <model>
      <instance><water id="water"><ok/></water></instance>
    </model>
  </h:head>
  <h:body/>
</h:html>`

type harness struct {
	svc    *Service
	store  *memory.Store
	blobs  blob.Store
	mirror *mirror.Memory
	form   domain.Form
	owner  domain.User
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := memory.NewStore(core.NewDefaultRulesEngine())
	var seq atomic.Int64
	h := &harness{store: store, blobs: blob.NewMemory(), mirror: mirror.NewMemory()}
	h.svc = NewService(Options{
		Store:  store,
		Blobs:  h.blobs,
		Mirror: h.mirror,
		Now:    func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) },
		NewUUID: func() string {
			return fmt.Sprintf("00000000-0000-4000-8000-%012d", seq.Add(1))
		},
	})
	ctx := context.Background()
	var err error
	if h.owner, err = h.svc.CreateUser(ctx, "Bob", "secret", UserOptions{}); err != nil {
		t.Fatalf("create owner: %v", err)
	}
	if _, err = h.svc.CreateUser(ctx, "ann", "pw", UserOptions{}); err != nil {
		t.Fatalf("create ann: %v", err)
	}
	if _, err = h.svc.CreateUser(ctx, "root", "pw", UserOptions{Superuser: true}); err != nil {
		t.Fatalf("create root: %v", err)
	}
	if h.form, err = h.svc.PublishXMLForm(ctx, "bob", []byte(householdForm), PublishOptions{}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	return h
}

func (h *harness) user(t *testing.T, name string) *domain.User {
	t.Helper()
	u, ok := h.store.GetUser(name)
	if !ok {
		t.Fatalf("user %s missing", name)
	}
	return &u
}

func householdXML(uuid, photo string) string {
	return householdXMLNamed(uuid, "Ann", photo, "")
}

func householdXMLNamed(uuid, name, photo, deprecated string) string {
	meta := "<instanceID>uuid:" + uuid + "</instanceID>"
	if deprecated != "" {
		meta += "<deprecatedID>uuid:" + deprecated + "</deprecatedID>"
	}
	return `<household id="household"><start>2024-04-30T08:00:00Z</start><name>` + name + `</name><photo>` + photo + `</photo><meta>` + meta + `</meta></household>`
}

func photo(name, body string) MediaFile {
	return MediaFile{Name: name, ContentType: "image/jpeg", Data: []byte(body)}
}

func (h *harness) submit(t *testing.T, sub Submission) domain.Instance {
	t.Helper()
	if sub.Username == "" && sub.FormUUID == "" {
		sub.Username = "bob"
	}
	inst, err := h.svc.CreateInstance(context.Background(), sub)
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	return inst
}
