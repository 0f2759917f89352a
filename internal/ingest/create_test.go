package ingest

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"kobocat/internal/mirror"
	"kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

func TestCreateInstanceNewSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	inst := h.submit(t, Submission{
		XML:       []byte(householdXML("u1", "a.jpg")),
		Media:     []MediaFile{photo("a.jpg", "jpeg-a")},
		Requester: h.user(t, "ann"),
	})
	if inst.UUID != "u1" || inst.Status != domain.StatusSubmittedViaWeb || inst.SubmittedBy != "ann" {
		t.Fatalf("unexpected instance %+v", inst)
	}
	if inst.XMLHash != domain.HashContent([]byte(householdXML("u1", "a.jpg"))) {
		t.Fatalf("hash not stored")
	}
	if inst.JSON["name"] != "Ann" {
		t.Fatalf("answers not stored: %v", inst.JSON)
	}

	atts := h.store.ListAttachments(inst.ID)
	if len(atts) != 1 {
		t.Fatalf("expected one attachment, got %d", len(atts))
	}
	a := atts[0]
	if a.Filename != "bob/attachments/"+h.form.UUID+"/u1/a.jpg" || a.Basename != "a.jpg" || a.Size != 6 {
		t.Fatalf("unexpected attachment %+v", a)
	}
	_, rc, err := h.blobs.Get(ctx, a.BlobKey)
	if err != nil {
		t.Fatalf("blob missing: %v", err)
	}
	body, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(body) != "jpeg-a" {
		t.Fatalf("unexpected blob %q", body)
	}

	form, _ := h.store.GetForm(h.form.ID)
	if form.NumOfSubmissions != 1 || form.AttachmentStorageBytes != 6 || form.LastSubmissionTime == nil {
		t.Fatalf("unexpected counters %+v", form)
	}
	owner, _ := h.store.GetUser("bob")
	if owner.NumOfSubmissions != 1 || owner.AttachmentStorageBytes != 6 {
		t.Fatalf("unexpected profile %+v", owner)
	}
	stored, _ := h.store.GetInstance(inst.ID)
	if !stored.Counted {
		t.Fatalf("instance should be marked counted")
	}

	doc, ok := h.mirror.Get(inst.ID)
	if !ok || doc[mirror.FieldUserFormID] != "bob_household" || doc["name"] != "Ann" {
		t.Fatalf("unexpected mirror document %#v", doc)
	}
}

func TestCreateInstanceInjectsMissingUUID(t *testing.T) {
	h := newHarness(t)
	inst := h.submit(t, Submission{XML: []byte(`<household id="household"><name>Ann</name></household>`)})
	if inst.UUID != "00000000000040008000000000000002" {
		t.Fatalf("unexpected generated uuid %q", inst.UUID)
	}
	doc, err := openrosa.ParseXML([]byte(inst.XML))
	if err != nil {
		t.Fatalf("parse stored xml: %v", err)
	}
	if doc.InstanceUUID() != inst.UUID {
		t.Fatalf("stored xml lacks the generated uuid: %s", inst.XML)
	}
	if inst.XMLHash != domain.HashContent([]byte(inst.XML)) {
		t.Fatalf("hash must cover the stored xml")
	}
}

func TestCreateInstanceDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	xml := []byte(householdXML("u1", "a.jpg"))
	first := h.submit(t, Submission{XML: xml})

	again, err := h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: xml, Media: []MediaFile{photo("a.jpg", "jpeg-a")}})
	if err != nil {
		t.Fatalf("duplicate with new attachment: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected the existing instance back")
	}
	if n := len(h.store.ListAttachments(first.ID)); n != 1 {
		t.Fatalf("expected the new attachment to be stored, got %d", n)
	}
	form, _ := h.store.GetForm(h.form.ID)
	if form.NumOfSubmissions != 1 || form.AttachmentStorageBytes != 6 {
		t.Fatalf("completion must not count a submission: %+v", form)
	}
	doc, _ := h.mirror.Get(first.ID)
	if atts, _ := doc[mirror.FieldAttachments].([]any); len(atts) != 1 {
		t.Fatalf("mirror not refreshed: %#v", doc[mirror.FieldAttachments])
	}

	_, err = h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: xml, Media: []MediaFile{photo("a.jpg", "jpeg-a")}})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	_, rej, err := h.svc.SafeCreateInstance(ctx, Submission{Username: "bob", XML: xml})
	if err != nil || rej == nil || rej.Status != 202 || !rej.Duplicate || rej.Message != "Duplicate submission" {
		t.Fatalf("unexpected duplicate answer %+v %v", rej, err)
	}
}

func TestCreateInstanceDuplicateOnInactiveForm(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	xml := []byte(householdXML("u1", ""))
	h.submit(t, Submission{XML: xml})
	if _, err := h.svc.SetFormActive(ctx, h.form.ID, false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	_, err := h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: xml})
	if !errors.Is(err, ErrFormInactive) {
		t.Fatalf("expected ErrFormInactive, got %v", err)
	}
	rej := Reject(err)
	if rej == nil || rej.Status != 405 || rej.Message != "Form is not active" {
		t.Fatalf("unexpected rejection %+v", rej)
	}
}

func TestCreateInstanceWithoutUUIDIsNotDeduplicated(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	form, err := h.svc.PublishXMLForm(ctx, "bob", []byte(plainForm), PublishOptions{})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	xml := []byte(`<water id="water"><ok>yes</ok></water>`)
	h.submit(t, Submission{XML: xml})
	h.submit(t, Submission{XML: xml})
	if n := len(h.store.ListInstances(form.ID)); n != 2 {
		t.Fatalf("forms without start time accept identical anonymous payloads, got %d", n)
	}
}

func TestCreateInstanceStartTimeDuplicateWithoutUUID(t *testing.T) {
	h := newHarness(t)
	xml := []byte(`<household id="household"><start>2024-04-30T08:00:00Z</start><name>Ann</name></household>`)
	first := h.submit(t, Submission{XML: xml})
	if first.UUID == "" || first.SubmittedHash != domain.HashContent(xml) || first.XMLHash == first.SubmittedHash {
		t.Fatalf("expected injected uuid with the submitted hash kept: %+v", first)
	}
	_, err := h.svc.CreateInstance(context.Background(), Submission{Username: "bob", XML: xml})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if n := len(h.store.ListInstances(h.form.ID)); n != 1 {
		t.Fatalf("expected one instance, got %d", n)
	}
	form, _ := h.store.GetForm(h.form.ID)
	if form.NumOfSubmissions != 1 {
		t.Fatalf("duplicate must not be counted, got %d", form.NumOfSubmissions)
	}
}

func TestCreateInstanceEdit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orig := h.submit(t, Submission{XML: []byte(householdXML("u1", "a.jpg")), Media: []MediaFile{photo("a.jpg", "jpeg-a")}})
	edit := []byte(householdXMLNamed("u2", "Bea", "b.jpg", "u1"))

	_, err := h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: edit})
	if !errors.Is(err, ErrUnauthenticatedEdit) {
		t.Fatalf("expected ErrUnauthenticatedEdit, got %v", err)
	}
	if Reject(err) != nil {
		t.Fatalf("unauthenticated edits are left to the transport")
	}

	_, rej, err := h.svc.SafeCreateInstance(ctx, Submission{Username: "bob", XML: edit, Requester: h.user(t, "ann")})
	if err != nil || rej == nil || rej.Status != 403 || rej.Message != messageEditForbidden {
		t.Fatalf("unexpected rejection %+v %v", rej, err)
	}

	if _, err := h.svc.Grant(ctx, h.form.ID, "ann", domain.PermissionChange); err != nil {
		t.Fatalf("grant: %v", err)
	}
	edited, err := h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: edit, Requester: h.user(t, "ann"), Media: []MediaFile{photo("b.jpg", "jpeg-bb")}})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if edited.ID != orig.ID || edited.UUID != "u2" || edited.XML != string(edit) || edited.JSON["name"] != "Bea" {
		t.Fatalf("unexpected edited instance %+v", edited)
	}
	if edited.SubmittedBy != "" {
		t.Fatalf("edits keep the original submitter")
	}

	var history []domain.InstanceHistory
	_ = h.store.View(ctx, func(v domain.TransactionView) error {
		history = v.ListInstanceHistory(orig.ID)
		return nil
	})
	if len(history) != 1 || history[0].XML != orig.XML || history[0].UUID != "u1" {
		t.Fatalf("unexpected history %+v", history)
	}

	var live, deleted int
	for _, a := range h.store.ListAttachments(orig.ID) {
		if a.Live() {
			live++
			if a.Basename != "b.jpg" {
				t.Fatalf("unexpected live attachment %+v", a)
			}
		} else {
			deleted++
		}
	}
	if live != 1 || deleted != 1 {
		t.Fatalf("expected the replaced photo to be soft-deleted, live=%d deleted=%d", live, deleted)
	}

	form, _ := h.store.GetForm(h.form.ID)
	if form.NumOfSubmissions != 1 {
		t.Fatalf("edits are not counted, got %d", form.NumOfSubmissions)
	}
	if form.AttachmentStorageBytes != 7 {
		t.Fatalf("storage should drop the replaced photo, got %d", form.AttachmentStorageBytes)
	}
}

func TestCreateInstanceEditBySuperuserAndOwner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.submit(t, Submission{XML: []byte(householdXML("u1", ""))})
	if _, err := h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: []byte(householdXMLNamed("u2", "x", "", "u1")), Requester: h.user(t, "root")}); err != nil {
		t.Fatalf("superuser edit: %v", err)
	}
	if _, err := h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: []byte(householdXMLNamed("u3", "y", "", "u2")), Requester: h.user(t, "bob")}); err != nil {
		t.Fatalf("owner edit: %v", err)
	}
	if n := len(h.store.ListInstances(h.form.ID)); n != 1 {
		t.Fatalf("edits must not create instances, got %d", n)
	}
}

func TestCreateInstanceUnknownDeprecatedIDIsNew(t *testing.T) {
	h := newHarness(t)
	inst := h.submit(t, Submission{XML: []byte(householdXMLNamed("u5", "x", "", "missing"))})
	if inst.UUID != "u5" || len(h.store.ListInstances(h.form.ID)) != 1 {
		t.Fatalf("unexpected result %+v", inst)
	}
}

func TestCreateInstanceUUIDConflict(t *testing.T) {
	h := newHarness(t)
	h.submit(t, Submission{XML: []byte(householdXMLNamed("u1", "a", "", ""))})
	_, err := h.svc.CreateInstance(context.Background(), Submission{Username: "bob", XML: []byte(householdXMLNamed("u1", "b", "", ""))})
	if !errors.Is(err, ErrDuplicateUUID) {
		t.Fatalf("expected ErrDuplicateUUID, got %v", err)
	}
	if rej := Reject(err); rej == nil || rej.Status != 409 {
		t.Fatalf("unexpected rejection %+v", rej)
	}
}

func TestCreateInstanceSubmissionPermissions(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name      string
		path      string
		require   bool
		requester string
		grant     bool
		wantErr   bool
	}{
		{name: "open form", path: "/bob/submission"},
		{name: "owner-less path anonymous", path: SubmissionPath, wantErr: true},
		{name: "owner-less path owner", path: SubmissionPath, requester: "bob"},
		{name: "auth form anonymous", path: "/bob/submission", require: true, wantErr: true},
		{name: "auth form stranger", path: "/bob/submission", require: true, requester: "ann", wantErr: true},
		{name: "auth form reporter", path: "/bob/submission", require: true, requester: "ann", grant: true},
		{name: "auth form superuser", path: "/bob/submission", require: true, requester: "root"},
		{name: "owner-less path superuser", path: SubmissionPath, requester: "root"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
				_, err := tx.UpdateForm(h.form.ID, func(f *domain.Form) error {
					f.RequireAuth = tc.require
					return nil
				})
				return err
			})
			if err != nil {
				t.Fatalf("update form: %v", err)
			}
			if tc.grant {
				if _, err := h.svc.Grant(ctx, h.form.ID, tc.requester, domain.PermissionReport); err != nil {
					t.Fatalf("grant: %v", err)
				}
			}
			sub := Submission{Username: "bob", XML: []byte(householdXMLNamed("p", "x", "", "")), Path: tc.path}
			if tc.requester != "" {
				sub.Requester = h.user(t, tc.requester)
			}
			_, rej, err := h.svc.SafeCreateInstance(ctx, sub)
			if err != nil {
				t.Fatalf("case %d: unexpected error %v", i, err)
			}
			if tc.wantErr != (rej != nil) {
				t.Fatalf("case %d: rejection %+v, want rejected=%v", i, rej, tc.wantErr)
			}
			if rej != nil && (rej.Status != 403 || rej.Message != "Forbidden") {
				t.Fatalf("case %d: unexpected rejection %+v", i, rej)
			}
		})
	}
}

func TestCreateInstanceProfileRequireAuth(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		_, err := tx.UpdateUser("bob", func(u *domain.User) error {
			u.RequireAuth = true
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("update profile: %v", err)
	}
	_, err = h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: []byte(householdXML("u1", ""))})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected ErrPermissionDenied, got %v", err)
	}
}

func TestCreateInstanceFormResolution(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	withFormhub := `<household id="household"><formhub><uuid>` + h.form.UUID + `</uuid></formhub><name>x</name><meta><instanceID>uuid:f1</instanceID></meta></household>`
	inst, err := h.svc.CreateInstance(ctx, Submission{XML: []byte(withFormhub)})
	if err != nil {
		t.Fatalf("formhub uuid: %v", err)
	}
	if inst.FormID != h.form.ID {
		t.Fatalf("resolved the wrong form")
	}
	explicit := `<household id="other"><name>x</name><meta><instanceID>uuid:f2</instanceID></meta></household>`
	if _, err := h.svc.CreateInstance(ctx, Submission{FormUUID: h.form.UUID, XML: []byte(explicit)}); err != nil {
		t.Fatalf("explicit uuid: %v", err)
	}

	if _, err := h.svc.CreateInstance(ctx, Submission{XML: []byte(householdXML("u1", ""))}); !errors.Is(err, ErrInvalidUser) {
		t.Fatalf("expected ErrInvalidUser, got %v", err)
	}
	if _, err := h.svc.CreateInstance(ctx, Submission{Username: "ann", XML: []byte(householdXML("u1", ""))}); !errors.Is(err, ErrFormNotFound) {
		t.Fatalf("expected ErrFormNotFound, got %v", err)
	}
	if _, err := h.svc.CreateInstance(ctx, Submission{FormUUID: "nope", Username: "bob", XML: []byte(householdXML("u9", ""))}); err != nil {
		t.Fatalf("unknown uuid falls back to id_string: %v", err)
	}
}

func TestCreateInstanceDateOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	xml := `<household id="household" submissionDate="2023-02-03T04:05:06"><name>x</name><meta><instanceID>uuid:d1</instanceID></meta></household>`
	inst := h.submit(t, Submission{XML: []byte(xml)})
	if want := time.Date(2023, 2, 3, 4, 5, 6, 0, time.UTC); !inst.DateCreated.Equal(want) {
		t.Fatalf("expected %v, got %v", want, inst.DateCreated)
	}
	form, _ := h.store.GetForm(h.form.ID)
	if form.DailyCounts["2023-02-03"] != 1 || form.MonthlyCounts["2023-02"] != 1 {
		t.Fatalf("counters should follow the stored date: %v %v", form.DailyCounts, form.MonthlyCounts)
	}

	override := time.Date(2022, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	inst, err := h.svc.CreateInstance(ctx, Submission{Username: "bob", XML: []byte(householdXML("d2", "")), DateCreated: &override})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !inst.DateCreated.Equal(override) || inst.DateCreated.Location() != time.UTC {
		t.Fatalf("unexpected date %v", inst.DateCreated)
	}
}

func TestCreateInstanceSuspended(t *testing.T) {
	h := newHarness(t)
	h.svc.SetSuspended(true)
	_, rej, err := h.svc.SafeCreateInstance(context.Background(), Submission{Username: "bob", XML: []byte(householdXML("u1", ""))})
	if err != nil || rej == nil || rej.Status != 503 || rej.Message != "Temporarily unavailable" {
		t.Fatalf("unexpected answer %+v %v", rej, err)
	}
	h.svc.SetSuspended(false)
	if h.svc.Suspended() {
		t.Fatalf("expected intake resumed")
	}
}

func TestSafeCreateInstanceRejections(t *testing.T) {
	h := newHarness(t)
	cases := []struct {
		name    string
		sub     Submission
		status  int
		message string
	}{
		{"invalid user", Submission{XML: []byte(householdXML("u1", ""))}, 400, "Username or ID required."},
		{"empty", Submission{Username: "bob", XML: []byte("  ")}, 400, "Received empty submission. No instance was created"},
		{"unanswered", Submission{Username: "bob", XML: []byte(`<household id="household"><name/></household>`)}, 400, "Received empty submission. No instance was created"},
		{"missing form", Submission{Username: "bob", XML: []byte(`<x id="nope"><a>1</a></x>`)}, 404, "Form does not exist on this account"},
		{"malformed", Submission{Username: "bob", XML: []byte(`<household id="household"><a>`)}, 400, "Improperly formatted XML."},
		{"encoding", Submission{Username: "bob", XML: []byte{'<', 'a', '>', 0xff, '<', '/', 'a', '>'}}, 400, "File likely corrupted during transmission, please try later."},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, rej, err := h.svc.SafeCreateInstance(context.Background(), tc.sub)
			if err != nil {
				t.Fatalf("unexpected error %v", err)
			}
			if rej == nil || rej.Status != tc.status || rej.Message != tc.message {
				t.Fatalf("unexpected rejection %+v", rej)
			}
		})
	}

	_, rej, _ := h.svc.SafeCreateInstance(context.Background(), Submission{Username: "bob", XML: []byte(`<a>1</a><b>2</b>`)})
	if rej == nil || rej.Status != 400 {
		t.Fatalf("multiple roots should be rejected, got %+v", rej)
	}
}

type failingMirror struct{ *mirror.Memory }

func (failingMirror) Upsert(context.Context, mirror.Document) error {
	return errors.New("mongo down")
}

func TestCreateInstanceMirrorFailureIsQueued(t *testing.T) {
	h := newHarness(t)
	fm := failingMirror{mirror.NewMemory()}
	retrier := mirror.NewRetrier(fm, mirror.RetryOptions{QueueSize: 4}, nil)
	h.svc.mirror = fm
	h.svc.retrier = retrier
	inst := h.submit(t, Submission{XML: []byte(householdXML("u1", ""))})
	if inst.ID == "" {
		t.Fatalf("submission must succeed when the mirror is down")
	}
	if retrier.Pending() != 1 {
		t.Fatalf("expected the write to be queued, pending=%d", retrier.Pending())
	}
}
