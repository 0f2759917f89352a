package openrosa

import (
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestEnvelope(t *testing.T) {
	got := string(Envelope("Form is <not> active"))
	want := "<?xml version='1.0' encoding='UTF-8' ?>\n" +
		"<OpenRosaResponse xmlns=\"http://openrosa.org/http/response\">\n" +
		"        <message nature=\"\">Form is &lt;not&gt; active</message>\n" +
		"</OpenRosaResponse>"
	if got != want {
		t.Fatalf("unexpected envelope\n%s", got)
	}
}

func TestSetHeaders(t *testing.T) {
	h := http.Header{}
	SetHeaders(h, time.Date(2024, 3, 5, 10, 0, 0, 0, time.FixedZone("X", 3600)), 0)
	if h.Get("X-OpenRosa-Version") != "1.0" || h.Get("Content-Type") != ContentType {
		t.Fatalf("unexpected headers %v", h)
	}
	if h.Get("Date") != "Tue, 05 Mar 2024 09:00:00 UTC" {
		t.Fatalf("unexpected date %s", h.Get("Date"))
	}
	if h.Get("X-OpenRosa-Accept-Content-Length") != "10000000" {
		t.Fatalf("unexpected accept length %s", h.Get("X-OpenRosa-Accept-Content-Length"))
	}
}

func TestSubmissionResponse(t *testing.T) {
	ts := time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC)
	b, err := SubmissionResponse(SubmissionReceipt{FormID: "household", InstanceID: "abc", SubmissionDate: ts, MarkedAsCompleteDate: ts})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	body := string(b)
	for _, want := range []string{
		`<message nature="submit_success">Successful submission.</message>`,
		`id="household"`,
		`instanceID="uuid:abc"`,
		`submissionDate="2024-03-05T10:00:00Z"`,
		`isComplete="true"`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %s in\n%s", want, body)
		}
	}
	if strings.Contains(body, "encrypted") {
		t.Fatalf("encrypted attribute must be omitted")
	}
	b, _ = SubmissionResponse(SubmissionReceipt{FormID: "f", InstanceID: "x", Encrypted: true})
	if !strings.Contains(string(b), `encrypted="true"`) {
		t.Fatalf("expected encrypted attribute")
	}
}

func TestFormListAndManifest(t *testing.T) {
	b, err := FormList("https://kc.example.org", "bob", []FormListEntry{{IDString: "household", Title: "Household", XML: "<x/>"}})
	if err != nil {
		t.Fatalf("form list: %v", err)
	}
	body := string(b)
	for _, want := range []string{
		`<xforms xmlns="http://openrosa.org/xforms/xformsList">`,
		"<formID>household</formID>",
		"<hash>md5:" + FormHash("<x/>") + "</hash>",
		"<downloadUrl>https://kc.example.org/bob/forms/household/form.xml</downloadUrl>",
		"<manifestUrl>https://kc.example.org/bob/xformsManifest/household</manifestUrl>",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("missing %s in\n%s", want, body)
		}
	}
	m, err := Manifest()
	if err != nil || !strings.Contains(string(m), "xformsManifest") {
		t.Fatalf("unexpected manifest %s %v", m, err)
	}
}
