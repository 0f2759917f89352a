package openrosa

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kobocat/internal/blob"
	"kobocat/internal/core"
	"kobocat/internal/infra/persistence/memory"
	"kobocat/internal/ingest"
	"kobocat/internal/metrics"
	"kobocat/internal/mirror"
	"kobocat/pkg/domain"
)

const householdForm = `<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml" xmlns:jr="http://openrosa.org/javarosa">
  <h:head>
    <h:title>Household survey</h:title>
    <model>
      <instance>
        <household id="household" version="3">
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

const privateForm = `<h:html xmlns="http://www.w3.org/2002/xforms" xmlns:h="http://www.w3.org/1999/xhtml">
  <h:head>
    <h:title>Water points</h:title>
    <model>
      <instance><water id="water"><ok/></water></instance>
    </model>
  </h:head>
  <h:body/>
</h:html>`

func init() { gin.SetMode(gin.TestMode) }

type fixture struct {
	router *gin.Engine
	svc    *ingest.Service
	store  *memory.Store
	mirror *mirror.Memory
	form   domain.Form
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithBlobs(t, blob.NewMemory())
}

func newFixtureWithBlobs(t *testing.T, blobs blob.Store) *fixture {
	t.Helper()
	store := memory.NewStore(core.NewDefaultRulesEngine())
	m := mirror.NewMemory()
	var seq atomic.Int64
	now := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	met := metrics.New()
	svc := ingest.NewService(ingest.Options{
		Store:   store,
		Blobs:   blobs,
		Mirror:  m,
		Metrics: met,
		Now:     now,
		NewUUID: func() string { return fmt.Sprintf("00000000-0000-4000-8000-%012d", seq.Add(1)) },
	})
	ctx := context.Background()
	_, err := svc.CreateUser(ctx, "bob", "secret", ingest.UserOptions{})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, "ann", "pw", ingest.UserOptions{})
	require.NoError(t, err)
	_, err = svc.CreateUser(ctx, "root", "pw", ingest.UserOptions{Superuser: true})
	require.NoError(t, err)
	form, err := svc.PublishXMLForm(ctx, "bob", []byte(householdForm), ingest.PublishOptions{})
	require.NoError(t, err)
	_, err = svc.PublishXMLForm(ctx, "bob", []byte(privateForm), ingest.PublishOptions{RequireAuth: true})
	require.NoError(t, err)

	srv := New(Options{
		Service:    svc,
		Reconciler: mirror.NewReconciler(store, m, nil),
		Metrics:    met,
		Now:        now,
	})
	return &fixture{router: srv.Router(), svc: svc, store: store, mirror: m, form: form}
}

func (f *fixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func householdXML(uuid string) string {
	return `<household id="household"><start>2024-04-30T08:00:00Z</start><name>Ann</name><photo>a.jpg</photo><meta><instanceID>uuid:` + uuid + `</instanceID></meta></household>`
}

type part struct {
	field, filename, contentType string
	body                         []byte
}

func multipartRequest(t *testing.T, method, target string, parts ...part) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, p := range parts {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name=%q; filename=%q`, p.field, p.filename)}
		h["Content-Type"] = []string{p.contentType}
		pw, err := w.CreatePart(h)
		require.NoError(t, err)
		_, err = pw.Write(p.body)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func xmlPart(body string) part {
	return part{field: xmlSubmissionField, filename: "submission.xml", contentType: "text/xml", body: []byte(body)}
}

func TestSubmissionHead(t *testing.T) {
	f := newFixture(t)
	req := httptest.NewRequest(http.MethodHead, "/bob/submission", nil)
	req.Header.Set("X-Forwarded-Host", "edge.example, inner.example")
	rec := f.do(req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "http://inner.example/bob/submission", rec.Header().Get("Location"))
	assert.Equal(t, "1.0", rec.Header().Get("X-OpenRosa-Version"))
	assert.Equal(t, "10000000", rec.Header().Get("X-OpenRosa-Accept-Content-Length"))
}

func TestSubmissionCreatedThenDuplicate(t *testing.T) {
	f := newFixture(t)
	body := householdXML("aaaa-1")
	rec := f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(body),
		part{field: "a.jpg", filename: "a.jpg", contentType: "image/jpeg", body: []byte("jpeg")}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "http://example.com/bob/submission", rec.Header().Get("Location"))
	assert.Contains(t, rec.Body.String(), "Successful submission.")
	assert.Contains(t, rec.Body.String(), `instanceID="uuid:aaaa-1"`)
	assert.Contains(t, rec.Body.String(), `id="household"`)

	count, err := f.mirror.Count(context.Background(), "bob_household")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	rec = f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(body)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "Duplicate submission")
	assert.NotEmpty(t, rec.Header().Get("Location"))
}

func TestSubmissionRequiresSingleXMLFile(t *testing.T) {
	f := newFixture(t)
	rec := f.do(multipartRequest(t, http.MethodPost, "/bob/submission",
		part{field: "a.jpg", filename: "a.jpg", contentType: "image/jpeg", body: []byte("jpeg")}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "There should be a single XML submission file.")

	rec = f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart("<a/>"), xmlPart("<b/>")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmissionRejections(t *testing.T) {
	f := newFixture(t)
	rec := f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart("<household id=\"household\"><name>")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "Improperly formatted XML.")

	rec = f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(`<other id="other"><x>1</x></other>`)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "Form does not exist on this account")

	rec = f.do(multipartRequest(t, http.MethodPost, "/nobody/submission", xmlPart(householdXML("x"))))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.svc.SetSuspended(true)
	rec = f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(householdXML("x"))))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOwnerlessSubmissionChallenges(t *testing.T) {
	f := newFixture(t)
	withFormhub := func() part {
		return xmlPart(`<household id="household"><formhub><uuid>` + f.form.UUID + `</uuid></formhub><start>2024-04-30T08:00:00Z</start><name>Ann</name><meta><instanceID>uuid:bbbb-1</instanceID></meta></household>`)
	}
	rec := f.do(multipartRequest(t, http.MethodPost, "/submission", withFormhub()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Basic")

	req := multipartRequest(t, http.MethodPost, "/submission", withFormhub())
	req.SetBasicAuth("bob", "wrong")
	assert.Equal(t, http.StatusUnauthorized, f.do(req).Code)

	req = multipartRequest(t, http.MethodPost, "/submission", withFormhub())
	req.SetBasicAuth("ann", "pw")
	rec = f.do(req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = multipartRequest(t, http.MethodPost, "/submission", withFormhub())
	req.SetBasicAuth("bob", "secret")
	rec = f.do(req)
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func TestAnonymousEditIsChallenged(t *testing.T) {
	f := newFixture(t)
	rec := f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(householdXML("cccc-1"))))
	require.Equal(t, http.StatusCreated, rec.Code)

	edit := `<household id="household"><start>2024-04-30T08:00:00Z</start><name>Bea</name><meta><instanceID>uuid:cccc-2</instanceID><deprecatedID>uuid:cccc-1</deprecatedID></meta></household>`
	rec = f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(edit)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(edit))
	req.SetBasicAuth("bob", "secret")
	assert.Equal(t, http.StatusCreated, f.do(req).Code)
}

func TestFormListHidesPrivateForms(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/bob/formList", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "<formID>household</formID>")
	assert.Contains(t, body, "<version>3</version>")
	assert.Contains(t, body, "http://example.com/bob/forms/household/form.xml")
	assert.NotContains(t, body, "<formID>water</formID>")

	req := httptest.NewRequest(http.MethodGet, "/bob/formList", nil)
	req.SetBasicAuth("bob", "secret")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "<formID>water</formID>")
}

func TestFormDownloadAndManifest(t *testing.T) {
	f := newFixture(t)
	rec := f.do(httptest.NewRequest(http.MethodGet, "/bob/forms/household/form.xml", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), f.form.UUID)
	assert.Equal(t, "text/xml; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = f.do(httptest.NewRequest(http.MethodGet, "/bob/forms/missing/form.xml", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(httptest.NewRequest(http.MethodGet, "/bob/xformsManifest/household", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http://openrosa.org/xforms/xformsManifest")
}

func TestPrivateFormDownloadRequiresPermission(t *testing.T) {
	f := newFixture(t)
	get := func(target, user, password string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if user != "" {
			req.SetBasicAuth(user, password)
		}
		return f.do(req)
	}
	for _, target := range []string{"/bob/forms/water/form.xml", "/bob/xformsManifest/water"} {
		rec := get(target, "", "")
		require.Equal(t, http.StatusUnauthorized, rec.Code, target)
		assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))
		assert.Equal(t, http.StatusForbidden, get(target, "ann", "pw").Code, target)
		assert.Equal(t, http.StatusOK, get(target, "bob", "secret").Code, target)
		assert.Equal(t, http.StatusOK, get(target, "root", "pw").Code, target)
	}

	var water domain.Form
	for _, form := range f.store.ListForms("bob") {
		if form.IDString == "water" {
			water = form
		}
	}
	require.NotEmpty(t, water.ID)
	_, err := f.svc.Grant(context.Background(), water.ID, "ann", domain.PermissionReport)
	require.NoError(t, err)
	rec := get("/bob/forms/water/form.xml", "ann", "pw")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Water points")
}

type failingViewStore struct {
	*memory.Store
}

func (failingViewStore) View(context.Context, func(domain.TransactionView) error) error {
	return errors.New("store unavailable")
}

func TestFormDownloadStoreFailure(t *testing.T) {
	f := newFixture(t)
	svc := ingest.NewService(ingest.Options{Store: failingViewStore{f.store}, Blobs: blob.NewMemory()})
	srv := New(Options{Service: svc, Metrics: metrics.New()})
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/bob/forms/household/form.xml", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBulkSubmission(t *testing.T) {
	f := newFixture(t)
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	for i, uuid := range []string{"zip-1", "zip-2"} {
		w, err := zw.Create(fmt.Sprintf("instances/%d/submission.xml", i))
		require.NoError(t, err)
		_, err = w.Write([]byte(householdXML(uuid)))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	newReq := func() *http.Request {
		return multipartRequest(t, http.MethodPost, "/bob/bulk-submission",
			part{field: zipSubmissionField, filename: "export.zip", contentType: "application/zip", body: archive.Bytes()})
	}
	assert.Equal(t, http.StatusUnauthorized, f.do(newReq()).Code)

	req := newReq()
	req.SetBasicAuth("ann", "pw")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)

	req = newReq()
	req.SetBasicAuth("bob", "secret")
	rec := f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out bulkResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "Submission complete. Out of 2 survey instances, 2 were imported, (0 were rejected as duplicates, missing forms, etc.)", out.Message)
	assert.Equal(t, "0 []", out.Errors)
	assert.Len(t, f.store.ListInstances(f.form.ID), 2)
}

func TestFormDataAndAttachments(t *testing.T) {
	f := newFixture(t)
	rec := f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(householdXML("dddd-1")),
		part{field: "a.jpg", filename: "a.jpg", contentType: "image/jpeg", body: []byte("jpeg")}))
	require.Equal(t, http.StatusCreated, rec.Code)

	target := "/api/v1/forms/" + f.form.ID + "/data"
	assert.Equal(t, http.StatusUnauthorized, f.do(httptest.NewRequest(http.MethodGet, target, nil)).Code)

	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.SetBasicAuth("ann", "pw")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, target+"?limit=10", nil)
	req.SetBasicAuth("bob", "secret")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var docs []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &docs))
	require.Len(t, docs, 1)
	assert.Equal(t, "dddd-1", docs[0][mirror.FieldUUID])

	req = httptest.NewRequest(http.MethodGet, target+"?limit=zero", nil)
	req.SetBasicAuth("bob", "secret")
	assert.Equal(t, http.StatusBadRequest, f.do(req).Code)

	inst := f.store.ListInstances(f.form.ID)[0]
	atts := f.store.ListAttachments(inst.ID)
	require.Len(t, atts, 1)
	req = httptest.NewRequest(http.MethodGet, "/api/v1/attachments/"+atts[0].ID, nil)
	req.SetBasicAuth("bob", "secret")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "jpeg", rec.Body.String())
	assert.Equal(t, "image/jpeg", rec.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodGet, "/api/v1/attachments/"+atts[0].ID+"?redirect=true", nil)
	req.SetBasicAuth("bob", "secret")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code, "memory blobs cannot presign and fall back to streaming")
	assert.Equal(t, "jpeg", rec.Body.String())

	req = httptest.NewRequest(http.MethodGet, "/api/v1/attachments/missing", nil)
	req.SetBasicAuth("bob", "secret")
	assert.Equal(t, http.StatusNotFound, f.do(req).Code)
}

func TestMirrorEndpointsRequireSuperuser(t *testing.T) {
	f := newFixture(t)
	rec := f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(householdXML("eeee-1"))))
	require.Equal(t, http.StatusCreated, rec.Code)
	_, err := f.mirror.DeleteByUserForm(context.Background(), "bob_household")
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/mirror/status", nil)
	req.SetBasicAuth("bob", "secret")
	assert.Equal(t, http.StatusForbidden, f.do(req).Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/mirror/status", nil)
	req.SetBasicAuth("root", "pw")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	var report mirror.SyncReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.OutOfSync)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/mirror/repair", nil)
	req.SetBasicAuth("root", "pw")
	rec = f.do(req)
	require.Equal(t, http.StatusOK, rec.Code)
	count, err := f.mirror.Count(context.Background(), "bob_household")
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestOperationalEndpoints(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)).Code)
	assert.Equal(t, http.StatusOK, f.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil)).Code)

	f.do(httptest.NewRequest(http.MethodGet, "/bob/formList", nil))
	rec := f.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `kobocat_http_status_total{status="200"}`)
}

func TestLastHop(t *testing.T) {
	assert.Equal(t, "c", lastHop("a, b,  c"))
	assert.Equal(t, "a", lastHop("a"))
}

func TestAttachmentRedirectsToPresignedLink(t *testing.T) {
	f := newFixtureWithBlobs(t, blob.NewMockS3ForTests())
	rec := f.do(multipartRequest(t, http.MethodPost, "/bob/submission", xmlPart(householdXML("ffff-1")),
		part{field: "a.jpg", filename: "a.jpg", contentType: "image/jpeg", body: []byte("jpeg")}))
	require.Equal(t, http.StatusCreated, rec.Code)
	atts := f.store.ListAttachments(f.store.ListInstances(f.form.ID)[0].ID)
	require.Len(t, atts, 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attachments/"+atts[0].ID+"?redirect=true", nil)
	req.SetBasicAuth("bob", "secret")
	rec = f.do(req)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "mock-bucket/"+atts[0].BlobKey)
	assert.Contains(t, rec.Header().Get("Location"), "X-Amz-Signature=")
}
