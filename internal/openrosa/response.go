package openrosa

import (
	"bytes"
	"crypto/md5" //nolint:gosec // xformsList hashes are md5 by protocol
	"encoding/hex"
	"encoding/xml"
	"net/http"
	"strconv"
	"time"
)

const (
	// Version is sent in X-OpenRosa-Version on every response.
	Version = "1.0"
	// ContentType is the media type of every OpenRosa XML document.
	ContentType = "text/xml; charset=utf-8"
	// DefaultMaxContentLength is advertised through
	// X-OpenRosa-Accept-Content-Length when no limit is configured.
	DefaultMaxContentLength int64 = 10000000

	responseNS = "http://openrosa.org/http/response"
	dateLayout = "Mon, 02 Jan 2006 15:04:05 MST"
)

// SetHeaders writes the headers OpenRosa clients expect.
func SetHeaders(h http.Header, now time.Time, maxContentLength int64) {
	if maxContentLength <= 0 {
		maxContentLength = DefaultMaxContentLength
	}
	h.Set("X-OpenRosa-Version", Version)
	h.Set("Date", now.UTC().Format(dateLayout))
	h.Set("X-OpenRosa-Accept-Content-Length", strconv.FormatInt(maxContentLength, 10))
	h.Set("Content-Type", ContentType)
}

// Envelope wraps message in the OpenRosaResponse document used for
// rejections and plain acknowledgements.
func Envelope(message string) []byte {
	var buf bytes.Buffer
	buf.WriteString("<?xml version='1.0' encoding='UTF-8' ?>\n")
	buf.WriteString(`<OpenRosaResponse xmlns="` + responseNS + `">` + "\n")
	buf.WriteString(`        <message nature="">`)
	_ = xml.EscapeText(&buf, []byte(message))
	buf.WriteString("</message>\n</OpenRosaResponse>")
	return buf.Bytes()
}

// SubmissionReceipt describes an accepted submission.
type SubmissionReceipt struct {
	FormID               string
	InstanceID           string
	Encrypted            bool
	SubmissionDate       time.Time
	MarkedAsCompleteDate time.Time
}

type receiptMessage struct {
	Nature string `xml:"nature,attr"`
	Text   string `xml:",chardata"`
}

type receiptMetadata struct {
	XMLNS                string `xml:"xmlns,attr"`
	ID                   string `xml:"id,attr"`
	InstanceID           string `xml:"instanceID,attr"`
	SubmissionDate       string `xml:"submissionDate,attr"`
	IsComplete           string `xml:"isComplete,attr"`
	MarkedAsCompleteDate string `xml:"markedAsCompleteDate,attr"`
	Encrypted            string `xml:"encrypted,attr,omitempty"`
}

type receiptDocument struct {
	XMLName  xml.Name        `xml:"OpenRosaResponse"`
	XMLNS    string          `xml:"xmlns,attr"`
	Message  receiptMessage  `xml:"message"`
	Metadata receiptMetadata `xml:"submissionMetadata"`
}

// SubmissionResponse renders the success document returned with 201.
func SubmissionResponse(r SubmissionReceipt) ([]byte, error) {
	doc := receiptDocument{
		XMLNS:   responseNS,
		Message: receiptMessage{Nature: "submit_success", Text: "Successful submission."},
		Metadata: receiptMetadata{
			XMLNS:                "http://www.opendatakit.org/xforms",
			ID:                   r.FormID,
			InstanceID:           "uuid:" + r.InstanceID,
			SubmissionDate:       r.SubmissionDate.UTC().Format(time.RFC3339Nano),
			IsComplete:           "true",
			MarkedAsCompleteDate: r.MarkedAsCompleteDate.UTC().Format(time.RFC3339Nano),
		},
	}
	if r.Encrypted {
		doc.Metadata.Encrypted = "true"
	}
	return marshalDocument(doc)
}

// FormListEntry is one downloadable form in an xformsList document.
type FormListEntry struct {
	IDString string
	Title    string
	XML      string
	Version  string
}

type xformEntry struct {
	FormID            string `xml:"formID"`
	Name              string `xml:"name"`
	MajorMinorVersion string `xml:"majorMinorVersion"`
	Version           string `xml:"version"`
	Hash              string `xml:"hash"`
	DescriptionText   string `xml:"descriptionText"`
	DownloadURL       string `xml:"downloadUrl"`
	ManifestURL       string `xml:"manifestUrl"`
}

type xformsList struct {
	XMLName xml.Name     `xml:"xforms"`
	XMLNS   string       `xml:"xmlns,attr"`
	Forms   []xformEntry `xml:"xform"`
}

// FormList renders the document ODK Collect downloads forms from. host is
// the scheme and authority the client reached the server on.
func FormList(host, owner string, forms []FormListEntry) ([]byte, error) {
	doc := xformsList{XMLNS: "http://openrosa.org/xforms/xformsList"}
	for _, f := range forms {
		doc.Forms = append(doc.Forms, xformEntry{
			FormID:      f.IDString,
			Name:        f.Title,
			Version:     f.Version,
			Hash:        "md5:" + FormHash(f.XML),
			DownloadURL: host + "/" + owner + "/forms/" + f.IDString + "/form.xml",
			ManifestURL: host + "/" + owner + "/xformsManifest/" + f.IDString,
		})
	}
	return marshalDocument(doc)
}

// FormHash is the md5 digest clients compare to detect form updates.
func FormHash(formXML string) string {
	sum := md5.Sum([]byte(formXML)) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

type manifest struct {
	XMLName xml.Name `xml:"manifest"`
	XMLNS   string   `xml:"xmlns,attr"`
}

// Manifest renders an xformsManifest. Forms carry no media files here, so
// the manifest is always empty.
func Manifest() ([]byte, error) {
	return marshalDocument(manifest{XMLNS: "http://openrosa.org/xforms/xformsManifest"})
}

func marshalDocument(v any) ([]byte, error) {
	b, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), b...), nil
}
