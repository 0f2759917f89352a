package ingest

import (
	"time"

	"kobocat/pkg/domain"
)

// SubmissionPath is the owner-less submission endpoint. Requests on it always
// require credentials unless the requester owns the form.
const SubmissionPath = "/submission"

// MediaFile is one attachment uploaded alongside the XML.
type MediaFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// Submission is one request to store an instance.
type Submission struct {
	// Username is the form owner named in the URL, if any.
	Username string
	XML      []byte
	Media    []MediaFile
	// FormUUID selects the form explicitly; otherwise <formhub><uuid> is used.
	FormUUID string
	Status   domain.InstanceStatus
	// DateCreated overrides the stored creation date.
	DateCreated *time.Time
	// Requester is the authenticated account; nil for anonymous requests.
	Requester *domain.User
	// Path is the request path, used by the permission check.
	Path string
	// Trusted skips permission checks, as for imports run by operators.
	Trusted bool
}

type upload struct {
	file     MediaFile
	filename string
	key      string
	hash     string
}

type saved struct {
	instance    domain.Instance
	created     bool
	attachments []domain.Attachment
	softDeleted []domain.Attachment
}
