// Package domain defines the persistent entities, value types, and rule
// evaluation primitives used by kobocat.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records and persistence buckets.
const (
	// EntityUser identifies an account and its profile counters.
	EntityUser EntityType = "user"
	// EntityForm identifies a published XForm definition.
	EntityForm EntityType = "form"
	// EntityInstance identifies a single submission of a form.
	EntityInstance EntityType = "instance"
	// EntityInstanceHistory identifies the snapshot of a submission taken before an edit.
	EntityInstanceHistory EntityType = "instance_history"
	// EntityAttachment identifies a media file uploaded with a submission.
	EntityAttachment EntityType = "attachment"
)

// Permission is an object-level grant a form owner hands to another account.
type Permission string

// Grants understood by the submission pipeline.
const (
	// PermissionReport allows submitting data to a form owned by someone else.
	PermissionReport Permission = "report_xform"
	// PermissionChange allows editing submissions of a form.
	PermissionChange Permission = "change_xform"
)

// InstanceStatus records how a submission entered the system.
type InstanceStatus string

const (
	StatusSubmittedViaWeb InstanceStatus = "submitted_via_web"
	StatusImportedViaZip  InstanceStatus = "zip"
)

// User is an account that owns forms or submits data. Profile counters live
// on the same record.
type User struct {
	Username               string    `json:"username"`
	PasswordHash           string    `json:"password_hash,omitempty"`
	IsActive               bool      `json:"is_active"`
	IsSuperuser            bool      `json:"is_superuser"`
	RequireAuth            bool      `json:"require_auth"`
	NumOfSubmissions       int64     `json:"num_of_submissions"`
	AttachmentStorageBytes int64     `json:"attachment_storage_bytes"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Form is a published XForm definition together with its submission counters.
type Form struct {
	ID                     string                  `json:"id"`
	IDString               string                  `json:"id_string"`
	UUID                   string                  `json:"uuid"`
	Owner                  string                  `json:"owner"`
	Title                  string                  `json:"title"`
	XML                    string                  `json:"xml"`
	Downloadable           bool                    `json:"downloadable"`
	RequireAuth            bool                    `json:"require_auth"`
	HasStartTime           bool                    `json:"has_start_time"`
	Encrypted              bool                    `json:"encrypted"`
	MediaXPaths            []string                `json:"media_xpaths,omitempty"`
	Grants                 map[string][]Permission `json:"grants,omitempty"`
	NumOfSubmissions       int64                   `json:"num_of_submissions"`
	LastSubmissionTime     *time.Time              `json:"last_submission_time,omitempty"`
	DailyCounts            map[string]int64        `json:"daily_counts,omitempty"`
	MonthlyCounts          map[string]int64        `json:"monthly_counts,omitempty"`
	AttachmentStorageBytes int64                   `json:"attachment_storage_bytes"`
	CreatedAt              time.Time               `json:"created_at"`
	UpdatedAt              time.Time               `json:"updated_at"`
}

// UserFormID is the key shared by every mirrored document of the form.
func (f Form) UserFormID() string {
	return f.Owner + "_" + f.IDString
}

// HasPermission reports whether username holds the grant on the form.
func (f Form) HasPermission(username string, perm Permission) bool {
	for _, p := range f.Grants[strings.ToLower(username)] {
		if p == perm {
			return true
		}
	}
	return false
}

// Instance is one submission of a form.
type Instance struct {
	ID      string `json:"id"`
	FormID  string `json:"form_id"`
	UUID    string `json:"uuid"`
	XML     string `json:"xml"`
	XMLHash string `json:"xml_hash,omitempty"`
	// SubmittedHash digests the bytes the client sent. It differs from
	// XMLHash when the server injected meta/instanceID.
	SubmittedHash string         `json:"submitted_hash,omitempty"`
	JSON          map[string]any `json:"json,omitempty"`
	Status        InstanceStatus `json:"status"`
	SubmittedBy   string         `json:"submitted_by,omitempty"`
	Counted       bool           `json:"counted"`
	DateCreated   time.Time      `json:"date_created"`
	DateModified  time.Time      `json:"date_modified"`
}

// MatchesContent applies the duplicate test to the hash of submitted bytes:
// equal to what the client originally sent, equal to the stored XML hash,
// or for legacy rows that were stored without a hash, equal raw XML.
func (i Instance) MatchesContent(hash, xml string) bool {
	if i.SubmittedHash != "" && i.SubmittedHash == hash {
		return true
	}
	if i.XMLHash == "" {
		return i.XML == xml
	}
	return i.XMLHash == hash
}

// InstanceHistory preserves the XML a submission carried before an edit.
type InstanceHistory struct {
	ID         string    `json:"id"`
	InstanceID string    `json:"instance_id"`
	UUID       string    `json:"uuid"`
	XML        string    `json:"xml"`
	XMLHash    string    `json:"xml_hash,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Attachment is a media file stored alongside a submission.
type Attachment struct {
	ID         string     `json:"id"`
	InstanceID string     `json:"instance_id"`
	FormID     string     `json:"form_id"`
	Filename   string     `json:"filename"`
	Basename   string     `json:"basename"`
	MimeType   string     `json:"mimetype"`
	FileHash   string     `json:"file_hash"`
	Size       int64      `json:"size"`
	BlobKey    string     `json:"blob_key"`
	Counted    bool       `json:"counted"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Live reports whether the attachment has not been soft-deleted.
func (a Attachment) Live() bool {
	return a.DeletedAt == nil
}

// HashContent returns the hex sha256 digest used for XML and attachment hashes.
func HashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Change describes a mutation applied within a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action enumerates CRUD operations.
type Action string

// Change actions enumerate supported mutations captured in transactions.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}

// ErrNotFound matches every NotFoundError through errors.Is.
var ErrNotFound = errors.New("not found")

// NotFoundError names the missing record.
type NotFoundError struct {
	Entity EntityType
	ID     string
}

func (e NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Entity, e.ID) }

func (e NotFoundError) Is(target error) bool { return target == ErrNotFound }
