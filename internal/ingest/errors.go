package ingest

import "errors"

var (
	// ErrInvalidUser reports a submission that names neither an owner nor a form uuid.
	ErrInvalidUser = errors.New("username or form uuid required")
	// ErrUserNotFound reports an unknown account.
	ErrUserNotFound = errors.New("user not found")
	// ErrFormNotFound reports a submission for a form the owner does not have.
	ErrFormNotFound = errors.New("form does not exist on this account")
	// ErrFormExists reports a publish that collides with an existing id_string.
	ErrFormExists = errors.New("form with this id_string already exists")
	// ErrFormInactive reports a submission to a form that no longer accepts data.
	ErrFormInactive = errors.New("form is not active")
	// ErrDuplicate reports a submission already stored with nothing new attached.
	ErrDuplicate = errors.New("duplicate submission")
	// ErrPermissionDenied is matched by every PermissionError.
	ErrPermissionDenied = errors.New("forbidden")
	// ErrUnauthenticatedEdit reports an edit attempted without credentials.
	ErrUnauthenticatedEdit = errors.New("authentication required to edit a submission")
	// ErrTemporarilyUnavailable reports that submissions are suspended.
	ErrTemporarilyUnavailable = errors.New("submissions temporarily unavailable")
	// ErrDuplicateUUID reports several instances with different content under one uuid.
	ErrDuplicateUUID = errors.New("multiple instances with different content share a uuid")
	// ErrEntryTooLarge reports an archive file that decompresses past the size limit.
	ErrEntryTooLarge = errors.New("archive entry exceeds the size limit")
	// ErrInstanceNotFound reports an unknown submission uuid.
	ErrInstanceNotFound = errors.New("instance not found")
)

// Messages carried by PermissionError.
const (
	messageForbidden     = "Forbidden"
	messageEditForbidden = "Forbidden attempt to edit a submission. To make a new submission, Remove `deprecatedID` from the submission XML and try again."
)

// PermissionError is a refused submission or edit. Message is shown to the
// client as is.
type PermissionError struct {
	Message string
}

func (e PermissionError) Error() string { return e.Message }

// Is makes errors.Is(err, ErrPermissionDenied) hold.
func (e PermissionError) Is(target error) bool { return target == ErrPermissionDenied }
