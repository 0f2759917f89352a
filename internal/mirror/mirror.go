// Package mirror keeps a queryable copy of every submission in a secondary
// document store and repairs it when it drifts from the primary store.
package mirror

import (
	"context"
	"errors"
)

// Document is the mirrored form of one instance: the flattened answers plus
// the underscore prefixed bookkeeping fields below.
type Document map[string]any

// Bookkeeping fields written next to the answers.
const (
	FieldID             = "_id"
	FieldUUID           = "_uuid"
	FieldUserFormID     = "_userform_id"
	FieldIDString       = "_xform_id_string"
	FieldSubmissionTime = "_submission_time"
	FieldStatus         = "_status"
	FieldSubmittedBy    = "_submitted_by"
	FieldAttachments    = "_attachments"
	FieldVersion        = "_version"
)

// ErrInvalidDocument reports a document without an _id.
var ErrInvalidDocument = errors.New("mirror document requires _id")

// Mirror is the secondary document store.
type Mirror interface {
	Upsert(ctx context.Context, doc Document) error
	Delete(ctx context.Context, id string) error
	DeleteByUserForm(ctx context.Context, userformID string) (int64, error)
	Count(ctx context.Context, userformID string) (int64, error)
	IDs(ctx context.Context, userformID string) ([]string, error)
	Find(ctx context.Context, userformID string, q Query) ([]Document, error)
}

// Query pages through the documents of one form ordered by _id.
type Query struct {
	Skip  int64
	Limit int64
}

// ID returns the _id of the document.
func (d Document) ID() string {
	id, _ := d[FieldID].(string)
	return id
}

// UserFormID returns the _userform_id of the document.
func (d Document) UserFormID() string {
	id, _ := d[FieldUserFormID].(string)
	return id
}

func (d Document) clone() Document {
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}
