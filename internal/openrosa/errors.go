package openrosa

import "errors"

var (
	// ErrMalformedXML reports a document the XML decoder rejected.
	ErrMalformedXML = errors.New("improperly formatted XML")
	// ErrEmptyInstance reports a submission without any answered question.
	ErrEmptyInstance = errors.New("empty submission")
	// ErrMultipleNodes reports more than one top-level element.
	ErrMultipleNodes = errors.New("multiple root nodes")
	// ErrInvalidEncoding reports bytes that are not valid UTF-8.
	ErrInvalidEncoding = errors.New("invalid character encoding")
	// ErrInvalidForm reports an XForm definition missing required parts.
	ErrInvalidForm = errors.New("invalid xform definition")
)
