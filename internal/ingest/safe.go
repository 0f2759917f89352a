package ingest

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

// Rejection is the OpenRosa answer for a submission that was not stored.
type Rejection struct {
	Status  int
	Message string
	// Duplicate marks the 202 answer, which carries a Location header.
	Duplicate bool
}

// SafeCreateInstance runs CreateInstance and turns every expected failure
// into a Rejection. Unexpected errors, and ErrUnauthenticatedEdit which the
// transport answers with a credentials challenge, are returned as errors.
func (s *Service) SafeCreateInstance(ctx context.Context, sub Submission) (domain.Instance, *Rejection, error) {
	started := s.now()
	inst, err := s.CreateInstance(ctx, sub)
	took := s.now().Sub(started)
	if err == nil {
		s.metrics.ObserveSubmission("created", took)
		return inst, nil, nil
	}
	rej := Reject(err)
	if rej == nil {
		s.metrics.ObserveSubmission("error", took)
		if !errors.Is(err, ErrUnauthenticatedEdit) {
			s.logger.Error("submission failed", zap.String("user", sub.Username), zap.Error(err))
		}
		return domain.Instance{}, nil, err
	}
	outcome := "rejected"
	if rej.Duplicate {
		outcome = "duplicate"
	}
	s.metrics.ObserveSubmission(outcome, took)
	s.logger.Info("submission rejected", zap.String("user", sub.Username), zap.Int("status", rej.Status), zap.String("reason", err.Error()))
	return domain.Instance{}, rej, nil
}

// Reject maps a pipeline error to its OpenRosa rejection, or returns nil for
// errors that have none.
func Reject(err error) *Rejection {
	var perm PermissionError
	var violation domain.RuleViolationError
	switch {
	case errors.Is(err, ErrInvalidUser):
		return &Rejection{Status: http.StatusBadRequest, Message: "Username or ID required."}
	case errors.Is(err, openrosa.ErrEmptyInstance):
		return &Rejection{Status: http.StatusBadRequest, Message: "Received empty submission. No instance was created"}
	case errors.Is(err, ErrFormInactive):
		return &Rejection{Status: http.StatusMethodNotAllowed, Message: "Form is not active"}
	case errors.Is(err, ErrTemporarilyUnavailable):
		return &Rejection{Status: http.StatusServiceUnavailable, Message: "Temporarily unavailable"}
	case errors.Is(err, ErrFormNotFound):
		return &Rejection{Status: http.StatusNotFound, Message: "Form does not exist on this account"}
	case errors.Is(err, openrosa.ErrMalformedXML):
		return &Rejection{Status: http.StatusBadRequest, Message: "Improperly formatted XML."}
	case errors.Is(err, ErrDuplicate):
		return &Rejection{Status: http.StatusAccepted, Message: "Duplicate submission", Duplicate: true}
	case errors.As(err, &perm):
		return &Rejection{Status: http.StatusForbidden, Message: perm.Message}
	case errors.Is(err, openrosa.ErrMultipleNodes):
		return &Rejection{Status: http.StatusBadRequest, Message: err.Error()}
	case errors.Is(err, openrosa.ErrInvalidEncoding):
		return &Rejection{Status: http.StatusBadRequest, Message: "File likely corrupted during transmission, please try later."}
	case errors.Is(err, ErrDuplicateUUID), errors.As(err, &violation):
		return &Rejection{Status: http.StatusConflict, Message: "Another submission with this instanceID and different content exists on this form."}
	default:
		return nil
	}
}
