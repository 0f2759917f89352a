package core

import (
	"context"
	"fmt"

	"kobocat/pkg/domain"
)

// NewAttachmentUniqueRule returns the rule blocking a second live attachment
// with the same filename and content hash on one instance.
func NewAttachmentUniqueRule() domain.Rule {
	return attachmentUniqueRule{}
}

type attachmentUniqueRule struct{}

func (attachmentUniqueRule) Name() string { return "attachment_unique" }

func (attachmentUniqueRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	touched := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityAttachment {
			continue
		}
		if a, ok := change.After.(domain.Attachment); ok {
			touched[a.InstanceID] = struct{}{}
		}
	}

	res := domain.Result{}
	for instanceID := range touched {
		seen := make(map[string]string)
		for _, a := range view.ListAttachments(instanceID) {
			if !a.Live() {
				continue
			}
			key := a.Filename + "\x00" + a.FileHash
			if prior, dup := seen[key]; dup {
				res.Violations = append(res.Violations, domain.Violation{
					Rule:     "attachment_unique",
					Severity: domain.SeverityBlock,
					Message:  fmt.Sprintf("attachment %s duplicates %s on instance %s", a.ID, prior, instanceID),
					Entity:   domain.EntityAttachment,
					EntityID: a.ID,
				})
				continue
			}
			seen[key] = a.ID
		}
	}
	return res, nil
}
