package core

import (
	"context"
	"fmt"

	"kobocat/pkg/domain"
)

// NewInstanceUUIDUniqueRule returns the rule blocking two submissions of one
// form from sharing a UUID.
func NewInstanceUUIDUniqueRule() domain.Rule {
	return instanceUUIDUniqueRule{}
}

type instanceUUIDUniqueRule struct{}

func (instanceUUIDUniqueRule) Name() string { return "instance_uuid_unique" }

// Evaluate only inspects instances touched by the transaction; rows that
// predate the rule are left alone.
func (instanceUUIDUniqueRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	seen := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityInstance || change.Action == domain.ActionDelete {
			continue
		}
		inst, ok := change.After.(domain.Instance)
		if !ok || inst.UUID == "" {
			continue
		}
		if _, done := seen[inst.ID]; done {
			continue
		}
		seen[inst.ID] = struct{}{}
		for _, other := range view.FindInstancesByUUID(inst.UUID) {
			if other.ID == inst.ID || other.FormID != inst.FormID {
				continue
			}
			res.Violations = append(res.Violations, domain.Violation{
				Rule:     "instance_uuid_unique",
				Severity: domain.SeverityBlock,
				Message:  fmt.Sprintf("instance uuid %s already used by %s on form %s", inst.UUID, other.ID, inst.FormID),
				Entity:   domain.EntityInstance,
				EntityID: inst.ID,
			})
			break
		}
	}
	return res, nil
}
