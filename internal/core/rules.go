package core

import "kobocat/pkg/domain"

// NewDefaultRulesEngine enforces unique instance uuids per form and unique
// media files per instance.
func NewDefaultRulesEngine() *domain.RulesEngine {
	return domain.NewRulesEngine(NewInstanceUUIDUniqueRule(), NewAttachmentUniqueRule())
}
