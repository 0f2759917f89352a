package ingest

import (
	"context"
	"fmt"

	"kobocat/pkg/domain"
)

// GetInstanceByUUID returns the oldest instance carrying uuid. Several rows
// may share a uuid when they hold the same content; differing content fails
// with ErrDuplicateUUID.
func (s *Service) GetInstanceByUUID(ctx context.Context, uuid string) (domain.Instance, error) {
	var matches []domain.Instance
	if err := s.store.View(ctx, func(v domain.TransactionView) error {
		matches = v.FindInstancesByUUID(uuid)
		return nil
	}); err != nil {
		return domain.Instance{}, err
	}
	if len(matches) == 0 {
		return domain.Instance{}, ErrInstanceNotFound
	}
	first := matches[0]
	for _, other := range matches[1:] {
		if other.XMLHash != first.XMLHash {
			return domain.Instance{}, fmt.Errorf("%w: %s", ErrDuplicateUUID, uuid)
		}
	}
	return first, nil
}
