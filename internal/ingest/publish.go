package ingest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

// PublishOptions tunes PublishXMLForm.
type PublishOptions struct {
	// IDString, when set, replaces the definition of that existing form.
	IDString    string
	RequireAuth bool
}

// PublishXMLForm creates a form owned by owner from XForm XML, or replaces
// the definition of an existing one. The form uuid is written into the
// definition so that submissions can name their form.
func (s *Service) PublishXMLForm(ctx context.Context, owner string, raw []byte, opts PublishOptions) (domain.Form, error) {
	owner = lower(owner)
	def, err := openrosa.ParseForm(raw)
	if err != nil {
		return domain.Form{}, err
	}
	var out domain.Form
	_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		if _, ok := view.FindUser(owner); !ok {
			return fmt.Errorf("%w: %s", ErrUserNotFound, owner)
		}
		if opts.IDString != "" {
			existing, ok := view.FindFormByIDString(owner, opts.IDString)
			if !ok {
				return ErrFormNotFound
			}
			if err := def.SetFormhubUUID(existing.UUID); err != nil {
				return err
			}
			out, err = tx.UpdateForm(existing.ID, func(f *domain.Form) error {
				applyDefinition(f, def)
				return nil
			})
			return err
		}
		if _, ok := view.FindFormByIDString(owner, def.IDString); ok {
			return fmt.Errorf("%w: %s", ErrFormExists, def.IDString)
		}
		formUUID := hexUUID(s.newUUID())
		if err := def.SetFormhubUUID(formUUID); err != nil {
			return err
		}
		f := domain.Form{
			Owner:        owner,
			UUID:         formUUID,
			Downloadable: true,
			RequireAuth:  opts.RequireAuth,
		}
		applyDefinition(&f, def)
		out, err = tx.CreateForm(f)
		return err
	})
	if err != nil {
		return domain.Form{}, err
	}
	s.logger.Info("form published", zap.String("form", out.UserFormID()), zap.String("uuid", out.UUID))
	return out, nil
}

func applyDefinition(f *domain.Form, def *openrosa.FormDefinition) {
	f.IDString = def.IDString
	f.Title = def.Title
	f.XML = string(def.XML())
	f.HasStartTime = def.HasStartTime
	f.Encrypted = def.Encrypted
	f.MediaXPaths = append([]string(nil), def.MediaXPaths...)
}

// SetFormActive toggles whether a form accepts submissions and is listed.
func (s *Service) SetFormActive(ctx context.Context, formID string, active bool) (domain.Form, error) {
	var out domain.Form
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		out, err = tx.UpdateForm(formID, func(f *domain.Form) error {
			f.Downloadable = active
			return nil
		})
		return err
	})
	return out, err
}

// Grant hands username a permission on a form.
func (s *Service) Grant(ctx context.Context, formID, username string, perm domain.Permission) (domain.Form, error) {
	username = lower(username)
	var out domain.Form
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		var err error
		out, err = tx.UpdateForm(formID, func(f *domain.Form) error {
			if f.HasPermission(username, perm) {
				return nil
			}
			if f.Grants == nil {
				f.Grants = make(map[string][]domain.Permission)
			}
			f.Grants[username] = append(f.Grants[username], perm)
			return nil
		})
		return err
	})
	return out, err
}
