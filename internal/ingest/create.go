package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"kobocat/internal/blob"
	"kobocat/internal/mirror"
	"kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

// CreateInstance stores a submission. An exact resubmission that brings new
// attachments completes the existing instance and returns it; one that
// brings nothing new fails with ErrDuplicate.
func (s *Service) CreateInstance(ctx context.Context, sub Submission) (domain.Instance, error) {
	if s.Suspended() {
		return domain.Instance{}, ErrTemporarilyUnavailable
	}
	sub.Username = lower(sub.Username)
	if sub.Status == "" {
		sub.Status = domain.StatusSubmittedViaWeb
	}
	raw := sub.XML
	if len(bytes.TrimSpace(raw)) == 0 {
		return domain.Instance{}, openrosa.ErrEmptyInstance
	}
	if !utf8.Valid(raw) {
		return domain.Instance{}, openrosa.ErrInvalidEncoding
	}
	xmlHash := domain.HashContent(raw)

	formUUID := sub.FormUUID
	if formUUID == "" {
		formUUID = openrosa.FormhubUUID(raw)
	}
	if sub.Username == "" && formUUID == "" {
		return domain.Instance{}, ErrInvalidUser
	}
	doc, err := openrosa.ParseXML(raw)
	if err != nil {
		return domain.Instance{}, err
	}
	form, err := s.resolveForm(ctx, sub.Username, formUUID, doc)
	if err != nil {
		return domain.Instance{}, err
	}
	if err := s.checkSubmissionPermissions(ctx, sub, form); err != nil {
		return domain.Instance{}, err
	}
	if !form.Downloadable {
		return domain.Instance{}, ErrFormInactive
	}

	newUUID := doc.InstanceUUID()
	if form.HasStartTime || newUUID != "" {
		var existing domain.Instance
		var found bool
		if err := s.store.View(ctx, func(v domain.TransactionView) error {
			existing, found = v.FindInstanceByContent(form.Owner, xmlHash, string(raw))
			return nil
		}); err != nil {
			return domain.Instance{}, err
		}
		if found {
			return s.completeExisting(ctx, existing, doc, sub.Media)
		}
	}
	return s.saveSubmission(ctx, sub, form, doc, raw, newUUID)
}

func (s *Service) resolveForm(ctx context.Context, username, formUUID string, doc *openrosa.Document) (domain.Form, error) {
	var form domain.Form
	var found bool
	err := s.store.View(ctx, func(v domain.TransactionView) error {
		if formUUID != "" {
			if form, found = v.FindFormByUUID(formUUID); found {
				return nil
			}
		}
		form, found = v.FindFormByIDString(username, doc.IDString())
		return nil
	})
	if err != nil {
		return domain.Form{}, err
	}
	if !found {
		return domain.Form{}, ErrFormNotFound
	}
	return form, nil
}

// checkSubmissionPermissions refuses data for a form that requires
// authentication unless the requester is a superuser, owns it or holds the
// report grant.
func (s *Service) checkSubmissionPermissions(ctx context.Context, sub Submission, form domain.Form) error {
	if sub.Trusted {
		return nil
	}
	var owner domain.User
	if err := s.store.View(ctx, func(v domain.TransactionView) error {
		owner, _ = v.FindUser(form.Owner)
		return nil
	}); err != nil {
		return err
	}
	if !owner.RequireAuth && !form.RequireAuth && sub.Path != SubmissionPath {
		return nil
	}
	if u := sub.Requester; u != nil && (u.IsSuperuser || u.Username == form.Owner || form.HasPermission(u.Username, domain.PermissionReport)) {
		return nil
	}
	return PermissionError{Message: messageForbidden}
}

func checkEditPermissions(sub Submission, form domain.Form) error {
	if sub.Trusted {
		return nil
	}
	if sub.Requester == nil {
		return ErrUnauthenticatedEdit
	}
	u := sub.Requester
	if u.IsSuperuser || u.Username == form.Owner || form.HasPermission(u.Username, domain.PermissionChange) {
		return nil
	}
	return PermissionError{Message: messageEditForbidden}
}

// completeExisting stores any attachments of a resubmission that the
// existing instance lacks.
func (s *Service) completeExisting(ctx context.Context, existing domain.Instance, doc *openrosa.Document, media []MediaFile) (domain.Instance, error) {
	form, ok := s.store.GetForm(existing.FormID)
	if !ok {
		return domain.Instance{}, ErrFormNotFound
	}
	if !form.Downloadable {
		return domain.Instance{}, ErrFormInactive
	}
	uploads, err := s.uploadMedia(ctx, form, existing.UUID, media)
	if err != nil {
		return domain.Instance{}, err
	}
	now := s.now()
	var result saved
	_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		result = saved{instance: existing}
		var err error
		if result.attachments, err = saveAttachments(tx, existing, uploads); err != nil {
			return err
		}
		if len(result.attachments) == 0 {
			return ErrDuplicate
		}
		result.softDeleted, err = softDeleteReplaced(tx, form, doc, existing, now)
		return err
	})
	if err != nil {
		return domain.Instance{}, err
	}
	s.logger.Info("duplicate submission completed with new attachments",
		zap.String("instance", existing.ID), zap.Int("attachments", len(result.attachments)))
	s.syncMirror(ctx, form, existing)
	s.applyCounters(ctx, form, result)
	return existing, nil
}

func (s *Service) saveSubmission(ctx context.Context, sub Submission, form domain.Form, doc *openrosa.Document, raw []byte, newUUID string) (domain.Instance, error) {
	dateOverride := sub.DateCreated
	if dateOverride == nil {
		if t, ok := doc.SubmissionDate(); ok {
			dateOverride = &t
		}
	}
	answers, err := openrosa.ToJSON(doc)
	if err != nil {
		return domain.Instance{}, err
	}

	instUUID := newUUID
	xmlText := raw
	if instUUID == "" {
		instUUID = hexUUID(s.newUUID())
		doc.InjectInstanceID(instUUID)
		xmlText = doc.Bytes()
	}
	xmlHash := domain.HashContent(xmlText)
	submittedHash := domain.HashContent(raw)

	uploads, err := s.uploadMedia(ctx, form, instUUID, sub.Media)
	if err != nil {
		return domain.Instance{}, err
	}

	now := s.now()
	var result saved
	_, err = s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		result = saved{}
		view := tx.Snapshot()
		var (
			inst, old domain.Instance
			isEdit    bool
			err       error
		)
		if deprecated := doc.DeprecatedUUID(); deprecated != "" {
			old, isEdit = view.FindInstanceByUUID(form.ID, deprecated)
		}
		if isEdit {
			if err := checkEditPermissions(sub, form); err != nil {
				return err
			}
			if _, err := tx.CreateInstanceHistory(domain.InstanceHistory{
				InstanceID: old.ID,
				UUID:       old.UUID,
				XML:        old.XML,
				XMLHash:    old.XMLHash,
			}); err != nil {
				return err
			}
			inst, err = tx.UpdateInstance(old.ID, func(i *domain.Instance) error {
				i.XML = string(xmlText)
				i.XMLHash = xmlHash
				i.SubmittedHash = submittedHash
				i.UUID = instUUID
				i.JSON = answers
				if dateOverride != nil {
					i.DateCreated = dateOverride.UTC()
				}
				return nil
			})
			if err != nil {
				return err
			}
		} else {
			if prior, ok := view.FindInstanceByUUID(form.ID, instUUID); ok && prior.XMLHash != xmlHash {
				return ErrDuplicateUUID
			}
			next := domain.Instance{
				FormID:        form.ID,
				UUID:          instUUID,
				XML:           string(xmlText),
				XMLHash:       xmlHash,
				SubmittedHash: submittedHash,
				JSON:          answers,
				Status:        sub.Status,
			}
			if sub.Requester != nil {
				next.SubmittedBy = sub.Requester.Username
			}
			if dateOverride != nil {
				next.DateCreated = dateOverride.UTC()
			}
			if inst, err = tx.CreateInstance(next); err != nil {
				return err
			}
			result.created = true
		}

		if result.attachments, err = saveAttachments(tx, inst, uploads); err != nil {
			return err
		}
		if result.softDeleted, err = softDeleteReplaced(tx, form, doc, inst, now); err != nil {
			return err
		}
		result.instance = inst
		return nil
	})
	if err != nil {
		return domain.Instance{}, err
	}

	s.logger.Info("submission stored",
		zap.String("instance", result.instance.ID),
		zap.String("uuid", result.instance.UUID),
		zap.String("form", form.UserFormID()),
		zap.Bool("edit", !result.created),
		zap.Int("attachments", len(result.attachments)),
		zap.Int("soft_deleted", len(result.softDeleted)))
	s.syncMirror(ctx, form, result.instance)
	s.applyCounters(ctx, form, result)
	return result.instance, nil
}

// uploadMedia writes attachment content ahead of the store transaction so
// the transaction does not wait on blob I/O.
func (s *Service) uploadMedia(ctx context.Context, form domain.Form, instUUID string, media []MediaFile) ([]upload, error) {
	out := make([]upload, 0, len(media))
	for _, f := range media {
		hash := domain.HashContent(f.Data)
		filename := blob.AttachmentFilename(form.Owner, form.UUID, instUUID, f.Name)
		key := blob.AttachmentKey(filename, hash)
		_, wrote, err := blob.PutIfAbsent(ctx, s.blobs, key, f.Data, blob.PutOptions{ContentType: f.ContentType})
		if err != nil {
			return nil, fmt.Errorf("store attachment %s: %w", f.Name, err)
		}
		if wrote {
			s.metrics.ObserveAttachment(int64(len(f.Data)))
		}
		out = append(out, upload{file: f, filename: filename, key: key, hash: hash})
	}
	return out, nil
}

// saveAttachments records the uploads the instance does not hold yet. An
// upload matching a live attachment by name, mime type and content is
// skipped.
func saveAttachments(tx domain.Transaction, inst domain.Instance, uploads []upload) ([]domain.Attachment, error) {
	var created []domain.Attachment
	for _, u := range uploads {
		if hasAttachment(tx.Snapshot().ListAttachments(inst.ID), u) {
			continue
		}
		a, err := tx.CreateAttachment(domain.Attachment{
			InstanceID: inst.ID,
			Filename:   u.filename,
			Basename:   blob.SafeBasename(u.file.Name),
			MimeType:   u.file.ContentType,
			FileHash:   u.hash,
			Size:       int64(len(u.file.Data)),
			BlobKey:    u.key,
		})
		if err != nil {
			return nil, err
		}
		created = append(created, a)
	}
	return created, nil
}

func hasAttachment(existing []domain.Attachment, u upload) bool {
	for _, a := range existing {
		if a.Live() && a.Filename == u.filename && a.MimeType == u.file.ContentType && a.FileHash == u.hash {
			return true
		}
	}
	return false
}

// softDeleteReplaced hides attachments the submission no longer references.
// Forms without media questions keep every attachment.
func softDeleteReplaced(tx domain.Transaction, form domain.Form, doc *openrosa.Document, inst domain.Instance, now time.Time) ([]domain.Attachment, error) {
	if len(form.MediaXPaths) == 0 {
		return nil, nil
	}
	keep := make(map[string]struct{})
	for _, xpath := range form.MediaXPaths {
		for _, name := range doc.FindPaths(xpath) {
			keep[name] = struct{}{}
		}
	}
	var removed []domain.Attachment
	for _, a := range tx.Snapshot().ListAttachments(inst.ID) {
		if !a.Live() {
			continue
		}
		if _, ok := keep[a.Basename]; ok {
			continue
		}
		updated, err := tx.UpdateAttachment(a.ID, func(a *domain.Attachment) error {
			at := now
			a.DeletedAt = &at
			return nil
		})
		if err != nil {
			return nil, err
		}
		removed = append(removed, updated)
	}
	return removed, nil
}

// syncMirror writes the instance document after commit. Failures are handed
// to the retrier and never fail the submission.
func (s *Service) syncMirror(ctx context.Context, form domain.Form, inst domain.Instance) {
	if s.mirror == nil {
		return
	}
	doc, err := mirror.BuildDocument(form, inst, s.store.ListAttachments(inst.ID))
	if err != nil {
		s.logger.Warn("instance not mirrored", zap.String("instance", inst.ID), zap.Error(err))
		return
	}
	if err := s.mirror.Upsert(ctx, doc); err != nil {
		s.metrics.ObserveMirror("upsert", "failed")
		s.logger.Warn("mirror write failed", zap.String("instance", inst.ID), zap.Error(err))
		if s.retrier == nil || !s.retrier.EnqueueUpsert(doc) {
			s.logger.Warn("mirror write dropped, run mirror sync to repair", zap.String("instance", inst.ID))
		}
		return
	}
	s.metrics.ObserveMirror("upsert", mirror.OutcomeSucceeded)
}

// applyCounters updates the submission and storage counters in a short
// transaction of its own, after the slow writes are done. A failure leaves
// the counters to the next recount.
func (s *Service) applyCounters(ctx context.Context, form domain.Form, result saved) {
	if !result.created && len(result.attachments) == 0 && len(result.softDeleted) == 0 {
		return
	}
	var delta int64
	for _, a := range result.attachments {
		delta += a.Size
	}
	for _, a := range result.softDeleted {
		delta -= a.Size
	}
	_, err := s.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		if _, err := tx.UpdateForm(form.ID, func(f *domain.Form) error {
			if result.created {
				f.CountSubmission(result.instance.DateCreated)
			}
			f.AttachmentStorageBytes += delta
			return nil
		}); err != nil {
			return err
		}
		if _, ok := tx.Snapshot().FindUser(form.Owner); ok {
			if _, err := tx.UpdateUser(form.Owner, func(u *domain.User) error {
				if result.created {
					u.NumOfSubmissions++
				}
				u.AttachmentStorageBytes += delta
				return nil
			}); err != nil {
				return err
			}
		}
		if result.created {
			if _, err := tx.UpdateInstance(result.instance.ID, func(i *domain.Instance) error {
				i.Counted = true
				return nil
			}); err != nil {
				return err
			}
		}
		for _, a := range result.attachments {
			if _, err := tx.UpdateAttachment(a.ID, func(a *domain.Attachment) error {
				a.Counted = true
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("deferred counting failed", zap.String("instance", result.instance.ID), zap.Error(err))
	}
}
