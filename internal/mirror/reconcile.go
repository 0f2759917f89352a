package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"kobocat/internal/openrosa"
	"kobocat/pkg/domain"
)

// SyncOptions selects what a reconciliation pass checks and fixes.
type SyncOptions struct {
	// Repair writes the missing documents of every out of sync form.
	Repair bool
	// UpdateAll reports every form and, with Repair, rewrites all documents.
	UpdateAll bool
	// User and FormIDString narrow the pass. FormIDString is only honoured
	// together with User.
	User         string
	FormIDString string
	// Recount rebuilds the submission counters from the primary store.
	Recount bool
}

// FormSync is the outcome for one form.
type FormSync struct {
	Owner         string `json:"owner"`
	IDString      string `json:"id_string"`
	InstanceCount int64  `json:"instance_count"`
	MirrorCount   int64  `json:"mirror_count"`
	Repaired      int    `json:"repaired"`
	Skipped       int    `json:"skipped"`
}

// SyncReport summarises a reconciliation pass.
type SyncReport struct {
	Forms     []FormSync `json:"forms"`
	OutOfSync int        `json:"out_of_sync"`
	ToRemongo int64      `json:"to_remongo"`
	Repaired  int        `json:"repaired"`
	Skipped   int        `json:"skipped"`
	Recounted int        `json:"recounted"`
	Text      string     `json:"text"`
}

// Reconciler compares the primary store with the mirror.
type Reconciler struct {
	store  domain.PersistentStore
	mirror Mirror
	logger *zap.Logger
}

// NewReconciler wires a reconciler over store and m.
func NewReconciler(store domain.PersistentStore, m Mirror, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{store: store, mirror: m, logger: logger.Named("mirror-sync")}
}

// SyncStatus walks the selected forms and reports those whose mirror count
// differs from the stored instance count.
func (r *Reconciler) SyncStatus(ctx context.Context, opts SyncOptions) (SyncReport, error) {
	var report SyncReport
	var text strings.Builder

	forms := r.store.ListForms(strings.ToLower(opts.User))
	if opts.User != "" && opts.FormIDString != "" {
		filtered := forms[:0]
		for _, f := range forms {
			if f.IDString == opts.FormIDString {
				filtered = append(filtered, f)
			}
		}
		forms = filtered
	}

	for _, form := range forms {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		instances := r.store.ListInstances(form.ID)
		mirrorCount, err := r.mirror.Count(ctx, form.UserFormID())
		if err != nil {
			return report, fmt.Errorf("count mirror documents of %s: %w", form.UserFormID(), err)
		}
		entry := FormSync{
			Owner:         form.Owner,
			IDString:      form.IDString,
			InstanceCount: int64(len(instances)),
			MirrorCount:   mirrorCount,
		}
		if entry.InstanceCount == entry.MirrorCount && !opts.UpdateAll {
			continue
		}
		fmt.Fprintf(&text, "user: %s, id_string: %s\nInstance count: %d\tMongo count: %d\n--------------------------------------\n",
			form.Owner, form.IDString, entry.InstanceCount, entry.MirrorCount)
		report.OutOfSync++
		report.ToRemongo += entry.InstanceCount - entry.MirrorCount

		if opts.Repair {
			if err := r.repairForm(ctx, form, instances, opts.UpdateAll, &entry); err != nil {
				return report, err
			}
			report.Repaired += entry.Repaired
			report.Skipped += entry.Skipped
		}
		report.Forms = append(report.Forms, entry)
	}

	if !opts.Repair {
		fmt.Fprintf(&text, "Total # of forms out of sync: %d\nTotal # of records to remongo: %d\n", report.OutOfSync, report.ToRemongo)
	}

	if opts.Recount {
		n, err := r.Recount(ctx, forms)
		if err != nil {
			return report, err
		}
		report.Recounted = n
	}
	report.Text = text.String()
	return report, nil
}

func (r *Reconciler) repairForm(ctx context.Context, form domain.Form, instances []domain.Instance, all bool, entry *FormSync) error {
	todo := instances
	if all {
		if _, err := r.mirror.DeleteByUserForm(ctx, form.UserFormID()); err != nil {
			return fmt.Errorf("clear mirror documents of %s: %w", form.UserFormID(), err)
		}
	} else {
		ids, err := r.mirror.IDs(ctx, form.UserFormID())
		if err != nil {
			return fmt.Errorf("list mirror ids of %s: %w", form.UserFormID(), err)
		}
		present := make(map[string]struct{}, len(ids))
		for _, id := range ids {
			present[id] = struct{}{}
		}
		todo = make([]domain.Instance, 0)
		for _, inst := range instances {
			if _, ok := present[inst.ID]; !ok {
				todo = append(todo, inst)
			}
		}
	}
	for _, inst := range todo {
		doc, err := BuildDocument(form, inst, r.store.ListAttachments(inst.ID))
		if err != nil {
			if errors.Is(err, openrosa.ErrEmptyInstance) || errors.Is(err, openrosa.ErrMalformedXML) {
				r.logger.Warn("skipping instance without answers", zap.String("instance", inst.ID), zap.String("form", form.UserFormID()), zap.Error(err))
				entry.Skipped++
				continue
			}
			return err
		}
		if err := r.mirror.Upsert(ctx, doc); err != nil {
			return fmt.Errorf("mirror instance %s: %w", inst.ID, err)
		}
		entry.Repaired++
	}
	return nil
}

// Recount rebuilds the deferred counters of forms and of their owners from
// the stored instances and live attachments. Every instance and attachment
// ends up marked as counted. It returns the number of forms rebuilt.
func (r *Reconciler) Recount(ctx context.Context, forms []domain.Form) (int, error) {
	owners := make(map[string]struct{})
	for _, f := range forms {
		owners[f.Owner] = struct{}{}
	}
	_, err := r.store.RunInTransaction(ctx, func(tx domain.Transaction) error {
		view := tx.Snapshot()
		for _, f := range forms {
			instances := view.ListInstances(f.ID)
			var bytes int64
			for _, inst := range instances {
				for _, a := range view.ListAttachments(inst.ID) {
					if !a.Live() {
						continue
					}
					bytes += a.Size
					if !a.Counted {
						if _, err := tx.UpdateAttachment(a.ID, func(a *domain.Attachment) error {
							a.Counted = true
							return nil
						}); err != nil {
							return err
						}
					}
				}
				if !inst.Counted {
					if _, err := tx.UpdateInstance(inst.ID, func(i *domain.Instance) error {
						i.Counted = true
						return nil
					}); err != nil {
						return err
					}
				}
			}
			if _, err := tx.UpdateForm(f.ID, func(form *domain.Form) error {
				form.ResetCounters()
				for _, inst := range instances {
					form.CountSubmission(inst.DateCreated)
				}
				form.AttachmentStorageBytes = bytes
				return nil
			}); err != nil {
				return err
			}
		}

		names := make([]string, 0, len(owners))
		for o := range owners {
			names = append(names, o)
		}
		sort.Strings(names)
		for _, owner := range names {
			if _, ok := view.FindUser(owner); !ok {
				continue
			}
			owned := view.ListInstancesByOwner(owner)
			var bytes int64
			for _, inst := range owned {
				for _, a := range view.ListAttachments(inst.ID) {
					if a.Live() {
						bytes += a.Size
					}
				}
			}
			subs := int64(len(owned))
			if _, err := tx.UpdateUser(owner, func(u *domain.User) error {
				u.NumOfSubmissions = subs
				u.AttachmentStorageBytes = bytes
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("recount: %w", err)
	}
	return len(forms), nil
}
