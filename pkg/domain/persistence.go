package domain

import "context"

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope.
type Transaction interface {
	Snapshot() TransactionView
	CreateUser(User) (User, error)
	UpdateUser(username string, mutator func(*User) error) (User, error)
	CreateForm(Form) (Form, error)
	UpdateForm(id string, mutator func(*Form) error) (Form, error)
	DeleteForm(id string) error
	CreateInstance(Instance) (Instance, error)
	UpdateInstance(id string, mutator func(*Instance) error) (Instance, error)
	CreateInstanceHistory(InstanceHistory) (InstanceHistory, error)
	CreateAttachment(Attachment) (Attachment, error)
	UpdateAttachment(id string, mutator func(*Attachment) error) (Attachment, error)
}

// TransactionView provides read-only access to snapshot data for rules and
// for read paths inside a transaction.
type TransactionView interface {
	ListUsers() []User
	ListForms(owner string) []Form
	ListInstances(formID string) []Instance
	ListInstancesByOwner(owner string) []Instance
	CountInstances(formID string) int
	ListInstanceHistory(instanceID string) []InstanceHistory
	ListAttachments(instanceID string) []Attachment
	FindUser(username string) (User, bool)
	FindForm(id string) (Form, bool)
	FindFormByUUID(uuid string) (Form, bool)
	FindFormByIDString(owner, idString string) (Form, bool)
	FindInstance(id string) (Instance, bool)
	FindInstanceByUUID(formID, uuid string) (Instance, bool)
	FindInstancesByUUID(uuid string) []Instance
	FindInstanceByContent(owner, hash, xml string) (Instance, bool)
	FindAttachment(id string) (Attachment, bool)
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetUser(username string) (User, bool)
	GetForm(id string) (Form, bool)
	ListForms(owner string) []Form
	GetInstance(id string) (Instance, bool)
	ListInstances(formID string) []Instance
	GetAttachment(id string) (Attachment, bool)
	ListAttachments(instanceID string) []Attachment
}
