// Package memory provides an in-memory implementation of the core persistence
// store used for tests and ephemeral environments.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"kobocat/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// User aliases domain.User for in-memory persistence operations.
	User = domain.User
	// Form aliases domain.Form.
	Form = domain.Form
	// Instance aliases domain.Instance.
	Instance = domain.Instance
	// InstanceHistory aliases domain.InstanceHistory.
	InstanceHistory = domain.InstanceHistory
	// Attachment aliases domain.Attachment.
	Attachment = domain.Attachment
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

type memoryState struct {
	users       map[string]User
	forms       map[string]Form
	instances   map[string]Instance
	history     map[string]InstanceHistory
	attachments map[string]Attachment
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Users       map[string]User            `json:"users"`
	Forms       map[string]Form            `json:"forms"`
	Instances   map[string]Instance        `json:"instances"`
	History     map[string]InstanceHistory `json:"history"`
	Attachments map[string]Attachment      `json:"attachments"`
}

func newMemoryState() memoryState {
	return memoryState{
		users:       make(map[string]User),
		forms:       make(map[string]Form),
		instances:   make(map[string]Instance),
		history:     make(map[string]InstanceHistory),
		attachments: make(map[string]Attachment),
	}
}

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	return Snapshot{
		Users:       cloned.users,
		Forms:       cloned.forms,
		Instances:   cloned.instances,
		History:     cloned.history,
		Attachments: cloned.attachments,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	src := memoryState{
		users:       s.Users,
		forms:       s.Forms,
		instances:   s.Instances,
		history:     s.History,
		attachments: s.Attachments,
	}
	return src.clone()
}

// migrateSnapshot normalizes snapshots written by older releases: usernames
// are keyed lower-case and forms always carry their counter maps.
func migrateSnapshot(snapshot Snapshot) Snapshot {
	users := make(map[string]User, len(snapshot.Users))
	for _, u := range snapshot.Users {
		u.Username = strings.ToLower(u.Username)
		users[u.Username] = u
	}
	snapshot.Users = users
	forms := make(map[string]Form, len(snapshot.Forms))
	for id, f := range snapshot.Forms {
		f = cloneForm(f)
		f.Owner = strings.ToLower(f.Owner)
		if f.DailyCounts == nil {
			f.DailyCounts = map[string]int64{}
		}
		if f.MonthlyCounts == nil {
			f.MonthlyCounts = map[string]int64{}
		}
		forms[id] = f
	}
	snapshot.Forms = forms
	return snapshot
}

func (s memoryState) clone() memoryState {
	cloned := newMemoryState()
	for k, v := range s.users {
		cloned.users[k] = v
	}
	for k, v := range s.forms {
		cloned.forms[k] = cloneForm(v)
	}
	for k, v := range s.instances {
		cloned.instances[k] = cloneInstance(v)
	}
	for k, v := range s.history {
		cloned.history[k] = v
	}
	for k, v := range s.attachments {
		cloned.attachments[k] = cloneAttachment(v)
	}
	return cloned
}

func cloneForm(f Form) Form {
	cp := f
	if f.MediaXPaths != nil {
		cp.MediaXPaths = append([]string(nil), f.MediaXPaths...)
	}
	if f.Grants != nil {
		cp.Grants = make(map[string][]domain.Permission, len(f.Grants))
		for user, perms := range f.Grants {
			cp.Grants[user] = append([]domain.Permission(nil), perms...)
		}
	}
	cp.DailyCounts = cloneCounts(f.DailyCounts)
	cp.MonthlyCounts = cloneCounts(f.MonthlyCounts)
	if f.LastSubmissionTime != nil {
		t := *f.LastSubmissionTime
		cp.LastSubmissionTime = &t
	}
	return cp
}

func cloneCounts(in map[string]int64) map[string]int64 {
	if in == nil {
		return nil
	}
	out := make(map[string]int64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneInstance(i Instance) Instance {
	cp := i
	if i.JSON != nil {
		cp.JSON = cloneValue(i.JSON).(map[string]any)
	}
	return cp
}

func cloneAttachment(a Attachment) Attachment {
	cp := a
	if a.DeletedAt != nil {
		t := *a.DeletedAt
		cp.DeletedAt = &t
	}
	return cp
}

func cloneValue(v any) any {
	switch typed := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, val := range typed {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, val := range typed {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}

// Store provides an in-memory transactional store for the core domain.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return hex.EncodeToString(b[:])
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(migrateSnapshot(snapshot))
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc overrides the time provider. Intended for tests.
func (s *Store) SetNowFunc(fn func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nowFn = fn
}

// Transaction represents a mutation set applied to the store state.
type transaction struct {
	store   *Store
	state   memoryState
	changes []Change
	now     time.Time
}

// TransactionView exposes a read-only snapshot of the transactional state to rules.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

// ListUsers returns all accounts ordered by username.
func (v transactionView) ListUsers() []User {
	out := make([]User, 0, len(v.state.users))
	for _, u := range v.state.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// ListForms returns forms owned by owner, or every form when owner is empty.
func (v transactionView) ListForms(owner string) []Form {
	owner = strings.ToLower(owner)
	out := make([]Form, 0)
	for _, f := range v.state.forms {
		if owner != "" && f.Owner != owner {
			continue
		}
		out = append(out, cloneForm(f))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return out[i].Owner < out[j].Owner
		}
		return out[i].IDString < out[j].IDString
	})
	return out
}

// ListInstances returns the submissions of a form in creation order.
func (v transactionView) ListInstances(formID string) []Instance {
	out := make([]Instance, 0)
	for _, i := range v.state.instances {
		if formID != "" && i.FormID != formID {
			continue
		}
		out = append(out, cloneInstance(i))
	}
	sortInstances(out)
	return out
}

// ListInstancesByOwner returns the instances of every form owner holds.
func (v transactionView) ListInstancesByOwner(owner string) []Instance {
	out := make([]Instance, 0)
	for _, i := range v.state.instances {
		if f, ok := v.state.forms[i.FormID]; ok && f.Owner == owner {
			out = append(out, cloneInstance(i))
		}
	}
	sortInstances(out)
	return out
}

func (v transactionView) CountInstances(formID string) int {
	n := 0
	for _, i := range v.state.instances {
		if i.FormID == formID {
			n++
		}
	}
	return n
}

// ListInstanceHistory returns the snapshots taken before each edit of an instance.
func (v transactionView) ListInstanceHistory(instanceID string) []InstanceHistory {
	out := make([]InstanceHistory, 0)
	for _, h := range v.state.history {
		if h.InstanceID == instanceID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ListAttachments returns every attachment of an instance, soft-deleted ones included.
func (v transactionView) ListAttachments(instanceID string) []Attachment {
	out := make([]Attachment, 0)
	for _, a := range v.state.attachments {
		if instanceID != "" && a.InstanceID != instanceID {
			continue
		}
		out = append(out, cloneAttachment(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// FindUser looks an account up by username, case-insensitively.
func (v transactionView) FindUser(username string) (User, bool) {
	u, ok := v.state.users[strings.ToLower(username)]
	return u, ok
}

// FindForm returns a form by ID.
func (v transactionView) FindForm(id string) (Form, bool) {
	f, ok := v.state.forms[id]
	if !ok {
		return Form{}, false
	}
	return cloneForm(f), true
}

// FindFormByUUID returns the form carrying the given formhub uuid.
func (v transactionView) FindFormByUUID(uuid string) (Form, bool) {
	if uuid == "" {
		return Form{}, false
	}
	for _, f := range v.state.forms {
		if f.UUID == uuid {
			return cloneForm(f), true
		}
	}
	return Form{}, false
}

// FindFormByIDString returns the form an owner published under idString.
func (v transactionView) FindFormByIDString(owner, idString string) (Form, bool) {
	owner = strings.ToLower(owner)
	for _, f := range v.state.forms {
		if f.Owner == owner && f.IDString == idString {
			return cloneForm(f), true
		}
	}
	return Form{}, false
}

// FindInstance returns an instance by ID.
func (v transactionView) FindInstance(id string) (Instance, bool) {
	i, ok := v.state.instances[id]
	if !ok {
		return Instance{}, false
	}
	return cloneInstance(i), true
}

// FindInstanceByUUID returns the instance of formID whose UUID matches.
func (v transactionView) FindInstanceByUUID(formID, uuid string) (Instance, bool) {
	if uuid == "" {
		return Instance{}, false
	}
	for _, i := range v.FindInstancesByUUID(uuid) {
		if i.FormID == formID {
			return i, true
		}
	}
	return Instance{}, false
}

// FindInstancesByUUID returns every instance across forms carrying uuid.
func (v transactionView) FindInstancesByUUID(uuid string) []Instance {
	out := make([]Instance, 0)
	if uuid == "" {
		return out
	}
	for _, i := range v.state.instances {
		if i.UUID == uuid {
			out = append(out, cloneInstance(i))
		}
	}
	sortInstances(out)
	return out
}

// FindInstanceByContent returns the oldest instance on a form owned by owner
// whose stored content matches hash (or xml for rows without a hash).
func (v transactionView) FindInstanceByContent(owner, hash, xml string) (Instance, bool) {
	owner = strings.ToLower(owner)
	var matches []Instance
	for _, i := range v.state.instances {
		f, ok := v.state.forms[i.FormID]
		if !ok || f.Owner != owner {
			continue
		}
		if i.MatchesContent(hash, xml) {
			matches = append(matches, i)
		}
	}
	if len(matches) == 0 {
		return Instance{}, false
	}
	sortInstances(matches)
	return cloneInstance(matches[0]), true
}

// FindAttachment returns an attachment by ID.
func (v transactionView) FindAttachment(id string) (Attachment, bool) {
	a, ok := v.state.attachments[id]
	if !ok {
		return Attachment{}, false
	}
	return cloneAttachment(a), true
}

func sortInstances(out []Instance) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DateCreated.Equal(out[j].DateCreated) {
			return out[i].DateCreated.Before(out[j].DateCreated)
		}
		return out[i].ID < out[j].ID
	})
}

// RunInTransaction executes fn within a transactional copy of the store state.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store: s,
		state: s.state.clone(),
		now:   s.nowFn(),
	}

	if err := fn(tx); err != nil {
		return Result{}, err
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&tx.state)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	s.state = tx.state
	return result, nil
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// CreateUser stores a new account. Usernames are unique and lower-cased.
func (tx *transaction) CreateUser(u User) (User, error) {
	u.Username = strings.ToLower(strings.TrimSpace(u.Username))
	if u.Username == "" {
		return User{}, fmt.Errorf("user requires a username")
	}
	if _, exists := tx.state.users[u.Username]; exists {
		return User{}, fmt.Errorf("user %q already exists", u.Username)
	}
	u.CreatedAt = tx.now
	u.UpdatedAt = tx.now
	tx.state.users[u.Username] = u
	tx.recordChange(Change{Entity: domain.EntityUser, Action: domain.ActionCreate, After: u})
	return u, nil
}

// UpdateUser mutates an account using the provided mutator function.
func (tx *transaction) UpdateUser(username string, mutator func(*User) error) (User, error) {
	username = strings.ToLower(username)
	current, ok := tx.state.users[username]
	if !ok {
		return User{}, domain.NotFoundError{Entity: domain.EntityUser, ID: username}
	}
	before := current
	if err := mutator(&current); err != nil {
		return User{}, err
	}
	current.Username = username
	current.UpdatedAt = tx.now
	tx.state.users[username] = current
	tx.recordChange(Change{Entity: domain.EntityUser, Action: domain.ActionUpdate, Before: before, After: current})
	return current, nil
}

// CreateForm stores a new form definition.
func (tx *transaction) CreateForm(f Form) (Form, error) {
	if f.ID == "" {
		f.ID = tx.store.newID()
	}
	if _, exists := tx.state.forms[f.ID]; exists {
		return Form{}, fmt.Errorf("form %q already exists", f.ID)
	}
	f.Owner = strings.ToLower(f.Owner)
	if _, ok := tx.state.users[f.Owner]; !ok {
		return Form{}, fmt.Errorf("form owner: %w", domain.NotFoundError{Entity: domain.EntityUser, ID: f.Owner})
	}
	if f.DailyCounts == nil {
		f.DailyCounts = map[string]int64{}
	}
	if f.MonthlyCounts == nil {
		f.MonthlyCounts = map[string]int64{}
	}
	f.CreatedAt = tx.now
	f.UpdatedAt = tx.now
	tx.state.forms[f.ID] = cloneForm(f)
	tx.recordChange(Change{Entity: domain.EntityForm, Action: domain.ActionCreate, After: cloneForm(f)})
	return cloneForm(f), nil
}

// UpdateForm mutates a form using the provided mutator function.
func (tx *transaction) UpdateForm(id string, mutator func(*Form) error) (Form, error) {
	current, ok := tx.state.forms[id]
	if !ok {
		return Form{}, domain.NotFoundError{Entity: domain.EntityForm, ID: id}
	}
	before := cloneForm(current)
	current = cloneForm(current)
	if err := mutator(&current); err != nil {
		return Form{}, err
	}
	current.ID = id
	current.Owner = before.Owner
	current.UpdatedAt = tx.now
	tx.state.forms[id] = cloneForm(current)
	tx.recordChange(Change{Entity: domain.EntityForm, Action: domain.ActionUpdate, Before: before, After: cloneForm(current)})
	return cloneForm(current), nil
}

// DeleteForm removes a form that has no submissions.
func (tx *transaction) DeleteForm(id string) error {
	current, ok := tx.state.forms[id]
	if !ok {
		return domain.NotFoundError{Entity: domain.EntityForm, ID: id}
	}
	for _, inst := range tx.state.instances {
		if inst.FormID == id {
			return fmt.Errorf("form %q still referenced by instance %q", id, inst.ID)
		}
	}
	delete(tx.state.forms, id)
	tx.recordChange(Change{Entity: domain.EntityForm, Action: domain.ActionDelete, Before: cloneForm(current)})
	return nil
}

// CreateInstance stores a new submission. DateCreated is kept when the caller
// supplies one so that imports and device-side dates survive.
func (tx *transaction) CreateInstance(i Instance) (Instance, error) {
	if i.ID == "" {
		i.ID = tx.store.newID()
	}
	if _, exists := tx.state.instances[i.ID]; exists {
		return Instance{}, fmt.Errorf("instance %q already exists", i.ID)
	}
	if _, ok := tx.state.forms[i.FormID]; !ok {
		return Instance{}, fmt.Errorf("instance form: %w", domain.NotFoundError{Entity: domain.EntityForm, ID: i.FormID})
	}
	if i.DateCreated.IsZero() {
		i.DateCreated = tx.now
	}
	i.DateModified = tx.now
	tx.state.instances[i.ID] = cloneInstance(i)
	tx.recordChange(Change{Entity: domain.EntityInstance, Action: domain.ActionCreate, After: cloneInstance(i)})
	return cloneInstance(i), nil
}

// UpdateInstance mutates a submission using the provided mutator function.
func (tx *transaction) UpdateInstance(id string, mutator func(*Instance) error) (Instance, error) {
	current, ok := tx.state.instances[id]
	if !ok {
		return Instance{}, domain.NotFoundError{Entity: domain.EntityInstance, ID: id}
	}
	before := cloneInstance(current)
	current = cloneInstance(current)
	if err := mutator(&current); err != nil {
		return Instance{}, err
	}
	current.ID = id
	current.FormID = before.FormID
	current.DateModified = tx.now
	tx.state.instances[id] = cloneInstance(current)
	tx.recordChange(Change{Entity: domain.EntityInstance, Action: domain.ActionUpdate, Before: before, After: cloneInstance(current)})
	return cloneInstance(current), nil
}

// CreateInstanceHistory stores a pre-edit snapshot of an instance.
func (tx *transaction) CreateInstanceHistory(h InstanceHistory) (InstanceHistory, error) {
	if h.ID == "" {
		h.ID = tx.store.newID()
	}
	if _, ok := tx.state.instances[h.InstanceID]; !ok {
		return InstanceHistory{}, fmt.Errorf("history: %w", domain.NotFoundError{Entity: domain.EntityInstance, ID: h.InstanceID})
	}
	h.CreatedAt = tx.now
	tx.state.history[h.ID] = h
	tx.recordChange(Change{Entity: domain.EntityInstanceHistory, Action: domain.ActionCreate, After: h})
	return h, nil
}

// CreateAttachment stores attachment metadata for an instance.
func (tx *transaction) CreateAttachment(a Attachment) (Attachment, error) {
	if a.ID == "" {
		a.ID = tx.store.newID()
	}
	if _, exists := tx.state.attachments[a.ID]; exists {
		return Attachment{}, fmt.Errorf("attachment %q already exists", a.ID)
	}
	inst, ok := tx.state.instances[a.InstanceID]
	if !ok {
		return Attachment{}, fmt.Errorf("attachment: %w", domain.NotFoundError{Entity: domain.EntityInstance, ID: a.InstanceID})
	}
	a.FormID = inst.FormID
	a.CreatedAt = tx.now
	tx.state.attachments[a.ID] = cloneAttachment(a)
	tx.recordChange(Change{Entity: domain.EntityAttachment, Action: domain.ActionCreate, After: cloneAttachment(a)})
	return cloneAttachment(a), nil
}

// UpdateAttachment mutates attachment metadata, typically to soft-delete it.
func (tx *transaction) UpdateAttachment(id string, mutator func(*Attachment) error) (Attachment, error) {
	current, ok := tx.state.attachments[id]
	if !ok {
		return Attachment{}, domain.NotFoundError{Entity: domain.EntityAttachment, ID: id}
	}
	before := cloneAttachment(current)
	current = cloneAttachment(current)
	if err := mutator(&current); err != nil {
		return Attachment{}, err
	}
	current.ID = id
	current.InstanceID = before.InstanceID
	current.FormID = before.FormID
	tx.state.attachments[id] = cloneAttachment(current)
	tx.recordChange(Change{Entity: domain.EntityAttachment, Action: domain.ActionUpdate, Before: before, After: cloneAttachment(current)})
	return cloneAttachment(current), nil
}

// Read helpers ---------------------------------------------------------------

// GetUser retrieves an account from committed state.
func (s *Store) GetUser(username string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindUser(username)
}

// GetForm retrieves a form by ID from committed state.
func (s *Store) GetForm(id string) (Form, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindForm(id)
}

// ListForms returns forms from committed state, filtered by owner when set.
func (s *Store) ListForms(owner string) []Form {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListForms(owner)
}

// GetInstance retrieves a submission by ID.
func (s *Store) GetInstance(id string) (Instance, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindInstance(id)
}

// ListInstances returns the submissions of a form from committed state.
func (s *Store) ListInstances(formID string) []Instance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListInstances(formID)
}

// GetAttachment retrieves an attachment by ID.
func (s *Store) GetAttachment(id string) (Attachment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindAttachment(id)
}

// ListAttachments returns the attachments of an instance from committed state.
func (s *Store) ListAttachments(instanceID string) []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListAttachments(instanceID)
}

// Buckets lists the snapshot sections durable backends persist, one row each.
var Buckets = []string{"users", "forms", "instances", "history", "attachments"}

// BucketTarget returns a pointer to the snapshot section stored under bucket,
// suitable for json.Marshal and json.Unmarshal. Unknown buckets return nil.
func (s *Snapshot) BucketTarget(bucket string) any {
	switch bucket {
	case "users":
		return &s.Users
	case "forms":
		return &s.Forms
	case "instances":
		return &s.Instances
	case "history":
		return &s.History
	case "attachments":
		return &s.Attachments
	}
	return nil
}
