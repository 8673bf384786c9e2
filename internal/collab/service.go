package collab

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"reliefhub.org/internal/obs"
)

// Service defines the collaboration coordinator operations.
type Service interface {
	CreateDocument(ctx context.Context, in NewDocument) (Document, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	JoinDocument(ctx context.Context, docID, userID string) (JoinResult, error)
	LeaveDocument(ctx context.Context, docID, userID string) (bool, error)
	ApplyChanges(ctx context.Context, req ApplyRequest) (ApplyResult, error)
	UpdatePermissions(ctx context.Context, docID string, perms Permissions, userID string) (Document, error)
	GetParticipants(ctx context.Context, docID string) ([]Participant, error)
	GetChanges(ctx context.Context, docID string, limit int) ([]Change, error)
	ListUserDocuments(ctx context.Context, userID string) ([]Document, error)
}

// Option configures InMemory.
type Option func(*InMemory)

// WithSessionDefaults overrides the advertised channel parameters.
func WithSessionDefaults(d SessionDefaults) Option {
	return func(s *InMemory) { s.session = d }
}

// WithClock replaces the time source. Used by tests to get distinct timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// docState holds everything guarded by one document's lock.
type docState struct {
	mu           sync.RWMutex
	doc          Document
	participants []*Participant // join order
	byUser       map[string]*Participant
	changes      []Change // append-only
}

// InMemory implements Service with a lock per document id. The registry lock
// only guards the id -> state map, so unrelated documents never contend.
type InMemory struct {
	mu      sync.RWMutex
	docs    map[string]*docState
	dir     Directory
	session SessionDefaults
	now     func() time.Time
}

var _ Service = (*InMemory)(nil)

// NewInMemory creates an empty engine resolving identities through dir.
func NewInMemory(dir Directory, opts ...Option) *InMemory {
	s := &InMemory{
		docs:    make(map[string]*docState),
		dir:     dir,
		session: DefaultSessionDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemory) state(id string) (*docState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.docs[id]
	return st, ok
}

// lockWrite takes the exclusive document lock unless ctx is already done.
func lockWrite(ctx context.Context, st *docState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := time.Now()
	st.mu.Lock()
	obs.ObserveLockWait(time.Since(start))
	return nil
}

func (s *InMemory) CreateDocument(ctx context.Context, in NewDocument) (Document, error) {
	if !in.Type.Valid() {
		return Document{}, ErrInvalidInput
	}
	creator := in.CreatorID
	ident, err := s.dir.Resolve(ctx, creator)
	if err != nil {
		return Document{}, err
	}

	now := s.now()
	doc := Document{
		ID:          newID(),
		Title:       in.Title,
		Content:     in.Content,
		Type:        in.Type,
		CreatorID:   creator,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      StatusActive,
		Version:     1,
		Permissions: DefaultPermissions(),
	}
	owner := &Participant{
		DocumentID:     doc.ID,
		UserID:         creator,
		DisplayName:    ident.DisplayName,
		Email:          ident.Email,
		Role:           RoleOwner,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	st := &docState{
		doc:          doc,
		participants: []*Participant{owner},
		byUser:       map[string]*Participant{creator: owner},
	}

	s.mu.Lock()
	s.docs[doc.ID] = st
	s.mu.Unlock()
	obs.ParticipantJoined()
	return doc, nil
}

func (s *InMemory) GetDocument(ctx context.Context, id string) (Document, error) {
	st, ok := s.state(id)
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.doc, nil
}

func (s *InMemory) JoinDocument(ctx context.Context, docID, userID string) (JoinResult, error) {
	st, ok := s.state(docID)
	if !ok {
		return JoinResult{}, ErrDocumentNotFound
	}
	st.mu.RLock()
	_, joined := st.byUser[userID]
	st.mu.RUnlock()
	if joined {
		return JoinResult{}, ErrAlreadyJoined
	}

	// Resolved outside the lock; the membership check is repeated below.
	ident, err := s.dir.Resolve(ctx, userID)
	if err != nil {
		return JoinResult{}, err
	}

	if err := lockWrite(ctx, st); err != nil {
		return JoinResult{}, err
	}
	defer st.mu.Unlock()
	if _, ok := st.byUser[userID]; ok {
		return JoinResult{}, ErrAlreadyJoined
	}

	now := s.now()
	p := &Participant{
		DocumentID:     docID,
		UserID:         userID,
		DisplayName:    ident.DisplayName,
		Email:          ident.Email,
		Role:           RoleCollaborator,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	st.participants = append(st.participants, p)
	st.byUser[userID] = p
	if st.doc.Status == StatusArchived {
		st.doc.Status = StatusActive
		st.doc.UpdatedAt = now
	}
	obs.ParticipantJoined()

	return JoinResult{
		Document:    st.doc,
		Participant: *p,
		Session:     s.session.For(st.doc),
	}, nil
}

// LeaveDocument reports whether userID was a participant and has been removed.
func (s *InMemory) LeaveDocument(ctx context.Context, docID, userID string) (bool, error) {
	st, ok := s.state(docID)
	if !ok {
		return false, ErrDocumentNotFound
	}
	if err := lockWrite(ctx, st); err != nil {
		return false, err
	}
	defer st.mu.Unlock()

	if _, ok := st.byUser[userID]; !ok {
		return false, nil
	}
	delete(st.byUser, userID)
	st.participants = slices.DeleteFunc(st.participants, func(p *Participant) bool {
		return p.UserID == userID
	})
	obs.ParticipantLeft()

	if len(st.participants) == 0 {
		st.doc.Status = StatusArchived
		st.doc.UpdatedAt = s.now()
	}
	return true, nil
}

func (s *InMemory) ApplyChanges(ctx context.Context, req ApplyRequest) (ApplyResult, error) {
	st, ok := s.state(req.DocumentID)
	if !ok {
		return ApplyResult{}, ErrDocumentNotFound
	}
	if err := lockWrite(ctx, st); err != nil {
		return ApplyResult{}, err
	}
	defer st.mu.Unlock()

	p, ok := st.byUser[req.UserID]
	if !ok {
		return ApplyResult{}, ErrParticipantNotFound
	}

	base := st.doc.Version
	stale := req.BaseVersion > 0 && req.BaseVersion < base
	content, edits := ApplyBatch(st.doc.Content, req.Edits)
	obs.RecordBatch(len(edits), len(req.Edits)-len(edits))
	if len(edits) == 0 {
		return ApplyResult{Document: st.doc, Applied: []Change{}, Version: base, Stale: stale}, nil
	}

	now := s.now()
	version := base + 1
	applied := make([]Change, len(edits))
	for i, e := range edits {
		applied[i] = Change{
			ID:        uuid.NewString(),
			Edit:      e,
			AppliedBy: req.UserID,
			AppliedAt: now,
			Version:   version,
		}
	}

	st.doc.Content = content
	st.doc.Version = version
	st.doc.UpdatedAt = now
	st.changes = append(st.changes, applied...)
	p.LastActivityAt = now
	p.ChangeCount += int64(len(applied))

	return ApplyResult{Document: st.doc, Applied: applied, Version: version, Stale: stale}, nil
}

func (s *InMemory) UpdatePermissions(ctx context.Context, docID string, perms Permissions, userID string) (Document, error) {
	st, ok := s.state(docID)
	if !ok {
		return Document{}, ErrDocumentNotFound
	}
	if err := lockWrite(ctx, st); err != nil {
		return Document{}, err
	}
	defer st.mu.Unlock()

	p, ok := st.byUser[userID]
	if !ok || !Can(*p, CapManagePermissions) {
		return Document{}, ErrNotOwner
	}
	st.doc.Permissions = perms
	st.doc.UpdatedAt = s.now()
	return st.doc, nil
}

func (s *InMemory) GetParticipants(ctx context.Context, docID string) ([]Participant, error) {
	st, ok := s.state(docID)
	if !ok {
		return nil, ErrDocumentNotFound
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]Participant, len(st.participants))
	for i, p := range st.participants {
		out[i] = *p
	}
	return out, nil
}

func (s *InMemory) GetChanges(ctx context.Context, docID string, limit int) ([]Change, error) {
	limit = NormalizeLimit(limit)
	st, ok := s.state(docID)
	if !ok {
		return nil, ErrDocumentNotFound
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	n := min(limit, len(st.changes))
	out := make([]Change, 0, n)
	for i := len(st.changes) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, st.changes[i])
	}
	return out, nil
}

func (s *InMemory) ListUserDocuments(ctx context.Context, userID string) ([]Document, error) {
	s.mu.RLock()
	states := make([]*docState, 0, len(s.docs))
	for _, st := range s.docs {
		states = append(states, st)
	}
	s.mu.RUnlock()

	var out []Document
	for _, st := range states {
		st.mu.RLock()
		if _, ok := st.byUser[userID]; ok {
			out = append(out, st.doc)
		}
		st.mu.RUnlock()
	}
	SortByRecent(out)
	return out, nil
}

const (
	DefaultChangesLimit = 100
	MaxChangesLimit     = 1000
)

// NormalizeLimit clamps a change-history page size to (0, MaxChangesLimit].
// Non-positive values get DefaultChangesLimit.
func NormalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultChangesLimit
	case limit > MaxChangesLimit:
		return MaxChangesLimit
	}
	return limit
}

// SortByRecent orders documents by UpdatedAt descending, then by id.
func SortByRecent(docs []Document) {
	slices.SortFunc(docs, func(a, b Document) int {
		if c := b.UpdatedAt.Compare(a.UpdatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
}
