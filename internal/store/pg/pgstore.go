package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"reliefhub.org/internal/collab"
	"reliefhub.org/internal/ids"
	"reliefhub.org/internal/obs"
)

const pgErrUniqueViolation = "23505"

// Store implements collab.Service on PostgreSQL. The documents row lock
// (select ... for update) is the per-document write lock: every write
// transaction takes it before touching participants or the change log.
type Store struct {
	db      *sql.DB
	dir     collab.Directory
	session collab.SessionDefaults
	now     func() time.Time
}

var (
	_ collab.Service   = (*Store)(nil)
	_ collab.Directory = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithDirectory resolves identities through dir instead of the users table.
func WithDirectory(dir collab.Directory) Option {
	return func(s *Store) { s.dir = dir }
}

// WithSessionDefaults overrides the advertised channel parameters.
func WithSessionDefaults(d collab.SessionDefaults) Option {
	return func(s *Store) { s.session = d }
}

// Open connects through the pgx stdlib driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, opts...), nil
}

// New wraps an existing handle.
func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:      db,
		session: collab.DefaultSessionDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	s.dir = s
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Resolve implements collab.Directory from the users table.
func (s *Store) Resolve(ctx context.Context, userID string) (collab.Identity, error) {
	var ident collab.Identity
	err := s.db.QueryRowContext(ctx, `select display_name, email from users where id=$1`, userID).
		Scan(&ident.DisplayName, &ident.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.Identity{}, collab.ErrIdentityNotFound
	}
	if err != nil {
		return collab.Identity{}, err
	}
	return ident, nil
}

func (s *Store) CreateDocument(ctx context.Context, in collab.NewDocument) (collab.Document, error) {
	if !in.Type.Valid() {
		return collab.Document{}, collab.ErrInvalidInput
	}
	creator := in.CreatorID
	ident, err := s.dir.Resolve(ctx, creator)
	if err != nil {
		return collab.Document{}, err
	}

	now := s.now()
	doc := collab.Document{
		ID:          ids.New(),
		Title:       in.Title,
		Content:     in.Content,
		Type:        in.Type,
		CreatorID:   creator,
		CreatedAt:   now,
		UpdatedAt:   now,
		Status:      collab.StatusActive,
		Version:     1,
		Permissions: collab.DefaultPermissions(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collab.Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	p := doc.Permissions
	if _, err := tx.ExecContext(ctx, `
		insert into documents(id, title, content, doc_type, creator_id, status, version,
			can_edit, can_comment, can_share, can_delete, can_manage_permissions, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)
	`, doc.ID, doc.Title, doc.Content, string(doc.Type), doc.CreatorID, string(doc.Status), doc.Version,
		p.CanEdit, p.CanComment, p.CanShare, p.CanDelete, p.CanManagePermissions, now); err != nil {
		return collab.Document{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into document_participants(document_id, user_id, display_name, email, role, joined_at, last_activity_at)
		values ($1,$2,$3,$4,$5,$6,$6)
	`, doc.ID, creator, ident.DisplayName, ident.Email, string(collab.RoleOwner), now); err != nil {
		return collab.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return collab.Document{}, err
	}
	obs.ParticipantJoined()
	return doc, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (collab.Document, error) {
	return scanDocument(s.db.QueryRowContext(ctx, `select `+documentColumns+` from documents where id=$1`, id))
}

func (s *Store) JoinDocument(ctx context.Context, docID, userID string) (collab.JoinResult, error) {
	var docExists, joined bool
	if err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from documents where id=$1),
		       exists(select 1 from document_participants where document_id=$1 and user_id=$2)
	`, docID, userID).Scan(&docExists, &joined); err != nil {
		return collab.JoinResult{}, err
	}
	if !docExists {
		return collab.JoinResult{}, collab.ErrDocumentNotFound
	}
	if joined {
		return collab.JoinResult{}, collab.ErrAlreadyJoined
	}
	ident, err := s.dir.Resolve(ctx, userID)
	if err != nil {
		return collab.JoinResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collab.JoinResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := lockDocument(ctx, tx, docID)
	if err != nil {
		return collab.JoinResult{}, err
	}
	now := s.now()
	p := collab.Participant{
		DocumentID:     docID,
		UserID:         userID,
		DisplayName:    ident.DisplayName,
		Email:          ident.Email,
		Role:           collab.RoleCollaborator,
		JoinedAt:       now,
		LastActivityAt: now,
	}
	if _, err := tx.ExecContext(ctx, `
		insert into document_participants(document_id, user_id, display_name, email, role, joined_at, last_activity_at)
		values ($1,$2,$3,$4,$5,$6,$6)
	`, docID, userID, p.DisplayName, p.Email, string(p.Role), now); err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return collab.JoinResult{}, collab.ErrAlreadyJoined
		}
		return collab.JoinResult{}, err
	}
	if doc.Status == collab.StatusArchived {
		if _, err := tx.ExecContext(ctx, `update documents set status=$2, updated_at=$3 where id=$1`,
			docID, string(collab.StatusActive), now); err != nil {
			return collab.JoinResult{}, err
		}
		doc.Status = collab.StatusActive
		doc.UpdatedAt = now
	}
	if err := tx.Commit(); err != nil {
		return collab.JoinResult{}, err
	}
	obs.ParticipantJoined()
	return collab.JoinResult{Document: doc, Participant: p, Session: s.session.For(doc)}, nil
}

func (s *Store) LeaveDocument(ctx context.Context, docID, userID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockDocument(ctx, tx, docID); err != nil {
		return false, err
	}
	res, err := tx.ExecContext(ctx, `delete from document_participants where document_id=$1 and user_id=$2`, docID, userID)
	if err != nil {
		return false, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, err
	} else if n == 0 {
		return false, tx.Commit()
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, `select count(*) from document_participants where document_id=$1`, docID).Scan(&remaining); err != nil {
		return false, err
	}
	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, `update documents set status=$2, updated_at=$3 where id=$1`,
			docID, string(collab.StatusArchived), s.now()); err != nil {
			return false, err
		}
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	obs.ParticipantLeft()
	return true, nil
}

func (s *Store) ApplyChanges(ctx context.Context, req collab.ApplyRequest) (collab.ApplyResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collab.ApplyResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	start := time.Now()
	doc, err := lockDocument(ctx, tx, req.DocumentID)
	if err != nil {
		return collab.ApplyResult{}, err
	}
	obs.ObserveLockWait(time.Since(start))

	var one int
	err = tx.QueryRowContext(ctx, `
		select 1 from document_participants where document_id=$1 and user_id=$2
	`, req.DocumentID, req.UserID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.ApplyResult{}, collab.ErrParticipantNotFound
	}
	if err != nil {
		return collab.ApplyResult{}, err
	}

	base := doc.Version
	stale := req.BaseVersion > 0 && req.BaseVersion < base
	content, edits := collab.ApplyBatch(doc.Content, req.Edits)
	obs.RecordBatch(len(edits), len(req.Edits)-len(edits))
	if len(edits) == 0 {
		return collab.ApplyResult{Document: doc, Applied: []collab.Change{}, Version: base, Stale: stale}, nil
	}

	now := s.now()
	version := base + 1
	if _, err := tx.ExecContext(ctx, `
		update documents set content=$2, version=$3, updated_at=$4 where id=$1
	`, req.DocumentID, content, version, now); err != nil {
		return collab.ApplyResult{}, err
	}

	applied := make([]collab.Change, len(edits))
	for i, e := range edits {
		c := collab.Change{ID: uuid.NewString(), Edit: e, AppliedBy: req.UserID, AppliedAt: now, Version: version}
		in := collab.InputOf(e)
		if _, err := tx.ExecContext(ctx, `
			insert into document_changes(id, document_id, change_type, position, length, payload, applied_by, applied_at, version)
			values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, c.ID, req.DocumentID, string(in.Type), in.Position, in.Length, in.Text, req.UserID, now, version); err != nil {
			return collab.ApplyResult{}, err
		}
		applied[i] = c
	}

	if _, err := tx.ExecContext(ctx, `
		update document_participants set last_activity_at=$3, change_count = change_count + $4
		where document_id=$1 and user_id=$2
	`, req.DocumentID, req.UserID, now, len(applied)); err != nil {
		return collab.ApplyResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return collab.ApplyResult{}, err
	}

	doc.Content = content
	doc.Version = version
	doc.UpdatedAt = now
	return collab.ApplyResult{Document: doc, Applied: applied, Version: version, Stale: stale}, nil
}

func (s *Store) UpdatePermissions(ctx context.Context, docID string, perms collab.Permissions, userID string) (collab.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return collab.Document{}, err
	}
	defer func() { _ = tx.Rollback() }()

	doc, err := lockDocument(ctx, tx, docID)
	if err != nil {
		return collab.Document{}, err
	}
	var role string
	err = tx.QueryRowContext(ctx, `
		select role from document_participants where document_id=$1 and user_id=$2
	`, docID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.Document{}, collab.ErrNotOwner
	}
	if err != nil {
		return collab.Document{}, err
	}
	if !collab.Can(collab.Participant{Role: collab.Role(role)}, collab.CapManagePermissions) {
		return collab.Document{}, collab.ErrNotOwner
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		update documents set can_edit=$2, can_comment=$3, can_share=$4, can_delete=$5, can_manage_permissions=$6, updated_at=$7
		where id=$1
	`, docID, perms.CanEdit, perms.CanComment, perms.CanShare, perms.CanDelete, perms.CanManagePermissions, now); err != nil {
		return collab.Document{}, err
	}
	if err := tx.Commit(); err != nil {
		return collab.Document{}, err
	}
	doc.Permissions = perms
	doc.UpdatedAt = now
	return doc, nil
}

func (s *Store) GetParticipants(ctx context.Context, docID string) ([]collab.Participant, error) {
	if err := s.requireDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select document_id, user_id, display_name, email, role, joined_at, last_activity_at, change_count
		from document_participants
		where document_id=$1
		order by joined_at asc, user_id asc
	`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []collab.Participant{}
	for rows.Next() {
		var p collab.Participant
		var role string
		if err := rows.Scan(&p.DocumentID, &p.UserID, &p.DisplayName, &p.Email, &role, &p.JoinedAt, &p.LastActivityAt, &p.ChangeCount); err != nil {
			return nil, err
		}
		p.Role = collab.Role(role)
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Store) GetChanges(ctx context.Context, docID string, limit int) ([]collab.Change, error) {
	limit = collab.NormalizeLimit(limit)
	if err := s.requireDocument(ctx, docID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, change_type, position, length, payload, applied_by, applied_at, version
		from document_changes
		where document_id=$1
		order by seq desc
		limit $2
	`, docID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []collab.Change{}
	for rows.Next() {
		var c collab.Change
		var in collab.ChangeInput
		var typ string
		if err := rows.Scan(&c.ID, &typ, &in.Position, &in.Length, &in.Text, &c.AppliedBy, &c.AppliedAt, &c.Version); err != nil {
			return nil, err
		}
		in.Type = collab.ChangeType(typ)
		if c.Edit, err = in.Edit(); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (s *Store) ListUserDocuments(ctx context.Context, userID string) ([]collab.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+documentColumns+`
		from documents
		where id in (select document_id from document_participants where user_id=$1)
		order by updated_at desc, id desc
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []collab.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, doc)
	}
	return res, rows.Err()
}

// --- helpers ---

const documentColumns = `id, title, content, doc_type, creator_id, status, version,
	can_edit, can_comment, can_share, can_delete, can_manage_permissions, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (collab.Document, error) {
	var d collab.Document
	var typ, status string
	p := &d.Permissions
	err := row.Scan(&d.ID, &d.Title, &d.Content, &typ, &d.CreatorID, &status, &d.Version,
		&p.CanEdit, &p.CanComment, &p.CanShare, &p.CanDelete, &p.CanManagePermissions, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return collab.Document{}, collab.ErrDocumentNotFound
	}
	if err != nil {
		return collab.Document{}, err
	}
	d.Type = collab.DocumentType(typ)
	d.Status = collab.Status(status)
	return d, nil
}

// lockDocument takes the per-document write lock for the rest of tx.
func lockDocument(ctx context.Context, tx *sql.Tx, id string) (collab.Document, error) {
	return scanDocument(tx.QueryRowContext(ctx, `select `+documentColumns+` from documents where id=$1 for update`, id))
}

func (s *Store) requireDocument(ctx context.Context, id string) error {
	var ok bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from documents where id=$1)`, id).Scan(&ok); err != nil {
		return err
	}
	if !ok {
		return collab.ErrDocumentNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
