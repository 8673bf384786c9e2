package collab

import (
	"errors"
	"fmt"
	"time"

	"reliefhub.org/internal/ids"
)

// DocumentType classifies a collaborative document. Values are wire-visible.
type DocumentType string

const (
	TypeEmergencyPlan    DocumentType = "EMERGENCY_PLAN"
	TypeCoordinationDoc  DocumentType = "COORDINATION_DOC"
	TypeTrainingMaterial DocumentType = "TRAINING_MATERIAL"
	TypeReport           DocumentType = "REPORT"
	TypeMeetingNotes     DocumentType = "MEETING_NOTES"
)

// Valid reports whether t is one of the known document types.
func (t DocumentType) Valid() bool {
	switch t {
	case TypeEmergencyPlan, TypeCoordinationDoc, TypeTrainingMaterial, TypeReport, TypeMeetingNotes:
		return true
	}
	return false
}

// Status is the lifecycle state of a document.
type Status string

const (
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
	StatusDeleted  Status = "DELETED"
)

// Role of a participant within one document.
type Role string

const (
	RoleOwner        Role = "OWNER"
	RoleCollaborator Role = "COLLABORATOR"
	RoleViewer       Role = "VIEWER"
)

// Permissions are document-level flags, mutable only by the owner.
type Permissions struct {
	CanEdit              bool `json:"can_edit"`
	CanComment           bool `json:"can_comment"`
	CanShare             bool `json:"can_share"`
	CanDelete            bool `json:"can_delete"`
	CanManagePermissions bool `json:"can_manage_permissions"`
}

// DefaultPermissions returns the permissions a new document starts with.
func DefaultPermissions() Permissions {
	return Permissions{CanEdit: true, CanComment: true, CanShare: true}
}

// Document is a snapshot of a collaborative document. Version starts at 1 and
// grows by exactly one per committed change batch.
type Document struct {
	ID          string       `json:"id"`
	Title       string       `json:"title"`
	Content     string       `json:"content"`
	Type        DocumentType `json:"type"`
	CreatorID   string       `json:"creator_id"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
	Status      Status       `json:"status"`
	Version     int64        `json:"version"`
	Permissions Permissions  `json:"permissions"`
}

// Participant is a user's membership in a document.
type Participant struct {
	DocumentID     string    `json:"document_id"`
	UserID         string    `json:"user_id"`
	DisplayName    string    `json:"display_name"`
	Email          string    `json:"email"`
	Role           Role      `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ChangeCount    int64     `json:"change_count"`
}

// Session is the transport descriptor handed to a joining client so it can open
// a live channel. The engine only advertises these values.
type Session struct {
	DocumentID              string `json:"document_id"`
	CurrentVersion          int64  `json:"current_version"`
	MaxParticipants         int    `json:"max_participants"`
	RealTimeSync            bool   `json:"real_time_sync"`
	ConflictResolution      bool   `json:"conflict_resolution"`
	AutoSave                bool   `json:"auto_save"`
	AutoSaveIntervalSeconds int    `json:"auto_save_interval_seconds"`
}

// SessionDefaults are the channel parameters advertised for every document.
type SessionDefaults struct {
	MaxParticipants         int
	RealTimeSync            bool
	ConflictResolution      bool
	AutoSave                bool
	AutoSaveIntervalSeconds int
}

// DefaultSessionDefaults mirrors the values used by the relief coordination clients.
func DefaultSessionDefaults() SessionDefaults {
	return SessionDefaults{
		MaxParticipants:         50,
		RealTimeSync:            true,
		ConflictResolution:      true,
		AutoSave:                true,
		AutoSaveIntervalSeconds: 30,
	}
}

// For builds the descriptor for a document at its current version.
func (d SessionDefaults) For(doc Document) Session {
	return Session{
		DocumentID:              doc.ID,
		CurrentVersion:          doc.Version,
		MaxParticipants:         d.MaxParticipants,
		RealTimeSync:            d.RealTimeSync,
		ConflictResolution:      d.ConflictResolution,
		AutoSave:                d.AutoSave,
		AutoSaveIntervalSeconds: d.AutoSaveIntervalSeconds,
	}
}

// NewDocument carries the inputs of CreateDocument.
type NewDocument struct {
	Title     string
	Content   string
	CreatorID string
	Type      DocumentType
}

// JoinResult is returned by JoinDocument.
type JoinResult struct {
	Document    Document    `json:"document"`
	Participant Participant `json:"participant"`
	Session     Session     `json:"session"`
}

// ApplyRequest is one change batch. BaseVersion is the version the client
// computed its positions against; zero means unknown.
type ApplyRequest struct {
	DocumentID  string
	UserID      string
	BaseVersion int64
	Edits       []Edit
}

// ApplyResult reports the committed state. Applied holds exactly the changes
// that validated, in application order. Stale is set when BaseVersion was
// older than the version the batch was applied against.
type ApplyResult struct {
	Document Document `json:"document"`
	Applied  []Change `json:"applied"`
	Version  int64    `json:"version"`
	Stale    bool     `json:"stale"`
}

// Error classes. Specific errors wrap one of these so callers can switch on
// errors.Is without knowing every variant.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrForbidden    = errors.New("forbidden")
	ErrInvalidInput = errors.New("invalid input")
)

var (
	ErrDocumentNotFound    = fmt.Errorf("document %w", ErrNotFound)
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)
	ErrIdentityNotFound    = fmt.Errorf("identity %w", ErrNotFound)
	ErrAlreadyJoined       = fmt.Errorf("already joined: %w", ErrConflict)
	ErrNotOwner            = fmt.Errorf("only the document owner may manage permissions: %w", ErrForbidden)
	ErrInvalidChange       = errors.New("invalid change")
)

func newID() string {
	return ids.New()
}
