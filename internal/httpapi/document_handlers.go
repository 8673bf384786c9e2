package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"reliefhub.org/internal/auth"
	"reliefhub.org/internal/collab"
	"reliefhub.org/internal/stream"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// validationMessage flattens validator errors into "field: rule" pairs.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		rule := fe.Tag()
		if fe.Param() != "" {
			rule += "=" + fe.Param()
		}
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Namespace(), rule))
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

type createDocumentRequest struct {
	Title   string              `json:"title" validate:"required,max=256"`
	Content string              `json:"content" validate:"max=1000000"`
	Type    collab.DocumentType `json:"type" validate:"required"`
}

type changeRequest struct {
	Type     collab.ChangeType `json:"type" validate:"required,oneof=INSERT DELETE REPLACE"`
	Position int               `json:"position"`
	Length   int               `json:"length"`
	Text     string            `json:"text"`
}

type applyChangesRequest struct {
	BaseVersion int64           `json:"base_version" validate:"gte=0"`
	Changes     []changeRequest `json:"changes" validate:"max=1000,dive"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

func actingUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "authentication required")
		return "", false
	}
	return userID, true
}

func (a *API) createDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req createDocumentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, r, http.StatusBadRequest, validationMessage(err))
		return
	}

	doc, err := a.docs.CreateDocument(r.Context(), collab.NewDocument{
		Title:     strings.TrimSpace(req.Title),
		Content:   req.Content,
		CreatorID: userID,
		Type:      req.Type,
	})
	if err != nil {
		handleCollabError(w, r, err)
		return
	}

	a.audit(r.Context(), "collab.document.create", doc.ID, map[string]any{
		"type":  string(doc.Type),
		"title": doc.Title,
	})
	w.Header().Set("Location", "/v1/documents/"+doc.ID)
	writeJSON(w, http.StatusCreated, doc)
}

func (a *API) listMyDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	docs, err := a.docs.ListUserDocuments(r.Context(), userID)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	if docs == nil {
		docs = []collab.Document{}
	}
	writeJSON(w, http.StatusOK, listResponse[collab.Document]{Items: docs})
}

func (a *API) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := a.docs.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (a *API) joinDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("id")
	res, err := a.docs.JoinDocument(r.Context(), docID, userID)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}

	a.publish(stream.Event{
		Type:        stream.EventJoined,
		DocumentID:  docID,
		Version:     res.Document.Version,
		UserID:      userID,
		Participant: &res.Participant,
	})
	a.audit(r.Context(), "collab.document.join", docID, map[string]any{
		"role": string(res.Participant.Role),
	})
	writeJSON(w, http.StatusOK, res)
}

func (a *API) leaveDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("id")
	left, err := a.docs.LeaveDocument(r.Context(), docID, userID)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	if left {
		a.publish(stream.Event{Type: stream.EventLeft, DocumentID: docID, UserID: userID})
		a.audit(r.Context(), "collab.document.leave", docID, nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) applyChanges(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var req applyChangesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, err := a.applyBatch(r.Context(), r.PathValue("id"), userID, req)
	if err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, r, http.StatusBadRequest, validationMessage(err))
			return
		}
		handleCollabError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// applyBatch validates req, commits it and fans the applied changes out to
// live subscribers. Both the REST and WebSocket paths go through here.
func (a *API) applyBatch(ctx context.Context, docID, userID string, req applyChangesRequest) (collab.ApplyResult, error) {
	if err := validate.Struct(req); err != nil {
		return collab.ApplyResult{}, err
	}
	edits := make([]collab.Edit, 0, len(req.Changes))
	for _, c := range req.Changes {
		e, err := collab.ChangeInput{Type: c.Type, Position: c.Position, Length: c.Length, Text: c.Text}.Edit()
		if err != nil {
			return collab.ApplyResult{}, err
		}
		edits = append(edits, e)
	}

	// Commit and publish under the same lock so subscribers see versions in order.
	mu := a.commitLock(docID)
	mu.Lock()
	res, err := a.docs.ApplyChanges(ctx, collab.ApplyRequest{
		DocumentID:  docID,
		UserID:      userID,
		BaseVersion: req.BaseVersion,
		Edits:       edits,
	})
	if err == nil && len(res.Applied) > 0 {
		a.publish(stream.Event{
			Type:       stream.EventChanges,
			DocumentID: docID,
			Version:    res.Version,
			UserID:     userID,
			Changes:    res.Applied,
		})
	}
	mu.Unlock()
	if err != nil {
		return collab.ApplyResult{}, err
	}
	a.audit(ctx, "collab.changes.apply", docID, map[string]any{
		"version":      res.Version,
		"applied":      len(res.Applied),
		"skipped":      len(edits) - len(res.Applied),
		"stale":        res.Stale,
		"base_version": req.BaseVersion,
	})
	return res, nil
}

func (a *API) listChanges(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = v
	}
	changes, err := a.docs.GetChanges(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[collab.Change]{Items: changes})
}

func (a *API) listParticipants(w http.ResponseWriter, r *http.Request) {
	ps, err := a.docs.GetParticipants(r.Context(), r.PathValue("id"))
	if err != nil {
		handleCollabError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listResponse[collab.Participant]{Items: ps})
}

func (a *API) updatePermissions(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	var perms collab.Permissions
	if err := decodeJSON(r, &perms); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	docID := r.PathValue("id")
	doc, err := a.docs.UpdatePermissions(r.Context(), docID, perms, userID)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}

	a.publish(stream.Event{
		Type:        stream.EventPermissions,
		DocumentID:  docID,
		Version:     doc.Version,
		UserID:      userID,
		Permissions: &doc.Permissions,
	})
	a.audit(r.Context(), "collab.permissions.update", docID, map[string]any{
		"can_edit":               perms.CanEdit,
		"can_comment":            perms.CanComment,
		"can_share":              perms.CanShare,
		"can_delete":             perms.CanDelete,
		"can_manage_permissions": perms.CanManagePermissions,
	})
	writeJSON(w, http.StatusOK, doc)
}
