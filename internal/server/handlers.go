package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/justlark/notwithout.help/internal/auth"
	"github.com/justlark/notwithout.help/internal/keys"
	"github.com/justlark/notwithout.help/internal/store"
)

func parseClientKeyID(r *http.Request) (store.ClientKeyID, bool) {
	raw := mux.Vars(r)["client_key_id"]
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return store.ClientKeyID(n), true
}

type publishFormRequest struct {
	PublicPrimaryKey string   `json:"public_primary_key"`
	PublicSigningKey string   `json:"public_signing_key"`
	OrgName          string   `json:"org_name"`
	Description      string   `json:"description"`
	ContactMethods   []string `json:"contact_methods"`
	ExpiresAt        *string  `json:"expires_at,omitempty"`
}

type publishFormResponse struct {
	FormID      string `json:"form_id"`
	ClientKeyID string `json:"client_key_id"`
}

func (s *Server) handlePublishForm(w http.ResponseWriter, r *http.Request) {
	var req publishFormRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	signingKey, err := keys.NewPublicSigningKey(req.PublicSigningKey)
	if err != nil {
		http.Error(w, "invalid public_signing_key", http.StatusBadRequest)
		return
	}

	expiresAt, ok := parseOptionalTime(w, req.ExpiresAt)
	if !ok {
		return
	}

	formID, err := store.NewFormID()
	if err != nil {
		s.writeInternalError(w, "generate form id", err)
		return
	}

	template := store.FormTemplate{
		Version:        1,
		OrgName:        req.OrgName,
		Description:    req.Description,
		ContactMethods: req.ContactMethods,
	}

	clientKeyID, err := s.store.PutForm(r.Context(), formID, template, req.PublicPrimaryKey, expiresAt, signingKey)
	if err != nil {
		s.writeInternalError(w, "publish form", err)
		return
	}

	writeJSON(w, http.StatusCreated, publishFormResponse{
		FormID:      string(formID),
		ClientKeyID: clientKeyID.String(),
	})
}

func parseOptionalTime(w http.ResponseWriter, raw *string) (*time.Time, bool) {
	if raw == nil {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, *raw)
	if err != nil {
		http.Error(w, "expires_at must be RFC 3339", http.StatusBadRequest)
		return nil, false
	}
	return &t, true
}

type getFormResponse struct {
	OrgName          string   `json:"org_name"`
	Description      string   `json:"description"`
	ContactMethods   []string `json:"contact_methods"`
	PublicPrimaryKey string   `json:"public_primary_key"`
}

func (s *Server) handleGetForm(w http.ResponseWriter, r *http.Request) {
	formID := store.FormID(mux.Vars(r)["form_id"])
	form, err := s.store.GetForm(r.Context(), formID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.writeInternalError(w, "get form", err)
		return
	}

	writeJSON(w, http.StatusOK, getFormResponse{
		OrgName:          form.Template.OrgName,
		Description:      form.Template.Description,
		ContactMethods:   form.Template.ContactMethods,
		PublicPrimaryKey: form.PublicPrimaryKey,
	})
}

type editFormRequest struct {
	OrgName        string   `json:"org_name"`
	Description    string   `json:"description"`
	ContactMethods []string `json:"contact_methods"`
	ExpiresAt      *string  `json:"expires_at,omitempty"`
}

func (s *Server) handleEditForm(w http.ResponseWriter, r *http.Request, result auth.Result) {
	var req editFormRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	expiresAt, ok := parseOptionalTime(w, req.ExpiresAt)
	if !ok {
		return
	}

	template := store.FormTemplate{Version: 1, OrgName: req.OrgName, Description: req.Description, ContactMethods: req.ContactMethods}
	if err := result.Store.EditForm(r.Context(), result.FormID, template, expiresAt); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.writeInternalError(w, "edit form", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteForm(w http.ResponseWriter, r *http.Request, result auth.Result) {
	if err := result.Store.DeleteForm(r.Context(), result.FormID); err != nil {
		s.writeInternalError(w, "delete form", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type putSubmissionRequest struct {
	EncryptedBody string `json:"encrypted_body"`
}

func (s *Server) handlePutSubmission(w http.ResponseWriter, r *http.Request) {
	formID := store.FormID(mux.Vars(r)["form_id"])

	var req putSubmissionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	submissionID, err := store.NewSubmissionID()
	if err != nil {
		s.writeInternalError(w, "generate submission id", err)
		return
	}

	inserted, err := s.store.PutSubmission(r.Context(), formID, submissionID, req.EncryptedBody)
	if err != nil {
		s.writeInternalError(w, "put submission", err)
		return
	}
	if !inserted {
		http.NotFound(w, r)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

type submissionResponse struct {
	EncryptedBody string `json:"encrypted_body"`
	CreatedAt     string `json:"created_at"`
}

func (s *Server) handleListSubmissions(w http.ResponseWriter, r *http.Request, result auth.Result) {
	subs, err := result.Store.ListSubmissions(r.Context(), result.FormID)
	if err != nil {
		s.writeInternalError(w, "list submissions", err)
		return
	}

	out := make([]submissionResponse, len(subs))
	for i, sub := range subs {
		out[i] = submissionResponse{
			EncryptedBody: sub.EncryptedBody,
			CreatedAt:     sub.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type clientKeyResponse struct {
	WrappedPrivatePrimaryKey *string `json:"wrapped_private_primary_key,omitempty"`
}

func (s *Server) handleGetClientKey(w http.ResponseWriter, r *http.Request, result auth.Result) {
	clientKeyID, ok := parseClientKeyID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	ck, err := result.Store.GetClientKeys(r.Context(), result.FormID, clientKeyID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.writeInternalError(w, "get client key", err)
		return
	}
	writeJSON(w, http.StatusOK, clientKeyResponse{WrappedPrivatePrimaryKey: ck.WrappedPrivatePrimaryKey})
}

type listedClientKey struct {
	ClientKeyID      string  `json:"client_key_id"`
	EncryptedComment string  `json:"encrypted_comment"`
	Role             string  `json:"role"`
	AccessedAt       *string `json:"accessed_at,omitempty"`
}

func (s *Server) handleListClientKeys(w http.ResponseWriter, r *http.Request, result auth.Result) {
	all, err := result.Store.ListClientKeys(r.Context(), result.FormID)
	if err != nil {
		s.writeInternalError(w, "list client keys", err)
		return
	}

	out := make([]listedClientKey, len(all))
	for i, ck := range all {
		item := listedClientKey{
			ClientKeyID:      ck.ID.String(),
			EncryptedComment: ck.EncryptedComment,
			Role:             string(ck.Role),
		}
		if ck.AccessedAt != nil {
			formatted := ck.AccessedAt.UTC().Format(time.RFC3339)
			item.AccessedAt = &formatted
		}
		out[i] = item
	}
	writeJSON(w, http.StatusOK, out)
}

type addClientKeyRequest struct {
	PublicSigningKey         string  `json:"public_signing_key"`
	WrappedPrivatePrimaryKey *string `json:"wrapped_private_primary_key"`
	EncryptedComment         string  `json:"encrypted_comment"`
	Role                     string  `json:"role"`
}

type addClientKeyResponse struct {
	ClientKeyID string `json:"client_key_id"`
}

func (s *Server) handleAddClientKey(w http.ResponseWriter, r *http.Request, result auth.Result) {
	var req addClientKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	role := keys.AccessRole(req.Role)
	if !role.Valid() {
		http.Error(w, "invalid role", http.StatusBadRequest)
		return
	}
	signingKey, err := keys.NewPublicSigningKey(req.PublicSigningKey)
	if err != nil {
		http.Error(w, "invalid public_signing_key", http.StatusBadRequest)
		return
	}

	clientKeyID, err := result.Store.AddClientKeys(r.Context(), result.FormID, store.NewClientKeys{
		PublicSigningKey:         signingKey,
		WrappedPrivatePrimaryKey: req.WrappedPrivatePrimaryKey,
		EncryptedComment:         req.EncryptedComment,
		Role:                     role,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.writeInternalError(w, "add client key", err)
		return
	}
	writeJSON(w, http.StatusCreated, addClientKeyResponse{ClientKeyID: clientKeyID.String()})
}

type updateClientKeyRequest struct {
	WrappedPrivatePrimaryKey *string `json:"wrapped_private_primary_key,omitempty"`
	EncryptedComment         *string `json:"encrypted_comment,omitempty"`
}

func (s *Server) handleUpdateClientKey(w http.ResponseWriter, r *http.Request, result auth.Result) {
	clientKeyID, ok := parseClientKeyID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	var req updateClientKeyRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	if err := result.Store.UpdateClientKeys(r.Context(), result.FormID, clientKeyID, req.WrappedPrivatePrimaryKey, req.EncryptedComment); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		s.writeInternalError(w, "update client key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteClientKey(w http.ResponseWriter, r *http.Request, result auth.Result) {
	clientKeyID, ok := parseClientKeyID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}
	if err := result.Store.DeleteClientKeys(r.Context(), result.FormID, clientKeyID); err != nil {
		s.writeInternalError(w, "delete client key", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type challengeResponse struct {
	Challenge string `json:"challenge"`
}

func (s *Server) handleRequestChallenge(w http.ResponseWriter, r *http.Request) {
	formID := store.FormID(mux.Vars(r)["form_id"])
	clientKeyID, ok := parseClientKeyID(r)
	if !ok {
		http.NotFound(w, r)
		return
	}

	challenge, err := s.auth.RequestChallenge(r.Context(), formID, clientKeyID)
	if err != nil {
		s.writeInternalError(w, "request challenge", err)
		return
	}
	writeJSON(w, http.StatusOK, challengeResponse{Challenge: challenge})
}

type requestTokenRequest struct {
	Signature string `json:"signature"`
	Challenge string `json:"challenge"`
}

type requestTokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleRequestToken(w http.ResponseWriter, r *http.Request) {
	var req requestTokenRequest
	if err := decodeJSONBody(r, &req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}

	token, err := s.auth.RequestAccessToken(r.Context(), req.Challenge, req.Signature)
	if err != nil {
		s.writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, requestTokenResponse{Token: token})
}
