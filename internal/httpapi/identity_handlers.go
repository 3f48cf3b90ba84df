package httpapi

import (
	"net/http"
	"strings"

	"tweetbook.app/internal/audit"
	"tweetbook.app/internal/auth"
	"tweetbook.app/internal/obs"
)

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type addRoleRequest struct {
	UserEmail string `json:"userEmail"`
	RoleName  string `json:"roleName"`
}

type authSuccessResponse struct {
	Token        string `json:"token"`
	RefreshToken string `json:"refreshToken"`
}

type authFailedResponse struct {
	Errors []string `json:"errors"`
}

type errorModel struct {
	FieldName string `json:"fieldName"`
	Message   string `json:"message"`
}

type meResponse struct {
	ID    string   `json:"id"`
	Email string   `json:"email"`
	Roles []string `json:"roles"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, authFailedResponse{Errors: []string{err.Error()}})
		return
	}
	res, err := a.identity.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if res.Success() {
		obs.ObserveIssued("register")
		_ = audit.LogEvent(r.Context(), audit.EventAccountRegistered, map[string]any{"email_domain": emailDomain(req.Email)})
	}
	writeAuthResult(w, res)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, authFailedResponse{Errors: []string{err.Error()}})
		return
	}
	res, err := a.identity.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if res.Success() {
		obs.ObserveIssued("login")
		_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{"email_domain": emailDomain(req.Email)})
	} else {
		_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, map[string]any{"email_domain": emailDomain(req.Email)})
	}
	writeAuthResult(w, res)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, authFailedResponse{Errors: []string{err.Error()}})
		return
	}
	res, err := a.identity.RefreshSession(r.Context(), req.Token, req.RefreshToken)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if res.Success() {
		obs.ObserveIssued("refresh")
		_ = audit.LogEvent(r.Context(), audit.EventSessionRefreshed, nil)
	} else {
		_ = audit.LogEvent(r.Context(), audit.EventRefreshRejected, map[string]any{"reasons": res.Errors})
	}
	writeAuthResult(w, res)
}

func (a *API) handleAddRole(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req addRoleRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorModel{FieldName: "body", Message: err.Error()})
		return
	}
	ok, err := a.identity.AddRoleToAccount(r.Context(), req.UserEmail, req.RoleName)
	if err != nil {
		writeProblem(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorModel{
			FieldName: "userEmail or roleName",
			Message:   "account or role not found, check the spelling of the fields",
		})
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleGranted, map[string]any{
		"role":         strings.ToLower(strings.TrimSpace(req.RoleName)),
		"email_domain": emailDomain(req.UserEmail),
	})
	w.WriteHeader(http.StatusOK)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	roles := claims.Roles
	if roles == nil {
		roles = []string{}
	}
	writeJSON(w, http.StatusOK, meResponse{ID: claims.Subject, Email: claims.Email, Roles: roles})
}

func (a *API) handleChapsas(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, _ := auth.ClaimsFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"policy": PolicyMustWorkForChapsas,
		"email":  claims.Email,
	})
}

func writeAuthResult(w http.ResponseWriter, res auth.AuthResult) {
	if !res.Success() {
		writeJSON(w, http.StatusBadRequest, authFailedResponse{Errors: res.Errors})
		return
	}
	writeJSON(w, http.StatusOK, authSuccessResponse{Token: res.Token, RefreshToken: res.RefreshToken})
}

func emailDomain(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if i := strings.LastIndexByte(email, '@'); i >= 0 {
		return email[i+1:]
	}
	return ""
}
