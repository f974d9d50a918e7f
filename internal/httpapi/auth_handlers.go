package httpapi

import (
	"errors"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"tokengate.org/internal/audit"
	"tokengate.org/internal/auth"
)

type registerRequest struct {
	Identity string   `json:"identity" validate:"required,email,max=254"`
	Secret   string   `json:"secret" validate:"required,min=8,max=72"`
	Roles    []string `json:"roles" validate:"omitempty,max=16,dive,required,max=64"`
}

type loginRequest struct {
	Identity string `json:"identity" validate:"required,max=254"`
	Secret   string `json:"secret" validate:"required,max=72"`
}

type introspectRequest struct {
	Token string `json:"token" validate:"required"`
}

type introspectResponse struct {
	Active  bool         `json:"active"`
	Revoked bool         `json:"revoked"`
	Claims  *auth.Claims `json:"claims,omitempty"`
}

type meResponse struct {
	Account   auth.PublicAccount `json:"account"`
	TokenID   string             `json:"token_id"`
	IssuedAt  time.Time          `json:"issued_at"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// decodeAndValidate writes the 4xx response itself and reports whether the
// handler should continue.
func (a *API) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(w, r, dst, a.maxBodyBytes); err != nil {
		writeDecodeError(w, r, err)
		return false
	}
	if err := validateRequest(dst); err != nil {
		var verr *validationError
		if errors.As(err, &verr) {
			writeValidationError(w, r, verr)
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid request")
		return false
	}
	return true
}

func writeValidationError(w http.ResponseWriter, r *http.Request, verr *validationError) {
	payload := map[string]any{"error": verr.Error(), "fields": verr.fields}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, http.StatusBadRequest, payload)
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}
	if fields := a.unregistrableRoles(req.Roles); len(fields) > 0 {
		_ = audit.LogEvent(r.Context(), audit.EventRegisterFailed, map[string]any{"reason": "role_not_registrable"})
		writeValidationError(w, r, &validationError{fields: fields})
		return
	}

	sess, err := a.svc.Register(r.Context(), req.Identity, req.Secret, req.Roles)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrIdentityAlreadyRegistered):
			_ = audit.LogEvent(r.Context(), audit.EventRegisterFailed, map[string]any{"reason": "duplicate"})
			writeError(w, r, http.StatusConflict, "identity already registered")
		case errors.Is(err, auth.ErrInvalidInput):
			writeError(w, r, http.StatusBadRequest, "invalid identity or secret")
		default:
			logError(r, err, "register failed")
			writeError(w, r, http.StatusInternalServerError, "internal error")
		}
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventRegistered, map[string]any{
		"account_id": sess.Account.ID,
		"roles":      sess.Account.Roles,
	})
	writeJSON(w, http.StatusCreated, sess)
}

// unregistrableRoles lists requested roles outside the registration allowlist.
func (a *API) unregistrableRoles(roles []string) []fieldError {
	var out []fieldError
	for i, role := range roles {
		allowed := slices.ContainsFunc(a.registrableRoles, func(ok string) bool {
			return strings.EqualFold(ok, role)
		})
		if !allowed {
			out = append(out, fieldError{
				Field:   "roles[" + strconv.Itoa(i) + "]",
				Message: "cannot be requested at registration",
			})
		}
	}
	return out
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	sess, err := a.svc.Authenticate(r.Context(), req.Identity, req.Secret)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), audit.EventLoginFailed, nil)
			w.Header().Set("WWW-Authenticate", `Bearer realm="tokengate"`)
			writeError(w, r, http.StatusUnauthorized, "invalid credentials")
			return
		}
		logError(r, err, "login failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{"account_id": sess.Account.ID})
	writeJSON(w, http.StatusOK, sess)
}

// handleLogout revokes the presented bearer token. The token is not verified:
// revoking a string nobody honors is harmless.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	token, err := extractBearerToken(r.Header.Get(authHeader))
	if err != nil {
		unauthorized(w, r, err.Error())
		return
	}
	if err := a.svc.Revoke(r.Context(), token); err != nil {
		logError(r, err, "revoke failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	fields := map[string]any{}
	if claims, err := a.svc.Issuer().Decode(token); err == nil {
		fields["account_id"] = claims.Subject
		fields["token_id"] = claims.ID
	}
	_ = audit.LogEvent(r.Context(), audit.EventTokenRevoked, fields)
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		unauthorized(w, r, "missing bearer token")
		return
	}
	resp := meResponse{
		Account: auth.PublicAccount{
			ID:       claims.Subject,
			Identity: claims.Identity,
			Roles:    auth.RolesFromContext(r.Context()),
		},
		TokenID: claims.ID,
	}
	if resp.Account.Roles == nil {
		resp.Account.Roles = []string{}
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.Time.UTC()
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Time.UTC()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req introspectRequest
	if !a.decodeAndValidate(w, r, &req) {
		return
	}

	revoked, err := a.svc.IsRevoked(r.Context(), req.Token)
	if err != nil {
		logError(r, err, "revocation lookup failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	resp := introspectResponse{Revoked: revoked}
	if claims, err := a.svc.Issuer().Decode(req.Token); err == nil {
		resp.Claims = claims
	}
	if !revoked {
		_, verr := a.svc.Issuer().Verify(req.Token)
		resp.Active = verr == nil
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleAccounts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	list, err := a.svc.Accounts(r.Context())
	if err != nil {
		logError(r, err, "list accounts failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAccountsListed, map[string]any{"count": len(list)})
	writeJSON(w, http.StatusOK, map[string]any{"items": list})
}

// handleAccount serves GET /v1/accounts/{id}. Callers may read their own
// account; anyone else needs the admin role.
func (a *API) handleAccount(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	self, _ := auth.UserIDFromContext(r.Context())
	if id != self && !auth.HasRole(r.Context(), "admin") {
		_ = audit.LogEvent(r.Context(), audit.EventAccessForbidden, map[string]any{
			"path": r.URL.Path,
			"role": "admin",
		})
		writeError(w, r, http.StatusForbidden, "forbidden")
		return
	}

	acc, err := a.svc.Account(r.Context(), id)
	if err != nil {
		if errors.Is(err, auth.ErrAccountNotFound) {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		logError(r, err, "load account failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, acc)
}
