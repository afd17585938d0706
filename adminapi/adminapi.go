// Package adminapi implements the admin port's collaborator surface:
// login, key lifecycle management, dynamic policy inspection/reload,
// and operational stats. It is a thin net/http-plus-encoding/json
// layer directly over keystore, policy, counter and queue — skipper
// itself keeps its control surfaces this thin (compare
// cmd/routesrv/main.go's poller endpoints), so no router dependency is
// introduced for a handful of fixed routes.
package adminapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/hwuu/pylon/adminauth"
	"github.com/hwuu/pylon/counter"
	"github.com/hwuu/pylon/keystore"
	"github.com/hwuu/pylon/policy"
	"github.com/hwuu/pylon/queue"
)

// Handler bundles the admin port's collaborators.
type Handler struct {
	keys     *keystore.Store
	policies *policy.Store
	bank     *counter.Bank
	wq       *queue.Queue
	auth     *adminauth.Service
}

// New constructs a Handler and returns the http.Handler to mount on
// the admin listener.
func New(keys *keystore.Store, policies *policy.Store, bank *counter.Bank, wq *queue.Queue, auth *adminauth.Service) http.Handler {
	h := &Handler{keys: keys, policies: policies, bank: bank, wq: wq, auth: auth}

	mux := http.NewServeMux()
	mux.HandleFunc("/login", h.handleLogin)
	mux.HandleFunc("/keys", h.requireAuth(h.handleKeys))
	mux.HandleFunc("/keys/", h.requireAuth(h.handleKeyByID))
	mux.HandleFunc("/policy", h.requireAuth(h.handlePolicy))
	mux.HandleFunc("/stats", h.requireAuth(h.handleStats))
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tok, ok := adminauth.ExtractBearer(r.Header.Get("Authorization"))
		if !ok || h.auth.Verify(tok) != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid admin token")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	tok, err := h.auth.Authenticate(body.Password)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"token": tok})
}

func (h *Handler) handleKeys(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		includeRevoked := r.URL.Query().Get("include_revoked") == "true"
		includeExpired := r.URL.Query().Get("include_expired") == "true"
		ids, err := h.keys.List(r.Context(), includeRevoked, includeExpired)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"keys": ids})

	case http.MethodPost:
		var body struct {
			Description string                `json:"description"`
			Priority    string                `json:"priority"`
			TTLHours    *int                  `json:"ttl_hours"`
			Overrides   *policy.RateLimitRule `json:"overrides"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}

		var ttl *time.Duration
		if body.TTLHours != nil {
			d := time.Duration(*body.TTLHours) * time.Hour
			ttl = &d
		}

		raw, id, err := h.keys.Create(r.Context(), body.Description, keystore.ParsePriority(body.Priority), ttl, body.Overrides)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
			return
		}

		writeJSON(w, http.StatusCreated, map[string]any{"key": raw, "identity": id})

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	}
}

func (h *Handler) handleKeyByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/keys/")
	parts := strings.SplitN(rest, "/", 2)
	keyID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		id, err := h.keys.GetByID(r.Context(), keyID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, id)

	case r.Method == http.MethodPost && action == "revoke":
		if err := h.keys.Revoke(r.Context(), keyID); err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "revoked"})

	case r.Method == http.MethodPost && action == "refresh":
		raw, id, err := h.keys.Refresh(r.Context(), keyID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": raw, "identity": id})

	case r.Method == http.MethodPut && action == "overrides":
		var body struct {
			Overrides *policy.RateLimitRule `json:"overrides"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		if err := h.keys.UpdateOverrides(r.Context(), keyID, body.Overrides); err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		id, err := h.keys.GetByID(r.Context(), keyID)
		if err != nil {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, id)

	case r.Method == http.MethodDelete && action == "":
		if err := h.keys.Delete(r.Context(), keyID); err != nil {
			writeError(w, http.StatusConflict, "conflict", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})

	default:
		writeError(w, http.StatusNotFound, "not_found", "")
	}
}

func (h *Handler) handlePolicy(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, h.policies.Get())

	case http.MethodPut:
		var next policy.Snapshot
		if err := json.NewDecoder(r.Body).Decode(&next); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
			return
		}
		h.policies.Replace(next)
		writeJSON(w, http.StatusOK, next)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "")
	}
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"counters": h.bank.Snapshot(),
		"queue":    h.wq.Status(),
	})
}
