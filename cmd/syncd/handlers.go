package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	stdsync "sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	qrcode "github.com/skip2/go-qrcode"

	apperrors "brokersync/internal/errors"
	"brokersync/internal/models"
	"brokersync/internal/sync"
)

// pendingAuth guards the authorization URL generated by the most recent
// login request. The QR endpoint renders it until the callback completes.
var pendingAuth struct {
	stdsync.Mutex
	url string
}

func (app *App) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(chimw.RequestID)

	r.Get("/health", app.handleHealth)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", app.handleAuthLogin)
		r.Get("/qr", app.handleAuthQR)
		r.Get("/callback", app.handleAuthCallback)
		r.Get("/status", app.handleAuthStatus)
		r.Post("/logout", app.handleAuthLogout)
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", app.handleSyncStart)
		r.Post("/stop", app.handleSyncStop)
		r.Get("/status", app.handleSyncStatus)
		r.Get("/result", app.handleSyncResult)
		r.Get("/history", app.handleSyncHistory)
	})

	app.router = r
}

// handleHealth returns the server health status.
func (app *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAuthLogin starts a new authorization flow and returns the URL the
// user must visit in a browser.
func (app *App) handleAuthLogin(w http.ResponseWriter, r *http.Request) {
	authURL, err := app.auth.BuildAuthorizationURL()
	if err != nil {
		writeError(w, err)
		return
	}

	pendingAuth.Lock()
	pendingAuth.url = authURL
	pendingAuth.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{
		"authorization_url": authURL,
	})
}

// handleAuthQR renders the pending authorization URL as a QR code PNG so
// the flow can be completed from a phone.
func (app *App) handleAuthQR(w http.ResponseWriter, r *http.Request) {
	pendingAuth.Lock()
	authURL := pendingAuth.url
	pendingAuth.Unlock()

	if authURL == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no pending authorization, POST /auth/login first",
		})
		return
	}

	png, err := qrcode.Encode(authURL, qrcode.Medium, 256)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(png)
}

// handleAuthCallback is the OAuth redirect target. It exchanges the
// authorization code for tokens and persists the session.
func (app *App) handleAuthCallback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "authorization denied: " + errParam,
		})
		return
	}

	code := r.URL.Query().Get("code")
	state := r.URL.Query().Get("state")

	if err := app.auth.CompleteAuthorization(r.Context(), code, state); err != nil {
		writeError(w, err)
		return
	}

	pendingAuth.Lock()
	pendingAuth.url = ""
	pendingAuth.Unlock()

	app.persistSession()
	log.Println("[Auth] Authorization completed, session persisted")

	writeJSON(w, http.StatusOK, map[string]string{
		"status": "authenticated",
	})
}

// handleAuthStatus reports whether a usable session exists.
func (app *App) handleAuthStatus(w http.ResponseWriter, r *http.Request) {
	session := app.auth.Session()
	resp := map[string]any{
		"authenticated": app.auth.IsAuthenticated(),
		"scopes":        session.GrantedScopes,
	}
	if !session.ExpiresAt.IsZero() {
		resp["expires_at"] = session.ExpiresAt.Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleAuthLogout revokes the session and removes the stored copy.
func (app *App) handleAuthLogout(w http.ResponseWriter, r *http.Request) {
	app.auth.Disconnect(r.Context())
	if err := app.sessionStore.Delete(sessionName); err != nil {
		log.Printf("[Auth] Failed to delete stored session: %v", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "logged out"})
}

// handleSyncStart kicks off a sync run in the background. A run already in
// progress is rejected immediately.
func (app *App) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	cfg := models.DefaultSyncConfig()
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
			writeError(w, apperrors.Validation("invalid sync config: "+err.Error()))
			return
		}
	}

	if app.orchestrator.State() == sync.StateRunning {
		writeError(w, sync.ErrSyncInProgress)
		return
	}

	// The run must outlive this request, so it gets its own context.
	go func() {
		result, err := app.orchestrator.StartSync(context.Background(), cfg)
		if err != nil {
			log.Printf("[Sync] Run rejected: %v", err)
			return
		}
		// Refresh may have rotated the token during the run.
		app.persistSession()
		log.Printf("[Sync] Run %s finished, success=%v", result.RunID, result.Success)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "started",
	})
}

// handleSyncStop requests a cooperative stop of the running sync.
func (app *App) handleSyncStop(w http.ResponseWriter, r *http.Request) {
	app.orchestrator.StopSync()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stop requested"})
}

// handleSyncStatus reports the orchestrator state and a last-run summary.
func (app *App) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"state": string(app.orchestrator.State()),
	}
	if last := app.orchestrator.LastResult(); last != nil {
		resp["last_run_id"] = last.RunID
		resp["last_success"] = last.Success
		resp["last_sync_time"] = last.LastSyncTime.Format(time.RFC3339)
		resp["accounts_synced"] = last.AccountsSynced
		resp["warnings"] = len(last.Warnings)
		resp["errors"] = len(last.Errors)
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleSyncResult returns the full result of the most recent run.
func (app *App) handleSyncResult(w http.ResponseWriter, r *http.Request) {
	last := app.orchestrator.LastResult()
	if last == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "no sync has run yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, last)
}

// handleSyncHistory lists recent sync runs from the store.
func (app *App) handleSyncHistory(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if s := r.URL.Query().Get("limit"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}
	entries, err := app.historyStore.Recent(limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTP] Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperrors.HTTPStatus(err), map[string]string{
		"error": err.Error(),
	})
}
