package server

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"sync"
	"time"
)

const (
	sessionCookieName = "meter_session"
	sessionDuration   = 24 * time.Hour
	// APIKeyHeader carries the API key of scripted clients.
	APIKeyHeader = "X-API-Key"
)

// Credentials returns the configured login and API key. It is called per
// request so changes apply without a restart.
type Credentials func() (username, password, apiKey string)

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

// SessionManager authenticates requests by session cookie or API key.
// It is safe for concurrent use.
type SessionManager struct {
	creds Credentials

	mu       sync.Mutex
	sessions map[string]time.Time // token to expiry
	now      func() time.Time
}

// NewSessionManager creates a session manager backed by creds.
func NewSessionManager(creds Credentials) *SessionManager {
	return &SessionManager{
		creds:    creds,
		sessions: make(map[string]time.Time),
		now:      time.Now,
	}
}

// create stores a new session and returns its token.
func (sm *SessionManager) create() string {
	token := rand.Text()

	sm.mu.Lock()
	defer sm.mu.Unlock()

	now := sm.now()
	maps.DeleteFunc(sm.sessions, func(_ string, exp time.Time) bool {
		return now.After(exp)
	})
	sm.sessions[token] = now.Add(sessionDuration)
	return token
}

// Validate reports whether a session token is valid.
func (sm *SessionManager) Validate(token string) bool {
	if token == "" {
		return false
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	exp, ok := sm.sessions[token]
	if !ok {
		return false
	}
	if sm.now().After(exp) {
		delete(sm.sessions, token)
		return false
	}
	return true
}

// Authorized reports whether r carries a valid session cookie or API key.
func (sm *SessionManager) Authorized(r *http.Request) bool {
	if cookie, err := r.Cookie(sessionCookieName); err == nil && sm.Validate(cookie.Value) {
		return true
	}
	_, _, apiKey := sm.creds()
	provided := r.Header.Get(APIKeyHeader)
	return apiKey != "" && provided != "" &&
		subtle.ConstantTimeCompare([]byte(provided), []byte(apiKey)) == 1
}

// AuthMiddleware rejects unauthenticated requests with 401.
func (sm *SessionManager) AuthMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !sm.Authorized(r) {
			writeAuthError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

// HandleLogin checks the posted credentials and sets a session cookie.
func (sm *SessionManager) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validate.Struct(&req); err != nil {
		writeAuthError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, pass, _ := sm.creds()
	userMatch := subtle.ConstantTimeCompare([]byte(req.Username), []byte(user)) == 1
	passMatch := subtle.ConstantTimeCompare([]byte(req.Password), []byte(pass)) == 1
	if !userMatch || !passMatch {
		slog.Warn("failed login attempt", "remote", r.RemoteAddr)
		writeAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	setSessionCookie(w, r, sm.create(), int(sessionDuration.Seconds()))
	w.WriteHeader(http.StatusNoContent)
}

// HandleLogout deletes the session and clears the cookie.
func (sm *SessionManager) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(sessionCookieName); err == nil {
		sm.mu.Lock()
		delete(sm.sessions, cookie.Value)
		sm.mu.Unlock()
	}
	setSessionCookie(w, r, "", -1)
	w.WriteHeader(http.StatusNoContent)
}

// setSessionCookie sets or clears the session cookie.
func setSessionCookie(w http.ResponseWriter, r *http.Request, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteStrictMode,
	})
}

func writeAuthError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
		slog.Error("failed to encode auth error", "error", err)
	}
}
