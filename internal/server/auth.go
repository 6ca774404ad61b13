package server

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

var errNotAuthenticated = errors.New("no valid session or token")

// Auth authenticates dashboard users by session cookie and automation
// clients by static admin token. Sessions live in Postgres so multiple API
// replicas see the same logins.
type Auth struct {
	pool       *pgxpool.Pool
	adminToken string
	cookieName string
	sessionTTL time.Duration
}

func NewAuth(pool *pgxpool.Pool, cfg ServerConfig) *Auth {
	ttl := 8 * time.Hour
	if parsed, err := time.ParseDuration(strings.TrimSpace(cfg.Auth.SessionTTL)); err == nil && parsed > 0 {
		ttl = parsed
	}
	cookie := strings.TrimSpace(cfg.Auth.CookieName)
	if cookie == "" {
		cookie = "verify_session"
	}
	return &Auth{
		pool:       pool,
		adminToken: strings.TrimSpace(cfg.Security.AdminToken),
		cookieName: cookie,
		sessionTTL: ttl,
	}
}

func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var creds struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&creds); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	creds.Username = strings.TrimSpace(creds.Username)
	if creds.Username == "" || creds.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	var userID, passwordHash, role string
	row := a.pool.QueryRow(context.Background(),
		`SELECT id, password_hash, role FROM users WHERE username=$1`, creds.Username)
	if err := row.Scan(&userID, &passwordHash, &role); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(creds.Password)) != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := a.openSession(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "session error")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(a.sessionTTL.Seconds()),
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "role": role})
}

// openSession mints a session token and stores only its hash. Expired rows
// are swept opportunistically on each login.
func (a *Auth) openSession(ctx context.Context, userID string) (string, error) {
	token, err := randomBase64(32)
	if err != nil {
		return "", err
	}
	_, _ = a.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < now()`)
	_, err = a.pool.Exec(ctx,
		`INSERT INTO sessions (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		sha256Hex(token), userID, time.Now().Add(a.sessionTTL))
	if err != nil {
		return "", err
	}
	return token, nil
}

func (a *Auth) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie(a.cookieName); err == nil && cookie.Value != "" {
		_, _ = a.pool.Exec(context.Background(),
			`DELETE FROM sessions WHERE token_hash=$1`, sha256Hex(cookie.Value))
	}
	http.SetCookie(w, &http.Cookie{
		Name:     a.cookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *Auth) HandleMe(w http.ResponseWriter, r *http.Request) {
	principal, err := a.AuthenticateRequest(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"authenticated": true,
		"principal":     principal,
	})
}

func (a *Auth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := a.AuthenticateRequest(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), principalContextKey{}, principal)))
	})
}

func (a *Auth) RequireAdmin(next http.Handler) http.Handler {
	return a.Require(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, _ := PrincipalFromContext(r.Context())
		if principal.Role != "admin" {
			writeError(w, http.StatusForbidden, "admin required")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// AuthenticateRequest resolves a principal from the session cookie, falling
// back to the static admin token carried in X-Admin-Token or a Bearer header.
func (a *Auth) AuthenticateRequest(r *http.Request) (Principal, error) {
	if principal, ok := a.sessionPrincipal(r); ok {
		return principal, nil
	}
	if principal, ok := a.tokenPrincipal(r); ok {
		return principal, nil
	}
	return Principal{}, errNotAuthenticated
}

func (a *Auth) sessionPrincipal(r *http.Request) (Principal, bool) {
	if a.pool == nil {
		return Principal{}, false
	}
	cookie, err := r.Cookie(a.cookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		return Principal{}, false
	}
	var principal Principal
	row := a.pool.QueryRow(context.Background(),
		`SELECT u.id, u.username, u.role FROM sessions s
		 JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash=$1 AND s.expires_at > now()`, sha256Hex(cookie.Value))
	if row.Scan(&principal.Subject, &principal.Username, &principal.Role) != nil {
		return Principal{}, false
	}
	return principal, true
}

func (a *Auth) tokenPrincipal(r *http.Request) (Principal, bool) {
	if a.adminToken == "" {
		return Principal{}, false
	}
	candidate := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	if candidate == "" {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if strings.HasPrefix(strings.ToLower(header), "bearer ") {
			candidate = strings.TrimSpace(header[len("bearer "):])
		}
	}
	if candidate == "" || !subtleConstantCompare(candidate, a.adminToken) {
		return Principal{}, false
	}
	return Principal{Subject: "admin-token", Username: "admin-token", Role: "admin"}, true
}

// SeedUser creates or updates a dashboard user. Used by the -seed-user mode
// of the API binary.
func SeedUser(ctx context.Context, pool *pgxpool.Pool, username, password, role string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	_, err = pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, role) VALUES ($1, $2, $3)
		 ON CONFLICT (username) DO UPDATE SET password_hash=$2, role=$3, updated_at=now()`,
		username, string(hash), role)
	return err
}

type principalContextKey struct{}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalContextKey{}).(Principal)
	return principal, ok
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func randomBase64(length int) (string, error) {
	if length <= 0 {
		length = 32
	}
	raw := make([]byte, length)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func subtleConstantCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := 0; i < len(a); i++ {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
