// Package identity resolves the anonymous student id of a request.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"
)

const (
	StudentCookieName = "reclass_student_id"
	StudentHeaderName = "X-Student-ID"
	anonCookieMaxAge  = 30 * 24 * time.Hour
)

type contextKey int

const studentIDKey contextKey = iota

var (
	anonIDPattern    = regexp.MustCompile(`^anon_[a-f0-9]{32}$`)
	studentIDPattern = regexp.MustCompile(`^[A-Za-z0-9._@:-]{1,128}$`)
)

// StudentIDFromContext extracts the student ID from the request context.
func StudentIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(studentIDKey).(string); ok {
		return v
	}
	return ""
}

// WithStudentID returns ctx carrying id.
func WithStudentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, studentIDKey, id)
}

func generateAnonID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anonymous id: %w", err)
	}
	return "anon_" + hex.EncodeToString(buf), nil
}

func isValidAnonID(id string) bool {
	return anonIDPattern.MatchString(id)
}

// headerStudentID returns a well-formed X-Student-ID header value, if any.
// Classroom front ends that already know the student send it explicitly.
func headerStudentID(r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get(StudentHeaderName))
	if id == "" || !studentIDPattern.MatchString(id) {
		return "", false
	}
	return id, true
}

func setCookie(w http.ResponseWriter, id string, isDev bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     StudentCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(anonCookieMaxAge.Seconds()),
		Expires:  time.Now().Add(anonCookieMaxAge),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   !isDev,
	})
}

func getOrCreateAnonID(w http.ResponseWriter, r *http.Request, isDev bool) (string, error) {
	if c, err := r.Cookie(StudentCookieName); err == nil && isValidAnonID(c.Value) {
		setCookie(w, c.Value, isDev)
		return c.Value, nil
	}
	id, err := generateAnonID()
	if err != nil {
		return "", err
	}
	setCookie(w, id, isDev)
	return id, nil
}

// Middleware injects the student id: the X-Student-ID header when present
// and well formed, otherwise an anonymous per-device cookie.
func Middleware(isDev bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := headerStudentID(r)
			if !ok {
				var err error
				id, err = getOrCreateAnonID(w, r, isDev)
				if err != nil {
					http.Error(w, `{"error":"failed to establish anonymous identity"}`, http.StatusInternalServerError)
					return
				}
			}
			next.ServeHTTP(w, r.WithContext(WithStudentID(r.Context(), id)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
