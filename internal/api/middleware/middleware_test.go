package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medisync/rx-engine/internal/domain/identity"
)

var signingKey = []byte("test-secret")

func signToken(t *testing.T, subject, role string, method jwt.SigningMethod) string {
	t.Helper()
	token := jwt.NewWithClaims(method, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Role: role,
	})
	raw, err := token.SignedString(signingKey)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return raw
}

func TestActorAuth(t *testing.T) {
	var gotActor identity.Actor
	var called bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotActor, _ = GetActor(r.Context())
		called = true
	})
	handler := ActorAuth(signingKey)(next)

	t.Run("valid token", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "doc-1", "doctor", jwt.SigningMethodHS256))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if !called {
			t.Fatal("next handler not reached")
		}
		if gotActor.ID != "doc-1" || gotActor.Role != identity.RoleDoctor {
			t.Errorf("actor = %+v", gotActor)
		}
	})

	t.Run("missing header", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if called || rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d, called = %v", rec.Code, called)
		}
	})

	t.Run("wrong key", func(t *testing.T) {
		called = false
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "doc-1"},
			Role:             "doctor",
		})
		raw, _ := token.SignedString([]byte("other-secret"))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if called || rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d, called = %v", rec.Code, called)
		}
	})

	t.Run("unknown role rejected", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "u-1", "superuser", jwt.SigningMethodHS256))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if called || rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d, called = %v", rec.Code, called)
		}
	})

	t.Run("missing subject rejected", func(t *testing.T) {
		called = false
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+signToken(t, "", "doctor", jwt.SigningMethodHS256))
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if called || rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d, called = %v", rec.Code, called)
		}
	})

	t.Run("expired token rejected", func(t *testing.T) {
		called = false
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "doc-1",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
			},
			Role: "doctor",
		})
		raw, _ := token.SignedString(signingKey)

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+raw)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if called || rec.Code != http.StatusUnauthorized {
			t.Errorf("code = %d, called = %v", rec.Code, called)
		}
	})
}

func TestRequestID(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if GetRequestID(r.Context()) == "" {
			t.Error("request ID missing from context")
		}
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	RequestID(next).ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("response missing X-Request-ID")
	}

	// Caller-supplied IDs pass through.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "fixed-id")
	rec = httptest.NewRecorder()
	RequestID(next).ServeHTTP(rec, req)

	if rec.Header().Get("X-Request-ID") != "fixed-id" {
		t.Errorf("X-Request-ID = %q", rec.Header().Get("X-Request-ID"))
	}
}
