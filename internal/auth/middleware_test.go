package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestMiddleware(t *testing.T) {
	const token = "test-gateway-token"
	skipPaths := []string{"/healthz", "/metrics"}

	t.Run("valid Bearer token returns 200", func(t *testing.T) {
		handler := Middleware(token, skipPaths)(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("invalid token returns 401", func(t *testing.T) {
		handler := Middleware(token, skipPaths)(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
		req.Header.Set("Authorization", "Bearer wrong")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("missing header returns 401", func(t *testing.T) {
		handler := Middleware(token, skipPaths)(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("non-Bearer scheme returns 401", func(t *testing.T) {
		handler := Middleware(token, skipPaths)(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
		req.Header.Set("Authorization", "Basic abc123")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
		}
	})

	t.Run("skip path bypasses auth", func(t *testing.T) {
		handler := Middleware(token, skipPaths)(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})

	t.Run("empty configured token disables auth", func(t *testing.T) {
		handler := Middleware("", skipPaths)(okHandler())

		req := httptest.NewRequest(http.MethodGet, "/sandboxes", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
		}
	})
}

func TestValidateToken(t *testing.T) {
	if !ValidateToken("secret", "secret") {
		t.Error("matching tokens should validate")
	}
	if ValidateToken("secret", "other") {
		t.Error("mismatched tokens should not validate")
	}
	if ValidateToken("", "") {
		t.Error("empty expected token should never validate")
	}
}
