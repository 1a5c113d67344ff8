package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertguss/serialforge/internal/config"
	"github.com/robertguss/serialforge/internal/domain"
)

func TestAPIKeyAuthMiddleware(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})

	tests := []struct {
		name    string
		key     string
		headers map[string]string
		want    int
	}{
		{"no key configured", "", nil, http.StatusOK},
		{"missing key", "secret-key", nil, http.StatusUnauthorized},
		{"correct X-API-Key", "secret-key", map[string]string{"X-API-Key": "secret-key"}, http.StatusOK},
		{"correct Bearer token", "secret-key", map[string]string{"Authorization": "Bearer secret-key"}, http.StatusOK},
		{"wrong X-API-Key", "secret-key", map[string]string{"X-API-Key": "wrong-key"}, http.StatusUnauthorized},
		{"wrong Bearer token", "secret-key", map[string]string{"Authorization": "Bearer wrong-key"}, http.StatusUnauthorized},
		{"non-bearer scheme", "secret-key", map[string]string{"Authorization": "Basic secret-key"}, http.StatusUnauthorized},
		{
			"X-API-Key takes precedence",
			"secret-key",
			map[string]string{"X-API-Key": "secret-key", "Authorization": "Bearer wrong-key"},
			http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := apiKeyAuthMiddleware(tt.key)(nextHandler)

			req := httptest.NewRequest("GET", "/test", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.want, rr.Code)
			if tt.want == http.StatusOK {
				assert.Equal(t, "success", rr.Body.String())
				return
			}

			var body errorBody
			require.NoError(t, json.NewDecoder(rr.Body).Decode(&body))
			assert.Equal(t, domain.CodeUnauthorized, body.Code)
			assert.Contains(t, body.Error, "unauthorized")
		})
	}
}

func TestMatchOriginPattern(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		pattern string
		want    bool
	}{
		{"exact match", "http://localhost:3000", "http://localhost:3000", false}, // patterns only work with wildcards

		{"localhost wildcard port", "http://localhost:3000", "http://localhost:*", true},
		{"localhost wildcard port 8080", "http://localhost:8080", "http://localhost:*", true},
		{"127.0.0.1 wildcard port", "http://127.0.0.1:8080", "http://127.0.0.1:*", true},

		{"different host", "http://evil.com:3000", "http://localhost:*", false},
		{"different scheme", "https://localhost:3000", "http://localhost:*", false},

		{"subdomain wildcard", "https://app.example.com", "*.example.com", true},
		{"nested subdomain", "https://api.app.example.com", "*.example.com", true},
		{"exact domain with wildcard", "https://example.com", "*.example.com", true},
		{"different domain", "https://example.org", "*.example.com", false},

		{"empty origin", "", "http://localhost:*", false},
		{"malicious origin", "http://localhost.evil.com:3000", "http://localhost:*", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := matchOriginPattern(tt.origin, tt.pattern)
			assert.Equal(t, tt.want, got, "matchOriginPattern(%q, %q)", tt.origin, tt.pattern)
		})
	}
}

func TestCORSMiddleware(t *testing.T) {
	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	serve := func(origins []string, method, origin string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, "/test", nil)
		req.Header.Set("Origin", origin)
		rr := httptest.NewRecorder()
		corsMiddleware(origins)(nextHandler).ServeHTTP(rr, req)
		return rr
	}

	t.Run("allows configured exact origin", func(t *testing.T) {
		rr := serve([]string{"http://example.com"}, "GET", "http://example.com")
		assert.Equal(t, "http://example.com", rr.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
		assert.Equal(t, http.StatusTeapot, rr.Code, "request reaches the handler")
	})

	t.Run("blocks non-configured origin", func(t *testing.T) {
		rr := serve([]string{"http://localhost:*"}, "GET", "http://evil.com")
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("nothing allowed without configuration", func(t *testing.T) {
		rr := serve(nil, "GET", "http://localhost:3000")
		assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
	})

	t.Run("answers OPTIONS preflight", func(t *testing.T) {
		rr := serve([]string{"http://localhost:*"}, "OPTIONS", "http://localhost:3000")
		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Contains(t, rr.Header().Get("Access-Control-Allow-Methods"), "POST")
		assert.Contains(t, rr.Header().Get("Access-Control-Allow-Headers"), "X-API-Key")
	})

	t.Run("default origins are local only", func(t *testing.T) {
		origins := config.New().Server.CORSOrigins
		tests := []struct {
			origin  string
			allowed bool
		}{
			{"http://localhost:3000", true},
			{"http://127.0.0.1:3000", true},
			{"http://evil.com", false},
			{"http://localhost.evil.com", false},
		}
		for _, tt := range tests {
			rr := serve(origins, "GET", tt.origin)
			if tt.allowed {
				assert.Equal(t, tt.origin, rr.Header().Get("Access-Control-Allow-Origin"), tt.origin)
			} else {
				assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"), tt.origin)
			}
		}
	})
}

func TestHostPatterns(t *testing.T) {
	got := hostPatterns([]string{"http://localhost:*", "*.example.com", "https://app.example.org"})
	assert.Equal(t, []string{"localhost:*", "*.example.com", "app.example.org"}, got)
}
