package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

type envelope struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data"`
	Error   struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestRouter(t *testing.T, resume ResumeFunc) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	svc, _, _ := newTestService(t)
	h := NewHandler(svc, resume, nil)

	r := gin.New()
	r.GET("/health", h.Health)
	r.POST("/session/login", h.Login)
	r.POST("/session/oauth/exchange", h.ExchangeOAuthCode)
	r.POST("/session/logout", h.Logout)
	r.GET("/session", h.Current)
	return r
}

func perform(t *testing.T, r http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
			t.Fatalf("response is not JSON: %v: %s", err, w.Body.String())
		}
	}
	return w, env
}

func TestHandlerLogin(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantCode   string
	}{
		{"success", `{"user_id":"20231234","password":"secret"}`, http.StatusOK, ""},
		{"wrong password", `{"user_id":"20231234","password":"nope"}`, http.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"missing fields", `{}`, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"malformed json", `{"user_id":`, http.StatusBadRequest, "VALIDATION_FAILED"},
		{"upstream down", `{"user_id":"crash","password":"secret"}`, http.StatusBadGateway, "UPSTREAM_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRouter(t, nil)
			w, env := perform(t, r, http.MethodPost, "/session/login", tt.body)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d: %s", w.Code, tt.wantStatus, w.Body.String())
			}
			if env.Success != (tt.wantCode == "") {
				t.Errorf("success = %v", env.Success)
			}
			if env.Error.Code != tt.wantCode {
				t.Errorf("error code = %q, want %q", env.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestHandlerLoginResumesPending(t *testing.T) {
	calls := 0
	r := newTestRouter(t, func(ctx context.Context) (interface{}, error) {
		calls++
		return map[string]string{"club_code": "club-42"}, nil
	})

	w, env := perform(t, r, http.MethodPost, "/session/login", `{"user_id":"20231234","password":"secret"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if calls != 1 {
		t.Errorf("resume called %d times, want 1", calls)
	}
	if _, ok := env.Data["resumed"]; !ok {
		t.Errorf("response data %v has no resumed entry", env.Data)
	}
}

func TestHandlerLoginResumeFailureStillSucceeds(t *testing.T) {
	r := newTestRouter(t, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("club closed")
	})

	w, env := perform(t, r, http.MethodPost, "/session/login", `{"user_id":"20231234","password":"secret"}`)
	if w.Code != http.StatusOK || !env.Success {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if _, ok := env.Data["resume_error"]; !ok {
		t.Errorf("response data %v has no resume_error entry", env.Data)
	}
}

func TestHandlerSessionLifecycle(t *testing.T) {
	r := newTestRouter(t, nil)

	if w, env := perform(t, r, http.MethodGet, "/session", ""); w.Code != http.StatusUnauthorized || env.Error.Code != "NOT_AUTHENTICATED" {
		t.Errorf("GET /session before login = %d %q", w.Code, env.Error.Code)
	}

	if w, _ := perform(t, r, http.MethodPost, "/session/oauth/exchange", `{"auth_code":"good-code"}`); w.Code != http.StatusOK {
		t.Fatalf("oauth exchange status = %d: %s", w.Code, w.Body.String())
	}

	w, env := perform(t, r, http.MethodGet, "/session", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET /session status = %d", w.Code)
	}
	if env.Data["authenticated"] != true {
		t.Errorf("session data = %v, want authenticated", env.Data)
	}

	if w, _ := perform(t, r, http.MethodPost, "/session/logout", ""); w.Code != http.StatusOK {
		t.Errorf("logout status = %d", w.Code)
	}
	if w, _ := perform(t, r, http.MethodGet, "/session", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("GET /session after logout = %d, want 401", w.Code)
	}
}

func TestHandlerHealth(t *testing.T) {
	r := newTestRouter(t, nil)
	w, _ := perform(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}
}

func TestHandlerHealthChecks(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestService(t)
	h := NewHandler(svc, nil, nil)
	h.AddHealthCheck("redis", func(context.Context) error { return nil })

	r := gin.New()
	r.GET("/health", h.Health)

	if w, _ := perform(t, r, http.MethodGet, "/health", ""); w.Code != http.StatusOK {
		t.Errorf("GET /health = %d, want 200", w.Code)
	}

	h.AddHealthCheck("postgres", func(context.Context) error { return errors.New("connection refused") })
	w, _ := perform(t, r, http.MethodGet, "/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GET /health with a failing service = %d, want 503", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"postgres":"unhealthy"`) {
		t.Errorf("body %s does not report the failing service", w.Body.String())
	}
}
