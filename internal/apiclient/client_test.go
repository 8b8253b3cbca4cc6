package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hanssup/gateway/internal/credential"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func seededStore(t *testing.T, access, refresh string) *credential.MemoryStore {
	t.Helper()
	store := credential.NewMemoryStore()
	if err := store.Save(context.Background(), &oauth2.Token{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatalf("Save() failed: %v", err)
	}
	return store
}

func newTestClient(t *testing.T, handler http.Handler, store credential.Store, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/", Timeout: timeout}, store, srv.Client(), zap.NewNop())
}

func eventually(cond func() bool) bool {
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(time.Millisecond)
	}
	return true
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	if !eventually(cond) {
		t.Fatalf("timed out waiting for %s", what)
	}
}

// releaseWhenQueued unblocks the refresh once want callers wait behind it
func releaseWhenQueued(t *testing.T, client *Client, srv *refreshServer, want int) {
	go func() {
		if !eventually(func() bool { return client.State().Waiters == want }) {
			t.Errorf("timed out waiting for %d queued callers", want)
		}
		srv.unblock()
	}()
}

// refreshServer is a fake remote API whose /data endpoint rejects the first
// n requests carrying A1 only once all n have arrived, and whose refresh
// endpoint blocks until release is closed.
type refreshServer struct {
	n            int32
	arrivedA1    int32
	allArrived   chan struct{}
	release      chan struct{}
	releaseOnce  sync.Once
	refreshCalls int32
	replayed     int32
	refreshBody  atomic.Value
	refreshOK    bool
}

func newRefreshServer(n int, refreshOK bool) *refreshServer {
	return &refreshServer{
		n:          int32(n),
		allArrived: make(chan struct{}),
		release:    make(chan struct{}),
		refreshOK:  refreshOK,
	}
}

func (s *refreshServer) unblock() {
	s.releaseOnce.Do(func() { close(s.release) })
}

func (s *refreshServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/users/refresh":
		atomic.AddInt32(&s.refreshCalls, 1)
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.refreshBody.Store(body["refresh_token"])

		select {
		case <-s.release:
		case <-r.Context().Done():
			return
		}

		if !s.refreshOK {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "refresh token expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"access_token":  "A2",
			"refresh_token": "R2",
			"token_type":    "bearer",
		})

	case "/data":
		switch r.Header.Get("Authorization") {
		case "Bearer A1":
			if atomic.AddInt32(&s.arrivedA1, 1) == s.n {
				close(s.allArrived)
			}
			<-s.allArrived
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "token expired"})
		case "Bearer A2":
			atomic.AddInt32(&s.replayed, 1)
			writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
		default:
			writeJSON(w, http.StatusInternalServerError, map[string]string{"detail": "unexpected credentials"})
		}

	default:
		http.NotFound(w, r)
	}
}

func runConcurrent(t *testing.T, client *Client, n int) []error {
	t.Helper()

	var wg sync.WaitGroup
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			_, errs[i] = client.Do(context.Background(), &Request{Method: http.MethodGet, Path: "/data"})
		}(i)
	}

	wg.Wait()
	return errs
}

func TestConcurrentUnauthorizedSingleRefresh(t *testing.T) {
	for _, n := range []int{1, 3, 10} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			srv := newRefreshServer(n, true)
			defer srv.unblock()

			store := seededStore(t, "A1", "R1")
			client := newTestClient(t, srv, store, 5*time.Second)

			var sessionEnds int32
			client.OnSessionEnd(func(context.Context, error) { atomic.AddInt32(&sessionEnds, 1) })

			releaseWhenQueued(t, client, srv, n-1)

			errs := runConcurrent(t, client, n)

			for i, err := range errs {
				if err != nil {
					t.Errorf("request %d failed: %v", i, err)
				}
			}
			if got := atomic.LoadInt32(&srv.refreshCalls); got != 1 {
				t.Errorf("refresh calls = %d, want 1", got)
			}
			if got := atomic.LoadInt32(&srv.replayed); got != int32(n) {
				t.Errorf("replayed with A2 = %d, want %d", got, n)
			}
			if got, _ := srv.refreshBody.Load().(string); got != "R1" {
				t.Errorf("refresh sent %q, want R1", got)
			}
			if state := client.State(); state.Refreshing || state.Waiters != 0 {
				t.Errorf("State() = %+v, want idle with no waiters", state)
			}
			if atomic.LoadInt32(&sessionEnds) != 0 {
				t.Error("session end should not fire on a successful refresh")
			}

			tok, _ := store.Load(context.Background())
			if tok == nil || tok.AccessToken != "A2" || tok.RefreshToken != "R2" {
				t.Errorf("stored credentials = %+v, want A2/R2", tok)
			}
		})
	}
}

func TestConcurrentUnauthorizedRefreshFailure(t *testing.T) {
	const n = 5
	srv := newRefreshServer(n, false)
	defer srv.unblock()

	store := seededStore(t, "A1", "R1")
	client := newTestClient(t, srv, store, 5*time.Second)

	var sessionEnds int32
	client.OnSessionEnd(func(context.Context, error) { atomic.AddInt32(&sessionEnds, 1) })

	releaseWhenQueued(t, client, srv, n-1)

	errs := runConcurrent(t, client, n)

	for i, err := range errs {
		if !errors.Is(err, ErrSessionEnded) {
			t.Errorf("request %d error = %v, want ErrSessionEnded", i, err)
		}
	}
	if got := atomic.LoadInt32(&srv.refreshCalls); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&srv.replayed); got != 0 {
		t.Errorf("replayed = %d, want 0", got)
	}
	if atomic.LoadInt32(&sessionEnds) == 0 {
		t.Error("session end should fire when the refresh fails")
	}
	if state := client.State(); state.Refreshing || state.Waiters != 0 {
		t.Errorf("State() = %+v, want idle with no waiters", state)
	}

	tok, err := store.Load(context.Background())
	if err != nil || tok != nil {
		t.Errorf("stored credentials = %+v, %v; want none", tok, err)
	}
}

func TestRetriedRequestNotRefreshedTwice(t *testing.T) {
	var refreshCalls, dataCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "A2", "refresh_token": "R2"})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&dataCalls, 1)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "not allowed"})
	})

	store := seededStore(t, "A1", "R1")
	client := newTestClient(t, mux, store, 5*time.Second)

	var sessionEnds int32
	client.OnSessionEnd(func(context.Context, error) { atomic.AddInt32(&sessionEnds, 1) })

	_, err := client.Do(context.Background(), &Request{Path: "/data"})
	if !IsUnauthorized(err) {
		t.Fatalf("Do() error = %v, want 401 APIError", err)
	}
	if errors.Is(err, ErrSessionEnded) {
		t.Error("a second 401 is returned as is, not as a session end")
	}
	if got := atomic.LoadInt32(&refreshCalls); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := atomic.LoadInt32(&dataCalls); got != 2 {
		t.Errorf("data calls = %d, want 2", got)
	}
	if atomic.LoadInt32(&sessionEnds) != 0 {
		t.Error("session end should not fire")
	}
	if Message(err, "") != "not allowed" {
		t.Errorf("Message() = %q, want %q", Message(err, ""), "not allowed")
	}
}

func TestNoRefreshTokenEndsSession(t *testing.T) {
	var refreshCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	})

	store := seededStore(t, "A1", "")
	client := newTestClient(t, mux, store, 5*time.Second)

	var cause error
	client.OnSessionEnd(func(_ context.Context, err error) { cause = err })

	_, err := client.Do(context.Background(), &Request{Path: "/data"})
	if !errors.Is(err, ErrSessionEnded) || !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("Do() error = %v, want ErrSessionEnded caused by ErrNoRefreshToken", err)
	}
	if !errors.Is(cause, ErrNoRefreshToken) {
		t.Errorf("session end cause = %v, want ErrNoRefreshToken", cause)
	}
	if atomic.LoadInt32(&refreshCalls) != 0 {
		t.Error("no refresh call should be made without a refresh token")
	}
	if tok, _ := store.Load(context.Background()); tok != nil {
		t.Errorf("stored credentials = %+v, want none", tok)
	}
}

func TestSessionEndHookRunsAfterRefreshCycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "refresh expired"})
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	})
	mux.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	store := seededStore(t, "A1", "R1")
	client := newTestClient(t, mux, store, 5*time.Second)

	var hookState State
	var hookErr error
	client.OnSessionEnd(func(ctx context.Context, cause error) {
		hookState = client.State()
		_, hookErr = client.Do(ctx, &Request{Path: "/ping"})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	_, err := client.Do(ctx, &Request{Path: "/data"})
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Do() error = %v, want ErrSessionEnded", err)
	}
	if hookState.Refreshing {
		t.Error("session end hook should run after the refresh cycle completed")
	}
	if hookErr != nil {
		t.Errorf("Do() from the session end hook error = %v, want nil", hookErr)
	}
}

func TestEndSessionClearsCredentials(t *testing.T) {
	store := seededStore(t, "A1", "R1")
	client := NewClient(Config{BaseURL: "http://127.0.0.1"}, store, nil, zap.NewNop())

	var cause error
	client.OnSessionEnd(func(_ context.Context, err error) { cause = err })

	rejected := &APIError{StatusCode: http.StatusUnauthorized, Detail: "not allowed"}
	err := client.EndSession(context.Background(), rejected)
	if !errors.Is(err, ErrSessionEnded) || !IsUnauthorized(err) {
		t.Fatalf("EndSession() error = %v, want ErrSessionEnded wrapping the 401", err)
	}
	if !errors.Is(cause, ErrSessionEnded) {
		t.Errorf("session end cause = %v, want ErrSessionEnded", cause)
	}
	if tok, _ := store.Load(context.Background()); tok != nil {
		t.Errorf("stored credentials = %+v, want none", tok)
	}
}

func TestBearerAttachment(t *testing.T) {
	var seen atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		seen.Store(r.Header.Get("Authorization"))
		if r.Header.Get("X-Request-ID") == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "missing request id"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	})

	tests := []struct {
		name  string
		store credential.Store
		want  string
	}{
		{"with token", seededStore(t, "A1", "R1"), "Bearer A1"},
		{"without token", credential.NewMemoryStore(), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, mux, tt.store, 5*time.Second)

			var out map[string]string
			if err := client.GetJSON(context.Background(), "/data", nil, &out); err != nil {
				t.Fatalf("GetJSON() failed: %v", err)
			}
			if got, _ := seen.Load().(string); got != tt.want {
				t.Errorf("Authorization = %q, want %q", got, tt.want)
			}
			if out["ok"] != "true" {
				t.Errorf("body = %v", out)
			}
		})
	}
}

func TestAnonymousRequestSkipsCredentials(t *testing.T) {
	var refreshCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
	})
	mux.HandleFunc("/users/login", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("anonymous request should not carry credentials")
		}
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "wrong password"})
	})

	client := newTestClient(t, mux, seededStore(t, "A1", "R1"), 5*time.Second)

	_, err := client.Do(context.Background(), &Request{Method: http.MethodPost, Path: "/users/login", Body: map[string]string{}, Anonymous: true})
	if !IsUnauthorized(err) {
		t.Fatalf("Do() error = %v, want 401", err)
	}
	if atomic.LoadInt32(&refreshCalls) != 0 {
		t.Error("anonymous 401 must not trigger a refresh")
	}
}

func TestErrorPassThrough(t *testing.T) {
	var refreshCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
	})
	mux.HandleFunc("/detail", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "출석 코드가 일치하지 않습니다."})
	})
	mux.HandleFunc("/message", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusForbidden, map[string]string{"message": "forbidden"})
	})
	mux.HandleFunc("/validation", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{"detail": []map[string]string{{"msg": "field required"}}})
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})

	client := newTestClient(t, mux, seededStore(t, "A1", "R1"), 5*time.Second)

	tests := []struct {
		path        string
		wantStatus  int
		wantMessage string
	}{
		{"/detail", http.StatusBadRequest, "출석 코드가 일치하지 않습니다."},
		{"/message", http.StatusForbidden, "forbidden"},
		{"/validation", http.StatusUnprocessableEntity, "fallback"},
		{"/plain", http.StatusBadGateway, "fallback"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			_, err := client.Do(context.Background(), &Request{Path: tt.path})
			if got := StatusCode(err); got != tt.wantStatus {
				t.Errorf("StatusCode() = %d, want %d", got, tt.wantStatus)
			}
			if got := Message(err, "fallback"); got != tt.wantMessage {
				t.Errorf("Message() = %q, want %q", got, tt.wantMessage)
			}
		})
	}

	if atomic.LoadInt32(&refreshCalls) != 0 {
		t.Error("non-401 errors must not trigger a refresh")
	}
}

func TestHungRefreshTimesOut(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
	})

	store := seededStore(t, "A1", "R1")
	client := newTestClient(t, mux, store, 100*time.Millisecond)

	_, err := client.Do(context.Background(), &Request{Path: "/data"})
	if !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Do() error = %v, want ErrSessionEnded", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want deadline exceeded cause", err)
	}
	if state := client.State(); state.Refreshing || state.Waiters != 0 {
		t.Errorf("State() = %+v, want idle", state)
	}
	if tok, _ := store.Load(context.Background()); tok != nil {
		t.Errorf("stored credentials = %+v, want none", tok)
	}
}

func TestStaleTokenReplaysWithoutRefresh(t *testing.T) {
	var refreshCalls int32
	store := seededStore(t, "A1", "R1")

	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshCalls, 1)
	})
	mux.HandleFunc("/data", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer A1" {
			// another cycle rotated the pair while this request was in flight
			_ = store.Save(r.Context(), &oauth2.Token{AccessToken: "A2", RefreshToken: "R2"})
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "expired"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	})

	client := newTestClient(t, mux, store, 5*time.Second)

	if _, err := client.Do(context.Background(), &Request{Path: "/data"}); err != nil {
		t.Fatalf("Do() failed: %v", err)
	}
	if atomic.LoadInt32(&refreshCalls) != 0 {
		t.Error("a request holding a stale token should replay with the stored one")
	}
}

func TestCancelledWaiterReturnsEarly(t *testing.T) {
	var refreshCalls int32
	refreshStarted := make(chan struct{})
	release := make(chan struct{})
	var releaseOnce sync.Once
	defer releaseOnce.Do(func() { close(release) })

	mux := http.NewServeMux()
	mux.HandleFunc("/users/refresh", func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&refreshCalls, 1) == 1 {
			close(refreshStarted)
		}
		<-release
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "A2", "refresh_token": "R2"})
	})
	mux.HandleFunc("/lead", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer A1" {
			writeJSON(w, http.StatusUnauthorized, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"ok": "true"})
	})
	mux.HandleFunc("/follow", func(w http.ResponseWriter, r *http.Request) {
		<-refreshStarted
		writeJSON(w, http.StatusUnauthorized, nil)
	})

	client := newTestClient(t, mux, seededStore(t, "A1", "R1"), 5*time.Second)

	leaderErr := make(chan error, 1)
	go func() {
		_, err := client.Do(context.Background(), &Request{Path: "/lead"})
		leaderErr <- err
	}()

	ctx, cancel := context.WithCancel(context.Background())
	followerErr := make(chan error, 1)
	go func() {
		_, err := client.Do(ctx, &Request{Path: "/follow"})
		followerErr <- err
	}()

	waitFor(t, "queued follower", func() bool { return client.State().Waiters == 1 })
	cancel()

	if err := <-followerErr; !errors.Is(err, context.Canceled) {
		t.Errorf("follower error = %v, want context.Canceled", err)
	}

	releaseOnce.Do(func() { close(release) })

	if err := <-leaderErr; err != nil {
		t.Errorf("leader failed: %v", err)
	}
	if state := client.State(); state.Refreshing || state.Waiters != 0 {
		t.Errorf("State() = %+v, want idle", state)
	}
	if atomic.LoadInt32(&refreshCalls) != 1 {
		t.Errorf("refresh calls = %d, want 1", atomic.LoadInt32(&refreshCalls))
	}
}

func TestTokenResponseToken(t *testing.T) {
	tok := TokenResponse{AccessToken: "A", RefreshToken: "R", TokenType: "bearer"}.Token()
	if tok.TokenType != "Bearer" || tok.AccessToken != "A" || tok.RefreshToken != "R" {
		t.Errorf("Token() = %+v", tok)
	}
}
