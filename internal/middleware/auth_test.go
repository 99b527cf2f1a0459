package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "admin-test-secret"

func mintToken(t *testing.T, secret string, subject string, expiresIn time.Duration) string {
	t.Helper()
	claims := Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func echoSubject() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(GetSubject(r.Context())))
	})
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	mw := NewAuthMiddleware(testSecret, nil, nil)
	srv := httptest.NewServer(mw.Handler(echoSubject()))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer "+mintToken(t, testSecret, "ops", time.Hour))

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := make([]byte, 16)
	n, _ := resp.Body.Read(body)
	if got := string(body[:n]); got != "ops" {
		t.Fatalf("subject = %q", got)
	}
}

func TestAuthMiddlewareRejectsBadTokens(t *testing.T) {
	mw := NewAuthMiddleware(testSecret, nil, nil)
	srv := httptest.NewServer(mw.Handler(echoSubject()))
	defer srv.Close()

	cases := []struct {
		name  string
		token string
	}{
		{name: "missing header", token: ""},
		{name: "wrong secret", token: mintToken(t, "other-secret", "ops", time.Hour)},
		{name: "expired", token: mintToken(t, testSecret, "ops", -time.Hour)},
		{name: "garbage", token: "not.a.jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/tasks", nil)
			if tc.token != "" {
				req.Header.Set("Authorization", "Bearer "+tc.token)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", resp.StatusCode)
			}
		})
	}
}

func TestAuthMiddlewareSkipPaths(t *testing.T) {
	mw := NewAuthMiddleware(testSecret, nil, []string{"/healthz"})
	srv := httptest.NewServer(mw.Handler(echoSubject()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("skip path status = %d", resp.StatusCode)
	}
}

func TestAuthMiddlewareDisabledWithoutSecret(t *testing.T) {
	mw := NewAuthMiddleware("", nil, nil)
	srv := httptest.NewServer(mw.Handler(echoSubject()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/v1/tasks")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	rl := NewRateLimiter(1, 2, nil)
	srv := httptest.NewServer(rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	statuses := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		resp, err := http.Get(srv.URL + "/api/v1/tasks")
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		statuses = append(statuses, resp.StatusCode)
	}

	if statuses[0] != http.StatusOK || statuses[1] != http.StatusOK {
		t.Fatalf("burst requests should pass: %v", statuses)
	}
	if statuses[3] != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst: %v", statuses)
	}
}

func TestCORSMiddleware(t *testing.T) {
	mw := NewCORSMiddleware([]string{"https://dash.example.com"})
	srv := httptest.NewServer(mw.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status = %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://dash.example.com" {
		t.Fatalf("allow-origin = %q", got)
	}

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/v1/tasks", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin got header %q", got)
	}
}
