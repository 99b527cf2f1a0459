package schoolapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bakaboard/sync_layer/internal/app/eventlog"
	"github.com/bakaboard/sync_layer/internal/app/metrics"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

const (
	// DefaultClientID is the client identifier the remote API expects on
	// token grants.
	DefaultClientID = "ANDR"
	// DefaultExpirySkew refreshes tokens this long before they expire.
	DefaultExpirySkew = 5 * time.Minute
	// DefaultTimeout bounds individual requests against the remote API.
	DefaultTimeout = 30 * time.Second

	loginPath          = "/api/login"
	grantTypePassword  = "password"
	grantTypeRefresh   = "refresh_token"
	defaultExpiresIn   = 3599
	maxBodyBytes       = 8 << 20
	grantErrorMaxBytes = 64 << 10
)

// Token is one issued access/refresh pair. It is replaced as a whole on
// refresh; the old pair stays valid until the new one is fully received.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserID       string
	APIVersion   string
}

// Valid reports whether the token can be used without refreshing, holding
// the given skew back from the hard expiry.
func (t *Token) Valid(skew time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	return time.Now().Before(t.ExpiresAt.Add(-skew))
}

// SessionConfig configures a per-student auth session.
type SessionConfig struct {
	BaseURL    string
	ClientID   string
	StudentID  string
	Username   string
	Password   string
	ExpirySkew time.Duration
	Timeout    time.Duration
	HTTPClient *http.Client
	Journal    *eventlog.Log
	Logger     *logger.Logger
}

// Session owns one student's credentials and token lifecycle. Concurrent
// Acquire calls needing a grant collapse into a single request whose outcome
// all callers share.
type Session struct {
	baseURL   string
	clientID  string
	studentID string
	skew      time.Duration
	timeout   time.Duration
	http      *http.Client
	journal   *eventlog.Log
	log       *logger.Logger

	lifeCtx context.Context
	stop    context.CancelFunc

	flight singleflight.Group

	mu       sync.Mutex
	username string
	password string
	token    *Token
	invalid  bool
}

// NewSession validates the configuration and returns an unauthenticated
// session; the first Acquire performs the login.
func NewSession(cfg SessionConfig) (*Session, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if strings.TrimSpace(cfg.StudentID) == "" {
		return nil, fmt.Errorf("student id is required")
	}
	if strings.TrimSpace(cfg.Username) == "" {
		return nil, fmt.Errorf("username is required")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("password is required")
	}

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = DefaultClientID
	}
	skew := cfg.ExpirySkew
	if skew <= 0 {
		skew = DefaultExpirySkew
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("schoolapi")
	}

	lifeCtx, stop := context.WithCancel(context.Background())
	return &Session{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		clientID:  clientID,
		studentID: cfg.StudentID,
		skew:      skew,
		timeout:   timeout,
		http:      httpClient,
		journal:   cfg.Journal,
		log:       log,
		lifeCtx:   lifeCtx,
		stop:      stop,
		username:  cfg.Username,
		password:  cfg.Password,
	}, nil
}

// StudentID returns the owning student.
func (s *Session) StudentID() string { return s.studentID }

// Authenticated reports whether the session currently holds a token.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token != nil
}

// Invalid reports whether the session was marked invalid by a rejected
// grant and is waiting for new credentials.
func (s *Session) Invalid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

// Acquire returns an access token valid for immediate use, performing the
// initial login or a refresh when needed. A rejected grant marks the session
// invalid: subsequent calls fail fast until SetCredentials. A cancelled
// caller detaches without aborting the shared grant.
func (s *Session) Acquire(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return "", s.invalidErr()
	}
	if s.token.Valid(s.skew) {
		token := s.token.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	ch := s.flight.DoChan("grant", func() (any, error) {
		return s.grant()
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate discards the current token so the next Acquire performs a full
// login with the stored credentials.
func (s *Session) Invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

// SetCredentials replaces the stored credentials, clearing the token and
// the invalid flag.
func (s *Session) SetCredentials(username, password string) {
	s.mu.Lock()
	s.username = username
	s.password = password
	s.token = nil
	s.invalid = false
	s.mu.Unlock()

	s.journalEntry(eventlog.LevelInfo, "credentials updated", nil)
}

// Close cancels the session lifetime; an in-flight grant aborts and its
// single-flight marker clears.
func (s *Session) Close() {
	s.stop()
}

// grant runs inside the single-flight group: re-check state, then perform
// the login or refresh outside the session lock.
func (s *Session) grant() (string, error) {
	s.mu.Lock()
	if s.invalid {
		s.mu.Unlock()
		return "", s.invalidErr()
	}
	if s.token.Valid(s.skew) {
		token := s.token.AccessToken
		s.mu.Unlock()
		return token, nil
	}
	username, password := s.username, s.password
	refreshToken := ""
	if s.token != nil {
		refreshToken = s.token.RefreshToken
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.lifeCtx, s.timeout)
	defer cancel()

	var (
		op    string
		token *Token
		err   error
	)
	if refreshToken != "" {
		op = grantTypeRefresh
		token, err = Refresh(ctx, s.http, s.baseURL, s.clientID, refreshToken)
	} else {
		op = grantTypePassword
		token, err = Login(ctx, s.http, s.baseURL, s.clientID, username, password)
	}
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			authErr.StudentID = s.studentID
			s.mu.Lock()
			s.token = nil
			s.invalid = true
			s.mu.Unlock()
			s.log.WithError(err).WithField("student", s.studentID).Warn("token grant rejected")
			s.journalEntry(eventlog.LevelError,
				fmt.Sprintf("%s grant rejected: %s", op, authErr.Reason), nil)
			return "", err
		}
		s.log.WithError(err).WithField("student", s.studentID).Warn("token grant failed")
		return "", err
	}

	s.mu.Lock()
	s.token = token
	s.invalid = false
	s.mu.Unlock()

	s.log.WithField("student", s.studentID).Infof("%s grant succeeded", op)
	s.journalEntry(eventlog.LevelInfo, op+" grant succeeded", map[string]any{
		"user_id":     token.UserID,
		"api_version": token.APIVersion,
		"expires_at":  token.ExpiresAt.UTC().Format(time.RFC3339),
	})
	return token.AccessToken, nil
}

func (s *Session) invalidErr() error {
	return &AuthError{
		StudentID: s.studentID,
		Op:        "acquire",
		Reason:    "session marked invalid; new credentials required",
	}
}

func (s *Session) journalEntry(level eventlog.Level, message string, details map[string]any) {
	if s.journal == nil {
		return
	}
	s.journal.Append(eventlog.Entry{
		Category:  eventlog.CategoryAuth,
		Level:     level,
		Message:   message,
		StudentID: s.studentID,
		Details:   details,
	})
}

// Login performs a password grant and returns the issued token pair.
func Login(ctx context.Context, client *http.Client, baseURL, clientID, username, password string) (*Token, error) {
	form := url.Values{
		"client_id":  {clientID},
		"grant_type": {grantTypePassword},
		"username":   {username},
		"password":   {password},
	}
	return doGrant(ctx, client, baseURL, form, grantTypePassword)
}

// Refresh performs a refresh grant and returns the replacement token pair.
func Refresh(ctx context.Context, client *http.Client, baseURL, clientID, refreshToken string) (*Token, error) {
	form := url.Values{
		"client_id":     {clientID},
		"grant_type":    {grantTypeRefresh},
		"refresh_token": {refreshToken},
	}
	return doGrant(ctx, client, baseURL, form, grantTypeRefresh)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	UserID       string `json:"bak:UserId"`
	APIVersion   string `json:"bak:ApiVersion"`
}

type grantErrorResponse struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func doGrant(ctx context.Context, client *http.Client, baseURL string, form url.Values, op string) (*Token, error) {
	endpoint := strings.TrimRight(baseURL, "/") + loginPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build %s grant request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := client.Do(req)
	if err != nil {
		metrics.RecordAuthGrant(op, "error")
		return nil, &TransientError{Op: op + " grant", Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		metrics.RecordAuthGrant(op, "error")
		return nil, &TransientError{Op: op + " grant", Err: err}
	}

	if resp.StatusCode == http.StatusOK {
		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			metrics.RecordAuthGrant(op, "error")
			return nil, &MalformedError{Op: op + " grant", Detail: "token payload", Err: err}
		}
		if tr.AccessToken == "" || tr.RefreshToken == "" {
			metrics.RecordAuthGrant(op, "error")
			return nil, &MalformedError{Op: op + " grant", Detail: "token payload missing fields"}
		}
		expiresIn := tr.ExpiresIn
		if expiresIn <= 0 {
			expiresIn = defaultExpiresIn
		}
		metrics.RecordAuthGrant(op, "ok")
		return &Token{
			AccessToken:  tr.AccessToken,
			RefreshToken: tr.RefreshToken,
			ExpiresAt:    time.Now().Add(time.Duration(expiresIn) * time.Second),
			UserID:       tr.UserID,
			APIVersion:   tr.APIVersion,
		}, nil
	}

	var ge grantErrorResponse
	_ = json.Unmarshal(body, &ge)
	reason := ge.Description
	if reason == "" {
		reason = ge.Code
	}
	if reason == "" {
		if len(body) > grantErrorMaxBytes {
			body = body[:grantErrorMaxBytes]
		}
		reason = strings.TrimSpace(string(body))
	}
	if reason == "" {
		reason = resp.Status
	}

	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		metrics.RecordAuthGrant(op, "rejected")
		return nil, &AuthError{Op: op + " grant", Reason: reason}
	default:
		metrics.RecordAuthGrant(op, "error")
		return nil, &TransientError{Op: op + " grant", StatusCode: resp.StatusCode}
	}
}
