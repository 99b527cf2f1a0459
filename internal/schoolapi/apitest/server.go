// Package apitest runs an in-process fake of the remote school API for
// tests: form-encoded token grants, bearer-guarded data endpoints, and
// knobs to force the failure modes the client has to survive.
package apitest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Server is a fake remote API. All knobs and counters are safe for
// concurrent use.
type Server struct {
	*httptest.Server

	Username string
	Password string
	TokenTTL time.Duration

	mu            sync.Mutex
	secret        []byte
	refreshTokens map[string]bool
	rejectLogins      bool
	rejectRefresh     bool
	failStatus        int
	noticeboardStatus int
	grantDelay        time.Duration
	loginCalls    int
	refreshCalls  int
	apiCalls      int

	timetableBody []byte
	marksBody     []byte
	messagesBody  []byte
}

// New starts a fake API accepting student/secret with hour-long tokens.
func New() *Server {
	s := &Server{
		Username:      "student",
		Password:      "secret",
		TokenTTL:      time.Hour,
		secret:        []byte(uuid.NewString()),
		refreshTokens: make(map[string]bool),
		timetableBody: []byte(TimetablePayload),
		marksBody:     []byte(MarksPayload),
		messagesBody:  []byte(MessagesPayload),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/login", s.handleLogin)
	mux.HandleFunc("/api/3/", s.handleData)
	s.Server = httptest.NewServer(mux)
	return s
}

// SetRejectLogins makes password grants fail with invalid_grant.
func (s *Server) SetRejectLogins(reject bool) {
	s.mu.Lock()
	s.rejectLogins = reject
	s.mu.Unlock()
}

// SetRejectRefresh makes refresh grants fail with invalid_grant.
func (s *Server) SetRejectRefresh(reject bool) {
	s.mu.Lock()
	s.rejectRefresh = reject
	s.mu.Unlock()
}

// SetFailStatus forces data endpoints to answer with the given status;
// zero restores normal behaviour.
func (s *Server) SetFailStatus(status int) {
	s.mu.Lock()
	s.failStatus = status
	s.mu.Unlock()
}

// SetNoticeboardStatus forces only the noticeboard endpoint to answer with
// the given status; zero restores normal behaviour.
func (s *Server) SetNoticeboardStatus(status int) {
	s.mu.Lock()
	s.noticeboardStatus = status
	s.mu.Unlock()
}

// SetGrantDelay makes every grant take at least d, widening windows for
// concurrency tests.
func (s *Server) SetGrantDelay(d time.Duration) {
	s.mu.Lock()
	s.grantDelay = d
	s.mu.Unlock()
}

// RevokeAccessTokens rotates the signing secret so every outstanding access
// token fails verification while new grants keep working.
func (s *Server) RevokeAccessTokens() {
	s.mu.Lock()
	s.secret = []byte(uuid.NewString())
	s.mu.Unlock()
}

// SetTimetableBody overrides the canned timetable response.
func (s *Server) SetTimetableBody(body string) {
	s.mu.Lock()
	s.timetableBody = []byte(body)
	s.mu.Unlock()
}

// SetMarksBody overrides the canned marks response.
func (s *Server) SetMarksBody(body string) {
	s.mu.Lock()
	s.marksBody = []byte(body)
	s.mu.Unlock()
}

// SetMessagesBody overrides the canned received-messages response.
func (s *Server) SetMessagesBody(body string) {
	s.mu.Lock()
	s.messagesBody = []byte(body)
	s.mu.Unlock()
}

// LoginCalls counts password grants received.
func (s *Server) LoginCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loginCalls
}

// RefreshCalls counts refresh grants received.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// APICalls counts data-endpoint requests received, authorized or not.
func (s *Server) APICalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiCalls
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		grantError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	s.mu.Lock()
	delay := s.grantDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	switch r.PostFormValue("grant_type") {
	case "password":
		s.mu.Lock()
		s.loginCalls++
		reject := s.rejectLogins
		s.mu.Unlock()
		if reject || r.PostFormValue("username") != s.Username || r.PostFormValue("password") != s.Password {
			grantError(w, http.StatusUnauthorized, "invalid_grant", "wrong login or password")
			return
		}
	case "refresh_token":
		s.mu.Lock()
		s.refreshCalls++
		reject := s.rejectRefresh
		known := s.refreshTokens[r.PostFormValue("refresh_token")]
		s.mu.Unlock()
		if reject || !known {
			grantError(w, http.StatusUnauthorized, "invalid_grant", "refresh token expired")
			return
		}
	default:
		grantError(w, http.StatusBadRequest, "unsupported_grant_type", "unknown grant type")
		return
	}

	s.issueToken(w)
}

func (s *Server) issueToken(w http.ResponseWriter) {
	s.mu.Lock()
	secret := s.secret
	refresh := uuid.NewString()
	s.refreshTokens[refresh] = true
	s.mu.Unlock()

	claims := jwt.MapClaims{
		"sub": s.Username,
		"jti": uuid.NewString(),
		"iat": jwt.NewNumericDate(time.Now()),
		"exp": jwt.NewNumericDate(time.Now().Add(s.TokenTTL)),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":   access,
		"refresh_token":  refresh,
		"expires_in":     int(s.TokenTTL / time.Second),
		"token_type":     "Bearer",
		"bak:UserId":     "U" + s.Username,
		"bak:ApiVersion": "3.17.0",
	})
}

func (s *Server) handleData(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.apiCalls++
	failStatus := s.failStatus
	secret := s.secret
	s.mu.Unlock()

	if failStatus != 0 {
		w.WriteHeader(failStatus)
		fmt.Fprintf(w, `{"Message":"forced failure %d"}`, failStatus)
		return
	}
	if !validBearer(r, secret) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	switch {
	case r.URL.Path == "/api/3/timetable/actual" || r.URL.Path == "/api/3/timetable/permanent":
		s.writeBody(w, s.timetableBody)
	case r.URL.Path == "/api/3/marks":
		s.writeBody(w, s.marksBody)
	case r.URL.Path == "/api/3/komens/messages/received" && r.Method == http.MethodPost:
		s.writeBody(w, s.messagesBody)
	case r.URL.Path == "/api/3/komens/messages/noticeboard" && r.Method == http.MethodPost:
		s.mu.Lock()
		status := s.noticeboardStatus
		s.mu.Unlock()
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		s.writeBody(w, []byte(`{"Messages":[]}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) writeBody(w http.ResponseWriter, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}

func validBearer(r *http.Request, secret []byte) bool {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		return false
	}
	token, err := jwt.Parse(raw, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	return err == nil && token.Valid
}

func grantError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}

// Canned payloads mirroring the remote API's envelope shapes.
const (
	TimetablePayload = `{
  "Days": [
    {
      "Date": "2024-09-03T00:00:00+02:00",
      "DayType": "WorkDay",
      "DayDescription": "",
      "Atoms": [
        {"SubjectId": "SU2", "TeacherId": "T1", "RoomId": "R1", "HourId": "H2", "Theme": "Quadratic equations", "GroupAbvrev": ""},
        {"SubjectId": "SU1", "TeacherId": "T2", "RoomId": "R2", "HourId": "H1", "Theme": "", "GroupAbvrev": "1.sk",
         "Change": {"Description": "Room changed"}},
        {"SubjectId": "", "TeacherId": "", "RoomId": "", "HourId": "H3", "Theme": "", "GroupAbvrev": ""}
      ]
    },
    {
      "Date": "2024-09-02T00:00:00+02:00",
      "DayType": "Holiday",
      "DayDescription": "State holiday",
      "Atoms": []
    }
  ],
  "Subjects": [
    {"Id": "SU1", "Name": "English", "Abbrev": "EN"},
    {"Id": "SU2", "Name": "Mathematics", "Abbrev": "MA"}
  ],
  "Teachers": [
    {"Id": "T1", "Name": "Jana Novotna", "Abbrev": "NO"},
    {"Id": "T2", "Name": "Petr Svoboda", "Abbrev": "SV"}
  ],
  "Rooms": [
    {"Id": "R1", "Name": "Room 101", "Abbrev": "101"},
    {"Id": "R2", "Name": "Room 204", "Abbrev": "204"}
  ],
  "Hours": [
    {"Id": "H1", "BeginTime": "8:00", "EndTime": "8:45"},
    {"Id": "H2", "BeginTime": "8:55", "EndTime": "9:40"},
    {"Id": "H3", "BeginTime": "10:00", "EndTime": "10:45"}
  ]
}`

	MarksPayload = `{
  "Subjects": [
    {
      "Subject": {"Id": "SU2", "Name": "Mathematics", "Abbrev": "MA"},
      "AverageText": "1,50",
      "Marks": [
        {"Id": "M1", "MarkDate": "2024-09-02T00:00:00+02:00", "Caption": "Entry test", "MarkText": "1", "Weight": 5, "IsNew": true},
        {"Id": "M2", "MarkDate": "2024-06-12T00:00:00+02:00", "Caption": "Final exam", "MarkText": "2", "Weight": 10, "IsNew": false}
      ]
    },
    {
      "Subject": {"Id": "SU1", "Name": "English", "Abbrev": "EN"},
      "AverageText": "1,00",
      "Marks": [
        {"Id": "M3", "MarkDate": "2024-09-03T00:00:00+02:00", "Caption": "Vocabulary", "MarkText": "1", "Weight": 3, "IsNew": true}
      ]
    }
  ]
}`

	MessagesPayload = `{
  "Messages": [
    {
      "Id": "K1",
      "Title": "Schedule change",
      "Text": "<p>Lessons on <b>Friday</b> end at noon.</p>",
      "SentDate": "2024-09-02T08:15:00+02:00",
      "Sender": {"Id": "T1", "Type": "teacher", "Name": "Jana Novotna"},
      "Read": false,
      "Attachments": []
    },
    {
      "Id": "K2",
      "Title": "Welcome back",
      "Text": "School year opening on Monday.",
      "SentDate": "2024-08-30T14:00:00+02:00",
      "Sender": {"Id": "T2", "Type": "teacher", "Name": "Petr Svoboda"},
      "Read": true,
      "Attachments": [{"Id": "A1", "Name": "schedule.pdf", "Size": 52133, "Type": "application/pdf"}]
    }
  ]
}`
)
