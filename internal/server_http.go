package internal

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"parley/internal/storage"
)

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type signupResponse struct {
	UserID   string `json:"userId"`
	Username string `json:"username"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type onlineUsersResponse struct {
	Users []OnlineUser `json:"users"`
}

type initiateCallRequest struct {
	ReceiverID string `json:"receiverId"`
	CallType   string `json:"callType"`
}

type endCallRequest struct {
	Duration *int `json:"duration"`
}

type callsResponse struct {
	Calls []CallRecord `json:"calls"`
}

type settingsResponse struct {
	ReadReceiptsEnabled     bool   `json:"readReceiptsEnabled"`
	OnlineStatusVisible     bool   `json:"onlineStatusVisible"`
	TypingIndicatorsEnabled bool   `json:"typingIndicatorsEnabled"`
	NotificationsEnabled    bool   `json:"notificationsEnabled"`
	Theme                   string `json:"theme"`
}

func newSettingsResponse(settings storage.Settings) settingsResponse {
	return settingsResponse{
		ReadReceiptsEnabled:     settings.ReadReceiptsEnabled,
		OnlineStatusVisible:     settings.OnlineStatusVisible,
		TypingIndicatorsEnabled: settings.TypingIndicatorsEnabled,
		NotificationsEnabled:    settings.NotificationsEnabled,
		Theme:                   settings.Theme,
	}
}

// Routes returns the full handler tree with the websocket endpoint at wsPath.
func (s *Server) Routes(wsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.ServeWS)
	mux.HandleFunc("/signup", s.HandleSignup)
	mux.HandleFunc("/login", s.HandleLogin)
	mux.HandleFunc("/users/online", s.HandleOnlineUsers)
	mux.HandleFunc("/calls", s.HandleCalls)
	mux.HandleFunc("/calls/", s.HandleCallAction)
	mux.HandleFunc("/settings", s.HandleSettings)
	mux.Handle("/metrics", s.metrics)
	mux.HandleFunc("/healthz", s.HandleHealth)
	return logRequests(s.logger, mux)
}

func logRequests(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("elapsed", time.Since(start)),
		)
	})
}

func (s *Server) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	id, err := s.store.CreateUser(r.Context(), username, hash)
	if err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			writeError(w, http.StatusConflict, errors.New("username already taken"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncSignup()
	writeJSON(w, http.StatusCreated, signupResponse{UserID: id, Username: username})
}

func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r)) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	username := strings.TrimSpace(req.Username)
	password := strings.TrimSpace(req.Password)
	if username == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("username and password are required"))
		return
	}
	user, err := s.store.GetUserByUsername(r.Context(), username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}

	token, expiresAt, err := s.issuer.Issue(user.ID, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{Token: token, UserID: user.ID, Username: user.Username, ExpiresAt: expiresAt})
}

func (s *Server) HandleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if _, err := s.authenticateRequest(r); err != nil {
		writeAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, onlineUsersResponse{Users: s.presence.Online()})
}

func (s *Server) HandleCalls(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListCalls(w, r)
	case http.MethodPost:
		s.handleInitiateCall(w, r)
	default:
		methodNotAllowed(w, http.MethodGet+", "+http.MethodPost)
	}
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	rows, err := s.store.ListCalls(r.Context(), identity.UserID, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	calls := make([]CallRecord, 0, len(rows))
	for _, row := range rows {
		calls = append(calls, callFromStorage(row))
	}
	writeJSON(w, http.StatusOK, callsResponse{Calls: calls})
}

func (s *Server) handleInitiateCall(w http.ResponseWriter, r *http.Request) {
	identity, err := s.authenticateRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	var req initiateCallRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	callType, err := ParseCallType(req.CallType)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	receiver, err := s.store.GetUserByID(r.Context(), strings.TrimSpace(req.ReceiverID))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if receiver == nil {
		writeError(w, http.StatusNotFound, errors.New("receiver not found"))
		return
	}
	record, err := s.calls.Initiate(r.Context(), identity, Identity{UserID: receiver.ID, Username: receiver.Username}, callType)
	if err != nil {
		writeCallError(w, err)
		return
	}
	s.metrics.IncCall()
	writeJSON(w, http.StatusCreated, record)
}

// HandleCallAction serves POST /calls/{id}/{answer|decline|end}.
func (s *Server) HandleCallAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	identity, err := s.authenticateRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/calls/"), "/"), "/")
	if len(parts) != 2 || parts[0] == "" {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	callID, action := parts[0], parts[1]

	row, err := s.store.GetCall(r.Context(), callID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, errors.New("call not found"))
		return
	}
	record := callFromStorage(*row)

	switch action {
	case "answer":
		record, err = s.calls.Answer(r.Context(), record, identity.UserID)
	case "decline":
		record, err = s.calls.Decline(r.Context(), record, identity.UserID)
	case "end":
		var req endCallRequest
		if decodeErr := decodeJSON(r, &req); decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
			writeError(w, http.StatusBadRequest, decodeErr)
			return
		}
		if req.Duration != nil && *req.Duration < 0 {
			writeError(w, http.StatusBadRequest, errors.New("duration cannot be negative"))
			return
		}
		record, err = s.calls.End(r.Context(), record, identity.UserID, req.Duration)
	default:
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}
	if err != nil {
		writeCallError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) HandleSettings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPut {
		methodNotAllowed(w, http.MethodGet+", "+http.MethodPut)
		return
	}
	identity, err := s.authenticateRequest(r)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	current, err := s.store.GetSettings(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, newSettingsResponse(current))
		return
	}

	var update SettingsUpdate
	if err := decodeJSON(r, &update); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	next, err := update.Apply(current)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.store.SaveSettings(r.Context(), identity.UserID, next); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if next.OnlineStatusVisible != current.OnlineStatusVisible {
		s.presence.SetVisible(identity.UserID, next.OnlineStatusVisible)
	}
	writeJSON(w, http.StatusOK, newSettingsResponse(next))
}

func (s *Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotParticipant):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, ErrIllegalTransition):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ErrInvalidCall):
		writeError(w, http.StatusBadRequest, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}
