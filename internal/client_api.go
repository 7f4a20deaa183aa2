package internal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var (
	httpTimeout     = 5 * time.Second
	errUnauthorized = errors.New("unauthorized")
)

type sessionFile struct {
	Username string `json:"username"`
	UserID   string `json:"userId"`
	Token    string `json:"token"`
}

func apiSignup(baseURL, username, password string) error {
	payload := credentialsRequest{Username: username, Password: password}
	return doJSONRequest(http.MethodPost, baseURL+"/signup", "", payload, nil)
}

func apiLogin(baseURL, username, password string) (*loginResponse, error) {
	payload := credentialsRequest{Username: username, Password: password}
	var resp loginResponse
	if err := doJSONRequest(http.MethodPost, baseURL+"/login", "", payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func apiOnlineUsers(baseURL, token string) ([]OnlineUser, error) {
	var resp onlineUsersResponse
	if err := doJSONRequest(http.MethodGet, baseURL+"/users/online", token, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Users, nil
}

func apiInitiateCall(baseURL, token, receiverID, callType string) (*CallRecord, error) {
	payload := initiateCallRequest{ReceiverID: receiverID, CallType: callType}
	var record CallRecord
	if err := doJSONRequest(http.MethodPost, baseURL+"/calls", token, payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func apiCallAction(baseURL, token, callID, action string, duration *int) (*CallRecord, error) {
	path := baseURL + "/calls/" + url.PathEscape(callID) + "/" + action
	var payload interface{}
	if action == "end" && duration != nil {
		payload = endCallRequest{Duration: duration}
	}
	var record CallRecord
	if err := doJSONRequest(http.MethodPost, path, token, payload, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func apiSetVisibility(baseURL, token string, visible bool) error {
	payload := SettingsUpdate{OnlineStatusVisible: &visible}
	return doJSONRequest(http.MethodPut, baseURL+"/settings", token, payload, nil)
}

func doJSONRequest(method, endpoint, token string, payload interface{}, out interface{}) error {
	var body io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errUnauthorized
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, readResponseError(resp.Body))
	}
	if out == nil {
		return nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}

func readResponseError(body io.Reader) string {
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return "request failed"
	}
	var parsed map[string]string
	if err := json.Unmarshal(data, &parsed); err == nil {
		if msg, ok := parsed["error"]; ok {
			return msg
		}
	}
	return strings.TrimSpace(string(data))
}

func decodeEnvelope(frame []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(frame, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if envelope.Event == "" {
		return Envelope{}, errors.New("frame without event name")
	}
	return envelope, nil
}

func httpBaseFromJoinURL(wsURL string) (string, error) {
	parsed, err := url.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return "", fmt.Errorf("unsupported scheme %s", parsed.Scheme)
	}
	parsed.Path = ""
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return strings.TrimRight(parsed.String(), "/"), nil
}

func loadSessionFromDisk(path string) (*sessionFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var session sessionFile
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if session.Username == "" || session.Token == "" {
		return nil, errors.New("session file incomplete")
	}
	return &session, nil
}

func saveSessionToDisk(path string, session sessionFile) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func deleteSessionFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
