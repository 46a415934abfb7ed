package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIClient handles communication with the maintenance daemon
type APIClient struct {
	baseURL    string
	httpClient *http.Client
	// streamClient has no overall timeout; update streams run for minutes.
	streamClient *http.Client
}

// newAPIClient creates a new API client
func newAPIClient(baseURL string, timeout time.Duration) *APIClient {
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
		streamClient: &http.Client{},
	}
}

// apiError is the daemon's error envelope, {"error":{"code","message"}}.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Code
}

func decodeError(status int, body []byte) error {
	var envelope struct {
		Error apiError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && (envelope.Error.Code != "" || envelope.Error.Message != "") {
		return &envelope.Error
	}
	return fmt.Errorf("unexpected status: %d", status)
}

// doRequest performs an HTTP request
func (c *APIClient) doRequest(method, path string, body interface{}) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, decodeError(resp.StatusCode, respBody)
	}

	return respBody, nil
}

// stream opens one streaming operation and forwards every event to onEvent.
// The last event seen is returned so callers can inspect the terminal frame.
func (c *APIClient) stream(path string, query url.Values, onEvent func(Event)) (Event, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequest("GET", u, nil)
	if err != nil {
		return Event{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return Event{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return Event{}, decodeError(resp.StatusCode, body)
	}

	var last Event
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			// keepalive comments and frame separators
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		last = ev
		if onEvent != nil {
			onEvent(ev)
		}
	}
	if err := scanner.Err(); err != nil {
		return last, fmt.Errorf("stream interrupted: %w", err)
	}
	return last, nil
}

// Health API

func (c *APIClient) health() (*HealthInfo, error) {
	data, err := c.doRequest("GET", "/api/health", nil)
	if err != nil {
		return nil, err
	}

	var info HealthInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}

	return &info, nil
}

// Updater API

func (c *APIClient) getVersion() (*VersionPayload, error) {
	data, err := c.doRequest("GET", "/api/updater/version", nil)
	if err != nil {
		return nil, err
	}

	var payload VersionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

func (c *APIClient) getStatus() (*StatusPayload, error) {
	data, err := c.doRequest("GET", "/api/updater/status", nil)
	if err != nil {
		return nil, err
	}

	var payload StatusPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, err
	}

	return &payload, nil
}

func (c *APIClient) streamCheck(onEvent func(Event)) (Event, error) {
	return c.stream("/api/updater/check", nil, onEvent)
}

func (c *APIClient) streamUpdate(onEvent func(Event)) (Event, error) {
	return c.stream("/api/updater/update", nil, onEvent)
}

func (c *APIClient) streamRollback(file string, onEvent func(Event)) (Event, error) {
	return c.stream("/api/updater/rollback", url.Values{"file": {file}}, onEvent)
}

func (c *APIClient) getHistory(limit int) ([]OpRecord, error) {
	path := "/api/updater/history"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}
	data, err := c.doRequest("GET", path, nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Operations []OpRecord `json:"operations"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return result.Operations, nil
}

func (c *APIClient) getSettings() (*Settings, error) {
	data, err := c.doRequest("GET", "/api/updater/settings", nil)
	if err != nil {
		return nil, err
	}

	var s Settings
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}

	return &s, nil
}

func (c *APIClient) putSettings(s Settings) (*Settings, error) {
	data, err := c.doRequest("PUT", "/api/updater/settings", s)
	if err != nil {
		return nil, err
	}

	var saved Settings
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, err
	}

	return &saved, nil
}

// Backups API

func (c *APIClient) listBackups() ([]Archive, error) {
	data, err := c.doRequest("GET", "/api/backups", nil)
	if err != nil {
		return nil, err
	}

	var result struct {
		Backups []Archive `json:"backups"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}

	return result.Backups, nil
}

func (c *APIClient) createBackup() (*Archive, error) {
	data, err := c.doRequest("POST", "/api/backups", nil)
	if err != nil {
		return nil, err
	}

	var arch Archive
	if err := json.Unmarshal(data, &arch); err != nil {
		return nil, err
	}

	return &arch, nil
}

func (c *APIClient) deleteBackup(name string) error {
	_, err := c.doRequest("DELETE", "/api/backups/"+url.PathEscape(name), nil)
	return err
}

func (c *APIClient) downloadBackup(name string, w io.Writer) (int64, error) {
	req, err := http.NewRequest("GET", c.baseURL+"/api/backups/"+url.PathEscape(name)+"/download", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return 0, decodeError(resp.StatusCode, body)
	}

	return io.Copy(w, resp.Body)
}

// Types

type HealthInfo struct {
	OK        bool   `json:"ok"`
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptimeSec"`
}

type VersionInfo struct {
	Title       string `json:"title"`
	Hash        string `json:"hash"`
	Description string `json:"description,omitempty"`
}

type NewVersionInfo struct {
	Description string `json:"description"`
	Changelog   string `json:"changelog"`
}

type DaemonInfo struct {
	Version   string `json:"version"`
	UptimeSec int64  `json:"uptimeSec"`
}

type HostInfo struct {
	Hostname        string `json:"hostname"`
	OS              string `json:"os"`
	Platform        string `json:"platform"`
	PlatformVersion string `json:"platformVersion"`
	KernelVersion   string `json:"kernelVersion"`
	Arch            string `json:"arch"`
}

type VersionPayload struct {
	Version VersionInfo `json:"version"`
	Status  string      `json:"status"`
	Daemon  DaemonInfo  `json:"daemon"`
	Host    *HostInfo   `json:"host,omitempty"`
}

type StatusPayload struct {
	Status         string          `json:"status"`
	LastChecked    string          `json:"lastChecked,omitempty"`
	NewVersionInfo *NewVersionInfo `json:"newVersionInfo,omitempty"`
}

type Event struct {
	Log            string          `json:"log,omitempty"`
	Status         string          `json:"status,omitempty"`
	Message        string          `json:"message,omitempty"`
	NewVersionInfo *NewVersionInfo `json:"newVersionInfo,omitempty"`
}

type Archive struct {
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"sizeBytes"`
	CreatedAt time.Time `json:"createdAt"`
}

type OpRecord struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	OK         *bool      `json:"ok,omitempty"`
	Status     string     `json:"status,omitempty"`
	Message    string     `json:"message,omitempty"`
	Backup     string     `json:"backup,omitempty"`
}

type Settings struct {
	CheckSchedule    string `json:"checkSchedule"`
	KeepBackups      int    `json:"keepBackups"`
	MaxBackupAgeDays int    `json:"maxBackupAgeDays"`
	NotifyURL        string `json:"notifyUrl"`
}
