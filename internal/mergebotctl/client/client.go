package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a mergebot API client
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewClient creates a new mergebot API client
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// joinURL safely joins a base URL with a path, handling trailing slashes
func (c *Client) joinURL(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// MergeJob is one repository's merge outcome within a session
type MergeJob struct {
	Repository   string `json:"repository"`
	BaseBranch   string `json:"base_branch"`
	TargetBranch string `json:"target_branch"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	Detail       string `json:"detail,omitempty"`
}

// Session is a deploy approval session
type Session struct {
	ID            string     `json:"id"`
	Deployable    string     `json:"deployable"`
	Environment   string     `json:"environment"`
	RequesterID   string     `json:"requester_id"`
	State         string     `json:"state"`
	RequiredCount int        `json:"required_count"`
	ApprovedCount int        `json:"approved_count"`
	Outstanding   []string   `json:"outstanding,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	Deadline      time.Time  `json:"deadline"`
	Jobs          []MergeJob `json:"jobs,omitempty"`
}

// CommandRequest is the request body for submitting a deploy command
type CommandRequest struct {
	Command     string `json:"command"`
	Deployable  string `json:"deployable"`
	Environment string `json:"environment"`
	RequesterID string `json:"requester_id"`
}

// CommandResponse is the response from an accepted deploy command
type CommandResponse struct {
	SessionID    string    `json:"session_id"`
	Deployable   string    `json:"deployable"`
	Environment  string    `json:"environment"`
	Repositories []string  `json:"repositories"`
	Approvers    []string  `json:"approvers"`
	Deadline     time.Time `json:"deadline"`
}

// ApprovalEventRequest is the request body for submitting an approval reaction
type ApprovalEventRequest struct {
	SessionID    string `json:"session_id"`
	UserID       string `json:"user_id"`
	ReactionKind string `json:"reaction_kind"`
}

// Health is the daemon health report
type Health struct {
	Status             string `json:"status"`
	Version            string `json:"version"`
	DatabaseAccessible bool   `json:"database_accessible"`
}

func (c *Client) do(method, url string, payload, out interface{}, wantStatus int) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequest(method, url, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// Deploy submits a deploy command and opens an approval session
func (c *Client) Deploy(deployable, environment, requesterID string) (*CommandResponse, error) {
	req := CommandRequest{
		Command:     "deploy",
		Deployable:  deployable,
		Environment: environment,
		RequesterID: requesterID,
	}

	var resp CommandResponse
	if err := c.do("POST", c.joinURL("api/v1/command"), req, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Approve submits an approval reaction for a session
func (c *Client) Approve(sessionID, userID, reactionKind string) error {
	req := ApprovalEventRequest{
		SessionID:    sessionID,
		UserID:       userID,
		ReactionKind: reactionKind,
	}
	return c.do("POST", c.joinURL("api/v1/event"), req, nil, http.StatusOK)
}

// ListSessionsResponse is the response from listing live sessions
type ListSessionsResponse struct {
	Sessions []Session `json:"sessions"`
}

// ListSessions lists live (non-terminal) sessions
func (c *Client) ListSessions() (*ListSessionsResponse, error) {
	var resp ListSessionsResponse
	if err := c.do("GET", c.joinURL("api/v1/sessions"), nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSession gets a session, live or archived
func (c *Client) GetSession(id string) (*Session, error) {
	var sess Session
	if err := c.do("GET", c.joinURL("api/v1/sessions/"+url.PathEscape(id)), nil, &sess, http.StatusOK); err != nil {
		return nil, err
	}
	return &sess, nil
}

// HistoryResponse is the response from listing archived sessions
type HistoryResponse struct {
	Sessions []Session `json:"sessions"`
	Total    int       `json:"total"`
	Limit    int       `json:"limit"`
	Offset   int       `json:"offset"`
}

// History lists archived sessions, most recent first
func (c *Client) History(limit, offset int) (*HistoryResponse, error) {
	u, err := url.Parse(c.joinURL("api/v1/history"))
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL: %w", err)
	}

	q := u.Query()
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	u.RawQuery = q.Encode()

	var resp HistoryResponse
	if err := c.do("GET", u.String(), nil, &resp, http.StatusOK); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the daemon health endpoint
func (c *Client) Health() (*Health, error) {
	var h Health
	if err := c.do("GET", c.joinURL("health"), nil, &h, http.StatusOK); err != nil {
		return nil, err
	}
	return &h, nil
}
