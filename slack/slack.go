package slack

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sorenmh/infrastructure-shared/mergebot/models"
)

// Notifier sends deploy lifecycle messages to the chat platform.
// Delivery is best-effort: callers log failures and move on, they never
// block a state transition on it.
type Notifier interface {
	// SendApprovalRequest posts the approval solicitation and returns the
	// platform's message identity.
	SendApprovalRequest(view models.SessionView, repositories []string) (string, error)
	// SendApprovalProgress posts which approvers are still outstanding.
	SendApprovalProgress(view models.SessionView) error
	// SendResult posts the aggregated per-repository outcome.
	SendResult(view models.SessionView, result models.DeployResult) error
}

// Client talks to the Slack Web API.
type Client struct {
	baseURL   string
	token     string
	channelID string
	reaction  string
	client    *http.Client
}

func NewClient(baseURL, token, channelID, reaction string) *Client {
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		channelID: channelID,
		reaction:  reaction,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

type apiResponse struct {
	OK    bool     `json:"ok"`
	Error string   `json:"error,omitempty"`
	Ts    string   `json:"ts,omitempty"`
	Users []string `json:"users,omitempty"`
}

func (c *Client) postMessage(text string) (string, error) {
	payload := map[string]string{
		"channel": c.channelID,
		"text":    text,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequest("POST", c.baseURL+"/chat.postMessage", bytes.NewBuffer(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	var rep apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if !rep.OK {
		return "", fmt.Errorf("slack rejected message: %s", rep.Error)
	}

	return rep.Ts, nil
}

// ExpandGroup resolves a Slack user group into member user IDs.
func (c *Client) ExpandGroup(groupID string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/usergroups.users.list?usergroup=%s", c.baseURL, url.QueryEscape(groupID))

	req, err := http.NewRequest("GET", reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list group members: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	var rep apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&rep); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if !rep.OK {
		return nil, fmt.Errorf("slack rejected group lookup: %s", rep.Error)
	}

	return rep.Users, nil
}

func (c *Client) SendApprovalRequest(view models.SessionView, repositories []string) (string, error) {
	text := fmt.Sprintf("<@%s> has requested a deployment of %s to %s (repos: %s).\nI need %s to react to this message with :%s: in order to continue.",
		view.RequesterID,
		view.Deployable,
		view.Environment,
		strings.Join(repositories, ", "),
		formatMentions(view.Outstanding),
		c.reaction)
	return c.postMessage(text)
}

func (c *Client) SendApprovalProgress(view models.SessionView) error {
	text := fmt.Sprintf("Deployment of %s to %s still needs approval from %s.",
		view.Deployable, view.Environment, formatMentions(view.Outstanding))
	_, err := c.postMessage(text)
	return err
}

func (c *Client) SendResult(view models.SessionView, result models.DeployResult) error {
	var b strings.Builder
	switch result.Status {
	case models.DeployAllSucceeded:
		fmt.Fprintf(&b, "Deployment of %s to %s succeeded.", view.Deployable, view.Environment)
	case models.DeployAborted:
		fmt.Fprintf(&b, "Deployment of %s to %s was abandoned before approval.", view.Deployable, view.Environment)
	default:
		fmt.Fprintf(&b, "Deployment of %s to %s failed.", view.Deployable, view.Environment)
	}

	for _, job := range result.Jobs {
		if job.Status == models.JobSucceeded {
			fmt.Fprintf(&b, "\n  - %s: merged %s into %s", job.Repository, job.BaseBranch, job.TargetBranch)
		} else {
			fmt.Fprintf(&b, "\n  - %s: failed (%s)", job.Repository, job.Reason)
		}
	}

	fmt.Fprintf(&b, "\ncc <@%s>", view.RequesterID)

	_, err := c.postMessage(b.String())
	return err
}

// formatMentions renders "<@a>, <@b> & <@c>" for an approver list.
func formatMentions(userIDs []string) string {
	mentions := make([]string, len(userIDs))
	for i, id := range userIDs {
		mentions[i] = fmt.Sprintf("<@%s>", id)
	}

	switch len(mentions) {
	case 0:
		return "nobody"
	case 1:
		return mentions[0]
	default:
		return strings.Join(mentions[:len(mentions)-1], ", ") + " & " + mentions[len(mentions)-1]
	}
}
