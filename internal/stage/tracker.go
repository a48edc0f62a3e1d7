package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ticketpipe-io/ticketpipe/internal/pipeline"
)

// TrackerHandler is the issue-tracker hand-off: it runs as the ISSUE
// stage, posting the accumulated structured content once after
// SUMMARY_SUCCESS. Its success payload is the created issue key.
type TrackerHandler struct {
	endpoint string
	token    string
	client   *http.Client
}

// NewTrackerHandler builds the hand-off against the tracker endpoint.
func NewTrackerHandler(endpoint, token string, timeout time.Duration) *TrackerHandler {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &TrackerHandler{
		endpoint: endpoint,
		token:    token,
		client:   &http.Client{Timeout: timeout},
	}
}

// Stage returns the issue-creation stage.
func (h *TrackerHandler) Stage() pipeline.Stage {
	return pipeline.StageIssue
}

type trackerRequest struct {
	ExternalID string `json:"external_id"`
	TenantID   int    `json:"tenant_id"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
}

type trackerResponse struct {
	IssueKey string `json:"issue_key"`
	Error    string `json:"error,omitempty"`
}

// Execute creates one issue from the summarized transcript.
func (h *TrackerHandler) Execute(ctx context.Context, in Input) (string, error) {
	body, err := json.Marshal(trackerRequest{
		ExternalID: in.MessageID,
		TenantID:   in.TenantID,
		Title:      in.Subject,
		Summary:    in.Payload,
	})
	if err != nil {
		return "", fmt.Errorf("encode issue request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build issue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("tracker unreachable: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read tracker response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("tracker returned %d: %s", resp.StatusCode, truncate(payload, 200))
	}

	var out trackerResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode tracker response: %w", err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("tracker reported: %s", out.Error)
	}
	if out.IssueKey == "" {
		return "", fmt.Errorf("tracker returned no issue key")
	}
	return out.IssueKey, nil
}
