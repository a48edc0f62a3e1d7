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

// HTTPHandler adapts an external stage service to the handler contract:
// the input is POSTed as JSON and the success payload read back.
type HTTPHandler struct {
	stage    pipeline.Stage
	endpoint string
	client   *http.Client
}

// NewHTTPHandler builds a handler calling the service at endpoint.
func NewHTTPHandler(stage pipeline.Stage, endpoint string, timeout time.Duration) *HTTPHandler {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPHandler{
		stage:    stage,
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Stage returns the pipeline stage this handler serves.
func (h *HTTPHandler) Stage() pipeline.Stage {
	return h.stage
}

type stageResponse struct {
	Output string `json:"output"`
	Error  string `json:"error,omitempty"`
}

// Execute posts the stage input and returns the service's output.
func (h *HTTPHandler) Execute(ctx context.Context, in Input) (string, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return "", fmt.Errorf("encode stage input: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build %s request: %w", h.stage, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s service unreachable: %w", h.stage, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read %s response: %w", h.stage, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s service returned %d: %s", h.stage, resp.StatusCode, truncate(payload, 200))
	}

	var out stageResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode %s response: %w", h.stage, err)
	}
	if out.Error != "" {
		return "", fmt.Errorf("%s service reported: %s", h.stage, out.Error)
	}
	return out.Output, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
