package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/NEXT-Data-Automation-and-Research/cqms-sub000/internal/audit"
)

const dateFormat = "2006-01-02"

// Client calls the downstream automation worker that runs one AI audit per
// unit. The orchestrator treats it as fire-and-forget: the worker reports
// back asynchronously through the progress callback.
type Client struct {
	endpoint string
	token    string
	client   *http.Client
}

type Option func(*Client)

// WithToken sets the bearer token presented to the worker.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the underlying HTTP client (tests, custom
// transports).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func New(endpoint string, opts ...Option) *Client {
	c := &Client{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type unitRequest struct {
	JobID     int64  `json:"jobId"`
	Target    string `json:"target"`
	StartDate string `json:"startDate"`
	EndDate   string `json:"endDate"`
	Notify    bool   `json:"notify"`
}

// Emit sends one unit of audit work. The Idempotency-Key is derived from the
// job id and target, so a retried emission for the same unit is safe for the
// worker to deduplicate.
func (c *Client) Emit(ctx context.Context, j *audit.Job, target string) error {
	body, err := json.Marshal(unitRequest{
		JobID:     j.ID,
		Target:    target,
		StartDate: j.Payload.StartDate.Format(dateFormat),
		EndDate:   j.Payload.EndDate.Format(dateFormat),
		Notify:    j.Payload.Notify,
	})
	if err != nil {
		return fmt.Errorf("marshal unit request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build unit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", unitKey(j.ID, target))
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	res, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch unit: %w", err)
	}
	defer func() { _ = res.Body.Close() }()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))

	if res.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("dispatch unit: worker returned %s", res.Status)
	}
	return nil
}

func unitKey(jobID int64, target string) string {
	name := fmt.Sprintf("cqms/audit-job/%d/%s", jobID, target)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}
