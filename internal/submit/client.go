package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"permitline/internal/domain"
	"permitline/internal/remote"
)

// Client posts submission payloads to the external Permit Submission
// Service. Submission is a single atomic call; retries belong to the
// external service, not this client.
type Client struct {
	URL        string
	HTTPClient *http.Client
	Auth       remote.TokenMinter
}

// RemoteValidationError is a non-2xx response parsed into field errors
// re-attached to the step that owns each field.
type RemoteValidationError struct {
	StatusCode int                 `json:"status_code"`
	Errors     []domain.FieldError `json:"errors"`
	Step       domain.Step         `json:"step"`
}

func (e *RemoteValidationError) Error() string {
	return fmt.Sprintf("submission rejected (status %d, %d field errors)", e.StatusCode, len(e.Errors))
}

type remoteErrorBody struct {
	Message string              `json:"message"`
	Errors  []domain.FieldError `json:"errors"`
}

// Submit dispatches the payload and returns the server-assigned permit
// record. Transport failures come back unwrapped so the caller can
// surface a single retryable message; validation rejections come back
// as *RemoteValidationError.
func (c Client) Submit(ctx context.Context, p Payload) (domain.SubmissionReceipt, error) {
	if c.URL == "" {
		return domain.SubmissionReceipt{}, fmt.Errorf("submission url not configured")
	}
	client := c.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return domain.SubmissionReceipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(data))
	if err != nil {
		return domain.SubmissionReceipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	// deterministic per permit number, so a retry after a transport
	// failure cannot create a second permit server-side
	req.Header.Set("Idempotency-Key", uuid.NewSHA1(uuid.NameSpaceOID, []byte(p.PermitNumber)).String())
	if err := c.Auth.Authorize(req, "submission"); err != nil {
		return domain.SubmissionReceipt{}, err
	}
	res, err := client.Do(req)
	if err != nil {
		return domain.SubmissionReceipt{}, err
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		if verr := parseRemoteErrors(res.StatusCode, body); verr != nil {
			return domain.SubmissionReceipt{}, verr
		}
		return domain.SubmissionReceipt{}, fmt.Errorf("submission status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var receipt struct {
		PermitNumber string `json:"permitNumber"`
		Status       string `json:"status"`
	}
	if err := json.Unmarshal(body, &receipt); err != nil {
		return domain.SubmissionReceipt{}, fmt.Errorf("decode submission response: %w", err)
	}
	if receipt.PermitNumber == "" {
		return domain.SubmissionReceipt{}, fmt.Errorf("submission response missing permit number")
	}
	return domain.SubmissionReceipt{
		PermitNumber: p.PermitNumber,
		ServerNumber: receipt.PermitNumber,
		Status:       receipt.Status,
	}, nil
}

func parseRemoteErrors(status int, body []byte) *RemoteValidationError {
	var parsed remoteErrorBody
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Errors) == 0 {
		return nil
	}
	return &RemoteValidationError{
		StatusCode: status,
		Errors:     parsed.Errors,
		Step:       earliestStep(parsed.Errors),
	}
}
