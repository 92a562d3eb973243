package permitlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Permitline HTTP API client.
type Client struct {
	BaseURL    string
	ActorID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Draft is the API draft model with its derived projections.
type Draft struct {
	Draft struct {
		PermitNumber string   `json:"permit_number"`
		PermitTypeID *int     `json:"permit_type_id,omitempty"`
		Description  string   `json:"description,omitempty"`
		Location     string   `json:"location,omitempty"`
		PlannedStart string   `json:"planned_start,omitempty"`
		PlannedEnd   string   `json:"planned_end,omitempty"`
		Probability  *int     `json:"probability,omitempty"`
		Severity     *int     `json:"severity,omitempty"`
		HazardIDs    []string `json:"hazard_ids,omitempty"`
		CurrentStep  int      `json:"current_step"`
		SyncStatus   string   `json:"sync_status"`
	} `json:"draft"`
	Risk     *Risk       `json:"risk,omitempty"`
	Steps    []StepState `json:"steps"`
	Degraded bool        `json:"degraded,omitempty"`
}

// Risk is the derived projection of probability x severity.
type Risk struct {
	Probability int    `json:"probability"`
	Severity    int    `json:"severity"`
	Score       int    `json:"score"`
	Band        string `json:"band"`
}

// StepState reports one step's validity.
type StepState struct {
	Step   int    `json:"step"`
	Name   string `json:"name"`
	Valid  bool   `json:"valid"`
	Errors []struct {
		Field   string `json:"field"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// StepChange is the result of a navigation call.
type StepChange struct {
	Step int    `json:"step"`
	Name string `json:"name"`
}

// Receipt is the server-side permit record returned by submission.
type Receipt struct {
	PermitNumber string `json:"permit_number"`
	ServerNumber string `json:"server_number"`
	Status       string `json:"status"`
	SubmittedAt  string `json:"submitted_at"`
}

// PermitType is a catalog entry (partial).
type PermitType struct {
	ID              int      `json:"id"`
	Name            string   `json:"name"`
	Category        string   `json:"category"`
	RiskLevel       string   `json:"risk_level"`
	MandatoryPPE    []string `json:"mandatory_ppe"`
	SafetyChecklist []string `json:"safety_checklist"`
	Degraded        bool     `json:"degraded,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateDraft starts a new permit draft.
func (c *Client) CreateDraft(ctx context.Context) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPost, "v0/drafts", nil, &resp)
	return resp, err
}

// GetDraft fetches a draft by permit number.
func (c *Client) GetDraft(ctx context.Context, permitNumber string) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodGet, c.draftPath(permitNumber, ""), nil, &resp)
	return resp, err
}

// PatchDraft applies field changes. fields uses the draft's snake_case
// field names; only present keys are applied.
func (c *Client) PatchDraft(ctx context.Context, permitNumber string, fields map[string]any) (Draft, error) {
	var resp Draft
	err := c.do(ctx, http.MethodPatch, c.draftPath(permitNumber, ""), fields, &resp)
	return resp, err
}

// Next advances the draft one step.
func (c *Client) Next(ctx context.Context, permitNumber string) (StepChange, error) {
	var resp StepChange
	err := c.do(ctx, http.MethodPost, c.draftPath(permitNumber, "next"), nil, &resp)
	return resp, err
}

// Prev returns the draft to the previous step.
func (c *Client) Prev(ctx context.Context, permitNumber string) (StepChange, error) {
	var resp StepChange
	err := c.do(ctx, http.MethodPost, c.draftPath(permitNumber, "prev"), nil, &resp)
	return resp, err
}

// Goto jumps the draft to step (0-4).
func (c *Client) Goto(ctx context.Context, permitNumber string, step int) (StepChange, error) {
	var resp StepChange
	err := c.do(ctx, http.MethodPost, c.draftPath(permitNumber, fmt.Sprintf("goto/%d", step)), nil, &resp)
	return resp, err
}

// Steps returns the per-step validation states.
func (c *Client) Steps(ctx context.Context, permitNumber string) ([]StepState, error) {
	var resp struct {
		Steps []StepState `json:"steps"`
	}
	err := c.do(ctx, http.MethodGet, c.draftPath(permitNumber, "steps"), nil, &resp)
	return resp.Steps, err
}

// Submit sends the permit for approval and retires the draft.
func (c *Client) Submit(ctx context.Context, permitNumber string) (Receipt, error) {
	var resp Receipt
	err := c.do(ctx, http.MethodPost, c.draftPath(permitNumber, "submit"), nil, &resp)
	return resp, err
}

// PermitTypes lists the catalog.
func (c *Client) PermitTypes(ctx context.Context) ([]PermitType, bool, error) {
	var resp struct {
		Types    []PermitType `json:"types"`
		Degraded bool         `json:"degraded"`
	}
	err := c.do(ctx, http.MethodGet, "v0/catalog/types", nil, &resp)
	return resp.Types, resp.Degraded, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) draftPath(permitNumber, suffix string) string {
	p := "v0/drafts/" + url.PathEscape(permitNumber)
	if suffix != "" {
		p += "/" + strings.TrimLeft(suffix, "/")
	}
	return p
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
