package custody

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the custody pipeline REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu          sync.RWMutex
	accessToken string
}

// Credentials represents operator credentials used to obtain access tokens.
type Credentials struct {
	Operator string `json:"operator"`
	Password string `json:"password"`
}

// Token represents an issued access token pair.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// Submission represents the payload required to intake a new asset.
type Submission struct {
	Kind       string `json:"kind"`
	Payload    []byte `json:"payload"`
	SourceTag  string `json:"source_tag"`
	AcquiredAt int64  `json:"acquired_at,omitempty"`
}

// StageEvent mirrors one entry of the record's audit trail.
type StageEvent struct {
	Stage   string `json:"stage"`
	Outcome string `json:"outcome"`
	Actor   string `json:"actor"`
	Detail  string `json:"detail,omitempty"`
	At      int64  `json:"at"`
}

// Asset is the server's view of a custody record. The raw payload is never
// returned by the API.
type Asset struct {
	ID                string       `json:"id"`
	Fingerprint       string       `json:"fingerprint"`
	Kind              string       `json:"kind"`
	SourceTag         string       `json:"source_tag"`
	AcquiredAt        int64        `json:"acquired_at"`
	Stage             string       `json:"stage"`
	RiskScore         int          `json:"risk_score"`
	RiskSignals       []string     `json:"risk_signals,omitempty"`
	EstimatedValueUSD float64      `json:"estimated_value_usd"`
	ValueConfidence   float64      `json:"value_confidence"`
	HoldUntil         int64        `json:"hold_until,omitempty"`
	VaultRef          string       `json:"vault_ref,omitempty"`
	Attempts          int          `json:"attempts"`
	LastError         string       `json:"last_error,omitempty"`
	ErrorCode         string       `json:"error_code,omitempty"`
	Audit             []StageEvent `json:"audit,omitempty"`
	CreatedAt         int64        `json:"created_at"`
	UpdatedAt         int64        `json:"updated_at"`
}

// ApprovalRequest casts one cashout vote on a vaulted asset.
type ApprovalRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment,omitempty"`
}

// CashoutRequest asks the server to execute a transfer of a vaulted asset.
type CashoutRequest struct {
	Destination string  `json:"destination"`
	AmountUSD   float64 `json:"amount_usd"`
}

// CashoutResult reports a completed transfer.
type CashoutResult struct {
	AssetID   string  `json:"asset_id"`
	Reference string  `json:"reference"`
	AmountUSD float64 `json:"amount_usd"`
}

// Stats aggregates per-stage asset counts.
type Stats struct {
	Total            int `json:"total"`
	Acquired         int `json:"acquired"`
	Screened         int `json:"screened"`
	Verified         int `json:"verified"`
	Holding          int `json:"holding"`
	HoldComplete     int `json:"hold_complete"`
	Vaulted          int `json:"vaulted"`
	CashedOut        int `json:"cashed_out"`
	QuarantineFailed int `json:"quarantine_failed"`
	Rejected         int `json:"rejected"`
}

// ListFilter narrows List and Stats queries. Zero values are omitted.
type ListFilter struct {
	Stage  string
	Kind   string
	Limit  int
	Offset int
	Query  string
}

func (f ListFilter) encode() string {
	values := url.Values{}
	if f.Stage != "" {
		values.Set("stage", f.Stage)
	}
	if f.Kind != "" {
		values.Set("kind", f.Kind)
	}
	if f.Limit > 0 {
		values.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		values.Set("offset", strconv.Itoa(f.Offset))
	}
	if f.Query != "" {
		values.Set("q", f.Query)
	}
	if len(values) == 0 {
		return ""
	}
	return "?" + values.Encode()
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("custody api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("custody api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the custody pipeline API. When
// httpClient is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Authenticate exchanges operator credentials for an access token and stores
// it for subsequent calls.
func (c *Client) Authenticate(ctx context.Context, creds Credentials) (Token, error) {
	var token Token
	if err := c.post(ctx, "/api/v1/auth/token", creds, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	c.mu.Unlock()
	return token, nil
}

// Submit hands a raw asset to the intake stage.
func (c *Client) Submit(ctx context.Context, submission Submission) (Asset, error) {
	var created Asset
	if err := c.post(ctx, "/api/v1/assets", submission, &created, true); err != nil {
		return Asset{}, err
	}
	return created, nil
}

// Get fetches a single asset record by identifier.
func (c *Client) Get(ctx context.Context, assetID string) (Asset, error) {
	var record Asset
	if err := c.get(ctx, "/api/v1/assets/"+url.PathEscape(assetID), &record, true); err != nil {
		return Asset{}, err
	}
	return record, nil
}

// List returns asset records matching the filter.
func (c *Client) List(ctx context.Context, filter ListFilter) ([]Asset, error) {
	var records []Asset
	if err := c.get(ctx, "/api/v1/assets"+filter.encode(), &records, true); err != nil {
		return nil, err
	}
	return records, nil
}

// Stats returns per-stage asset counts matching the filter.
func (c *Client) Stats(ctx context.Context, filter ListFilter) (Stats, error) {
	var stats Stats
	if err := c.get(ctx, "/api/v1/stats"+filter.encode(), &stats, true); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Approve casts the calling operator's cashout vote on a vaulted asset.
func (c *Client) Approve(ctx context.Context, assetID string, req ApprovalRequest) error {
	return c.post(ctx, "/api/v1/assets/"+url.PathEscape(assetID)+"/approvals", req, nil, true)
}

// Cashout executes a transfer of a vaulted asset once quorum is satisfied.
func (c *Client) Cashout(ctx context.Context, assetID string, req CashoutRequest) (CashoutResult, error) {
	var result CashoutResult
	if err := c.post(ctx, "/api/v1/assets/"+url.PathEscape(assetID)+"/cashout", req, &result, true); err != nil {
		return CashoutResult{}, err
	}
	return result, nil
}

// ReleaseHold completes an asset's holding period early.
func (c *Client) ReleaseHold(ctx context.Context, assetID string) error {
	return c.post(ctx, "/api/v1/assets/"+url.PathEscape(assetID)+"/release", struct{}{}, nil, true)
}

// AccessToken returns the currently stored token string.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any, withAuth bool) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body), withAuth)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any, withAuth bool) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil, withAuth)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader, withAuth bool) (*http.Request, error) {
	query := ""
	if qpos := strings.IndexByte(endpoint, '?'); qpos >= 0 {
		query = endpoint[qpos+1:]
		endpoint = endpoint[:qpos]
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, errors.New("custody: access token is not set")
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
