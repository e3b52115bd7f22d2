// Package dify talks to the remote Dify console API: credential login with
// cached bearer tokens, app listing and detail, and DSL export. Transport and
// status failures are mapped into the typed error taxonomy in errors.go;
// retry policy is left to callers.
package dify

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

	"go.uber.org/zap"

	"github.com/difytools/difymirror/internal/store"
)

const (
	defaultListLimit = 30
	defaultTokenTTL  = time.Hour
)

type Options struct {
	HTTPClient *http.Client
	TokenTTL   time.Duration
	Logger     *zap.Logger
}

type Client struct {
	httpClient *http.Client
	tokenTTL   time.Duration
	logger     *zap.Logger
}

func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	tokenTTL := opts.TokenTTL
	if tokenTTL <= 0 {
		tokenTTL = defaultTokenTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		tokenTTL:   tokenTTL,
		logger:     logger.Named("dify_client"),
	}
}

// Token is a bearer token with its local expiry.
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// AppQuery selects a page of the remote app list. Zero values mean the remote
// defaults and are omitted from the query string.
type AppQuery struct {
	Page  int
	Limit int
	Name  string
	Mode  string
}

// encode emits only non-default parameters, in page, limit, name, mode order.
func (q AppQuery) encode() string {
	var parts []string
	if q.Page > 1 {
		parts = append(parts, fmt.Sprintf("page=%d", q.Page))
	}
	if q.Limit > 0 && q.Limit != defaultListLimit {
		parts = append(parts, fmt.Sprintf("limit=%d", q.Limit))
	}
	if q.Name != "" {
		parts = append(parts, "name="+url.QueryEscape(q.Name))
	}
	if q.Mode != "" {
		parts = append(parts, "mode="+url.QueryEscape(q.Mode))
	}
	return strings.Join(parts, "&")
}

// AppList is one page of raw app records. Records stay untyped so the
// reconciler can apply its own per-record validation.
type AppList struct {
	Apps  []any `json:"data"`
	Total int   `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// ExportResult is the always-recovered outcome of a DSL export.
type ExportResult struct {
	Success bool
	Content map[string]any
	Raw     string
	Message string
}

func (c *Client) checkInstance(inst *store.Instance) error {
	if inst == nil || strings.TrimSpace(inst.BaseURL) == "" {
		return &InstanceUnavailableError{
			Reason:  ReasonConfigurationError,
			Message: "instance has no base url",
		}
	}
	if !inst.Enabled {
		return &InstanceUnavailableError{
			BaseURL: inst.BaseURL,
			Reason:  ReasonConfigurationError,
			Message: "instance is disabled",
		}
	}
	return nil
}

func consoleURL(inst *store.Instance, path string) string {
	return strings.TrimRight(strings.TrimSpace(inst.BaseURL), "/") + "/console/api" + path
}

// Login authenticates the account's credentials against its instance and
// returns a fresh token. It does not mutate the account.
func (c *Client) Login(ctx context.Context, inst *store.Instance, acct *store.Account) (Token, error) {
	if err := c.checkInstance(inst); err != nil {
		return Token{}, err
	}
	body := map[string]string{
		"email":    acct.Email,
		"password": acct.Password,
	}
	status, header, payload, err := c.do(ctx, http.MethodPost, consoleURL(inst, "/login"), "", body)
	if err != nil {
		return Token{}, &InstanceUnavailableError{
			BaseURL: inst.BaseURL,
			Reason:  ReasonConnectionFailed,
			Err:     err,
		}
	}
	if status < 200 || status > 299 {
		return Token{}, mapStatusError(inst.BaseURL, status, header, payload)
	}
	token, err := parseLoginToken(payload)
	if err != nil {
		return Token{}, &AuthenticationError{StatusCode: status, Message: err.Error()}
	}
	return Token{Value: token, ExpiresAt: time.Now().Add(c.tokenTTL)}, nil
}

func parseLoginToken(payload []byte) (string, error) {
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", fmt.Errorf("unexpected login response: %w", err)
	}
	var nested struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Data, &nested); err == nil && nested.AccessToken != "" {
		return nested.AccessToken, nil
	}
	var flat string
	if err := json.Unmarshal(resp.Data, &flat); err == nil && flat != "" {
		return flat, nil
	}
	return "", fmt.Errorf("login response carries no access token")
}

// EnsureValidToken refreshes the account's token in place when it is absent
// or expired, and is a no-op otherwise. Persisting the refreshed account is
// the caller's concern.
func (c *Client) EnsureValidToken(ctx context.Context, inst *store.Instance, acct *store.Account) error {
	if acct.Token != "" && acct.TokenExpiry.After(time.Now()) {
		return nil
	}
	token, err := c.Login(ctx, inst, acct)
	if err != nil {
		return err
	}
	acct.Token = token.Value
	acct.TokenExpiry = token.ExpiresAt
	c.logger.Debug("token refreshed",
		zap.String("account_id", acct.ID),
		zap.Time("expires_at", token.ExpiresAt))
	return nil
}

// ListApps fetches one page of the account's remote apps.
func (c *Client) ListApps(ctx context.Context, inst *store.Instance, acct *store.Account, q AppQuery) (AppList, error) {
	if err := c.checkInstance(inst); err != nil {
		return AppList{}, err
	}
	if err := c.EnsureValidToken(ctx, inst, acct); err != nil {
		return AppList{}, err
	}
	target := consoleURL(inst, "/apps")
	if query := q.encode(); query != "" {
		target += "?" + query
	}
	status, header, payload, err := c.do(ctx, http.MethodGet, target, acct.Token, nil)
	if err != nil {
		return AppList{}, &InstanceUnavailableError{
			BaseURL: inst.BaseURL,
			Reason:  ReasonConnectionFailed,
			Err:     err,
		}
	}
	if status < 200 || status > 299 {
		return AppList{}, mapStatusError(inst.BaseURL, status, header, payload)
	}
	var list AppList
	if err := json.Unmarshal(payload, &list); err != nil {
		return AppList{}, &APIError{StatusCode: status, Message: "unexpected app list payload: " + err.Error()}
	}
	return list, nil
}

// GetAppDetail fetches the full detail record for one remote app. The detail
// payload enriches the list record, notably with nested site data.
func (c *Client) GetAppDetail(ctx context.Context, inst *store.Instance, acct *store.Account, appID string) (map[string]any, error) {
	if err := c.checkInstance(inst); err != nil {
		return nil, err
	}
	if err := c.EnsureValidToken(ctx, inst, acct); err != nil {
		return nil, err
	}
	target := consoleURL(inst, "/apps/"+url.PathEscape(appID))
	status, header, payload, err := c.do(ctx, http.MethodGet, target, acct.Token, nil)
	if err != nil {
		return nil, &InstanceUnavailableError{
			BaseURL: inst.BaseURL,
			Reason:  ReasonConnectionFailed,
			Err:     err,
		}
	}
	if status < 200 || status > 299 {
		return nil, mapStatusError(inst.BaseURL, status, header, payload)
	}
	var detail map[string]any
	if err := json.Unmarshal(payload, &detail); err != nil {
		return nil, &APIError{StatusCode: status, Message: "unexpected app detail payload: " + err.Error()}
	}
	return detail, nil
}

// ExportAppDSL exports the app's DSL. Every failure mode, including token
// refresh, transport, and parse errors, is recovered into the result.
func (c *Client) ExportAppDSL(ctx context.Context, inst *store.Instance, acct *store.Account, appID string) ExportResult {
	if err := c.checkInstance(inst); err != nil {
		return ExportResult{Message: err.Error()}
	}
	if err := c.EnsureValidToken(ctx, inst, acct); err != nil {
		return ExportResult{Message: "token refresh failed: " + err.Error()}
	}
	target := consoleURL(inst, "/apps/"+url.PathEscape(appID)+"/export?include_secret=false")
	status, _, payload, err := c.do(ctx, http.MethodGet, target, acct.Token, nil)
	if err != nil {
		return ExportResult{Message: "dsl export request failed: " + err.Error()}
	}
	if status != http.StatusOK {
		msg := bodyMessage(payload)
		if msg == "" {
			msg = fmt.Sprintf("dsl export returned status %d", status)
		} else {
			msg = fmt.Sprintf("dsl export returned status %d: %s", status, msg)
		}
		return ExportResult{Message: msg}
	}
	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return ExportResult{Message: "unexpected dsl export payload: " + err.Error()}
	}
	var content map[string]any
	if err := json.Unmarshal(resp.Data, &content); err == nil {
		return ExportResult{Success: true, Content: content, Raw: string(resp.Data)}
	}
	// Some deployments serialize the export as a string payload.
	var raw string
	if err := json.Unmarshal(resp.Data, &raw); err == nil {
		if err := json.Unmarshal([]byte(raw), &content); err == nil {
			return ExportResult{Success: true, Content: content, Raw: raw}
		}
		return ExportResult{Message: "dsl export payload is not structured"}
	}
	return ExportResult{Message: "dsl export payload is not structured"}
}

// do performs one HTTP exchange and returns status, headers, and body. No
// retries here: 429 metadata is surfaced to the caller instead.
func (c *Client) do(ctx context.Context, method, target, token string, body any) (int, http.Header, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, nil, nil, err
		}
		bodyReader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return 0, nil, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return 0, nil, nil, readErr
	}
	return resp.StatusCode, resp.Header, payload, nil
}
