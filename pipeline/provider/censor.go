package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sablewood/novelforge/pipeline"
)

const (
	defaultTokenURL  = "https://aip.baidubce.com/oauth/2.0/token"
	defaultCensorURL = "https://aip.baidubce.com/rest/2.0/solution/v1/text_censor/v2/user_defined"

	// Tokens are refreshed this long before their reported expiry.
	tokenRefreshMargin = 60 * time.Second
)

// TextCensor implements pipeline.Moderator on the Baidu text moderation API.
// Access tokens are cached until shortly before expiry. Every failure mode,
// including transport errors and token refresh failures, yields a service
// error verdict rather than a Go error so that callers never confuse an
// unavailable moderator with a compliant chapter.
type TextCensor struct {
	apiKey    string
	secretKey string

	// Overridable for tests.
	TokenURL  string
	CensorURL string
	Client    *http.Client
	now       func() time.Time

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewTextCensor builds a censor client. Both credentials must be non-empty.
func NewTextCensor(apiKey, secretKey string) (*TextCensor, error) {
	if apiKey == "" || secretKey == "" {
		return nil, fmt.Errorf("NewTextCensor: %w: MODERATION_API_KEY / MODERATION_SECRET_KEY", pipeline.ErrMissingCredential)
	}
	return &TextCensor{
		apiKey:    apiKey,
		secretKey: secretKey,
		TokenURL:  defaultTokenURL,
		CensorURL: defaultCensorURL,
		Client:    &http.Client{Timeout: 30 * time.Second},
		now:       time.Now,
	}, nil
}

// Moderate submits one text for review and maps the response to a verdict.
func (c *TextCensor) Moderate(ctx context.Context, text string) pipeline.ModerationVerdict {
	token, err := c.accessToken(ctx)
	if err != nil {
		return pipeline.ServiceErrorVerdict(fmt.Errorf("moderate: %w", err))
	}

	form := url.Values{"text": {text}}
	endpoint := c.CensorURL + "?access_token=" + url.QueryEscape(token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return pipeline.ServiceErrorVerdict(fmt.Errorf("moderate: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.Client.Do(req)
	if err != nil {
		return pipeline.ServiceErrorVerdict(fmt.Errorf("moderate: %w", err))
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return pipeline.ServiceErrorVerdict(fmt.Errorf("moderate: read response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return pipeline.ServiceErrorVerdict(fmt.Errorf("moderate: status %d", resp.StatusCode))
	}
	return pipeline.AnalyzeCensorPayload(body)
}

// accessToken returns the cached token, refreshing it when it is within the
// refresh margin of expiry.
func (c *TextCensor) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExpiry.Add(-tokenRefreshMargin)) {
		return c.token, nil
	}

	q := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {c.apiKey},
		"client_secret": {c.secretKey},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL+"?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch token: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("fetch token: read response: %w", err)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		Error       string `json:"error"`
		ErrorDesc   string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("fetch token: decode: %w", err)
	}
	if payload.Error != "" {
		return "", fmt.Errorf("fetch token: %s: %s", payload.Error, payload.ErrorDesc)
	}
	if payload.AccessToken == "" {
		return "", fmt.Errorf("fetch token: empty access_token in response")
	}

	c.token = payload.AccessToken
	c.tokenExpiry = c.now().Add(time.Duration(payload.ExpiresIn) * time.Second)
	return c.token, nil
}
