package shopify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrUpstream covers non-2xx responses and malformed JSON from the
	// Admin API; it aborts the enclosing bulk operation.
	ErrUpstream = errors.New("shopify api error")
	// ErrUpstreamTimeout is surfaced separately so callers can tell a slow
	// upstream from a broken one.
	ErrUpstreamTimeout = errors.New("shopify api timeout")
)

const (
	apiVersion     = "2024-07"
	pageSize       = 250
	requestTimeout = 15 * time.Second
)

var nextLinkRe = regexp.MustCompile(`<([^>]+)>;\s*rel="next"`)

type Client struct {
	httpClient *http.Client
	logger     *zap.Logger

	// BaseURL overrides the https://{shop} prefix; tests point it at a
	// local server.
	BaseURL string
	// PageDelay is the fixed wait between pages to stay under rate limits.
	PageDelay time.Duration
}

func NewClient(logger *zap.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger,
		PageDelay:  500 * time.Millisecond,
	}
}

func (c *Client) shopURL(shop, path string) string {
	base := c.BaseURL
	if base == "" {
		base = "https://" + shop
	}
	return fmt.Sprintf("%s/admin/api/%s/%s.json?limit=%d", base, apiVersion, path, pageSize)
}

// GetAll pulls every record of a resource, following the Link header
// rel="next" cursor until exhausted. The first non-2xx or malformed-JSON page
// fails the whole pull; there is no resume.
func (c *Client) GetAll(ctx context.Context, shop, token, path string, params url.Values) ([]json.RawMessage, error) {
	pageURL := c.shopURL(shop, path)
	if len(params) > 0 {
		pageURL += "&" + params.Encode()
	}

	var results []json.RawMessage
	for {
		records, next, err := c.getPage(ctx, pageURL, token, path)
		if err != nil {
			return nil, err
		}
		results = append(results, records...)

		if next == "" {
			return results, nil
		}
		pageURL = next

		select {
		case <-time.After(c.PageDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) getPage(ctx context.Context, pageURL, token, resource string) ([]json.RawMessage, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("X-Shopify-Access-Token", token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", wrapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", wrapTransportErr(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Shopify API error",
			zap.String("url", pageURL),
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return nil, "", fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	// The response wraps the records in an array field named after the
	// resource ({"orders":[...]}). Fall back to the first array field only
	// when that key is absent.
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, "", fmt.Errorf("%w: invalid json: %v", ErrUpstream, err)
	}

	var records []json.RawMessage
	if raw, ok := wrapper[resource]; ok {
		if err := json.Unmarshal(raw, &records); err != nil {
			return nil, "", fmt.Errorf("%w: invalid %s field: %v", ErrUpstream, resource, err)
		}
	} else {
		for _, raw := range wrapper {
			var arr []json.RawMessage
			if err := json.Unmarshal(raw, &arr); err == nil {
				records = arr
				break
			}
		}
	}

	next := ""
	if m := nextLinkRe.FindStringSubmatch(resp.Header.Get("Link")); m != nil {
		next = m[1]
	}

	return records, next, nil
}

// ExchangeToken swaps an OAuth authorization code for a permanent access
// token via server-to-server POST.
func (c *Client) ExchangeToken(ctx context.Context, shop, clientID, clientSecret, code string) (string, error) {
	base := c.BaseURL
	if base == "" {
		base = "https://" + shop
	}

	payload, err := json.Marshal(map[string]string{
		"client_id":     clientID,
		"client_secret": clientSecret,
		"code":          code,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/admin/oauth/access_token", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", wrapTransportErr(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", wrapTransportErr(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Shopify token exchange failed",
			zap.Int("status", resp.StatusCode),
			zap.ByteString("body", body),
		)
		return "", fmt.Errorf("%w: token exchange status %d", ErrUpstream, resp.StatusCode)
	}

	var data struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &data); err != nil {
		return "", fmt.Errorf("%w: invalid json: %v", ErrUpstream, err)
	}
	if data.AccessToken == "" {
		return "", fmt.Errorf("%w: no access_token in response", ErrUpstream)
	}

	return data.AccessToken, nil
}

func wrapTransportErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstream, err)
}
