// Package torn is the HTTP client for the game's public API: the activity
// log, recent events, account validation and the item catalog.
//
// Outgoing requests share one token-bucket limiter and identical GETs are
// served from a short-lived cache. The API key travels in the Authorization
// header and is never part of a URL, a cache key or a log line.
package torn

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/tornbuddy/buddy-engine/internal/logs"
	"github.com/tornbuddy/buddy-engine/internal/metrics"
	"github.com/tornbuddy/buddy-engine/internal/model"
	"github.com/tornbuddy/buddy-engine/internal/money"
)

const (
	DefaultBaseURL           = "https://api.torn.com"
	DefaultTimeout           = 30 * time.Second
	DefaultRequestsPerMinute = 100
	DefaultCacheTTL          = 30 * time.Second

	cacheSize   = 256
	maxBodySize = 8 << 20
)

// ErrRemote wraps every transport, status and decoding failure.
var ErrRemote = errors.New("torn: remote request failed")

// APIError is the error envelope the API returns with a 200 status:
// {"error": {"code": 2, "error": "Incorrect key"}}.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("torn: api error %d: %s", e.Code, e.Message)
}

// Is lets errors.Is(err, ErrRemote) hold for API errors too.
func (e *APIError) Is(target error) bool { return target == ErrRemote }

// InvalidKey reports whether the error means the key itself was rejected.
func (e *APIError) InvalidKey() bool { return e.Code == 1 || e.Code == 2 || e.Code == 16 }

// Account is the subset of the basic profile used to validate a key.
type Account struct {
	PlayerID int64  `json:"player_id"`
	Name     string `json:"name"`
	Level    int    `json:"level"`
}

// Item is one catalog entry.
type Item struct {
	ID          int64       `json:"id"`
	Name        string      `json:"name"`
	Type        string      `json:"type,omitempty"`
	MarketValue model.Cents `json:"market_value"`
}

// Client talks to the remote API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	cache   *expirable.LRU[string, []byte]
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) Option { return func(c *Client) { c.http.Timeout = d } }

// WithRateLimit sets the number of requests allowed per minute. Zero or less
// disables limiting.
func WithRateLimit(perMinute int) Option {
	return func(c *Client) {
		if perMinute <= 0 {
			c.limiter = nil
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
}

// WithCacheTTL sets how long identical GETs are served from cache. Zero
// disables the cache.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl <= 0 {
			c.cache = nil
			return
		}
		c.cache = expirable.NewLRU[string, []byte](cacheSize, nil, ttl)
	}
}

// NewClient creates a client for baseURL (DefaultBaseURL when empty).
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: DefaultTimeout},
	}
	WithRateLimit(DefaultRequestsPerMinute)(c)
	WithCacheTTL(DefaultCacheTTL)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchLog returns the activity log entries newer than from (unix seconds;
// zero means no lower bound). fresh bypasses the response cache.
func (c *Client) FetchLog(ctx context.Context, key string, from int64, fresh bool) ([]model.LogEntry, error) {
	q := url.Values{}
	if from > 0 {
		q.Set("from", strconv.FormatInt(from, 10))
	}
	body, err := c.get(ctx, "log", key, "/v2/user/log", q, !fresh)
	if err != nil {
		return nil, err
	}
	entries, err := logs.Normalize(body)
	if err != nil {
		return nil, fmt.Errorf("%w: log: %v", ErrRemote, err)
	}
	return entries, nil
}

// FetchEvents returns the recent event feed.
func (c *Client) FetchEvents(ctx context.Context, key string) ([]model.LogEntry, error) {
	body, err := c.get(ctx, "events", key, "/v2/user/events", nil, true)
	if err != nil {
		return nil, err
	}
	entries, err := logs.Normalize(body)
	if err != nil {
		return nil, fmt.Errorf("%w: events: %v", ErrRemote, err)
	}
	return entries, nil
}

// ValidateKey fetches the basic profile for key. An invalid key surfaces as
// an *APIError.
func (c *Client) ValidateKey(ctx context.Context, key string) (Account, error) {
	body, err := c.get(ctx, "basic", key, "/v2/user/basic", nil, false)
	if err != nil {
		return Account{}, err
	}
	var wrapped struct {
		Profile *struct {
			ID    int64  `json:"id"`
			Name  string `json:"name"`
			Level int    `json:"level"`
		} `json:"profile"`
		Account
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return Account{}, fmt.Errorf("%w: basic: %v", ErrRemote, err)
	}
	acct := wrapped.Account
	if p := wrapped.Profile; p != nil {
		acct = Account{PlayerID: p.ID, Name: p.Name, Level: p.Level}
	}
	return acct, nil
}

// FetchItems returns the item catalog. Both the keyed ({"items":{"1":{...}}})
// and the list ({"items":[{...}]}) forms are accepted.
func (c *Client) FetchItems(ctx context.Context, key string) ([]Item, error) {
	body, err := c.get(ctx, "items", key, "/v2/torn/items", nil, true)
	if err != nil {
		return nil, err
	}
	items, err := decodeItems(body)
	if err != nil {
		return nil, fmt.Errorf("%w: items: %v", ErrRemote, err)
	}
	return items, nil
}

type rawItem struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	MarketValue json.Number     `json:"market_value"`
	Value       json.RawMessage `json:"value"`
}

func (r rawItem) item(id int64) Item {
	it := Item{ID: r.ID, Name: strings.TrimSpace(r.Name), Type: r.Type}
	if it.ID == 0 {
		it.ID = id
	}
	mv := r.MarketValue
	if mv == "" && len(r.Value) > 0 {
		var v struct {
			MarketPrice json.Number `json:"market_price"`
		}
		if json.Unmarshal(r.Value, &v) == nil {
			mv = v.MarketPrice
		}
	}
	if f, err := mv.Float64(); err == nil {
		it.MarketValue = money.FromMajor(f)
	}
	return it
}

func decodeItems(body []byte) ([]Item, error) {
	var env struct {
		Items json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, err
	}
	var list []rawItem
	if err := json.Unmarshal(env.Items, &list); err == nil {
		out := make([]Item, 0, len(list))
		for _, r := range list {
			if it := r.item(0); it.ID != 0 && it.Name != "" {
				out = append(out, it)
			}
		}
		return out, nil
	}
	var keyed map[string]rawItem
	if err := json.Unmarshal(env.Items, &keyed); err != nil {
		return nil, err
	}
	out := make([]Item, 0, len(keyed))
	for k, r := range keyed {
		id, _ := strconv.ParseInt(k, 10, 64)
		if it := r.item(id); it.ID != 0 && it.Name != "" {
			out = append(out, it)
		}
	}
	return out, nil
}

// get performs one rate-limited GET and checks for the error envelope.
func (c *Client) get(ctx context.Context, endpoint, key, path string, q url.Values, useCache bool) ([]byte, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	cacheKey := keyID(key) + " " + u
	if useCache && c.cache != nil {
		if body, ok := c.cache.Get(cacheKey); ok {
			metrics.RemoteRequests.WithLabelValues(endpoint, "cached").Inc()
			return body, nil
		}
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrRemote, endpoint, err)
		}
	}

	start := time.Now()
	body, err := c.do(ctx, u, key)
	metrics.RemoteLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.RemoteRequests.WithLabelValues(endpoint, "error").Inc()
		slog.Warn("torn request failed", "endpoint", endpoint, "err", err)
		return nil, err
	}
	metrics.RemoteRequests.WithLabelValues(endpoint, "ok").Inc()
	if c.cache != nil {
		c.cache.Add(cacheKey, body)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, u, key string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	req.Header.Set("Authorization", "ApiKey "+key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemote, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrRemote, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: status %d", ErrRemote, resp.StatusCode)
	}

	var env struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		// Arrays are valid responses; anything else is not JSON.
		var arr []json.RawMessage
		if json.Unmarshal(body, &arr) != nil {
			return nil, fmt.Errorf("%w: malformed json: %v", ErrRemote, err)
		}
	}
	if env.Error != nil {
		return nil, env.Error
	}
	return body, nil
}

// keyID distinguishes cache entries per key without holding the key.
func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:8])
}
