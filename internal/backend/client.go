// Package backend is the HTTP client of the source-of-truth backend.  It
// fetches full collections and submits status transitions and field
// updates.  Fetches are retried on connection errors only; user actions
// are never retried here because the coordinator owns their retry policy.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/iliyamo/restaurant-sync/internal/model"
	"github.com/iliyamo/restaurant-sync/internal/queue"
	"github.com/iliyamo/restaurant-sync/internal/utils"
)

// Config configures the client.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// ServiceSecret signs a bearer token for every request when set.
	ServiceSecret string
	ServiceName   string
}

// Client talks to the backend REST API.
type Client struct {
	base   string
	http   *retryablehttp.Client
	log    *zap.SugaredLogger
	secret string
	name   string

	tokMu sync.Mutex
	tok   utils.AccessToken
}

type noRetryKey struct{}

// New returns a client for cfg.
func New(cfg Config, log *zap.SugaredLogger) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	if cfg.RetryWaitMin > 0 {
		rc.RetryWaitMin = cfg.RetryWaitMin
	}
	if cfg.RetryWaitMax > 0 {
		rc.RetryWaitMax = cfg.RetryWaitMax
	}
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}
	rc.Logger = &zapRetryLogger{logger: log}
	rc.CheckRetry = func(ctx context.Context, resp *http.Response, err error) (bool, error) {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if ctx.Value(noRetryKey{}) != nil || err == nil {
			return false, nil
		}
		// connection errors only, never HTTP status codes
		msg := err.Error()
		retry := strings.Contains(msg, "EOF") ||
			strings.Contains(msg, "connection reset") ||
			strings.Contains(msg, "connection refused") ||
			strings.Contains(msg, "timeout") ||
			strings.Contains(msg, "no such host") ||
			strings.Contains(msg, "network is unreachable")
		if retry {
			log.Debugf("retrying backend call after connection error: %v", err)
		}
		return retry, nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "restaurant-sync"
	}
	return &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/"),
		http:   rc,
		log:    log,
		secret: cfg.ServiceSecret,
		name:   name,
	}
}

func (c *Client) bearer() (string, error) {
	if c.secret == "" {
		return "", nil
	}
	c.tokMu.Lock()
	defer c.tokMu.Unlock()
	if c.tok.Expired(time.Now(), time.Minute) {
		tok, err := utils.NewAccessToken(c.secret, c.name, "SERVICE", 15*time.Minute)
		if err != nil {
			return "", err
		}
		c.tok = tok
	}
	return c.tok.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		bs, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(bs)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	tok, err := c.bearer()
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return c.http.Do(req)
}

// FetchAll returns every record of kind.  Records that fail validation are
// skipped and logged; transport and status failures wrap
// model.ErrRemoteCallFailed.
func (c *Client) FetchAll(ctx context.Context, kind model.Kind) ([]model.Entity, error) {
	path := "/api/" + kind.Collection()
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", model.ErrRemoteCallFailed, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: GET %s: status %d", model.ErrRemoteCallFailed, path, resp.StatusCode)
	}

	var records []queue.EntityRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", model.ErrRemoteCallFailed, path, err)
	}
	out := make([]model.Entity, 0, len(records))
	for _, r := range records {
		e, err := r.ToEntity(kind)
		if err != nil {
			c.log.Warnw("skipping invalid record", "collection", kind.Collection(), "error", err)
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// SendTransition asks the backend to move id to target.  It is attempted
// exactly once.
func (c *Client) SendTransition(ctx context.Context, kind model.Kind, id string, target model.Status) error {
	path := "/api/" + kind.Collection() + "/" + url.PathEscape(id) + "/status"
	ctx = context.WithValue(ctx, noRetryKey{}, true)
	resp, err := c.do(ctx, http.MethodPut, path, map[string]string{"status": string(target)})
	if err != nil {
		return fmt.Errorf("%w: PUT %s: %v", model.ErrRemoteCallFailed, path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: PUT %s: status %d", model.ErrRemoteCallFailed, path, resp.StatusCode)
	}
	return nil
}

// SendField asks the backend to set one display field of id, such as a
// menu item's stock or availability.  Like SendTransition it is attempted
// exactly once.
func (c *Client) SendField(ctx context.Context, kind model.Kind, id, field string, value any) error {
	path := "/api/" + kind.Collection() + "/" + url.PathEscape(id)
	ctx = context.WithValue(ctx, noRetryKey{}, true)
	resp, err := c.do(ctx, http.MethodPatch, path, map[string]any{field: value})
	if err != nil {
		return fmt.Errorf("%w: PATCH %s: %v", model.ErrRemoteCallFailed, path, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("%w: PATCH %s: status %d", model.ErrRemoteCallFailed, path, resp.StatusCode)
	}
	return nil
}

// zapRetryLogger adapts zap.SugaredLogger to retryablehttp.LeveledLogger.
type zapRetryLogger struct {
	logger *zap.SugaredLogger
}

func (z *zapRetryLogger) Error(msg string, keysAndValues ...interface{}) {
	z.logger.Errorw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Info(msg string, keysAndValues ...interface{}) {
	z.logger.Debugw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Debug(msg string, keysAndValues ...interface{}) {
	z.logger.Debugw(msg, keysAndValues...)
}

func (z *zapRetryLogger) Warn(msg string, keysAndValues ...interface{}) {
	z.logger.Warnw(msg, keysAndValues...)
}
