// CLAUDE:SUMMARY HTTP page fetcher with SSRF guard on every hop, body size limit, per-request timeout, and sha256 body hash.
// Package fetch retrieves web pages for the discovery queue.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"time"
)

var (
	// ErrTooLarge is returned when a body exceeds Config.MaxBytes.
	ErrTooLarge = errors.New("fetch: response body too large")
	// ErrStatus is returned for non-2xx responses.
	ErrStatus = errors.New("fetch: unexpected HTTP status")
)

// Result is a successful fetch.
type Result struct {
	URL         string // final URL after redirects
	StatusCode  int
	ContentType string // media type without parameters
	Body        []byte
	Hash        string // hex sha256 of Body
	Duration    time.Duration
}

// Config configures the fetcher.
type Config struct {
	Timeout      time.Duration `yaml:"timeout"`   // per request, default 20s
	MaxBytes     int64         `yaml:"max_bytes"` // default 5 MB
	MaxRedirects int           `yaml:"max_redirects"`
	UserAgent    string        `yaml:"user_agent"`
	// AllowPrivate disables the private address guard. Tests against
	// httptest servers need it.
	AllowPrivate bool `yaml:"allow_private"`
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 20 * time.Second
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 5 << 20
	}
	if c.MaxRedirects <= 0 {
		c.MaxRedirects = 5
	}
	if c.UserAgent == "" {
		c.UserAgent = "groundkeeper/1.0 (+knowledge indexer)"
	}
}

// Fetcher performs guarded GET requests.
type Fetcher struct {
	client *http.Client
	cfg    Config
}

// New creates a Fetcher. Redirect targets pass the same guard as the
// initial URL.
func New(cfg Config) *Fetcher {
	cfg.defaults()
	f := &Fetcher{cfg: cfg}
	f.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= cfg.MaxRedirects {
				return fmt.Errorf("fetch: too many redirects (%d)", len(via))
			}
			return f.validate(req.URL.String())
		},
	}
	return f
}

func (f *Fetcher) validate(raw string) error {
	if f.cfg.AllowPrivate {
		return validateScheme(raw)
	}
	return ValidateURL(raw)
}

func validateScheme(raw string) error {
	_, err := NormalizeURL(raw, nil)
	return err
}

// Get fetches url. The request is bounded by Config.Timeout on top of ctx.
func (f *Fetcher) Get(ctx context.Context, url string) (*Result, error) {
	if err := f.validate(url); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,text/plain;q=0.8")

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: %d for %s", ErrStatus, resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch: read body: %w", err)
	}
	if int64(len(body)) > f.cfg.MaxBytes {
		return nil, fmt.Errorf("%w: more than %d bytes from %s", ErrTooLarge, f.cfg.MaxBytes, url)
	}

	ct := resp.Header.Get("Content-Type")
	if mt, _, err := mime.ParseMediaType(ct); err == nil {
		ct = mt
	}
	if ct == "" {
		ct = http.DetectContentType(body)
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			ct = mt
		}
	}

	return &Result{
		URL:         resp.Request.URL.String(),
		StatusCode:  resp.StatusCode,
		ContentType: ct,
		Body:        body,
		Hash:        Hash(body),
		Duration:    time.Since(start),
	}, nil
}

// Hash returns the hex sha256 of b.
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
