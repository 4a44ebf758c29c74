package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/errs"
)

const (
	defaultTimeout  = 60 * time.Second
	defaultMaxBytes = 20 << 20
	fallbackName    = "image.jpg"
	userAgent       = "ImageConverter/1.0"
)

// ErrUpstream marks a remote that answered with an error or could not be reached.
var ErrUpstream = errors.New("upstream fetch failed")

// Result is a fetched remote object.
type Result struct {
	Data        []byte
	ContentType string
	Filename    string
}

// Fetcher downloads remote images within a byte and time budget.
type Fetcher struct {
	client   *http.Client
	timeout  time.Duration
	maxBytes int64
}

// New creates a fetcher. Non-positive limits fall back to defaults.
func New(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{client: &http.Client{}, timeout: timeout, maxBytes: maxBytes}
}

// Fetch downloads rawURL. Exceeding the byte or time budget wraps
// errs.ErrResourceExhausted; a malformed URL wraps errs.ErrPlanRejected.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (Result, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Host == "" {
		return Result{}, fmt.Errorf("%w: invalid url", errs.ErrPlanRejected)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Result{}, fmt.Errorf("%w: only http and https urls are supported", errs.ErrPlanRejected)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("%w: build request: %v", errs.ErrPlanRejected, err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: download exceeded %s", errs.ErrResourceExhausted, f.timeout)
		}
		log.Warn().Str("url", u.Redacted()).Err(err).Msg("http request failed")
		return Result{}, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn().Str("url", u.Redacted()).Int("status", resp.StatusCode).Msg("unexpected status code")
		return Result{}, fmt.Errorf("%w: url returned status %d", ErrUpstream, resp.StatusCode)
	}
	if resp.ContentLength > f.maxBytes {
		return Result{}, fmt.Errorf("%w: body of %d bytes exceeds %d", errs.ErrTooLarge, resp.ContentLength, f.maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w: download exceeded %s", errs.ErrResourceExhausted, f.timeout)
		}
		return Result{}, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if int64(len(data)) > f.maxBytes {
		return Result{}, fmt.Errorf("%w: body exceeds %d bytes", errs.ErrTooLarge, f.maxBytes)
	}

	return Result{
		Data:        data,
		ContentType: resp.Header.Get("Content-Type"),
		Filename:    deriveFilename(resp.Header.Get("Content-Disposition"), u),
	}, nil
}

// deriveFilename prefers the Content-Disposition filename, then the last
// path segment, then a fixed fallback.
func deriveFilename(disposition string, u *url.URL) string {
	if disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if name := path.Base(strings.TrimSpace(params["filename"])); validName(name) {
				return name
			}
		}
	}
	if name := path.Base(strings.TrimRight(u.Path, "/")); validName(name) {
		return name
	}
	return fallbackName
}

func validName(name string) bool {
	return name != "" && name != "." && name != "/" && strings.Contains(name, ".")
}
