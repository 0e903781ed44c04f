// Package upstream talks to the online tile provider. Requests that fail with
// a server side status or do not reach the server are retried a bounded
// number of times.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/sirupsen/logrus"
)

const mapboxScheme = "mapbox://"

type Options struct {
	// APIURL replaces mapbox:// references, e.g. https://api.mapbox.com.
	APIURL  string
	Retries int
	Timeout time.Duration
	Backoff time.Duration
	Logger  logrus.FieldLogger
}

type Client struct {
	http    *http.Client
	apiURL  string
	retries int
	backoff time.Duration
	log     logrus.FieldLogger
}

func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 200 * time.Millisecond
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Client{
		http:    &http.Client{Timeout: opts.Timeout},
		apiURL:  strings.TrimRight(opts.APIURL, "/"),
		retries: opts.Retries,
		backoff: opts.Backoff,
		log:     opts.Logger,
	}
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status < 300
}

// Get fetches rawURL. A 5xx response or a transport failure is retried; the
// last response is returned whatever its status. A transport failure on the
// last attempt is returned as an error.
func (c *Client) Get(ctx context.Context, rawURL string) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	var resp *Response
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.backoff * time.Duration(attempt)):
			}
		}

		resp, err = c.do(req, rawURL)
		if err != nil {
			if ctx.Err() != nil || attempt == c.retries {
				return nil, err
			}
			c.log.Debugf("upstream %s unreachable, attempt %d: %v", redact(rawURL), attempt+1, err)
			continue
		}
		if resp.Status < 500 {
			return resp, nil
		}
		c.log.WithField("status", resp.Status).Debugf("upstream %s failed, attempt %d", redact(rawURL), attempt+1)
	}
	return resp, nil
}

func (c *Client) do(req *http.Request, rawURL string) (*Response, error) {
	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", redact(rawURL), err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", redact(rawURL), err)
	}
	return &Response{Status: res.StatusCode, Header: res.Header, Body: body}, nil
}

// FetchTileJSON resolves a source url (mapbox:// or http(s)) to its TileJSON.
func (c *Client) FetchTileJSON(ctx context.Context, sourceURL, accessToken string) (*models.TileJSON, error) {
	target, err := c.NormalizeSourceURL(sourceURL, accessToken)
	if err != nil {
		return nil, err
	}
	resp, err := c.Get(ctx, target)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, fmt.Errorf("tilejson %s: %w", redact(target), &apierror.UpstreamError{Status: resp.Status})
	}
	var tj models.TileJSON
	if err := json.Unmarshal(resp.Body, &tj); err != nil {
		return nil, fmt.Errorf("decode tilejson %s: %w", redact(target), err)
	}
	return &tj, nil
}

// IsMapboxURL reports whether u needs an access token to resolve.
func IsMapboxURL(u string) bool {
	return strings.HasPrefix(u, mapboxScheme)
}

// NormalizeSourceURL turns a source url into a fetchable TileJSON url.
func (c *Client) NormalizeSourceURL(sourceURL, accessToken string) (string, error) {
	if !IsMapboxURL(sourceURL) {
		return sourceURL, nil
	}
	if accessToken == "" {
		return "", fmt.Errorf("source %s: %w", sourceURL, apierror.ErrMissingAccessToken)
	}
	ids := strings.TrimPrefix(sourceURL, mapboxScheme)
	return WithToken(c.apiURL+"/v4/"+ids+".json?secure", accessToken)
}

// NormalizeGlyphsURL turns a glyphs template into an http(s) template. The
// {fontstack} and {range} placeholders survive.
func (c *Client) NormalizeGlyphsURL(template string) string {
	if !IsMapboxURL(template) {
		return template
	}
	// mapbox://fonts/<owner>/{fontstack}/{range}.pbf
	rest := strings.TrimPrefix(template, mapboxScheme+"fonts/")
	return c.apiURL + "/fonts/v1/" + rest
}

// GlyphsURL expands a glyphs template for one font stack and range.
func (c *Client) GlyphsURL(template string, fontStack []string, glyphRange, accessToken string) (string, error) {
	expanded := strings.NewReplacer(
		"{fontstack}", url.PathEscape(strings.Join(fontStack, ",")),
		"{range}", glyphRange,
	).Replace(c.NormalizeGlyphsURL(template))
	return WithToken(expanded, accessToken)
}

// TileURL expands a tile template for one coordinate.
func TileURL(template string, z, x, y int, accessToken string) (string, error) {
	expanded := strings.NewReplacer(
		"{z}", strconv.Itoa(z),
		"{x}", strconv.Itoa(x),
		"{y}", strconv.Itoa(y),
		"{-y}", strconv.Itoa((1<<uint(z))-1-y),
	).Replace(template)
	return WithToken(expanded, accessToken)
}

// WithToken sets the access_token query parameter when a token is given.
func WithToken(rawURL, accessToken string) (string, error) {
	if accessToken == "" {
		return rawURL, nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse upstream url: %w", err)
	}
	q := u.Query()
	q.Set("access_token", accessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func redact(rawURL string) string {
	if i := strings.Index(rawURL, "access_token="); i >= 0 {
		return rawURL[:i] + "access_token=REDACTED"
	}
	return rawURL
}
