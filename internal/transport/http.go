// Package transport implements the HTTP probe and ranged-GET primitives
// the HTTP download source (spec §4.F) is built on. Grounded on the
// teacher's internal/engine/probe.go (HEAD-less Range:bytes=0-0 probe,
// Content-Range parsing, filename determination) and
// internal/engine/concurrent/worker.go (ranged GET, buffered copy loop,
// 429 detection), generalized to surface validators (ETag/Last-Modified)
// and RateLimit-Remaining rather than just file size, and to return typed
// model.Error instead of bare fmt.Errorf so the coordinator's retry
// policy (spec §4.H) can branch on error kind.
package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vfaronov/httpheader"

	"github.com/haulio/haul/internal/model"
)

// ProbeResult is everything the HTTP source needs to build a
// model.ResolvedSource and a model.HTTPResumeData.
type ProbeResult struct {
	TotalBytes     int64 // -1 when unknown
	SupportsRanges bool
	ETag           string
	LastModified   string
	ContentType    string
	Filename       string // Content-Disposition suggestion, if any
}

// Client wraps an *http.Client with the user agent and timeouts the
// engine's RuntimeConfig specifies.
type Client struct {
	HTTP      *http.Client
	UserAgent string
}

func New(userAgent string, dialTimeout, requestTimeout time.Duration) *Client {
	dialer := &net.Dialer{Timeout: dialTimeout}
	return &Client{
		HTTP: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: dialer.DialContext,
			},
		},
		UserAgent: userAgent,
	}
}

// Probe issues a Range: bytes=0-0 request and classifies the response
// (spec §4.F resolve): 206 means ranges are supported and the total size
// comes from Content-Range; 200 means the server ignored the Range header
// and the whole body would be sent, so resume/segmentation is unavailable.
func (c *Client) Probe(ctx context.Context, rawurl string, extraHeaders map[string]string) (*ProbeResult, *http.Header, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, nil, model.NewSourceError("building probe request", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Range", "bytes=0-0")
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, nil, model.NewNetworkError(err)
	}
	defer drain(resp)

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &resp.Header, model.NewHTTPError(resp.StatusCode, parseRetryAfter(resp.Header), "rate limited")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, &resp.Header, model.NewAuthenticationFailedError(fmt.Sprintf("probe returned %d", resp.StatusCode))
	}

	result := &ProbeResult{TotalBytes: -1}
	switch resp.StatusCode {
	case http.StatusPartialContent:
		result.SupportsRanges = true
		if cr := resp.Header.Get("Content-Range"); cr != "" {
			if idx := strings.LastIndex(cr, "/"); idx != -1 {
				sizeStr := cr[idx+1:]
				if sizeStr != "*" {
					if n, err := strconv.ParseInt(sizeStr, 10, 64); err == nil {
						result.TotalBytes = n
					}
				}
			}
		}
	case http.StatusOK:
		result.SupportsRanges = false
		if cl := resp.Header.Get("Content-Length"); cl != "" {
			if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
				result.TotalBytes = n
			}
		}
	default:
		return nil, &resp.Header, model.NewHTTPError(resp.StatusCode, 0, "unexpected probe status")
	}

	result.ETag = resp.Header.Get("ETag")
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		result.LastModified = lm
	}
	result.ContentType = resp.Header.Get("Content-Type")
	if _, name, err := httpheader.ContentDisposition(resp.Header); err == nil && name != "" {
		result.Filename = name
	}

	return result, &resp.Header, nil
}

// GetRange issues a single ranged GET for [start, end] inclusive and
// streams the body to onChunk, which receives successive byte slices and
// the absolute offset of the first byte in the slice. onChunk must copy
// the slice if it retains it past the call (the buffer is reused).
//
// GetRange returns the number of bytes successfully delivered to onChunk
// before any error. A 429 response is surfaced as a retryable
// model.Error, and the *http.Response is returned alongside it so the
// caller's per-host backoff (internal/ratelimit) can parse Retry-After /
// RateLimit-Remaining from its headers.
func (c *Client) GetRange(ctx context.Context, rawurl string, start, end int64, extraHeaders map[string]string, onChunk func(offset int64, p []byte) error) (int64, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return 0, nil, model.NewSourceError("building range request", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, nil, model.NewNetworkError(err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		drain(resp)
		return 0, resp, model.NewHTTPError(resp.StatusCode, parseRetryAfter(resp.Header), "rate limited")
	}
	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		drain(resp)
		return 0, resp, model.NewHTTPError(resp.StatusCode, 0, "unexpected range status")
	}
	defer resp.Body.Close()

	buf := make([]byte, 256*1024)
	offset := start
	var delivered int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := onChunk(offset, buf[:n]); err != nil {
				return delivered, resp, err
			}
			offset += int64(n)
			delivered += int64(n)
		}
		if readErr == io.EOF {
			return delivered, resp, nil
		}
		if readErr != nil {
			return delivered, resp, model.NewNetworkError(readErr)
		}
	}
}

// GetFull issues a plain GET with no Range header, for servers whose probe
// reported no range support (spec §4.F: single-connection fallback).
func (c *Client) GetFull(ctx context.Context, rawurl string, extraHeaders map[string]string, onChunk func(offset int64, p []byte) error) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return 0, model.NewSourceError("building full-body request", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return 0, model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return 0, model.NewHTTPError(resp.StatusCode, parseRetryAfter(resp.Header), "rate limited")
	}
	if resp.StatusCode != http.StatusOK {
		return 0, model.NewHTTPError(resp.StatusCode, 0, "unexpected full-body status")
	}

	buf := make([]byte, 256*1024)
	var offset int64
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if err := onChunk(offset, buf[:n]); err != nil {
				return offset, err
			}
			offset += int64(n)
		}
		if readErr == io.EOF {
			return offset, nil
		}
		if readErr != nil {
			return offset, model.NewNetworkError(readErr)
		}
	}
}

// SniffBytes issues a small ranged GET for the first n bytes of a
// resource, used only to feed magic-byte extension sniffing when neither
// Content-Disposition nor the URL path yields a usable filename extension.
func (c *Client) SniffBytes(ctx context.Context, rawurl string, extraHeaders map[string]string, n int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, model.NewSourceError("building sniff request", err)
	}
	req.Header.Set("User-Agent", c.UserAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", n-1))
	for k, v := range extraHeaders {
		req.Header.Set(k, v)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, model.NewNetworkError(err)
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, nil
	}
	buf := make([]byte, n)
	rn, _ := io.ReadFull(resp.Body, buf)
	return buf[:rn], nil
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// parseRetryAfter reads Retry-After off header (delay-seconds or
// HTTP-date form, RFC 9110 §10.2.3) via httpheader, the same library this
// package already uses for Content-Disposition.
func parseRetryAfter(header http.Header) int {
	t, err := httpheader.RetryAfter(header)
	if err != nil || t.IsZero() {
		return 0
	}
	if d := time.Until(t); d > 0 {
		return int(d.Round(time.Second) / time.Second)
	}
	return 0
}
