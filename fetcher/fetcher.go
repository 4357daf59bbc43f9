// Package fetcher performs single HTTP GETs with redirect tracking, size
// caps, decompression, and conditional requests. Retry policy lives in the
// scheduler, not here.
package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/html/charset"

	"github.com/yhtsearch/crawler/config"
)

const acceptHeader = "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8"

// Result is the outcome of one fetch attempt that reached the server.
// HTTP 304 carries an empty body and Size 0.
type Result struct {
	FinalURL     string
	Status       int
	Headers      http.Header
	Body         []byte
	ContentType  string
	Charset      string
	ETag         string
	LastModified string
	Redirects    []string
	Duration     time.Duration
	Size         int64
}

// Options carries per-call conditional-GET validators and overrides.
type Options struct {
	ETag         string
	LastModified string
	Timeout      time.Duration
}

// Fetcher issues GET requests through one shared keep-alive transport.
type Fetcher struct {
	cfg       config.FetchConfig
	userAgent string
	transport *http.Transport
}

// New creates a fetcher. poolSize bounds idle connections on the shared
// transport.
func New(cfg config.FetchConfig, userAgent string, poolSize int) *Fetcher {
	if poolSize <= 0 {
		poolSize = 50
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.MaxIdleConns = poolSize
	transport.MaxIdleConnsPerHost = 10
	transport.DisableCompression = true // Accept-Encoding is set explicitly

	return &Fetcher{
		cfg:       cfg,
		userAgent: userAgent,
		transport: transport,
	}
}

// Fetch performs a single GET. 4xx/5xx statuses are returned as results;
// errors are reserved for transport failures, caps, and rejected content.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, opts *Options) (*Result, error) {
	timeout := f.cfg.RequestTimeout
	if opts != nil && opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	var redirects []string
	client := &http.Client{
		Transport: f.transport,
		Timeout:   timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) > f.cfg.MaxRedirects {
				return fmt.Errorf("stopped after %d redirects", f.cfg.MaxRedirects)
			}
			redirects = append(redirects, req.URL.String())
			return nil
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindNetwork, URL: rawURL, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", acceptHeader)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	if opts != nil {
		if opts.ETag != "" {
			req.Header.Set("If-None-Match", opts.ETag)
		}
		if opts.LastModified != "" {
			req.Header.Set("If-Modified-Since", opts.LastModified)
		}
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return nil, classifyTransport(rawURL, err)
	}
	defer resp.Body.Close()

	result := &Result{
		FinalURL:     resp.Request.URL.String(),
		Status:       resp.StatusCode,
		Headers:      resp.Header,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		Redirects:    redirects,
	}
	contentType := resp.Header.Get("Content-Type")
	result.ContentType, result.Charset = splitContentType(contentType)

	if resp.StatusCode == http.StatusNotModified {
		result.Duration = time.Since(start)
		return result, nil
	}

	if declared := resp.Header.Get("Content-Length"); declared != "" {
		if length, err := strconv.ParseInt(declared, 10, 64); err == nil && length > f.cfg.MaxPageSize {
			return nil, &Error{
				Kind: KindPayloadTooLarge,
				URL:  rawURL,
				Err:  fmt.Errorf("declared content length %d exceeds cap %d", length, f.cfg.MaxPageSize),
			}
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && !f.contentTypeAllowed(result.ContentType) {
		return nil, &Error{
			Kind: KindUnsupportedContentType,
			URL:  rawURL,
			Err:  fmt.Errorf("content type %q not in allowed set", result.ContentType),
		}
	}

	raw, err := readCapped(resp.Body, f.cfg.MaxPageSize)
	if err != nil {
		if fe, ok := err.(*Error); ok {
			fe.URL = rawURL
			return nil, fe
		}
		return nil, classifyTransport(rawURL, err)
	}

	result.Body = decodeCharset(decompress(raw, resp.Header.Get("Content-Encoding")), result.Charset)
	result.Size = int64(len(result.Body))
	result.Duration = time.Since(start)
	return result, nil
}

// decodeCharset transcodes a non-UTF-8 body to UTF-8 so downstream text
// handling sees one encoding. Unknown labels leave the body untouched.
func decodeCharset(body []byte, label string) []byte {
	if label == "" || label == "utf-8" {
		return body
	}
	reader, err := charset.NewReaderLabel(label, bytes.NewReader(body))
	if err != nil {
		return body
	}
	decoded, err := io.ReadAll(reader)
	if err != nil {
		return body
	}
	return decoded
}

func (f *Fetcher) contentTypeAllowed(contentType string) bool {
	if contentType == "" {
		return false
	}
	for _, allowed := range f.cfg.AllowedContentTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

// readCapped reads at most max bytes, failing with KindPayloadTooLarge if
// the stream continues past the cap.
func readCapped(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, &Error{
			Kind: KindPayloadTooLarge,
			Err:  fmt.Errorf("body exceeds cap of %d bytes", max),
		}
	}
	return data, nil
}

// decompress decodes a gzip, deflate, or brotli body. A decode failure falls
// back to the raw bytes.
func decompress(body []byte, encoding string) []byte {
	var reader io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		// Servers send both zlib-wrapped and raw deflate streams.
		zr, err := zlib.NewReader(bytes.NewReader(body))
		if err == nil {
			defer zr.Close()
			reader = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			reader = fr
		}
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return body
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return body
	}
	return decoded
}

// splitContentType separates the media type and charset parameter, with
// UTF-8 as the charset default.
func splitContentType(header string) (mediaType, charset string) {
	if header == "" {
		return "", "utf-8"
	}
	mediaType, params, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header)), "utf-8"
	}
	charset = strings.ToLower(params["charset"])
	if charset == "" {
		charset = "utf-8"
	}
	return mediaType, charset
}
