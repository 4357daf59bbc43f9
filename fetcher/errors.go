package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrorKind classifies fetch failures so the scheduler can decide between
// retry and terminal removal.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindTimeout
	KindPayloadTooLarge
	KindUnsupportedContentType
	KindDecode
)

// String returns the kind name used in logs and fetch records.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindPayloadTooLarge:
		return "payload_too_large"
	case KindUnsupportedContentType:
		return "unsupported_content_type"
	case KindDecode:
		return "decode"
	default:
		return "unknown"
	}
}

// Error is a typed fetch failure.
type Error struct {
	Kind ErrorKind
	URL  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure may succeed on a later attempt.
// Size and content-type rejections are terminal for the URL.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindPayloadTooLarge, KindUnsupportedContentType:
		return false
	default:
		return true
	}
}

// Kind extracts the ErrorKind from err, defaulting to KindNetwork.
func Kind(err error) ErrorKind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetwork
}

func classifyTransport(rawURL string, err error) *Error {
	kind := KindNetwork
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, URL: rawURL, Err: err}
}
