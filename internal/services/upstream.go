package services

import (
	"context"
	"fmt"
	"net/url"

	"chatrelay-backend/internal/models"
)

// Upstream generates an assistant reply for a transcript. Implementations make
// exactly one attempt and report failures as *UpstreamError.
type Upstream interface {
	Name() string
	Generate(ctx context.Context, p Prompt) (string, error)
}

// Prompt is what an upstream receives: an optional fixed system instruction
// followed by the whole transcript.
type Prompt struct {
	System string
	Turns  []models.Turn
}

type ErrorKind string

const (
	KindTransport ErrorKind = "transport" // no HTTP response was received
	KindStatus    ErrorKind = "status"    // non-2xx response
	KindDecode    ErrorKind = "decode"    // 2xx response without a usable reply
)

type UpstreamError struct {
	Provider   string
	Kind       ErrorKind
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	switch e.Kind {
	case KindStatus:
		return fmt.Sprintf("%s: upstream returned status %d", e.Provider, e.StatusCode)
	default:
		return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
	}
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

type DecodeReason string

const (
	ReasonMalformedBody DecodeReason = "malformed_body"
	ReasonNoCandidates  DecodeReason = "no_candidates"
	ReasonNoContent     DecodeReason = "no_content"
	ReasonNoParts       DecodeReason = "no_parts"
	ReasonNoText        DecodeReason = "no_text"
	ReasonBlocked       DecodeReason = "blocked"
)

// DecodeError names why a successful response carried no reply text.
type DecodeError struct {
	Reason DecodeReason
	Detail string
}

func (e *DecodeError) Error() string {
	if e.Detail == "" {
		return "decode: " + string(e.Reason)
	}
	return fmt.Sprintf("decode: %s: %s", e.Reason, e.Detail)
}

// maxErrorBody bounds how much of an error response is kept for logging.
const maxErrorBody = 2048

func transportError(provider string, err error) *UpstreamError {
	return &UpstreamError{Provider: provider, Kind: KindTransport, Err: redactURLError(err)}
}

func statusError(provider string, code int, body string) *UpstreamError {
	if len(body) > maxErrorBody {
		body = body[:maxErrorBody]
	}
	return &UpstreamError{Provider: provider, Kind: KindStatus, StatusCode: code, Body: body}
}

func decodeError(provider string, reason DecodeReason, detail string) *UpstreamError {
	return &UpstreamError{Provider: provider, Kind: KindDecode, Err: &DecodeError{Reason: reason, Detail: detail}}
}

// redactURLError strips the query string from *url.Error so API keys passed
// as query parameters never reach the logs.
func redactURLError(err error) error {
	ue, ok := err.(*url.Error)
	if !ok {
		return err
	}
	u, perr := url.Parse(ue.URL)
	if perr != nil {
		return &url.Error{Op: ue.Op, URL: "[redacted]", Err: ue.Err}
	}
	u.RawQuery = ""
	return &url.Error{Op: ue.Op, URL: u.String(), Err: ue.Err}
}
