// Package llm holds the text-generation clients used for enrichment and the
// middlewares that wrap them.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// LLMClient sends a prompt plus a JSON input and returns the model's reply.
// The reply is whatever text the model produced; callers repair and validate
// it themselves.
type LLMClient interface {
	Name() string
	GenerateJSON(ctx context.Context, prompt string, input any) (json.RawMessage, error)
	Close() error
}

// ErrInvalidJSON reports a reply with no usable content.
var ErrInvalidJSON = errors.New("llm: empty or invalid reply from model")

// PermanentError marks a failure that retrying will not fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err, or anything it wraps, is a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// statusError classifies an HTTP status: 4xx responses other than request
// timeout and rate limiting are permanent, everything else may be retried.
func statusError(provider string, code int, detail string) error {
	err := fmt.Errorf("%s: unexpected status %d %s: %s", provider, code, http.StatusText(code), detail)
	if code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests {
		return NewPermanentError(err)
	}
	return err
}

// composePrompt joins the instruction and the indented input the same way for
// every provider.
func composePrompt(prompt string, input any) (string, error) {
	in, err := encodeInput(input)
	if err != nil {
		return "", fmt.Errorf("encode input: %w", err)
	}
	return prompt + "\n\n[INPUT JSON]\n" + in, nil
}

// encodeInput indents input without HTML escaping, so signatures such as
// "(a) => void" reach the model as written.
func encodeInput(input any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(input); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
