// Copyright Copilot Gateway Authors
// SPDX-License-Identifier: Apache-2.0

package copilot

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// UpstreamError is a non-2xx answer from the upstream API.
type UpstreamError struct {
	StatusCode int
	Body       string
	// Model is the model the failing request targeted, when known.
	Model string
	// RetryAfter is the server-requested delay before retrying, from the
	// Retry-After header or the error body's retry_after field. Zero when
	// the server gave no instruction.
	RetryAfter time.Duration
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// IsRateLimited reports whether the error represents upstream throttling:
// either HTTP 429 or an error body with code "rate_limited".
func (e *UpstreamError) IsRateLimited() bool {
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	return gjson.Get(e.Body, "error.code").String() == "rate_limited"
}

// AsUpstreamError unwraps err into an *UpstreamError if it is one.
func AsUpstreamError(err error) (*UpstreamError, bool) {
	var ue *UpstreamError
	ok := errors.As(err, &ue)
	return ue, ok
}

// newUpstreamError drains the response body into an UpstreamError.
func newUpstreamError(resp *http.Response, model string) *UpstreamError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	ue := &UpstreamError{
		StatusCode: resp.StatusCode,
		Body:       string(body),
		Model:      model,
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil && secs > 0 {
			ue.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	if ue.RetryAfter == 0 {
		if secs := gjson.Get(ue.Body, "error.retry_after").Int(); secs > 0 {
			ue.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return ue
}
