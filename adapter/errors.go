package adapter

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/yitech/marketboard/model/market"
)

var (
	// ErrSourceUnavailable covers transport failures and retryable statuses.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrMalformedResponse means the body did not match the expected schema.
	ErrMalformedResponse = errors.New("malformed response")
	// ErrRejected means the source refused the request itself; retrying
	// the same request will not help.
	ErrRejected = errors.New("request rejected")
)

// Unavailable wraps err as ErrSourceUnavailable for source name.
func Unavailable(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, ErrSourceUnavailable, err)
}

// Malformed wraps err as ErrMalformedResponse for source name.
func Malformed(name string, err error) error {
	return fmt.Errorf("%s: %w: %w", name, ErrMalformedResponse, err)
}

// CheckStatus maps a non-200 response to the error taxonomy.
// 429 and 5xx are transient; any other 4xx is a rejection.
func CheckStatus(name string, resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s: %w: unexpected status %s", name, ErrSourceUnavailable, resp.Status)
	case resp.StatusCode >= 400:
		return fmt.Errorf("%s: %w: unexpected status %s", name, ErrRejected, resp.Status)
	default:
		return fmt.Errorf("%s: %w: unexpected status %s", name, ErrMalformedResponse, resp.Status)
	}
}

// Classify maps an error from any source onto a snapshot ErrorKind.
// Unknown errors are treated as transport failures.
func Classify(err error) market.ErrorKind {
	switch {
	case err == nil:
		return market.KindNone
	case errors.Is(err, ErrRejected):
		return market.KindConfiguration
	case errors.Is(err, ErrMalformedResponse):
		return market.KindMalformedResponse
	default:
		return market.KindSourceUnavailable
	}
}
