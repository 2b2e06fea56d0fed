package firmware

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is where published BASIC firmware lives.
const DefaultBaseURL = "https://github.com/aanon4/BlueBasic/raw/master/hex/BlueBasic-"

const dateLength = 14

// ErrEmptyDescriptor is returned for a version descriptor without a date.
var ErrEmptyDescriptor = errors.New("empty version descriptor")

// Feed publishes the newest firmware per board.
type Feed interface {
	// LatestDate returns the date tag of the newest image for board.
	LatestDate(ctx context.Context, board string) (string, error)
	// Image downloads the newest image for board.
	Image(ctx context.Context, board string) ([]byte, error)
}

// StatusError is a non-200 feed response.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// HTTPFeed fetches "{BaseURL}{board}.version" and "{BaseURL}{board}.bin".
type HTTPFeed struct {
	BaseURL string
	Client  *http.Client
}

// NewHTTPFeed returns a feed with a client bounded by timeout.
func NewHTTPFeed(baseURL string, timeout time.Duration) *HTTPFeed {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &HTTPFeed{BaseURL: baseURL, Client: &http.Client{Timeout: timeout}}
}

// LatestDate implements Feed. The date is the first 14 bytes of the
// descriptor, trimmed.
func (f *HTTPFeed) LatestDate(ctx context.Context, board string) (string, error) {
	body, err := f.get(ctx, board+".version")
	if err != nil {
		return "", err
	}
	if len(body) > dateLength {
		body = body[:dateLength]
	}
	date := strings.TrimSpace(string(body))
	if date == "" {
		return "", ErrEmptyDescriptor
	}
	return date, nil
}

// Image implements Feed.
func (f *HTTPFeed) Image(ctx context.Context, board string) ([]byte, error) {
	return f.get(ctx, board+".bin")
}

func (f *HTTPFeed) get(ctx context.Context, name string) ([]byte, error) {
	url := f.BaseURL + name
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("building request for %s: %w", url, err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{URL: url, Code: resp.StatusCode}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", url, err)
	}
	return body, nil
}
