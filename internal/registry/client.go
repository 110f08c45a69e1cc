package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"time"

	"github.com/digdir/erproxy-sync/internal/httpclient"
)

//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=client.go Client

// Client reaches the registry endpoints the sync pipeline needs
type Client interface {
	// OpenSnapshot opens the compressed bulk export of a partition.
	// The caller must close the returned stream.
	OpenSnapshot(ctx context.Context, p Partition) (io.ReadCloser, error)

	// FetchChanges fetches and decodes one change page
	FetchChanges(ctx context.Context, pageURL string) (*ChangePage, error)

	// FetchEntity fetches one entity and reports its status whatever it is.
	// Only transport failures are returned as errors.
	FetchEntity(ctx context.Context, entityURL string) (*EntityResponse, error)
}

// ErrSnapshotNotFound is returned when the registry has no bulk export for a partition
var ErrSnapshotNotFound = errors.New("snapshot not published")

// HTTPClient implements Client on top of an httpclient.Client
type HTTPClient struct {
	http httpclient.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a registry client
func NewHTTPClient(client httpclient.Client) *HTTPClient {
	return &HTTPClient{http: client}
}

// OpenSnapshot implements Client
func (c *HTTPClient) OpenSnapshot(ctx context.Context, p Partition) (io.ReadCloser, error) {
	body, err := c.http.Stream(ctx, p.SnapshotURL)
	if httpclient.IsNotFound(err) {
		return nil, fmt.Errorf("failed to open snapshot for %s: %w: %w", p.Name, ErrSnapshotNotFound, err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open snapshot for %s: %w", p.Name, err)
	}
	return body, nil
}

// FetchChanges implements Client
func (c *HTTPClient) FetchChanges(ctx context.Context, pageURL string) (*ChangePage, error) {
	data, err := c.http.Get(ctx, pageURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch change page: %w", err)
	}

	var page ChangePage
	if err := json.Unmarshal(data, &page); err != nil {
		return nil, fmt.Errorf("failed to decode change page: %w", err)
	}
	return &page, nil
}

// FetchEntity implements Client
func (c *HTTPClient) FetchEntity(ctx context.Context, entityURL string) (*EntityResponse, error) {
	resp, err := c.http.Fetch(ctx, entityURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch entity: %w", err)
	}
	return &EntityResponse{StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// ChangesURL builds the change-feed URL for a cursor, page size and page number.
// Existing query parameters on the partition's changes URL are kept.
func ChangesURL(p Partition, cursorParam string, since time.Time, size, page int) (string, error) {
	u, err := url.Parse(p.ChangesURL)
	if err != nil {
		return "", fmt.Errorf("invalid changes URL for %s: %w", p.Name, err)
	}

	q := u.Query()
	q.Set(cursorParam, FormatCursor(since))
	q.Set("size", strconv.Itoa(size))
	q.Set("page", strconv.Itoa(page))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// FormatCursor renders t in the fixed cursor layout, in UTC
func FormatCursor(t time.Time) string {
	return t.UTC().Format(CursorLayout)
}
