package manifest

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"patchpilot/internal/failure"
)

// maxDocumentSize caps how much of a manifest response is read.
const maxDocumentSize = 32 << 20

// Fetch downloads and parses the manifest at url. Network failures and
// non-2xx responses are transfer errors so an outer retry policy can act on
// them; structural problems are not retried.
func Fetch(ctx context.Context, client *http.Client, url string) (Manifest, error) {
	data, err := GetDocument(ctx, client, url)
	if err != nil {
		return Manifest{}, err
	}
	return Parse(data)
}

// StatusError reports a non-2xx response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// GetDocument GETs a small JSON document.
func GetDocument(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := failure.FromContext(ctx, "fetch manifest"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.New(failure.KindTransfer, "fetch manifest", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, failure.New(failure.KindTransfer, "fetch manifest", url,
			&StatusError{URL: url, StatusCode: resp.StatusCode})
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		if ctxErr := failure.FromContext(ctx, "fetch manifest"); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, failure.New(failure.KindTransfer, "fetch manifest", url, err)
	}
	return data, nil
}
