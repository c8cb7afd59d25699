package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"time"

	"github.com/docmesh/docmesh/pkg/common"
)

const (
	// attempts against the storage daemon before giving up
	putRetries = 3
	// pause between retries
	retryBackoff = time.Second
)

// HTTPNetwork talks to a content-addressed storage daemon over its HTTP
// API (an IPFS-style add/cat surface).
type HTTPNetwork struct {
	apiURL string
	client *http.Client
	logger *slog.Logger
}

func NewHTTPNetwork(apiURL string, timeout time.Duration, logger *slog.Logger) (*HTTPNetwork, error) {
	if logger == nil {
		return nil, fmt.Errorf("new http network, logger is nil")
	}
	return &HTTPNetwork{
		apiURL: apiURL,
		client: &http.Client{Timeout: timeout},
		logger: logger.With("component", "storage"),
	}, nil
}

type addResult struct {
	Hash string `json:"Hash"`
}

// Put uploads content with pinning enabled and returns the reported hash.
func (n *HTTPNetwork) Put(ctx context.Context, name string, content []byte) (string, error) {
	var lastErr error
	for attempt := 0; attempt < putRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(retryBackoff):
			}
		}

		ref, err := n.add(ctx, name, content)
		if err == nil {
			return ref, nil
		}
		lastErr = err
		n.logger.Warn("storage put failed", "attempt", attempt+1, "error", err.Error())
	}
	return "", fmt.Errorf("%w: %s", common.ErrStorageUnavailable, lastErr.Error())
}

func (n *HTTPNetwork) add(ctx context.Context, name string, content []byte) (string, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return "", err
	}
	if _, err := fw.Write(content); err != nil {
		return "", err
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.apiURL+"/add?pin=true", body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := n.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("storage add: unexpected status %d", resp.StatusCode)
	}

	var result addResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.Hash == "" {
		return "", fmt.Errorf("storage add: empty hash in response")
	}
	return result.Hash, nil
}

// Get resolves a content reference to its bytes.
func (n *HTTPNetwork) Get(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.apiURL+"/cat?arg="+url.QueryEscape(ref), nil)
	if err != nil {
		return nil, err
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrStorageUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", common.ErrStorageUnavailable, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
