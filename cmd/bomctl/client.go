package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"
)

// getBaseURL resolves the API base URL: --server flag, then BOMMER_URL,
// then the controller's default bind address.
func getBaseURL() string {
	if serverURL != "" {
		return serverURL
	}
	if v := os.Getenv("BOMMER_URL"); v != "" {
		return v
	}
	return "http://localhost:8080"
}

// getJSON fetches one API path and decodes the response into out.
var getJSON = func(ctx context.Context, path string, query url.Values, out interface{}) error {
	u, err := url.Parse(getBaseURL())
	if err != nil {
		return fmt.Errorf("invalid server URL: %w", err)
	}
	u.Path = path
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %s: %s", resp.Status, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
