package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/vigilhq/vigil/internal/proto"
)

// HTTPFetcher returns a Fetcher backed by the relay's session-list endpoint.
func HTTPFetcher(baseURL, token string) Fetcher {
	client := &http.Client{Timeout: 10 * time.Second}
	url := baseURL + "/api/sessions"
	return func(ctx context.Context) ([]proto.SessionInfo, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch sessions: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			return nil, fmt.Errorf("fetch sessions: %s", resp.Status)
		}

		var list []proto.SessionInfo
		if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
			return nil, fmt.Errorf("decode sessions: %w", err)
		}
		return list, nil
	}
}
