package fairness

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// HTTPBeacon reads a random value from a drand style endpoint. The JSON body
// must carry a hex string in "randomness" or "value".
type HTTPBeacon struct {
	URL    string
	Client *http.Client
}

func NewHTTPBeacon(url string) *HTTPBeacon {
	return &HTTPBeacon{URL: url, Client: http.DefaultClient}
}

type beaconResponse struct {
	Round      uint64 `json:"round"`
	Randomness string `json:"randomness"`
	Value      string `json:"value"`
}

func (b *HTTPBeacon) Fetch(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.URL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build beacon request: %v", err)
	}

	resp, err := b.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("beacon request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("beacon returned status %d", resp.StatusCode)
	}

	var body beaconResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body); err != nil {
		return "", fmt.Errorf("malformed beacon response: %v", err)
	}

	value := body.Randomness
	if value == "" {
		value = body.Value
	}
	raw, err := hex.DecodeString(value)
	if err != nil || len(raw) < 16 {
		return "", fmt.Errorf("malformed beacon value %q", value)
	}
	return value, nil
}
