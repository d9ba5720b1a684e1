package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/meterd/internal/device"
)

// maxSnapshotSize bounds a single snapshot response body.
const maxSnapshotSize = 1 << 20

// HTTPSource fetches snapshots from a JSON gateway at {base}/devices/{id}.
// Requests from all devices share one rate limiter so a large fleet cannot
// flood the gateway.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewHTTPSource creates a new HTTP poll source
func NewHTTPSource(baseURL, token string, timeout time.Duration, rateLimitRPS float64) *HTTPSource {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if rateLimitRPS == 0 {
		rateLimitRPS = 5.0
	}
	burst := int(rateLimitRPS)
	if burst < 1 {
		burst = 1
	}

	return &HTTPSource{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(rate.Limit(rateLimitRPS), burst),
	}
}

// Fetch retrieves the current snapshot for a device.
func (s *HTTPSource) Fetch(ctx context.Context, deviceID string) (device.Snapshot, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s/devices/%s", s.baseURL, url.PathEscape(deviceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrDeviceUnreachable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode)
	}

	var snap device.Snapshot
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSnapshotSize)).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for %s: %w", deviceID, err)
	}

	log.Debug().Str("device", deviceID).Int("keys", len(snap)).Msg("Snapshot fetched")
	return snap, nil
}

// Close releases idle connections
func (s *HTTPSource) Close() error {
	s.httpClient.CloseIdleConnections()
	return nil
}
