package feenode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/openfees/feesd/internal/core/domain"
	"github.com/openfees/feesd/internal/core/ports"
)

const getFeesEndpoint = "/getFees"

type Option func(*service)

func WithTimeout(timeout time.Duration) Option {
	return func(s *service) {
		s.httpClient.Timeout = timeout
	}
}

type service struct {
	feesURL    string
	httpClient *http.Client
}

// NewFeeProvider returns a provider that polls a fee node speaking the
// timestamp-map + rate-map JSON format.
func NewFeeProvider(nodeURL string, opts ...Option) (ports.FeeProvider, error) {
	if len(nodeURL) == 0 {
		return nil, fmt.Errorf("fee node URL is required")
	}

	feesURL, err := url.JoinPath(strings.TrimSuffix(nodeURL, "/"), getFeesEndpoint)
	if err != nil {
		return nil, err
	}

	svc := &service{
		feesURL: feesURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	for _, opt := range opts {
		opt(svc)
	}

	return svc, nil
}

type feesResponse struct {
	Timestamps map[string]int64  `json:"timestamps"`
	Fees       map[string]uint64 `json:"fees"`
}

func (s *service) FetchFees(ctx context.Context) (*domain.FeeData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.feesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach fee node: %w", err)
	}
	// nolint:all
	defer resp.Body.Close()

	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, buf)
	}

	payload := feesResponse{}
	if err := json.Unmarshal(buf, &payload); err != nil {
		return nil, fmt.Errorf("failed to parse fee node response: %w", err)
	}
	if len(payload.Timestamps) == 0 || len(payload.Fees) == 0 {
		return nil, fmt.Errorf("fee node returned an incomplete payload: %s", buf)
	}

	return &domain.FeeData{
		Timestamps: payload.Timestamps,
		Rates:      payload.Fees,
	}, nil
}

func (s *service) Name() string {
	return fmt.Sprintf("feenode(%s)", s.feesURL)
}
