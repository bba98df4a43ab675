package esplora

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openfees/feesd/internal/core/domain"
	"github.com/openfees/feesd/internal/core/ports"
)

const (
	feeEstimatesEndpoint = "/fee-estimates"

	defaultConfTarget = 6
)

type Option func(*service)

// WithConfTarget selects which confirmation target of the esplora estimate
// map is used as the byte-fee rate.
func WithConfTarget(target int) Option {
	return func(s *service) {
		s.confTarget = target
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(s *service) {
		s.httpClient.Timeout = timeout
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *service) {
		s.now = now
	}
}

type service struct {
	estimatesURL string
	confTarget   int
	httpClient   *http.Client
	now          func() time.Time
}

// NewFeeProvider returns a provider backed by an esplora instance. Esplora
// reports no data timestamp of its own, so the local clock at fetch time is
// used as the source timestamp.
func NewFeeProvider(esploraURL string, opts ...Option) (ports.FeeProvider, error) {
	if len(esploraURL) == 0 {
		return nil, fmt.Errorf("esplora URL is required")
	}

	estimatesURL, err := url.JoinPath(
		strings.TrimSuffix(esploraURL, "/"), feeEstimatesEndpoint,
	)
	if err != nil {
		return nil, err
	}

	svc := &service{
		estimatesURL: estimatesURL,
		confTarget:   defaultConfTarget,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		now: time.Now,
	}

	for _, opt := range opts {
		opt(svc)
	}

	if svc.confTarget <= 0 {
		return nil, fmt.Errorf("confirmation target must be greater than 0")
	}

	return svc, nil
}

func (s *service) FetchFees(ctx context.Context) (*domain.FeeData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.estimatesURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach esplora: %w", err)
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

	// Esplora returns a map of confirmation target to sat/vB.
	estimates := make(map[string]float64)
	if err := json.Unmarshal(buf, &estimates); err != nil {
		return nil, fmt.Errorf("failed to parse fee estimates: %w", err)
	}

	rate, ok := estimates[strconv.Itoa(s.confTarget)]
	if !ok {
		return nil, fmt.Errorf(
			"no estimate for confirmation target %d", s.confTarget,
		)
	}

	return &domain.FeeData{
		Timestamps: map[string]int64{
			domain.FeeTimestampKey: s.now().Unix(),
		},
		Rates: map[string]uint64{
			domain.FeeRateKeyBTC: uint64(math.Ceil(rate)),
		},
	}, nil
}

func (s *service) Name() string {
	return fmt.Sprintf("esplora(%s)", s.estimatesURL)
}
