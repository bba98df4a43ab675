package application_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfees/feesd/internal/core/application"
	"github.com/openfees/feesd/internal/core/domain"
	"github.com/stretchr/testify/require"
)

const minFeePerByte = 5

func TestDefaultFeeBeforeFirstFetch(t *testing.T) {
	svc, _, _ := newTestService(t)

	require.Equal(t, domain.DefaultTxFeePerByte, svc.TxFeePerByte())
	require.NotZero(t, svc.TxFeePerByte())
	require.Zero(t, svc.FeeUpdateCount())
}

func TestBelowFloorFeeIsClamped(t *testing.T) {
	svc, provider, _ := newTestService(t)
	provider.setFees(1, 1000)

	res := waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)
	require.False(t, res.Throttled)
	require.Equal(t, uint64(minFeePerByte), res.Snapshot.TxFeePerByte)
	require.Equal(t, uint64(minFeePerByte), svc.TxFeePerByte())
}

func TestThrottledRequestsShareOneFetch(t *testing.T) {
	svc, provider, clock := newTestService(t)
	provider.setFees(40, 1000)

	res := waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)
	require.False(t, res.Throttled)

	clock.advance(10 * time.Second)

	res = waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)
	require.True(t, res.Throttled)
	require.Equal(t, uint64(40), res.Snapshot.TxFeePerByte)

	require.Equal(t, 1, provider.fetchCount())
}

func TestRequestPastThrottleWindowFetchesAgain(t *testing.T) {
	svc, provider, clock := newTestService(t)
	provider.setFees(40, 1000)

	res := waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)

	clock.advance(2*time.Minute + time.Second)
	provider.setFees(60, 2000)

	res = waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)
	require.False(t, res.Throttled)
	require.Equal(t, uint64(60), res.Snapshot.TxFeePerByte)
	require.Equal(t, 2, provider.fetchCount())
}

func TestFeeUpdateCountGrowsOncePerSuccessfulFetch(t *testing.T) {
	svc, provider, clock := newTestService(t)

	for i := 1; i <= 3; i++ {
		provider.setFees(uint64(10*i), int64(1000*i))
		res := waitForResult(t, svc.RequestFees())
		require.NoError(t, res.Err)
		require.Equal(t, uint64(i), svc.FeeUpdateCount())
		clock.advance(3 * time.Minute)
	}

	provider.setErr(fmt.Errorf("connection refused"))
	res := waitForResult(t, svc.RequestFees())
	require.Error(t, res.Err)
	require.Equal(t, uint64(3), svc.FeeUpdateCount())
}

func TestTxFee(t *testing.T) {
	svc, provider, _ := newTestService(t)
	provider.setFees(50, 1000)

	res := waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)
	require.Equal(t, uint64(12500), svc.TxFee(250))
}

func TestTradeFeeLookups(t *testing.T) {
	svc, _, _ := newTestService(t)

	// Pure lookups, no fetch required.
	require.Equal(t, uint64(5_000), svc.MinMakerFee(domain.SettlementCurrencyBTC))
	require.Equal(t, uint64(5), svc.MinMakerFee(domain.SettlementCurrencyBSQ))
	require.Equal(t, uint64(5_000), svc.MinTakerFee(domain.SettlementCurrencyBTC))
	require.Equal(t, uint64(5), svc.MinTakerFee(domain.SettlementCurrencyBSQ))
	require.Equal(t, uint64(200_000), svc.MakerFeePerBTC(domain.SettlementCurrencyBTC))
	require.Equal(t, uint64(200), svc.MakerFeePerBTC(domain.SettlementCurrencyBSQ))
	require.Equal(t, uint64(200_000), svc.TakerFeePerBTC(domain.SettlementCurrencyBTC))
	require.Equal(t, uint64(200), svc.TakerFeePerBTC(domain.SettlementCurrencyBSQ))
	require.Zero(t, svc.FeeUpdateCount())
}

func TestFailedFetchLeavesCacheUntouched(t *testing.T) {
	svc, provider, clock := newTestService(t)
	provider.setFees(40, 1000)

	res := waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)

	clock.advance(3 * time.Minute)
	provider.setErr(fmt.Errorf("timeout"))

	res = waitForResult(t, svc.RequestFees())
	require.Error(t, res.Err)
	require.Equal(t, uint64(40), svc.TxFeePerByte())
	require.Equal(t, uint64(1), svc.FeeUpdateCount())
}

func TestIncompleteFeePayload(t *testing.T) {
	t.Run("missing_timestamp", func(t *testing.T) {
		svc, provider, _ := newTestService(t)
		provider.setData(&domain.FeeData{
			Timestamps: map[string]int64{},
			Rates:      map[string]uint64{domain.FeeRateKeyBTC: 40},
		})

		res := waitForResult(t, svc.RequestFees())
		require.Error(t, res.Err)
		require.Equal(t, domain.DefaultTxFeePerByte, svc.TxFeePerByte())
	})

	t.Run("missing_rate", func(t *testing.T) {
		svc, provider, _ := newTestService(t)
		provider.setData(&domain.FeeData{
			Timestamps: map[string]int64{domain.FeeTimestampKey: 1000},
			Rates:      map[string]uint64{},
		})

		res := waitForResult(t, svc.RequestFees())
		require.Error(t, res.Err)
		require.Zero(t, svc.FeeUpdateCount())
	})
}

func TestStaleFeeDataIsDiscarded(t *testing.T) {
	svc, provider, clock := newTestService(t)
	provider.setFees(40, 2000)

	res := waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)

	clock.advance(3 * time.Minute)
	provider.setFees(90, 1000)

	res = waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)
	require.Equal(t, uint64(40), svc.TxFeePerByte())
	require.Equal(t, uint64(1), svc.FeeUpdateCount())
}

func TestFeeUpdateSubscription(t *testing.T) {
	svc, provider, clock := newTestService(t)
	id, updates := svc.SubscribeFeeUpdates()

	provider.setFees(40, 1000)
	res := waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)

	update := waitForUpdate(t, updates)
	require.Equal(t, uint64(1), update.Version)
	require.Equal(t, uint64(40), update.TxFeePerByte)
	require.Equal(t, int64(1000), update.SourceTimestamp)

	clock.advance(3 * time.Minute)
	provider.setFees(60, 2000)
	res = waitForResult(t, svc.RequestFees())
	require.NoError(t, res.Err)

	update = waitForUpdate(t, updates)
	require.Equal(t, uint64(2), update.Version)
	require.Equal(t, uint64(60), update.TxFeePerByte)

	svc.UnsubscribeFeeUpdates(id)
	_, open := <-updates
	require.False(t, open)
}

func TestStartIsArmedAtMostOnce(t *testing.T) {
	provider := newStubProvider()
	scheduler := &stubScheduler{}
	clock := newFakeClock()
	provider.setFees(40, 1000)

	svc, err := application.NewFeeService(
		provider, scheduler, nil, nil, minFeePerByte,
		application.WithClock(clock.now),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	require.NoError(t, svc.Start())
	require.NoError(t, svc.Start())
	require.Equal(t, 1, int(scheduler.scheduled.Load()))

	// The initial refresh is unthrottled.
	require.Eventually(t, func() bool {
		return svc.FeeUpdateCount() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestInitialSnapshotSeedsTheCache(t *testing.T) {
	provider := newStubProvider()
	svc, err := application.NewFeeService(
		provider, &stubScheduler{}, nil, nil, minFeePerByte,
		application.WithInitialSnapshot(domain.FeeSnapshot{
			TxFeePerByte:    33,
			SourceTimestamp: 4500,
		}),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	require.Equal(t, uint64(33), svc.TxFeePerByte())
	require.Zero(t, svc.FeeUpdateCount())
}

func TestNewFeeServiceValidation(t *testing.T) {
	_, err := application.NewFeeService(nil, &stubScheduler{}, nil, nil, minFeePerByte)
	require.Error(t, err)

	_, err = application.NewFeeService(newStubProvider(), nil, nil, nil, minFeePerByte)
	require.Error(t, err)

	_, err = application.NewFeeService(newStubProvider(), &stubScheduler{}, nil, nil, 0)
	require.Error(t, err)
}

func newTestService(
	t *testing.T,
) (application.FeeService, *stubProvider, *fakeClock) {
	provider := newStubProvider()
	clock := newFakeClock()

	svc, err := application.NewFeeService(
		provider, &stubScheduler{}, nil, nil, minFeePerByte,
		application.WithClock(clock.now),
	)
	require.NoError(t, err)
	t.Cleanup(svc.Stop)

	return svc, provider, clock
}

func waitForResult(
	t *testing.T, ch <-chan application.FeeRequestResult,
) application.FeeRequestResult {
	select {
	case res := <-ch:
		return res
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fee request result")
		return application.FeeRequestResult{}
	}
}

func waitForUpdate(t *testing.T, ch <-chan domain.FeeUpdate) domain.FeeUpdate {
	select {
	case update := <-ch:
		return update
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fee update")
		return domain.FeeUpdate{}
	}
}

type stubProvider struct {
	lock  sync.Mutex
	data  *domain.FeeData
	err   error
	calls int
}

func newStubProvider() *stubProvider {
	p := &stubProvider{}
	p.setFees(domain.DefaultTxFeePerByte, 1000)
	return p
}

func (p *stubProvider) setFees(feePerByte uint64, sourceTimestamp int64) {
	p.setData(&domain.FeeData{
		Timestamps: map[string]int64{domain.FeeTimestampKey: sourceTimestamp},
		Rates:      map[string]uint64{domain.FeeRateKeyBTC: feePerByte},
	})
}

func (p *stubProvider) setData(data *domain.FeeData) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.data = data
	p.err = nil
}

func (p *stubProvider) setErr(err error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.err = err
}

func (p *stubProvider) fetchCount() int {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.calls
}

func (p *stubProvider) FetchFees(_ context.Context) (*domain.FeeData, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.data, nil
}

func (p *stubProvider) Name() string {
	return "stub"
}

type stubScheduler struct {
	scheduled atomic.Int32
}

func (s *stubScheduler) Start() {}

func (s *stubScheduler) Stop() {}

func (s *stubScheduler) ScheduleTaskEvery(_ time.Duration, _ func()) error {
	s.scheduled.Add(1)
	return nil
}

type fakeClock struct {
	lock sync.Mutex
	t    time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.t = c.t.Add(d)
}
