package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/openfees/feesd/internal/core/domain"
	"github.com/openfees/feesd/internal/core/ports"
	log "github.com/sirupsen/logrus"
)

const (
	defaultThrottleInterval = 2 * time.Minute
	defaultRefreshInterval  = 5 * time.Minute

	fetchTimeout         = 30 * time.Second
	subscriberBufferSize = 16
)

// FeeRequestResult is the typed completion of a single RequestFees call.
// Either Err is set, or Snapshot holds the cache state after the request
// was satisfied. Throttled requests are satisfied by the existing cache.
type FeeRequestResult struct {
	Snapshot  domain.FeeSnapshot
	Throttled bool
	Err       error
}

type FeeService interface {
	// Start arms an immediate unthrottled refresh and the periodic refresh
	// task. Calling it more than once is a no-op.
	Start() error
	Stop()
	// RequestFees asks for a refresh and returns a channel that delivers
	// exactly one result. Requests issued within the throttle window do not
	// contact the provider and complete against the cached snapshot.
	RequestFees() <-chan FeeRequestResult
	// TxFeePerByte returns the cached fee rate. It never triggers a fetch
	// and never returns zero.
	TxFeePerByte() uint64
	TxFee(sizeInBytes uint64) uint64
	MakerFeePerBTC(currency domain.SettlementCurrency) uint64
	MinMakerFee(currency domain.SettlementCurrency) uint64
	TakerFeePerBTC(currency domain.SettlementCurrency) uint64
	MinTakerFee(currency domain.SettlementCurrency) uint64
	// FeeUpdateCount grows by exactly one per successful cache update.
	FeeUpdateCount() uint64
	SubscribeFeeUpdates() (string, <-chan domain.FeeUpdate)
	UnsubscribeFeeUpdates(id string)
}

type FeeServiceOption func(*feeService)

func WithClock(now func() time.Time) FeeServiceOption {
	return func(s *feeService) {
		s.now = now
	}
}

func WithThrottleInterval(interval time.Duration) FeeServiceOption {
	return func(s *feeService) {
		s.throttleInterval = interval
	}
}

func WithRefreshInterval(interval time.Duration) FeeServiceOption {
	return func(s *feeService) {
		s.refreshInterval = interval
	}
}

// WithInitialSnapshot seeds the cache, for example from a persisted
// snapshot of a previous run. Without it the cache starts at the
// compile-time default rate.
func WithInitialSnapshot(snapshot domain.FeeSnapshot) FeeServiceOption {
	return func(s *feeService) {
		if snapshot.TxFeePerByte > 0 {
			s.txFeePerByte.Store(snapshot.TxFeePerByte)
			s.sourceTimestamp.Store(snapshot.SourceTimestamp)
		}
	}
}

type feeService struct {
	provider  ports.FeeProvider
	scheduler ports.SchedulerService
	repo      domain.FeeSnapshotRepository
	alerts    ports.Alerts

	minFeePerByte    uint64
	throttleInterval time.Duration
	refreshInterval  time.Duration
	now              func() time.Time

	// Read-side of the cache. Written only by the ops goroutine.
	txFeePerByte    atomic.Uint64
	sourceTimestamp atomic.Int64
	updateCount     atomic.Uint64

	// Throttle state, touched only by the ops goroutine.
	lastRequest time.Time

	// The service context: ops execute strictly in submission order on a
	// single goroutine.
	ops  chan func()
	done chan struct{}

	started atomic.Bool
	stopped atomic.Bool

	subsLock    sync.Mutex
	subscribers map[string]chan domain.FeeUpdate
}

func NewFeeService(
	provider ports.FeeProvider,
	scheduler ports.SchedulerService,
	repo domain.FeeSnapshotRepository,
	alerts ports.Alerts,
	minFeePerByte uint64,
	opts ...FeeServiceOption,
) (FeeService, error) {
	if provider == nil {
		return nil, fmt.Errorf("missing fee provider")
	}
	if scheduler == nil {
		return nil, fmt.Errorf("missing scheduler")
	}
	if minFeePerByte == 0 {
		return nil, fmt.Errorf("min fee per byte must be greater than 0")
	}

	svc := &feeService{
		provider:         provider,
		scheduler:        scheduler,
		repo:             repo,
		alerts:           alerts,
		minFeePerByte:    minFeePerByte,
		throttleInterval: defaultThrottleInterval,
		refreshInterval:  defaultRefreshInterval,
		now:              time.Now,
		ops:              make(chan func()),
		done:             make(chan struct{}),
		subscribers:      make(map[string]chan domain.FeeUpdate),
	}
	svc.txFeePerByte.Store(domain.DefaultTxFeePerByte)

	for _, opt := range opts {
		opt(svc)
	}

	go svc.loop()

	return svc, nil
}

func (s *feeService) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		log.Warn("fee service already started")
		return nil
	}

	s.RequestFees()

	s.scheduler.Start()
	if err := s.scheduler.ScheduleTaskEvery(s.refreshInterval, func() {
		s.RequestFees()
	}); err != nil {
		return fmt.Errorf("failed to schedule fee refresh: %w", err)
	}

	log.Debugf("fee service started, refreshing every %s", s.refreshInterval)
	return nil
}

func (s *feeService) Stop() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	if s.started.Load() {
		s.scheduler.Stop()
	}
	close(s.done)

	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *feeService) RequestFees() <-chan FeeRequestResult {
	resCh := make(chan FeeRequestResult, 1)

	if ok := s.dispatch(func() {
		now := s.now()
		if !s.lastRequest.IsZero() && now.Sub(s.lastRequest) <= s.throttleInterval {
			log.Debugf(
				"fee request throttled, min pause of %s not elapsed", s.throttleInterval,
			)
			resCh <- FeeRequestResult{Snapshot: s.currentSnapshot(), Throttled: true}
			return
		}

		s.lastRequest = now
		go s.fetch(resCh)
	}); !ok {
		resCh <- FeeRequestResult{Err: fmt.Errorf("fee service stopped")}
	}

	return resCh
}

func (s *feeService) TxFeePerByte() uint64 {
	return s.txFeePerByte.Load()
}

func (s *feeService) TxFee(sizeInBytes uint64) uint64 {
	return s.TxFeePerByte() * sizeInBytes
}

func (s *feeService) MakerFeePerBTC(currency domain.SettlementCurrency) uint64 {
	return domain.TradeFeeScheduleFor(currency).DefaultMakerFee
}

func (s *feeService) MinMakerFee(currency domain.SettlementCurrency) uint64 {
	return domain.TradeFeeScheduleFor(currency).MinMakerFee
}

func (s *feeService) TakerFeePerBTC(currency domain.SettlementCurrency) uint64 {
	return domain.TradeFeeScheduleFor(currency).DefaultTakerFee
}

func (s *feeService) MinTakerFee(currency domain.SettlementCurrency) uint64 {
	return domain.TradeFeeScheduleFor(currency).MinTakerFee
}

func (s *feeService) FeeUpdateCount() uint64 {
	return s.updateCount.Load()
}

func (s *feeService) SubscribeFeeUpdates() (string, <-chan domain.FeeUpdate) {
	id := uuid.NewString()
	ch := make(chan domain.FeeUpdate, subscriberBufferSize)

	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	if s.stopped.Load() {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = ch

	return id, ch
}

func (s *feeService) UnsubscribeFeeUpdates(id string) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	if ch, ok := s.subscribers[id]; ok {
		close(ch)
		delete(s.subscribers, id)
	}
}

func (s *feeService) loop() {
	for {
		select {
		case <-s.done:
			return
		case op := <-s.ops:
			op()
		}
	}
}

// dispatch submits an op to the service context. It returns false if the
// service has been stopped.
func (s *feeService) dispatch(op func()) bool {
	select {
	case <-s.done:
		return false
	case s.ops <- op:
		return true
	}
}

// fetch runs the provider round trip on its own goroutine, then marshals
// the completion back onto the service context.
func (s *feeService) fetch(resCh chan FeeRequestResult) {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	data, err := s.provider.FetchFees(ctx)
	if err != nil {
		if ok := s.dispatch(func() {
			log.WithError(err).Warnf(
				"could not load fees from provider %s", s.provider.Name(),
			)
			resCh <- FeeRequestResult{Err: fmt.Errorf("could not load fees: %w", err)}
		}); !ok {
			resCh <- FeeRequestResult{Err: fmt.Errorf("fee service stopped")}
		}
		return
	}

	if ok := s.dispatch(func() {
		s.applyFeeData(data, resCh)
	}); !ok {
		resCh <- FeeRequestResult{Err: fmt.Errorf("fee service stopped")}
	}
}

// applyFeeData mutates the cache from a successful provider response. It
// runs on the service context only.
func (s *feeService) applyFeeData(data *domain.FeeData, resCh chan FeeRequestResult) {
	if data == nil {
		// Broken provider contract, not a recoverable failure.
		log.Panicf("provider %s returned a nil fee payload", s.provider.Name())
	}

	sourceTimestamp, ok := data.Timestamps[domain.FeeTimestampKey]
	if !ok {
		resCh <- FeeRequestResult{Err: fmt.Errorf(
			"fee payload from %s is missing the %s timestamp",
			s.provider.Name(), domain.FeeTimestampKey,
		)}
		return
	}
	feePerByte, ok := data.Rates[domain.FeeRateKeyBTC]
	if !ok {
		resCh <- FeeRequestResult{Err: fmt.Errorf(
			"fee payload from %s is missing the %s rate",
			s.provider.Name(), domain.FeeRateKeyBTC,
		)}
		return
	}

	// An older fetch may complete after a newer one, the source timestamp
	// is authoritative.
	if sourceTimestamp < s.sourceTimestamp.Load() {
		log.Debugf(
			"discarding fee data older than the cached snapshot (%d < %d)",
			sourceTimestamp, s.sourceTimestamp.Load(),
		)
		resCh <- FeeRequestResult{Snapshot: s.currentSnapshot()}
		return
	}

	if feePerByte < s.minFeePerByte {
		log.Warnf(
			"provider delivered %d sat/byte, clamping to the min fee of %d sat/byte",
			feePerByte, s.minFeePerByte,
		)
		s.publishAlert(ports.FeeFloorHit, ports.FeeFloorHitAlert{
			ReportedFeePerByte: feePerByte,
			MinFeePerByte:      s.minFeePerByte,
			Provider:           s.provider.Name(),
		})
		feePerByte = s.minFeePerByte
	}

	s.txFeePerByte.Store(feePerByte)
	s.sourceTimestamp.Store(sourceTimestamp)
	version := s.updateCount.Add(1)

	snapshot := domain.FeeSnapshot{
		TxFeePerByte:    feePerByte,
		SourceTimestamp: sourceTimestamp,
	}
	log.Infof("btc tx fee: %d sat/byte", feePerByte)

	s.notify(domain.FeeUpdate{
		Version:         version,
		TxFeePerByte:    feePerByte,
		SourceTimestamp: sourceTimestamp,
	})

	if s.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.repo.Upsert(ctx, snapshot); err != nil {
			log.WithError(err).Warn("failed to persist fee snapshot")
		}
		cancel()
	}

	s.publishAlert(ports.FeesUpdated, ports.FeesUpdatedAlert{
		TxFeePerByte:    feePerByte,
		SourceTimestamp: sourceTimestamp,
		Version:         version,
		Provider:        s.provider.Name(),
	})

	resCh <- FeeRequestResult{Snapshot: snapshot}
}

func (s *feeService) currentSnapshot() domain.FeeSnapshot {
	return domain.FeeSnapshot{
		TxFeePerByte:    s.txFeePerByte.Load(),
		SourceTimestamp: s.sourceTimestamp.Load(),
	}
}

func (s *feeService) notify(update domain.FeeUpdate) {
	s.subsLock.Lock()
	defer s.subsLock.Unlock()
	for id, ch := range s.subscribers {
		select {
		case ch <- update:
		default:
			log.Debugf("dropped fee update for slow subscriber %s", id)
		}
	}
}

// publishAlert must not block the service context, the publisher may do
// network round trips.
func (s *feeService) publishAlert(topic ports.Topic, message interface{}) {
	if s.alerts == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.alerts.Publish(ctx, topic, message); err != nil {
			log.WithError(err).Warnf("failed to publish %s alert", topic)
		}
	}()
}
