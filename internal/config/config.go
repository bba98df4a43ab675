package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfees/feesd/internal/core/application"
	"github.com/openfees/feesd/internal/core/domain"
	"github.com/openfees/feesd/internal/core/ports"
	alertsmanager "github.com/openfees/feesd/internal/infrastructure/alertsmanager"
	badgerdb "github.com/openfees/feesd/internal/infrastructure/db/badger"
	esploraprovider "github.com/openfees/feesd/internal/infrastructure/fee-provider/esplora"
	feenodeprovider "github.com/openfees/feesd/internal/infrastructure/fee-provider/feenode"
	redispubsub "github.com/openfees/feesd/internal/infrastructure/pubsub/redis"
	timescheduler "github.com/openfees/feesd/internal/infrastructure/scheduler/gocron"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var (
	supportedNetworks = supportedType{
		"mainnet": {},
		"testnet": {},
		"signet":  {},
		"regtest": {},
	}
	supportedFeeProviders = supportedType{
		"feenode": {},
		"esplora": {},
	}
	supportedAlertPublishers = supportedType{
		"none":         {},
		"alertmanager": {},
		"redis":        {},
	}
)

// The lowest fee rate a provider response may carry before it is clamped,
// per network.
var minFeePerByteByNetwork = map[string]uint64{
	"mainnet": 5,
	"testnet": 1,
	"signet":  1,
	"regtest": 1,
}

type Config struct {
	Datadir  string
	LogLevel int
	Network  string

	FeeProviderType   string
	FeeNodeURL        string
	EsploraURL        string
	EsploraConfTarget int

	RefreshInterval  int64
	ThrottleInterval int64

	NoPersistence bool
	DbDir         string

	AlertsType      string
	AlertManagerURL string
	RedisUrl        string
	RedisChannel    string

	provider  ports.FeeProvider
	scheduler ports.SchedulerService
	repo      domain.FeeSnapshotRepository
	alerts    ports.Alerts
	svc       application.FeeService
}

func (c *Config) String() string {
	clone := *c
	if clone.RedisUrl != "" {
		clone.RedisUrl = "••••••"
	}
	json, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	defaultDatadir          = appDataDir("feesd")
	defaultLogLevel         = 4
	defaultNetwork          = "mainnet"
	defaultFeeProviderType  = "esplora"
	defaultEsploraURL       = "https://blockstream.info/api"
	defaultConfTarget       = 6
	defaultRefreshInterval  = 300 // seconds
	defaultThrottleInterval = 120 // seconds
	defaultAlertsType       = "none"
	defaultRedisChannel     = "feesd:alerts"
	defaultNoPersistence    = false
)

// env returns a list of strings prefixed with `FEESD_`.
// This is used as a syntax sugar for defining env vars.
func env(values ...string) []string {
	envs := make([]string, len(values))

	for i, value := range values {
		envs[i] = fmt.Sprintf("FEESD_%s", value)
	}

	return envs
}

var (
	Datadir = &cli.StringFlag{
		Usage: "Directory to store data",
		Name:  "datadir", EnvVars: env("DATADIR"),
		Value: defaultDatadir,
	}

	LogLevel = &cli.IntFlag{
		Usage: "Logging level (0-6, where 6 is trace)",
		Name:  "log-level", EnvVars: env("LOG_LEVEL"),
		Value: defaultLogLevel,
	}

	Network = &cli.StringFlag{
		Usage: "Bitcoin network (mainnet, testnet, signet, regtest)",
		Name:  "network", EnvVars: env("NETWORK"),
		Value: defaultNetwork,
	}

	FeeProviderType = &cli.StringFlag{
		Usage: "Fee provider type (feenode, esplora)",
		Name:  "fee-provider-type", EnvVars: env("FEE_PROVIDER_TYPE"),
		Value: defaultFeeProviderType,
	}

	FeeNodeURL = &cli.StringFlag{
		Usage: "Fee node url if FEESD_FEE_PROVIDER_TYPE is set to feenode",
		Name:  "fee-node-url", EnvVars: env("FEE_NODE_URL"),
	}

	EsploraURL = &cli.StringFlag{
		Usage: "Esplora url if FEESD_FEE_PROVIDER_TYPE is set to esplora",
		Name:  "esplora-url", EnvVars: env("ESPLORA_URL"),
		Value: defaultEsploraURL,
	}

	EsploraConfTarget = &cli.IntFlag{
		Usage: "Confirmation target used to pick the esplora fee estimate",
		Name:  "esplora-conf-target", EnvVars: env("ESPLORA_CONF_TARGET"),
		Value: defaultConfTarget,
	}

	RefreshInterval = &cli.Int64Flag{
		Usage: "How often the fee cache is refreshed (in seconds)",
		Name:  "refresh-interval", EnvVars: env("REFRESH_INTERVAL"),
		Value: int64(defaultRefreshInterval),
	}

	ThrottleInterval = &cli.Int64Flag{
		Usage: "Min pause between two provider fetches (in seconds)",
		Name:  "throttle-interval", EnvVars: env("THROTTLE_INTERVAL"),
		Value: int64(defaultThrottleInterval),
	}

	NoPersistence = &cli.BoolFlag{
		Usage: "Disable on-disk persistence of the last fee snapshot",
		Name:  "no-persistence", EnvVars: env("NO_PERSISTENCE"),
		Value: defaultNoPersistence,
	}

	AlertsType = &cli.StringFlag{
		Usage: "Alert publisher type (none, alertmanager, redis)",
		Name:  "alerts-type", EnvVars: env("ALERTS_TYPE"),
		Value: defaultAlertsType,
	}

	AlertManagerURL = &cli.StringFlag{
		Usage: "AlertManager url if FEESD_ALERTS_TYPE is set to alertmanager",
		Name:  "alertmanager-url", EnvVars: env("ALERTMANAGER_URL"),
	}

	RedisUrl = &cli.StringFlag{
		Usage: "Redis connection url if FEESD_ALERTS_TYPE is set to redis",
		Name:  "redis-url", EnvVars: env("REDIS_URL"),
	}

	RedisChannel = &cli.StringFlag{
		Usage: "Redis pub/sub channel fee updates are published on",
		Name:  "redis-channel", EnvVars: env("REDIS_CHANNEL"),
		Value: defaultRedisChannel,
	}
)

var Flags = []cli.Flag{
	Datadir,
	LogLevel,
	Network,
	FeeProviderType,
	FeeNodeURL,
	EsploraURL,
	EsploraConfTarget,
	RefreshInterval,
	ThrottleInterval,
	NoPersistence,
	AlertsType,
	AlertManagerURL,
	RedisUrl,
	RedisChannel,
}

func LoadConfig(c *cli.Context) (*Config, error) {
	if err := initDatadir(c); err != nil {
		return nil, fmt.Errorf("failed to create datadir: %s", err)
	}

	dbPath := filepath.Join(c.String(Datadir.Name), "db")

	var feeNodeURL string
	if c.String(FeeProviderType.Name) == "feenode" {
		feeNodeURL = c.String(FeeNodeURL.Name)
		if feeNodeURL == "" {
			return nil, fmt.Errorf(
				"fee provider type set to 'feenode' but fee node url is missing",
			)
		}
	}

	var alertManagerURL string
	if c.String(AlertsType.Name) == "alertmanager" {
		alertManagerURL = c.String(AlertManagerURL.Name)
		if alertManagerURL == "" {
			return nil, fmt.Errorf(
				"alerts type set to 'alertmanager' but alertmanager url is missing",
			)
		}
	}

	var redisUrl string
	if c.String(AlertsType.Name) == "redis" {
		redisUrl = c.String(RedisUrl.Name)
		if redisUrl == "" {
			return nil, fmt.Errorf("alerts type set to 'redis' but redis url is missing")
		}
	}

	return &Config{
		Datadir:           c.String(Datadir.Name),
		LogLevel:          c.Int(LogLevel.Name),
		Network:           c.String(Network.Name),
		FeeProviderType:   c.String(FeeProviderType.Name),
		FeeNodeURL:        feeNodeURL,
		EsploraURL:        c.String(EsploraURL.Name),
		EsploraConfTarget: c.Int(EsploraConfTarget.Name),
		RefreshInterval:   c.Int64(RefreshInterval.Name),
		ThrottleInterval:  c.Int64(ThrottleInterval.Name),
		NoPersistence:     c.Bool(NoPersistence.Name),
		DbDir:             dbPath,
		AlertsType:        c.String(AlertsType.Name),
		AlertManagerURL:   alertManagerURL,
		RedisUrl:          redisUrl,
		RedisChannel:      c.String(RedisChannel.Name),
	}, nil
}

func (c *Config) Validate() error {
	if !supportedNetworks.supports(c.Network) {
		return fmt.Errorf(
			"network must be one of: %s", supportedNetworks,
		)
	}
	if !supportedFeeProviders.supports(c.FeeProviderType) {
		return fmt.Errorf(
			"fee provider type must be one of: %s", supportedFeeProviders,
		)
	}
	if !supportedAlertPublishers.supports(c.AlertsType) {
		return fmt.Errorf(
			"alerts type must be one of: %s", supportedAlertPublishers,
		)
	}
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("refresh interval must be greater than 0")
	}
	if c.ThrottleInterval <= 0 {
		return fmt.Errorf("throttle interval must be greater than 0")
	}
	if c.ThrottleInterval >= c.RefreshInterval {
		return fmt.Errorf("throttle interval must be smaller than refresh interval")
	}

	if err := c.feeProviderService(); err != nil {
		return err
	}
	if err := c.schedulerService(); err != nil {
		return err
	}
	if err := c.repoService(); err != nil {
		return err
	}
	if err := c.alertsService(); err != nil {
		return err
	}
	return c.feeService()
}

func (c *Config) FeeService() (application.FeeService, error) {
	if c.svc == nil {
		if err := c.Validate(); err != nil {
			return nil, err
		}
	}
	return c.svc, nil
}

func (c *Config) MinFeePerByte() uint64 {
	return minFeePerByteByNetwork[c.Network]
}

func (c *Config) feeProviderService() error {
	var svc ports.FeeProvider
	var err error
	switch c.FeeProviderType {
	case "feenode":
		svc, err = feenodeprovider.NewFeeProvider(c.FeeNodeURL)
	case "esplora":
		svc, err = esploraprovider.NewFeeProvider(
			c.EsploraURL, esploraprovider.WithConfTarget(c.EsploraConfTarget),
		)
	default:
		err = fmt.Errorf("unknown fee provider type")
	}
	if err != nil {
		return err
	}

	c.provider = svc
	return nil
}

func (c *Config) schedulerService() error {
	c.scheduler = timescheduler.NewScheduler()
	return nil
}

func (c *Config) repoService() error {
	if c.NoPersistence {
		return nil
	}

	repo, err := badgerdb.NewFeeSnapshotRepository(c.DbDir, nil)
	if err != nil {
		return err
	}

	c.repo = repo
	return nil
}

func (c *Config) alertsService() error {
	switch c.AlertsType {
	case "alertmanager":
		c.alerts = alertsmanager.NewService(c.AlertManagerURL)
	case "redis":
		svc, err := redispubsub.NewService(
			c.RedisUrl, redispubsub.WithChannel(c.RedisChannel),
		)
		if err != nil {
			return err
		}
		c.alerts = svc
	}
	return nil
}

func (c *Config) feeService() error {
	opts := []application.FeeServiceOption{
		application.WithRefreshInterval(time.Duration(c.RefreshInterval) * time.Second),
		application.WithThrottleInterval(time.Duration(c.ThrottleInterval) * time.Second),
	}

	// Warm start: seed the cache with the last persisted snapshot.
	if c.repo != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		snapshot, err := c.repo.Get(ctx)
		cancel()
		if err != nil {
			log.WithError(err).Warn("failed to load persisted fee snapshot")
		} else if snapshot != nil {
			opts = append(opts, application.WithInitialSnapshot(*snapshot))
		}
	}

	svc, err := application.NewFeeService(
		c.provider, c.scheduler, c.repo, c.alerts, c.MinFeePerByte(), opts...,
	)
	if err != nil {
		return err
	}

	c.svc = svc
	return nil
}

func initDatadir(c *cli.Context) error {
	datadir := c.String(Datadir.Name)
	return makeDirectoryIfNotExists(datadir)
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0o755)
	}
	return nil
}

func appDataDir(appName string) string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", appName)
	}
	return filepath.Join(homeDir, "."+appName)
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
