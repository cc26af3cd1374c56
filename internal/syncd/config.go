package syncd

import (
	"context"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/agrolink-io/agrolink/internal/commandlog"
	"github.com/agrolink-io/agrolink/internal/syncd/dispatch"
	"github.com/agrolink-io/agrolink/internal/syncd/scheduler"
	"github.com/agrolink-io/agrolink/internal/syncd/server"
	grpcserver "github.com/agrolink-io/agrolink/internal/syncd/server/grpc"
	httpserver "github.com/agrolink-io/agrolink/internal/syncd/server/http"
	"github.com/agrolink-io/agrolink/internal/syncd/watcher"
	"github.com/agrolink-io/agrolink/pkg/log"
	"github.com/agrolink-io/agrolink/pkg/mqtt"
	"github.com/agrolink-io/agrolink/pkg/mqtt/topic"
	"github.com/agrolink-io/agrolink/pkg/options"
)

const (
	TransportTCP  = "tcp"
	TransportMQTT = "mqtt"
)

// DispatchConfig selects how tokens reach the actuators.
type DispatchConfig struct {
	Transport string

	// Endpoint is the default host:port of the actuator controller.
	Endpoint string
	// Endpoints overrides Endpoint per device.
	Endpoints map[string]string

	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	// Tokens adds to or overrides the built-in token table, keyed "device:command".
	Tokens map[string]string

	Retry   dispatch.RetryPolicy
	Breaker *dispatch.BreakerPolicy
}

// timeouts returns the connect and write timeouts, with unset values replaced
// by the dispatch defaults.
func (c DispatchConfig) timeouts() (connect, write time.Duration) {
	connect, write = c.ConnectTimeout, c.WriteTimeout
	if connect <= 0 {
		connect = dispatch.DefaultConnectTimeout
	}
	if write <= 0 {
		write = dispatch.DefaultWriteTimeout
	}
	return connect, write
}

type Config struct {
	// Devices is the static device registry. It is read once.
	Devices     []string
	Interval    time.Duration
	TickOnStart bool

	Dispatch DispatchConfig

	SQLiteOptions *options.SQLiteOptions
	HttpOptions   *options.HttpOptions
	GrpcOptions   *options.GrpcOptions
	MqttOptions   *options.MqttOptions
	AuthOptions   *options.AuthOptions

	// Clock drives the scheduler. Nil means the real clock.
	Clock clock.WithTicker
}

// NewDaemon opens the command log and wires the watchers, the dispatcher and
// the servers. The store stays open until Run returns.
func (cfg *Config) NewDaemon(ctx context.Context) (*Daemon, error) {
	devices, err := normalizeDevices(cfg.Devices)
	if err != nil {
		return nil, err
	}

	store, err := commandlog.Open(ctx, cfg.SQLiteOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to open command log: %w", err)
	}

	d, err := cfg.wire(store, devices)
	if err != nil {
		if cerr := store.Close(); cerr != nil {
			log.Error(cerr, "Failed to close command log after wiring failed")
		}
		return nil, err
	}
	return d, nil
}

func (cfg *Config) wire(store *commandlog.Store, devices []string) (*Daemon, error) {
	logger := log.WithName("syncd")

	tokens, err := dispatch.NewTokenTable(cfg.Dispatch.Tokens)
	if err != nil {
		return nil, fmt.Errorf("invalid token table: %w", err)
	}
	keys := make([]string, 0)
	for _, k := range tokens.Keys() {
		keys = append(keys, k.String())
	}
	logger.Debug("Token table loaded", "keys", keys)

	known := tokens.Devices()
	for _, id := range devices {
		if !known[id] {
			logger.Warn("Device has no tokens, its commands will never be sent", "device", id)
		}
	}

	var (
		mqttClient mqtt.Client
		topics     *topic.TopicBuilder
	)
	if cfg.MqttOptions != nil && cfg.MqttOptions.Enabled {
		mqttClient, err = mqtt.NewClient(cfg.MqttOptions.ToClientConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create mqtt client: %w", err)
		}
		topics = topic.NewTopicBuilder(cfg.MqttOptions.TopicRoot)
	}

	connectTimeout, writeTimeout := cfg.Dispatch.timeouts()
	sendTimeout := connectTimeout + writeTimeout

	var transport dispatch.Transport
	switch cfg.Dispatch.Transport {
	case "", TransportTCP:
		transport = dispatch.NewTCPTransport(cfg.Dispatch.Endpoint, cfg.Dispatch.Endpoints,
			connectTimeout, writeTimeout)
	case TransportMQTT:
		if mqttClient == nil {
			return nil, fmt.Errorf("dispatch transport %q requires mqtt to be enabled", TransportMQTT)
		}
		transport = dispatch.NewMQTTTransport(mqttClient, topics, sendTimeout)
	default:
		return nil, fmt.Errorf("unknown dispatch transport %q", cfg.Dispatch.Transport)
	}

	dopts := []dispatch.Option{dispatch.WithRetry(cfg.Dispatch.Retry)}
	if cfg.Dispatch.Breaker != nil {
		dopts = append(dopts, dispatch.WithBreaker(*cfg.Dispatch.Breaker))
	}
	if mqttClient != nil {
		dopts = append(dopts, dispatch.WithNotifier(dispatch.NewMQTTNotifier(mqttClient, topics, sendTimeout)))
	}
	dispatcher := dispatch.New(tokens, transport, dopts...)

	watchers := make([]*watcher.Watcher, 0, len(devices))
	units := make([]scheduler.Unit, 0, len(devices))
	for _, id := range devices {
		w := watcher.New(id, store, dispatcher)
		watchers = append(watchers, w)
		units = append(units, w)
	}

	sopts := []scheduler.Option{scheduler.WithTickOnStart(cfg.TickOnStart)}
	if cfg.Clock != nil {
		sopts = append(sopts, scheduler.WithClock(cfg.Clock))
	}

	d := &Daemon{
		store:    store,
		watchers: watchers,
		mqtt:     mqttClient,
		logger:   logger,
	}

	servers := []server.Server{scheduler.New(units, cfg.Interval, sopts...)}
	if cfg.HttpOptions != nil && cfg.HttpOptions.Enabled {
		servers = append(servers, httpserver.NewServer(cfg.HttpOptions, cfg.AuthOptions, store, d))
	}
	if cfg.GrpcOptions != nil && cfg.GrpcOptions.Enabled {
		servers = append(servers, grpcserver.NewServer(cfg.GrpcOptions, store))
	}
	d.manager = server.NewManager(servers...)

	return d, nil
}

func normalizeDevices(in []string) ([]string, error) {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		if id == "" {
			return nil, fmt.Errorf("device id must not be empty")
		}
		if seen[id] {
			return nil, fmt.Errorf("device %q is registered twice", id)
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no devices configured")
	}
	return out, nil
}
