package options

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/pflag"

	"github.com/agrolink-io/agrolink/internal/syncd"
	"github.com/agrolink-io/agrolink/internal/syncd/dispatch"
	genericoptions "github.com/agrolink-io/agrolink/pkg/options"
)

const maxRetryAttempts = 5

type RetryOptions struct {
	// MaxAttempts of 1 sends once and never retries.
	MaxAttempts     int           `json:"max-attempts" mapstructure:"max-attempts"`
	InitialInterval time.Duration `json:"initial-interval" mapstructure:"initial-interval"`
	MaxInterval     time.Duration `json:"max-interval" mapstructure:"max-interval"`
}

type BreakerOptions struct {
	Enabled             bool          `json:"enabled" mapstructure:"enabled"`
	ConsecutiveFailures uint32        `json:"consecutive-failures" mapstructure:"consecutive-failures"`
	OpenTimeout         time.Duration `json:"open-timeout" mapstructure:"open-timeout"`
}

// DispatchOptions configures delivery of wire tokens to the actuators.
type DispatchOptions struct {
	Transport string `json:"transport" mapstructure:"transport"`

	// Endpoint is the actuator controller, host:port.
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`

	// Endpoints overrides Endpoint per device.
	Endpoints map[string]string `json:"endpoints" mapstructure:"endpoints"`

	ConnectTimeout time.Duration `json:"connect-timeout" mapstructure:"connect-timeout"`
	WriteTimeout   time.Duration `json:"write-timeout" mapstructure:"write-timeout"`

	// Tokens extends the built-in table, keyed device:command.
	Tokens map[string]string `json:"tokens" mapstructure:"tokens"`

	Retry   RetryOptions   `json:"retry" mapstructure:"retry"`
	Breaker BreakerOptions `json:"breaker" mapstructure:"breaker"`
}

func NewDispatchOptions() *DispatchOptions {
	return &DispatchOptions{
		Transport:      syncd.TransportTCP,
		Endpoint:       "192.168.38.82:80",
		ConnectTimeout: dispatch.DefaultConnectTimeout,
		WriteTimeout:   dispatch.DefaultWriteTimeout,
		Retry: RetryOptions{
			MaxAttempts:     1,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     200 * time.Millisecond,
		},
		Breaker: BreakerOptions{
			ConsecutiveFailures: 5,
			OpenTimeout:         30 * time.Second,
		},
	}
}

func validateEndpoint(flag, addr string) error {
	if err := genericoptions.ValidateAddress(addr); err != nil {
		return fmt.Errorf("%s: %w", flag, err)
	}
	if host, _, _ := net.SplitHostPort(addr); host == "" {
		return fmt.Errorf("%s: %q needs a host", flag, addr)
	}
	return nil
}

// Validate checks the group on its own. Checks against the tick interval live
// in SyncdOptions.Validate.
func (o *DispatchOptions) Validate(mqttEnabled bool) []error {
	var errs []error

	switch o.Transport {
	case syncd.TransportTCP:
		if err := validateEndpoint("--dispatch.endpoint", o.Endpoint); err != nil {
			errs = append(errs, err)
		}
		for device, addr := range o.Endpoints {
			if err := validateEndpoint("--dispatch.endpoints["+device+"]", addr); err != nil {
				errs = append(errs, err)
			}
		}
	case syncd.TransportMQTT:
		if !mqttEnabled {
			errs = append(errs, fmt.Errorf("--dispatch.transport=mqtt requires --mqtt.enabled"))
		}
	default:
		errs = append(errs, fmt.Errorf("--dispatch.transport must be %q or %q, got %q",
			syncd.TransportTCP, syncd.TransportMQTT, o.Transport))
	}

	if o.ConnectTimeout <= 0 || o.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--dispatch.connect-timeout and --dispatch.write-timeout must be positive"))
	}

	for key, token := range o.Tokens {
		if _, err := dispatch.ParseKey(key); err != nil {
			errs = append(errs, fmt.Errorf("--dispatch.tokens: %w", err))
		}
		if token == "" {
			errs = append(errs, fmt.Errorf("--dispatch.tokens: token for %q must not be empty", key))
		}
	}

	if o.Retry.MaxAttempts < 1 || o.Retry.MaxAttempts > maxRetryAttempts {
		errs = append(errs, fmt.Errorf("--dispatch.retry.max-attempts must be between 1 and %d", maxRetryAttempts))
	}
	if o.Retry.MaxAttempts > 1 && (o.Retry.InitialInterval <= 0 || o.Retry.MaxInterval < o.Retry.InitialInterval) {
		errs = append(errs, fmt.Errorf("--dispatch.retry intervals must be positive with max-interval >= initial-interval"))
	}

	if o.Breaker.Enabled {
		if o.Breaker.ConsecutiveFailures < 1 {
			errs = append(errs, fmt.Errorf("--dispatch.breaker.consecutive-failures must be at least 1"))
		}
		if o.Breaker.OpenTimeout <= 0 {
			errs = append(errs, fmt.Errorf("--dispatch.breaker.open-timeout must be positive"))
		}
	}

	return errs
}

// attemptBudget is the longest a single dispatch can take.
func (o *DispatchOptions) attemptBudget() time.Duration {
	perAttempt := o.ConnectTimeout + o.WriteTimeout
	n := max(o.Retry.MaxAttempts, 1)
	return time.Duration(n)*perAttempt + time.Duration(n-1)*o.Retry.MaxInterval
}

func (o *DispatchOptions) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Transport, "dispatch.transport", o.Transport, "How tokens reach the actuators: 'tcp' (raw bytes, one connection per command) or 'mqtt'.")
	fs.StringVar(&o.Endpoint, "dispatch.endpoint", o.Endpoint, "Actuator controller host:port for the tcp transport.")
	fs.StringToStringVar(&o.Endpoints, "dispatch.endpoints", o.Endpoints, "Per-device endpoint overrides, e.g. fan=10.0.0.7:80.")
	fs.DurationVar(&o.ConnectTimeout, "dispatch.connect-timeout", o.ConnectTimeout, "Timeout for connecting to the actuator controller.")
	fs.DurationVar(&o.WriteTimeout, "dispatch.write-timeout", o.WriteTimeout, "Timeout for writing a token.")
	fs.StringToStringVar(&o.Tokens, "dispatch.tokens", o.Tokens, "Additional or overriding wire tokens, e.g. valve:on=VALVE_ON.")

	fs.IntVar(&o.Retry.MaxAttempts, "dispatch.retry.max-attempts", o.Retry.MaxAttempts, "Delivery attempts per changed command. 1 disables retries.")
	fs.DurationVar(&o.Retry.InitialInterval, "dispatch.retry.initial-interval", o.Retry.InitialInterval, "Backoff before the first retry.")
	fs.DurationVar(&o.Retry.MaxInterval, "dispatch.retry.max-interval", o.Retry.MaxInterval, "Upper bound of the retry backoff.")

	fs.BoolVar(&o.Breaker.Enabled, "dispatch.breaker.enabled", o.Breaker.Enabled, "Stop contacting a device's endpoint after repeated failures.")
	fs.Uint32Var(&o.Breaker.ConsecutiveFailures, "dispatch.breaker.consecutive-failures", o.Breaker.ConsecutiveFailures, "Consecutive failures that open a device's breaker.")
	fs.DurationVar(&o.Breaker.OpenTimeout, "dispatch.breaker.open-timeout", o.Breaker.OpenTimeout, "How long an open breaker rejects dispatches before probing again.")
}

func (o *DispatchOptions) config() syncd.DispatchConfig {
	cfg := syncd.DispatchConfig{
		Transport:      o.Transport,
		Endpoint:       o.Endpoint,
		Endpoints:      o.Endpoints,
		ConnectTimeout: o.ConnectTimeout,
		WriteTimeout:   o.WriteTimeout,
		Tokens:         o.Tokens,
		Retry: dispatch.RetryPolicy{
			MaxAttempts:     o.Retry.MaxAttempts,
			InitialInterval: o.Retry.InitialInterval,
			MaxInterval:     o.Retry.MaxInterval,
		},
	}
	if o.Breaker.Enabled {
		cfg.Breaker = &dispatch.BreakerPolicy{
			ConsecutiveFailures: o.Breaker.ConsecutiveFailures,
			OpenTimeout:         o.Breaker.OpenTimeout,
		}
	}
	return cfg
}
