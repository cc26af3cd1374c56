package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*GrpcOptions)(nil)

// GrpcOptions are for creating an unauthenticated, unauthorized, insecure port.
type GrpcOptions struct {
	Enabled bool `json:"enabled" mapstructure:"enabled"`

	// Network with server network.
	Network string `json:"network" mapstructure:"network"`

	// Addr with server address.
	Addr string `json:"addr" mapstructure:"addr"`

	// Timeout is applied to unary calls that arrive without a deadline.
	Timeout time.Duration `json:"timeout" mapstructure:"timeout"`

	// ProbeInterval is how often the health status is refreshed.
	ProbeInterval time.Duration `json:"probe-interval" mapstructure:"probe-interval"`
}

// NewGrpcOptions is for creating an unauthenticated, unauthorized, insecure port.
func NewGrpcOptions() *GrpcOptions {
	return &GrpcOptions{
		Enabled:       true,
		Network:       "tcp",
		Addr:          "0.0.0.0:8091",
		Timeout:       10 * time.Second,
		ProbeInterval: 5 * time.Second,
	}
}

// Validate is used to parse and validate the parameters entered by the user at
// the command line when the program starts.
func (o *GrpcOptions) Validate() []error {
	if o == nil || !o.Enabled {
		return nil
	}

	var errs []error

	if err := ValidateAddress(o.Addr); err != nil {
		errs = append(errs, fmt.Errorf("--grpc.addr: %w", err))
	}
	if o.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("--grpc.timeout must be positive"))
	}
	if o.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("--grpc.probe-interval must be positive"))
	}

	return errs
}

// AddFlags adds flags related to features for a specific api server to the
// specified FlagSet.
func (o *GrpcOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.BoolVar(&o.Enabled, flagName("grpc.enabled", prefixes...), o.Enabled, "Serve the gRPC health service.")
	fs.StringVar(&o.Network, flagName("grpc.network", prefixes...), o.Network, "Specify the network for the gRPC server.")
	fs.StringVar(&o.Addr, flagName("grpc.addr", prefixes...), o.Addr, "Specify the gRPC server bind address and port.")
	fs.DurationVar(&o.Timeout, flagName("grpc.timeout", prefixes...), o.Timeout, "Deadline applied to unary calls that carry none.")
	fs.DurationVar(&o.ProbeInterval, flagName("grpc.probe-interval", prefixes...), o.ProbeInterval, "How often the reported health status is refreshed.")
}
