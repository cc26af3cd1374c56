package options

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/agrolink-io/agrolink/internal/syncd/scheduler"
)

// SchedulerOptions holds the device registry and the tick cadence.
type SchedulerOptions struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`

	// Devices is read once at startup.
	Devices []string `json:"devices" mapstructure:"devices"`

	// TickOnStart runs one round immediately instead of waiting a full interval.
	TickOnStart bool `json:"tick-on-start" mapstructure:"tick-on-start"`
}

func NewSchedulerOptions() *SchedulerOptions {
	return &SchedulerOptions{
		Interval:    scheduler.DefaultInterval,
		Devices:     []string{"pump", "fan", "motor"},
		TickOnStart: true,
	}
}

func (o *SchedulerOptions) complete() {
	for i, d := range o.Devices {
		o.Devices[i] = strings.ToLower(strings.TrimSpace(d))
	}
}

func (o *SchedulerOptions) Validate() []error {
	var errs []error

	if o.Interval <= 0 {
		errs = append(errs, fmt.Errorf("--scheduler.interval must be positive"))
	}
	if len(o.Devices) == 0 {
		errs = append(errs, fmt.Errorf("--scheduler.devices must name at least one device"))
	}
	seen := make(map[string]bool, len(o.Devices))
	for _, d := range o.Devices {
		switch {
		case d == "":
			errs = append(errs, fmt.Errorf("--scheduler.devices contains an empty device id"))
		case seen[d]:
			errs = append(errs, fmt.Errorf("--scheduler.devices lists %q twice", d))
		}
		seen[d] = true
	}

	return errs
}

func (o *SchedulerOptions) AddFlags(fs *pflag.FlagSet) {
	fs.DurationVar(&o.Interval, "scheduler.interval", o.Interval, "How often every device's latest command is checked.")
	fs.StringSliceVar(&o.Devices, "scheduler.devices", o.Devices, "Devices to watch. Read once at startup.")
	fs.BoolVar(&o.TickOnStart, "scheduler.tick-on-start", o.TickOnStart, "Check every device immediately at startup.")
}
