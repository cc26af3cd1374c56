package options

import (
	"fmt"

	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/agrolink-io/agrolink/internal/syncd"
	"github.com/agrolink-io/agrolink/pkg/app"
	"github.com/agrolink-io/agrolink/pkg/log"
	genericoptions "github.com/agrolink-io/agrolink/pkg/options"
)

type SyncdOptions struct {
	Scheduler *SchedulerOptions             `json:"scheduler" mapstructure:"scheduler"`
	Dispatch  *DispatchOptions              `json:"dispatch" mapstructure:"dispatch"`
	Store     *genericoptions.SQLiteOptions `json:"store" mapstructure:"store"`
	Http      *genericoptions.HttpOptions   `json:"http" mapstructure:"http"`
	Grpc      *genericoptions.GrpcOptions   `json:"grpc" mapstructure:"grpc"`
	Mqtt      *genericoptions.MqttOptions   `json:"mqtt" mapstructure:"mqtt"`
	Auth      *genericoptions.AuthOptions   `json:"auth" mapstructure:"auth"`
	Log       *log.Options                  `json:"log" mapstructure:"log"`
}

var (
	_ app.NamedFlagSetOptions = (*SyncdOptions)(nil)
	_ app.LoggerOptions       = (*SyncdOptions)(nil)
)

func NewSyncdOptions() *SyncdOptions {
	o := &SyncdOptions{
		Scheduler: NewSchedulerOptions(),
		Dispatch:  NewDispatchOptions(),
		Store:     genericoptions.NewSQLiteOptions(),
		Http:      genericoptions.NewHttpOptions(),
		Grpc:      genericoptions.NewGrpcOptions(),
		Mqtt:      genericoptions.NewMqttOptions(),
		Auth:      genericoptions.NewAuthOptions(),
		Log:       log.NewOptions(),
	}
	o.Log.Name = "agl-syncd"

	return o
}

func (o *SyncdOptions) Flags() cliflag.NamedFlagSets {
	fss := cliflag.NamedFlagSets{}
	o.Scheduler.AddFlags(fss.FlagSet("scheduler"))
	o.Dispatch.AddFlags(fss.FlagSet("dispatch"))
	o.Store.AddFlags(fss.FlagSet("store"))
	o.Http.AddFlags(fss.FlagSet("http"))
	o.Grpc.AddFlags(fss.FlagSet("grpc"))
	o.Mqtt.AddFlags(fss.FlagSet("mqtt"))
	o.Auth.AddFlags(fss.FlagSet("auth"))
	o.Log.AddFlags(fss.FlagSet("log"))
	return fss
}

func (o *SyncdOptions) Complete() error {
	o.Scheduler.complete()
	return nil
}

func (o *SyncdOptions) Validate() error {
	errs := []error{}
	errs = append(errs, o.Scheduler.Validate()...)
	errs = append(errs, o.Dispatch.Validate(o.Mqtt.Enabled)...)
	errs = append(errs, o.Store.Validate()...)
	errs = append(errs, o.Http.Validate()...)
	errs = append(errs, o.Grpc.Validate()...)
	errs = append(errs, o.Mqtt.Validate()...)
	errs = append(errs, o.Auth.Validate()...)
	errs = append(errs, o.Log.Validate()...)

	// A dispatch must end well inside its tick so the next tick of the device is not skipped.
	if budget := o.Dispatch.attemptBudget(); o.Scheduler.Interval > 0 && budget >= o.Scheduler.Interval {
		errs = append(errs, fmt.Errorf("worst-case dispatch time %v (timeouts and retries) must be below --scheduler.interval %v",
			budget, o.Scheduler.Interval))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *SyncdOptions) LogOptions() *log.Options {
	return o.Log
}

func (o *SyncdOptions) Config() (*syncd.Config, error) {
	return &syncd.Config{
		Devices:       o.Scheduler.Devices,
		Interval:      o.Scheduler.Interval,
		TickOnStart:   o.Scheduler.TickOnStart,
		Dispatch:      o.Dispatch.config(),
		SQLiteOptions: o.Store,
		HttpOptions:   o.Http,
		GrpcOptions:   o.Grpc,
		MqttOptions:   o.Mqtt,
		AuthOptions:   o.Auth,
	}, nil
}
