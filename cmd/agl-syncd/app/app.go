package app

import (
	"fmt"

	genericapiserver "k8s.io/apiserver/pkg/server"

	"github.com/agrolink-io/agrolink/cmd/agl-syncd/app/options"
	"github.com/agrolink-io/agrolink/pkg/app"
)

const (
	commandName = "agl-syncd"
	commandDesc = `The Agrolink sync daemon watches the operator command log of every configured
device once per interval and sends the matching wire token to the actuator
controller whenever a device's latest command changes.`
)

func NewApp() *app.App {
	opts := options.NewSyncdOptions()
	application := app.NewApp(
		commandName,
		"Launch the Agrolink command sync daemon",
		app.WithDescription(commandDesc),
		app.WithOptions(opts),
		app.WithDefaultValidArgs(),
		app.WithWatchConfig(),
		app.WithRunFunc(run(opts)),
	)
	return application
}

func run(opts *options.SyncdOptions) app.RunFunc {
	return func() error {
		ctx := genericapiserver.SetupSignalContext()

		cfg, err := opts.Config()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}

		daemon, err := cfg.NewDaemon(ctx)
		if err != nil {
			return fmt.Errorf("failed to create sync daemon: %w", err)
		}

		return daemon.Run(ctx)
	}
}
