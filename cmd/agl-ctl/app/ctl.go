// Package app implements agl-ctl, the operator tool that writes and inspects
// the command log shared with agl-syncd.
package app

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"

	"github.com/agrolink-io/agrolink/internal/commandlog"
	"github.com/agrolink-io/agrolink/pkg/log"
	"github.com/agrolink-io/agrolink/pkg/options"
)

type ctlOptions struct {
	store   *options.SQLiteOptions
	log     *log.Options
	server  string
	timeout time.Duration
}

func newCtlOptions() *ctlOptions {
	o := &ctlOptions{
		store:   options.NewSQLiteOptions(),
		log:     log.NewOptions(),
		server:  "127.0.0.1:8091",
		timeout: 5 * time.Second,
	}
	o.log.Level = "warn"
	o.log.OutputPaths = []string{"stderr"}
	return o
}

func (o *ctlOptions) validate() error {
	errs := o.store.Validate()
	errs = append(errs, o.log.Validate()...)
	if err := options.ValidateAddress(o.server); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}

// openStore opens the command log for one subcommand.
func (o *ctlOptions) openStore(ctx context.Context) (*commandlog.Store, error) {
	return commandlog.Open(ctx, o.store)
}

func (o *ctlOptions) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), o.timeout)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NewCtlCommand builds the agl-ctl root command writing results to out.
func NewCtlCommand(out io.Writer) *cobra.Command {
	opts := newCtlOptions()

	cmd := &cobra.Command{
		Use:           "agl-ctl",
		Short:         "Issue and inspect Agrolink device commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.validate(); err != nil {
				return err
			}
			log.Init(opts.log)
			return nil
		},
	}
	cmd.SetOut(out)

	fs := cmd.PersistentFlags()
	opts.store.AddFlags(fs)
	opts.log.AddFlags(fs)
	fs.StringVar(&opts.server, "server", opts.server, "agl-syncd gRPC address used by the health command.")
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "Timeout for each store query or RPC.")

	cmd.AddCommand(
		newSendCommand(opts),
		newUpdateCommand(opts),
		newLatestCommand(opts),
		newHistoryCommand(opts),
		newHealthCommand(opts),
	)
	return cmd
}
