package options

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

var _ IOptions = (*SQLiteOptions)(nil)

// SQLiteOptions configures the SQLite database that holds the command log.
type SQLiteOptions struct {
	// Path is the database file. It is created when missing.
	Path string `json:"path" mapstructure:"path"`

	// BusyTimeout is how long SQLite waits on a locked database before failing.
	BusyTimeout time.Duration `json:"busy-timeout" mapstructure:"busy-timeout"`

	// QueryTimeout bounds a single statement issued by a reader or writer.
	QueryTimeout time.Duration `json:"query-timeout" mapstructure:"query-timeout"`

	MaxOpenConns int `json:"max-open-conns" mapstructure:"max-open-conns"`
}

// NewSQLiteOptions returns options with defaults suited to a single edge host.
func NewSQLiteOptions() *SQLiteOptions {
	return &SQLiteOptions{
		Path:         "agrolink.db",
		BusyTimeout:  250 * time.Millisecond,
		QueryTimeout: 500 * time.Millisecond,
		MaxOpenConns: 4,
	}
}

func (o *SQLiteOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error

	if o.Path == "" {
		errs = append(errs, fmt.Errorf("--store.path must not be empty"))
	}
	if o.BusyTimeout < 0 {
		errs = append(errs, fmt.Errorf("--store.busy-timeout must not be negative"))
	}
	if o.QueryTimeout <= 0 {
		errs = append(errs, fmt.Errorf("--store.query-timeout must be positive"))
	}
	if o.MaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("--store.max-open-conns must be at least 1"))
	}

	return errs
}

func (o *SQLiteOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.Path, flagName("store.path", prefixes...), o.Path, "Path of the SQLite database holding the command log.")
	fs.DurationVar(&o.BusyTimeout, flagName("store.busy-timeout", prefixes...), o.BusyTimeout, "SQLite busy timeout for locked databases.")
	fs.DurationVar(&o.QueryTimeout, flagName("store.query-timeout", prefixes...), o.QueryTimeout, "Upper bound for a single store statement.")
	fs.IntVar(&o.MaxOpenConns, flagName("store.max-open-conns", prefixes...), o.MaxOpenConns, "Maximum number of open database connections.")
}
