package app

import (
	cliflag "k8s.io/component-base/cli/flag"

	"github.com/agrolink-io/agrolink/pkg/log"
)

// NamedFlagSetOptions is implemented by the options of every agrolink binary.
type NamedFlagSetOptions interface {
	// Flags returns the flags grouped by section for help output.
	Flags() cliflag.NamedFlagSets

	// Complete fills in defaults derived from other fields.
	Complete() error

	// Validate returns the aggregate of every invalid field.
	Validate() error
}

// LoggerOptions is implemented by options that configure the global logger.
// The App installs it after validation and before the run func.
type LoggerOptions interface {
	LogOptions() *log.Options
}
