// Copyright 2025 The Agrolink Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"os"

	"github.com/spf13/pflag"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Options contains configuration settings for the logger.
type Options struct {
	// Name is an optional root name for the logger.
	Name string `json:"name,omitempty" mapstructure:"name"`

	// Level is the minimum level to output: debug, info, warn or error.
	Level string `json:"level,omitempty" mapstructure:"level"`

	// Format is either console or json.
	Format string `json:"format,omitempty" mapstructure:"format"`

	EnableColor   bool `json:"enable-color,omitempty" mapstructure:"enable-color"`
	DisableCaller bool `json:"disable-caller,omitempty" mapstructure:"disable-caller"`

	// CallerSkip is the number of frames skipped when annotating the caller.
	CallerSkip int `json:"caller-skip,omitempty" mapstructure:"caller-skip"`

	// OutputPaths lists the sinks. "stdout" and "stderr" are the console streams,
	// anything else is a file rotated by size.
	OutputPaths []string `json:"output-paths,omitempty" mapstructure:"output-paths"`

	// Rotation settings for file sinks.
	MaxSizeMB  int  `json:"max-size,omitempty" mapstructure:"max-size"`
	MaxBackups int  `json:"max-backups,omitempty" mapstructure:"max-backups"`
	MaxAgeDays int  `json:"max-age,omitempty" mapstructure:"max-age"`
	Compress   bool `json:"compress,omitempty" mapstructure:"compress"`
}

// NewOptions creates a new Options object with default values.
func NewOptions() *Options {
	return &Options{
		Level:       "info",
		Format:      FormatConsole,
		EnableColor: true,
		CallerSkip:  2, // correct for the package-level helpers
		OutputPaths: []string{"stdout"},
		MaxSizeMB:   100,
		MaxBackups:  5,
		MaxAgeDays:  28,
	}
}

// Validate validates all the required options.
func (o *Options) Validate() []error {
	var errs []error

	if o.Format != FormatConsole && o.Format != FormatJSON {
		errs = append(errs, fmt.Errorf("--log.format must be %q or %q, got %q", FormatConsole, FormatJSON, o.Format))
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(o.Level)); err != nil {
		errs = append(errs, fmt.Errorf("--log.level: %w", err))
	}
	if o.MaxSizeMB < 0 || o.MaxBackups < 0 || o.MaxAgeDays < 0 {
		errs = append(errs, fmt.Errorf("log rotation settings must not be negative"))
	}

	return errs
}

// AddFlags binds command-line flags to the Options fields.
func (o *Options) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Name, "log.name", o.Name, "An optional name for the logger.")
	fs.StringVar(&o.Level, "log.level", o.Level, "The minimum log level to output (debug, info, warn, error).")
	fs.StringVar(&o.Format, "log.format", o.Format, "The log output format ('json' or 'console').")
	fs.BoolVar(&o.EnableColor, "log.enable-color", o.EnableColor, "Enable colorized levels for the console format.")
	fs.BoolVar(&o.DisableCaller, "log.disable-caller", o.DisableCaller, "Omit the file:line caller annotation.")
	fs.IntVar(&o.CallerSkip, "log.caller-skip", o.CallerSkip, "The number of caller frames to skip.")

	usage := "Log sinks. 'stdout' and 'stderr' write to the console, any other value is a rotated file."
	fs.StringSliceVar(&o.OutputPaths, "log.output-paths", o.OutputPaths, usage)

	fs.IntVar(&o.MaxSizeMB, "log.max-size", o.MaxSizeMB, "Maximum size in megabytes of a log file before it is rotated.")
	fs.IntVar(&o.MaxBackups, "log.max-backups", o.MaxBackups, "Maximum number of rotated log files to retain.")
	fs.IntVar(&o.MaxAgeDays, "log.max-age", o.MaxAgeDays, "Maximum number of days to retain rotated log files.")
	fs.BoolVar(&o.Compress, "log.compress", o.Compress, "Gzip rotated log files.")
}

func (o *Options) writeSyncer() zapcore.WriteSyncer {
	paths := o.OutputPaths
	if len(paths) == 0 {
		paths = []string{"stdout"}
	}

	sinks := make([]zapcore.WriteSyncer, 0, len(paths))
	for _, p := range paths {
		switch p {
		case "stdout":
			sinks = append(sinks, zapcore.Lock(os.Stdout))
		case "stderr":
			sinks = append(sinks, zapcore.Lock(os.Stderr))
		default:
			sinks = append(sinks, zapcore.AddSync(&lumberjack.Logger{
				Filename:   p,
				MaxSize:    o.MaxSizeMB,
				MaxBackups: o.MaxBackups,
				MaxAge:     o.MaxAgeDays,
				Compress:   o.Compress,
			}))
		}
	}

	return zapcore.NewMultiWriteSyncer(sinks...)
}
