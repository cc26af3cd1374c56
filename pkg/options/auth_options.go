package options

import (
	"fmt"

	"github.com/spf13/pflag"
)

var _ IOptions = (*AuthOptions)(nil)

// AuthOptions protects the write routes of the HTTP command API.
type AuthOptions struct {
	// JWTSecret is the HS256 key for bearer tokens. Empty disables authentication.
	JWTSecret string `json:"jwt-secret" mapstructure:"jwt-secret"`

	// JWTIssuer, when set, must match the iss claim.
	JWTIssuer string `json:"jwt-issuer" mapstructure:"jwt-issuer"`

	// WriteRPS limits accepted write requests per second across all clients. Zero disables the limit.
	WriteRPS float64 `json:"write-rps" mapstructure:"write-rps"`

	WriteBurst int `json:"write-burst" mapstructure:"write-burst"`
}

func NewAuthOptions() *AuthOptions {
	return &AuthOptions{
		WriteRPS:   10,
		WriteBurst: 20,
	}
}

func (o *AuthOptions) Validate() []error {
	if o == nil {
		return nil
	}

	var errs []error

	if o.JWTSecret != "" && len(o.JWTSecret) < 16 {
		errs = append(errs, fmt.Errorf("--auth.jwt-secret must be at least 16 bytes"))
	}
	if o.WriteRPS < 0 {
		errs = append(errs, fmt.Errorf("--auth.write-rps must not be negative"))
	}
	if o.WriteRPS > 0 && o.WriteBurst < 1 {
		errs = append(errs, fmt.Errorf("--auth.write-burst must be at least 1 when rate limiting is enabled"))
	}

	return errs
}

func (o *AuthOptions) AddFlags(fs *pflag.FlagSet, prefixes ...string) {
	fs.StringVar(&o.JWTSecret, flagName("auth.jwt-secret", prefixes...), o.JWTSecret, "HS256 secret for bearer tokens on write routes. Empty disables authentication.")
	fs.StringVar(&o.JWTIssuer, flagName("auth.jwt-issuer", prefixes...), o.JWTIssuer, "Required issuer claim of bearer tokens.")
	fs.Float64Var(&o.WriteRPS, flagName("auth.write-rps", prefixes...), o.WriteRPS, "Accepted write requests per second. 0 disables rate limiting.")
	fs.IntVar(&o.WriteBurst, flagName("auth.write-burst", prefixes...), o.WriteBurst, "Burst size for write rate limiting.")
}
