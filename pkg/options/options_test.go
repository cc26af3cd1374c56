package options

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestValidateAddress(t *testing.T) {
	tests := []struct {
		addr    string
		wantErr bool
	}{
		{"0.0.0.0:8080", false},
		{":8091", false},
		{"localhost:1883", false},
		{"192.168.38.82:80", false},
		{"[::1]:80", false},
		{"no-port", true},
		{"host:http", true},
		{"host:70000", true},
		{"bad_host!:80", true},
	}

	for _, tt := range tests {
		t.Run(tt.addr, func(t *testing.T) {
			err := ValidateAddress(tt.addr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateAddress(%q) = %v, wantErr %v", tt.addr, err, tt.wantErr)
			}
		})
	}
}

func TestDisabledGroupsSkipValidation(t *testing.T) {
	h := NewHttpOptions()
	h.Enabled = false
	h.Addr = "garbage"
	if errs := h.Validate(); len(errs) != 0 {
		t.Errorf("disabled http options reported %v", errs)
	}

	m := NewMqttOptions()
	m.Broker = "::"
	if errs := m.Validate(); len(errs) != 0 {
		t.Errorf("disabled mqtt options reported %v", errs)
	}
	m.Enabled = true
	if errs := m.Validate(); len(errs) == 0 {
		t.Error("enabled mqtt options accepted a broken broker url")
	}
}

func TestFlagPrefixes(t *testing.T) {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	o := NewSQLiteOptions()
	o.AddFlags(fs, "ctl")

	if err := fs.Parse([]string{"--ctl.store.path=/tmp/x.db", "--ctl.store.query-timeout=1s"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if o.Path != "/tmp/x.db" || o.QueryTimeout != time.Second {
		t.Fatalf("flags not bound: %+v", o)
	}
	if errs := o.Validate(); len(errs) != 0 {
		t.Fatalf("unexpected validation errors: %v", errs)
	}
}

func TestMqttToClientConfig(t *testing.T) {
	o := NewMqttOptions()
	o.KeepAlive = 45 * time.Second
	cfg := o.ToClientConfig()
	if cfg.KeepAlive != 45 || cfg.BrokerURL != o.Broker || cfg.SessionExpiry != o.SessionExpiry {
		t.Fatalf("unexpected client config: %+v", cfg)
	}
}
