package dispatch

import (
	"fmt"
	"sort"
	"strings"
)

// Key identifies a device/command pair.
type Key struct {
	Device  string
	Command string
}

func (k Key) String() string { return k.Device + ":" + k.Command }

// DefaultTokens is the built-in wire table for the stock actuator firmware.
var DefaultTokens = map[Key]string{
	{"pump", "on"}:   "PUMP_ON",
	{"pump", "off"}:  "PUMP_OFF",
	{"fan", "on"}:    "FAN_ON",
	{"fan", "off"}:   "FAN_OFF",
	{"motor", "on"}:  "MOTOR_ON",
	{"motor", "off"}: "MOTOR_OFF",
}

// TokenTable maps device/command pairs to wire tokens. It is read-only after
// construction. Matching is exact and case-sensitive.
type TokenTable struct {
	tokens map[Key]string
}

// NewTokenTable returns DefaultTokens overlaid with extra, whose keys have the
// form "device:command".
func NewTokenTable(extra map[string]string) (*TokenTable, error) {
	tokens := make(map[Key]string, len(DefaultTokens)+len(extra))
	for k, v := range DefaultTokens {
		tokens[k] = v
	}

	for raw, token := range extra {
		key, err := ParseKey(raw)
		if err != nil {
			return nil, err
		}
		if token == "" {
			return nil, fmt.Errorf("token for %q must not be empty", raw)
		}
		tokens[key] = token
	}

	return &TokenTable{tokens: tokens}, nil
}

// ParseKey parses "device:command".
func ParseKey(s string) (Key, error) {
	device, command, ok := strings.Cut(s, ":")
	if !ok || device == "" || command == "" {
		return Key{}, fmt.Errorf("invalid token key %q, want device:command", s)
	}
	return Key{Device: device, Command: command}, nil
}

// Lookup returns the token for a pair, or false if the pair is not mapped.
func (t *TokenTable) Lookup(device, command string) (string, bool) {
	token, ok := t.tokens[Key{Device: device, Command: command}]
	return token, ok
}

// Keys returns every mapped pair, sorted.
func (t *TokenTable) Keys() []Key {
	keys := make([]Key, 0, len(t.tokens))
	for k := range t.tokens {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Devices returns the distinct devices that have at least one token.
func (t *TokenTable) Devices() map[string]bool {
	out := make(map[string]bool)
	for k := range t.tokens {
		out[k.Device] = true
	}
	return out
}
