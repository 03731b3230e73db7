package config

import (
	"fmt"
	"os"
	"strconv"
)

// KeyInfo is one config key as shown by `segscope config show`.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "service.base_url", typ: kString, env: "SEGSCOPE_SERVICE_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Service.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.BaseURL },
	},
	{
		key: "service.company_id", typ: kInt, env: "SEGSCOPE_SERVICE_COMPANY_ID",
		apply:   func(cfg *Config, v any) { cfg.Service.CompanyID = v.(int) },
		extract: func(cfg Config) any { return cfg.Service.CompanyID },
	},
	{
		key: "service.token", typ: kString, env: "SEGSCOPE_SERVICE_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Service.Token = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.Token },
	},
	{
		key: "service.timeout", typ: kString, env: "SEGSCOPE_SERVICE_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Service.Timeout = v.(string) },
		extract: func(cfg Config) any { return cfg.Service.Timeout },
	},
	{
		key: "poll.max_wait", typ: kString, env: "SEGSCOPE_POLL_MAX_WAIT",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxWait = v.(string) },
		extract: func(cfg Config) any { return cfg.Poll.MaxWait },
	},
	{
		key: "poll.max_retries", typ: kInt, env: "SEGSCOPE_POLL_MAX_RETRIES",
		apply:   func(cfg *Config, v any) { cfg.Poll.MaxRetries = v.(int) },
		extract: func(cfg Config) any { return cfg.Poll.MaxRetries },
	},
	{
		key: "server.port", typ: kInt, env: "SEGSCOPE_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "log.level", typ: kString, env: "SEGSCOPE_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
}

// parse converts a raw string into the value type of the key.
func (s keySpec) parse(raw string) (any, error) {
	if s.typ == kInt {
		i, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s must be an integer, got %q", s.key, raw)
		}
		return i, nil
	}
	return raw, nil
}

func lookupKey(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// publicKeys returns every key that may live in the config file.
func publicKeys() []keySpec {
	out := make([]keySpec, 0, len(specs))
	for _, s := range specs {
		if !s.secret {
			out = append(out, s)
		}
	}
	return out
}

// ValidKeys returns the names accepted by SetKey.
func ValidKeys() []string {
	keys := publicKeys()
	names := make([]string, len(keys))
	for i, s := range keys {
		names[i] = s.key
	}
	return names
}

// ShowAll lists the current value of every non-secret key.
func ShowAll(cfg Config) []KeyInfo {
	keys := publicKeys()
	out := make([]KeyInfo, len(keys))
	for i, s := range keys {
		out[i] = KeyInfo{Key: s.key, EnvVar: s.env, Value: fmt.Sprint(s.extract(cfg))}
	}
	return out
}

// SetKey validates value and writes it to the config file.
func SetKey(key, value string) error {
	return setKey(newFileBackend(configFilePath()), key, value)
}

func setKey(b ConfigBackend, key, value string) error {
	s, ok := lookupKey(key)
	if !ok {
		return fmt.Errorf("unknown config key: %q", key)
	}
	if s.secret {
		return fmt.Errorf("%s is a secret; run `segscope login` or set %s", key, s.env)
	}
	v, err := s.parse(value)
	if err != nil {
		return err
	}
	switch v := v.(type) {
	case int:
		return b.SetInt(key, v)
	default:
		return b.SetString(key, value)
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range publicKeys() {
		var (
			v   any
			ok  bool
			err error
		)
		if s.typ == kInt {
			v, ok, err = b.GetInt(s.key)
		} else {
			v, ok, err = b.GetString(s.key)
		}
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if ok {
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		raw := os.Getenv(s.env)
		if s.env == "" || raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] ignoring %s: %v\n", s.env, err)
			continue
		}
		s.apply(cfg, v)
	}
}
