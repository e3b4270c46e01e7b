package config

import (
	"testing"
	"time"
)

func validTestConfig() *Config {
	cfg := &Config{Environment: "development"}
	cfg.Bucketing.CounterShards = 64
	cfg.Bucketing.EventBuckets = 16
	cfg.Risk.RapidLoginThreshold = time.Minute
	cfg.Policy.NotifyFlagCount = 1
	cfg.Policy.ChallengeFlagCount = 2
	cfg.RateLimit.Rules = defaultRules()
	return cfg
}

func TestValidateDefaults(t *testing.T) {
	if err := validTestConfig().Validate(); err != nil {
		t.Fatalf("default rule table should validate: %v", err)
	}
}

func TestValidateRejectsBadRules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty rule table", func(c *Config) { c.RateLimit.Rules = nil }},
		{"empty rule name", func(c *Config) { c.RateLimit.Rules[0].Name = "" }},
		{"duplicate rule name", func(c *Config) { c.RateLimit.Rules[1].Name = c.RateLimit.Rules[0].Name }},
		{"zero window", func(c *Config) { c.RateLimit.Rules[0].Window = 0 }},
		{"negative window", func(c *Config) { c.RateLimit.Rules[0].Window = -time.Minute }},
		{"zero max", func(c *Config) { c.RateLimit.Rules[0].Max = 0 }},
		{"unknown mode", func(c *Config) { c.RateLimit.Rules[0].Mode = "leaky-bucket" }},
		{"zero counter shards", func(c *Config) { c.Bucketing.CounterShards = 0 }},
		{"zero event buckets", func(c *Config) { c.Bucketing.EventBuckets = 0 }},
		{"zero rapid login threshold", func(c *Config) { c.Risk.RapidLoginThreshold = 0 }},
		{"challenge below notify", func(c *Config) {
			c.Policy.NotifyFlagCount = 3
			c.Policy.ChallengeFlagCount = 2
		}},
		{"kms without key", func(c *Config) {
			c.KMS.Enabled = true
			c.KMS.KeyID = ""
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := validTestConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDefaultRuleTable(t *testing.T) {
	rules := defaultRules()

	byName := make(map[string]RuleConfig, len(rules))
	for _, rule := range rules {
		byName[rule.Name] = rule
	}

	for _, name := range []string{"api", "login", "registration", "password-reset", "strict"} {
		if _, ok := byName[name]; !ok {
			t.Errorf("default table missing rule %q", name)
		}
	}

	login := byName["login"]
	if login.Mode != "sliding-exact" || !login.SkipSuccessful {
		t.Errorf("login rule should be sliding-exact and skip successful attempts: %+v", login)
	}
	if api := byName["api"]; api.Mode != "fixed-window" {
		t.Errorf("api rule should be fixed-window: %+v", api)
	}
}
