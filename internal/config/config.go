// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package config holds the broker's startup configuration: a schema
// coerced attribute map populated from an optional YAML file and
// command line overrides, with typed accessors for every setting the
// daemon wires into its workers.
package config

import (
	"os"
	"time"

	"github.com/juju/collections/set"
	"github.com/juju/errors"
	"github.com/juju/schema"
	"gopkg.in/yaml.v3"

	"github.com/canonical/backwire/internal/validation"
)

// Attribute names recognised in configuration files.
const (
	Port                 = "port"
	RequireAuth          = "require-auth"
	AdminPassword        = "admin-password"
	TokenSecret          = "token-secret"
	TokenLifetime        = "token-lifetime"
	RateLimit            = "rate-limit"
	MaxRequestsPerMinute = "max-requests-per-minute"
	MaxConnectionsPerIP  = "max-connections-per-ip"
	MaxRequestBytes      = "max-request-bytes"
	AllowedOrigins       = "allowed-origins"
	CORS                 = "cors"
	SlugWhitelist        = "slug-whitelist"
	MetricsPort          = "metrics-port"
	FrameBurst           = "frame-burst"
	FrameRefill          = "frame-refill"
)

const (
	DefaultPort = 3000

	// DefaultAdminPassword and DefaultTokenSecret exist so the broker
	// works out of the box in development. Validation refuses to pair
	// either of them with require-auth.
	DefaultAdminPassword = "admin123"
	DefaultTokenSecret   = "backwire-insecure-dev-secret"

	DefaultTokenLifetime        = 24 * time.Hour
	DefaultMaxRequestsPerMinute = 100
	DefaultMaxConnectionsPerIP  = 10
	DefaultMaxRequestBytes      = 10 * 1024 * 1024
	DefaultAllowedOrigins       = "*"
)

var configChecker = schema.FieldMap(schema.Fields{
	Port:                 schema.ForceInt(),
	RequireAuth:          schema.Bool(),
	AdminPassword:        schema.String(),
	TokenSecret:          schema.String(),
	TokenLifetime:        schema.TimeDurationString(),
	RateLimit:            schema.Bool(),
	MaxRequestsPerMinute: schema.ForceInt(),
	MaxConnectionsPerIP:  schema.ForceInt(),
	MaxRequestBytes:      schema.ForceInt(),
	AllowedOrigins:       schema.String(),
	CORS:                 schema.Bool(),
	SlugWhitelist:        schema.List(schema.String()),
	MetricsPort:          schema.ForceInt(),
	FrameBurst:           schema.ForceInt(),
	FrameRefill:          schema.TimeDurationString(),
}, schema.Defaults{
	Port:                 DefaultPort,
	RequireAuth:          false,
	AdminPassword:        DefaultAdminPassword,
	TokenSecret:          DefaultTokenSecret,
	TokenLifetime:        DefaultTokenLifetime,
	RateLimit:            true,
	MaxRequestsPerMinute: DefaultMaxRequestsPerMinute,
	MaxConnectionsPerIP:  DefaultMaxConnectionsPerIP,
	MaxRequestBytes:      DefaultMaxRequestBytes,
	AllowedOrigins:       DefaultAllowedOrigins,
	CORS:                 true,
	SlugWhitelist:        schema.Omit,
	MetricsPort:          0,
	FrameBurst:           0,
	FrameRefill:          time.Duration(0),
})

// Config holds an immutable broker configuration.
type Config struct {
	m map[string]interface{}
}

// New returns a configuration built from attrs with defaults filled in
// for everything left unspecified. Unknown attributes are ignored.
func New(attrs map[string]interface{}) (*Config, error) {
	coerced, err := configChecker.Coerce(attrs, nil)
	if err != nil {
		return nil, errors.Trace(err)
	}
	c := &Config{m: coerced.(map[string]interface{})}
	if err := c.validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return c, nil
}

// ReadFile returns the configuration held in the YAML file at path,
// with defaults filled in for everything the file leaves out.
func ReadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config file")
	}
	var attrs map[string]interface{}
	if err := yaml.Unmarshal(data, &attrs); err != nil {
		return nil, errors.Annotate(err, "parsing config file")
	}
	return New(attrs)
}

// Apply returns a new configuration that has the attributes of c plus
// attrs. The result is coerced and validated afresh.
func (c *Config) Apply(attrs map[string]interface{}) (*Config, error) {
	merged := c.AllAttrs()
	for k, v := range attrs {
		merged[k] = v
	}
	return New(merged)
}

func (c *Config) validate() error {
	if p := c.Port(); p < 1 || p > 65535 {
		return errors.NotValidf("port %d", p)
	}
	if p := c.MetricsPort(); p < 0 || p > 65535 {
		return errors.NotValidf("metrics-port %d", p)
	}
	if c.TokenLifetime() <= 0 {
		return errors.NotValidf("non-positive token-lifetime")
	}
	if c.MaxRequestsPerMinute() < 1 {
		return errors.NotValidf("non-positive max-requests-per-minute")
	}
	if c.MaxConnectionsPerIP() < 1 {
		return errors.NotValidf("non-positive max-connections-per-ip")
	}
	if c.MaxRequestBytes() < 1 {
		return errors.NotValidf("non-positive max-request-bytes")
	}
	if c.AllowedOrigins() == "" {
		return errors.NotValidf("empty allowed-origins")
	}
	if (c.FrameBurst() > 0) != (c.FrameRefill() > 0) {
		return errors.NewNotValid(nil, "frame-burst and frame-refill must be set together")
	}
	for _, slug := range c.SlugWhitelist().SortedValues() {
		if err := validation.ValidateSlug(slug); err != nil {
			return errors.Annotatef(err, "slug-whitelist entry %q", slug)
		}
		if slug == validation.ReservedSlug {
			return errors.NotValidf("reserved slug %q in slug-whitelist", slug)
		}
	}
	// Requiring auth only makes sense with real credentials; the
	// defaults are public knowledge.
	if c.RequireAuth() {
		if c.AdminPassword() == DefaultAdminPassword {
			return errors.NewNotValid(nil, "require-auth with default admin-password")
		}
		if c.TokenSecret() == DefaultTokenSecret {
			return errors.NewNotValid(nil, "require-auth with default token-secret")
		}
	}
	return nil
}

// asString keeps the ugly casting in one place. Missing attributes
// come back as the zero value.
func (c *Config) asString(name string) string {
	value, _ := c.m[name].(string)
	return value
}

func (c *Config) asInt(name string) int {
	value, _ := c.m[name].(int)
	return value
}

func (c *Config) asBool(name string) bool {
	value, _ := c.m[name].(bool)
	return value
}

func (c *Config) asDuration(name string) time.Duration {
	value, _ := c.m[name].(time.Duration)
	return value
}

// Port returns the TCP port the broker listens on.
func (c *Config) Port() int {
	return c.asInt(Port)
}

// RequireAuth reports whether the status API demands a bearer token.
func (c *Config) RequireAuth() bool {
	return c.asBool(RequireAuth)
}

// AdminPassword returns the password a login exchanges for a token.
func (c *Config) AdminPassword() string {
	return c.asString(AdminPassword)
}

// TokenSecret returns the HMAC key bearer tokens are signed with.
func (c *Config) TokenSecret() string {
	return c.asString(TokenSecret)
}

// TokenLifetime returns the validity window of minted tokens.
func (c *Config) TokenLifetime() time.Duration {
	return c.asDuration(TokenLifetime)
}

// RateLimit reports whether per-source admission limits are enforced.
func (c *Config) RateLimit() bool {
	return c.asBool(RateLimit)
}

// MaxRequestsPerMinute returns the per-source admission budget.
func (c *Config) MaxRequestsPerMinute() int {
	return c.asInt(MaxRequestsPerMinute)
}

// MaxConnectionsPerIP returns the per-source control connection budget.
func (c *Config) MaxConnectionsPerIP() int {
	return c.asInt(MaxConnectionsPerIP)
}

// MaxRequestBytes returns the largest request body the broker captures.
func (c *Config) MaxRequestBytes() int64 {
	return int64(c.asInt(MaxRequestBytes))
}

// AllowedOrigins returns the CORS allow-origin value.
func (c *Config) AllowedOrigins() string {
	return c.asString(AllowedOrigins)
}

// CORS reports whether cross-origin headers are emitted.
func (c *Config) CORS() bool {
	return c.asBool(CORS)
}

// SlugWhitelist returns the set of slugs the broker will serve. An
// empty set leaves slug registration open.
func (c *Config) SlugWhitelist() set.Strings {
	whitelist := set.NewStrings()
	raw, _ := c.m[SlugWhitelist].([]interface{})
	for _, v := range raw {
		whitelist.Add(v.(string))
	}
	return whitelist
}

// MetricsPort returns the port of the introspection listener, or zero
// when introspection is disabled.
func (c *Config) MetricsPort() int {
	return c.asInt(MetricsPort)
}

// FrameBurst returns the token bucket capacity applied to inbound
// session frames, or zero when frame pacing is disabled.
func (c *Config) FrameBurst() int64 {
	return int64(c.asInt(FrameBurst))
}

// FrameRefill returns the interval at which the frame pacing bucket
// gains a token, or zero when frame pacing is disabled.
func (c *Config) FrameRefill() time.Duration {
	return c.asDuration(FrameRefill)
}

// AllAttrs returns a copy of the raw configuration attributes.
func (c *Config) AllAttrs() map[string]interface{} {
	m := make(map[string]interface{}, len(c.m))
	for k, v := range c.m {
		m[k] = v
	}
	return m
}
