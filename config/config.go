// Package config holds the configuration of replicad: the server settings,
// the replica of every replicated suffix and the agreements it supplies.
//
// The file format is TOML:
//
//	bind-address = ":8389"
//	url = "http://ldap1.example.com:8389"
//
//	[changelog5]
//	  max-age = "168h"
//
//	[[replica]]
//	  suffix = "dc=example,dc=com"
//	  role = "supplier"
//	  replica-id = 1
//	  [replica.bind-dns]
//	    "cn=replication manager,cn=config" = "$2a$10$..."
//	  [[replica.agreement]]
//	    name = "to-ldap2"
//	    host = "ldap2.example.com"
//	    port = 8389
//	    bind-dn = "cn=replication manager,cn=config"
//	    credentials = "secret"
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/logger"
	"github.com/dirsrv/replication/replica"
	itoml "github.com/dirsrv/replication/toml"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

const (
	// DefaultBindAddress is the default address of the HTTP API.
	DefaultBindAddress = ":8389"

	// EnvPrefix prefixes the environment variables overriding the file.
	EnvPrefix = "REPLICAD"

	redacted = "******"
)

// Config is the configuration of one replicad server.
type Config struct {
	// BindAddress is where the replication and admin API listen.
	BindAddress string `toml:"bind-address" yaml:"bind-address"`
	// URL names this server in RUVs. It defaults to the loopback address
	// of the port the API listens on.
	URL string `toml:"url" yaml:"url"`
	// Dir holds the changelog and metadata databases.
	Dir string `toml:"dir" yaml:"dir"`
	// AdminToken, when set, is required by the admin API.
	AdminToken string `toml:"admin-token" yaml:"admin-token"`

	TLS     TLSConfig     `toml:"tls" yaml:"tls"`
	Logging logger.Config `toml:"logging" yaml:"logging"`

	// Changelog5 is the legacy server-wide changelog section. Its settings
	// apply to every replica changelog that leaves them unset.
	Changelog5 ChangelogConfig `toml:"changelog5" yaml:"changelog5"`

	Replicas []ReplicaConfig `toml:"replica" yaml:"replica"`
}

// ChangelogConfig bounds a changelog. Zero values mean unset.
type ChangelogConfig struct {
	MaxEntries   int            `toml:"max-entries" yaml:"max-entries"`
	MaxAge       itoml.Duration `toml:"max-age" yaml:"max-age"`
	TrimInterval itoml.Duration `toml:"trim-interval" yaml:"trim-interval"`
}

// merge fills the unset settings of c from def.
func (c ChangelogConfig) merge(def ChangelogConfig) ChangelogConfig {
	if c.MaxEntries == 0 {
		c.MaxEntries = def.MaxEntries
	}
	if c.MaxAge == 0 {
		c.MaxAge = def.MaxAge
	}
	if c.TrimInterval == 0 {
		c.TrimInterval = def.TrimInterval
	}
	return c
}

// ReplicaConfig configures the replica of one suffix. Durations left at
// zero take their defaults; a negative keepalive interval disables keep
// alive updates.
type ReplicaConfig struct {
	Suffix    string                `toml:"suffix" yaml:"suffix"`
	Role      replication.Role      `toml:"role" yaml:"role"`
	ReplicaID replication.ReplicaID `toml:"replica-id" yaml:"replica-id"`

	// BindDNs maps the DNs suppliers bind as to bcrypt hashes of their
	// passwords.
	BindDNs      map[string]string `toml:"bind-dns" yaml:"bind-dns"`
	BindDNGroups []string          `toml:"bind-dn-groups" yaml:"bind-dn-groups"`

	PurgeDelay             itoml.Duration `toml:"purge-delay" yaml:"purge-delay"`
	TombstonePurgeInterval itoml.Duration `toml:"tombstone-purge-interval" yaml:"tombstone-purge-interval"`
	FastTombstonePurging   bool           `toml:"fast-tombstone-purging" yaml:"fast-tombstone-purging"`

	SessionTimeout    itoml.Duration `toml:"session-timeout" yaml:"session-timeout"`
	KeepaliveInterval itoml.Duration `toml:"keepalive-interval" yaml:"keepalive-interval"`
	ProtocolTimeout   itoml.Duration `toml:"protocol-timeout" yaml:"protocol-timeout"`
	ReleaseTimeout    itoml.Duration `toml:"release-timeout" yaml:"release-timeout"`
	BatchSize         int            `toml:"batch-size" yaml:"batch-size"`

	CleanPollInterval itoml.Duration `toml:"cleanallruv-poll-interval" yaml:"cleanallruv-poll-interval"`

	Changelog  ChangelogConfig   `toml:"changelog" yaml:"changelog"`
	Agreements []AgreementConfig `toml:"agreement" yaml:"agreement"`
}

// AgreementConfig declares an agreement. Declared agreements are created
// at startup when the store does not hold them yet.
type AgreementConfig struct {
	Name              string         `toml:"name" yaml:"name"`
	Description       string         `toml:"description" yaml:"description,omitempty"`
	Host              string         `toml:"host" yaml:"host"`
	Port              int            `toml:"port" yaml:"port"`
	TransportInfo     string         `toml:"transport-info" yaml:"transport-info,omitempty"`
	BindMethod        string         `toml:"bind-method" yaml:"bind-method,omitempty"`
	BindDN            string         `toml:"bind-dn" yaml:"bind-dn,omitempty"`
	Credentials       string         `toml:"credentials" yaml:"credentials,omitempty"`
	Schedule          string         `toml:"schedule" yaml:"schedule,omitempty"`
	FracList          []string       `toml:"frac-list" yaml:"frac-list,omitempty"`
	FracListTotal     []string       `toml:"frac-list-total" yaml:"frac-list-total,omitempty"`
	BackoffMin        itoml.Duration `toml:"backoff-min" yaml:"backoff-min,omitempty"`
	BackoffMax        itoml.Duration `toml:"backoff-max" yaml:"backoff-max,omitempty"`
	FlowControlWindow int            `toml:"flow-control-window" yaml:"flow-control-window,omitempty"`
	FlowControlPause  itoml.Duration `toml:"flow-control-pause" yaml:"flow-control-pause,omitempty"`
	Disabled          bool           `toml:"disabled" yaml:"disabled,omitempty"`
}

// NewConfig returns an instance of Config with reasonable defaults.
func NewConfig() *Config {
	return &Config{
		BindAddress: DefaultBindAddress,
		Logging:     logger.NewConfig(),
	}
}

// NewDemoConfig returns the config that runs when no config is specified:
// a single supplier of dc=example,dc=com storing its data in the home
// directory.
func NewDemoConfig() (*Config, error) {
	c := NewConfig()
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to determine current user for storage: %w", err)
	}
	c.Dir = filepath.Join(home, ".replicad")
	c.URL = "http://localhost" + DefaultBindAddress
	c.Replicas = []ReplicaConfig{{
		Suffix:    "dc=example,dc=com",
		Role:      replication.RoleSupplier,
		ReplicaID: 1,
	}}
	return c, nil
}

// FromTomlFile loads the config from a TOML file.
func (c *Config) FromTomlFile(fpath string) error {
	bs, err := os.ReadFile(fpath)
	if err != nil {
		return err
	}

	// Handle any potential Byte-Order-Marks that may be in the config file.
	bom := unicode.BOMOverride(transform.Nop)
	bs, _, err = transform.Bytes(bom, bs)
	if err != nil {
		return err
	}
	return c.FromToml(string(bs))
}

var legacyChangelog = regexp.MustCompile(`(?m)^[ \t]*\[changelog\]`)

// FromToml loads the config from TOML. A top-level [changelog] section is
// read as [changelog5].
func (c *Config) FromToml(input string) error {
	input = legacyChangelog.ReplaceAllString(input, "[changelog5]")
	md, err := toml.Decode(input, c)
	if err != nil {
		return &errors.Error{Code: errors.EInvalid, Op: "config.FromToml", Msg: "decoding configuration", Err: err}
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return &errors.Error{Code: errors.EInvalid, Op: "config.FromToml", Msg: "unknown configuration keys: " + strings.Join(keys, ", ")}
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return &errors.Error{Code: errors.EInvalid, Op: "config.Validate", Msg: fmt.Sprintf(format, args...)}
}

// Validate returns an error if the config is invalid.
func (c *Config) Validate() error {
	if c.BindAddress == "" {
		return invalid("bind-address is required")
	}
	if c.Dir == "" {
		return invalid("dir is required")
	}
	switch c.Logging.Format {
	case "auto", "logfmt", "json", "console":
	default:
		return invalid("unknown log format %q", c.Logging.Format)
	}
	if _, err := c.TLS.Parse(); err != nil {
		return err
	}
	if err := c.Changelog5.validate("changelog5"); err != nil {
		return err
	}

	suffixes := make(map[string]bool, len(c.Replicas))
	for i := range c.Replicas {
		r := c.Replicas[i].WithDefaults()
		if err := r.Validate(); err != nil {
			return err
		}
		norm := replication.NormalizeDN(r.Suffix)
		if suffixes[norm] {
			return invalid("suffix %q has more than one replica", r.Suffix)
		}
		suffixes[norm] = true
	}
	return nil
}

func (c ChangelogConfig) validate(section string) error {
	switch {
	case c.MaxEntries < 0:
		return invalid("%s: max-entries must not be negative", section)
	case c.MaxAge < 0:
		return invalid("%s: max-age must not be negative", section)
	case c.TrimInterval < 0:
		return invalid("%s: trim-interval must not be negative", section)
	}
	return nil
}

// WithDefaults fills the read-only replica ID of hubs and consumers.
func (r ReplicaConfig) WithDefaults() ReplicaConfig {
	if r.Role != replication.RoleSupplier && r.ReplicaID == 0 {
		r.ReplicaID = replication.ReadOnlyReplicaID
	}
	return r
}

func (r *ReplicaConfig) identity() replication.Identity {
	return replication.Identity{ID: r.ReplicaID, Role: r.Role, Suffix: r.Suffix}
}

// Validate checks the replica and its agreements.
func (r *ReplicaConfig) Validate() error {
	if err := r.identity().Validate(); err != nil {
		return err
	}
	if err := r.Changelog.validate("replica " + r.Suffix + " changelog"); err != nil {
		return err
	}
	for name, dur := range map[string]itoml.Duration{
		"purge-delay":               r.PurgeDelay,
		"tombstone-purge-interval":  r.TombstonePurgeInterval,
		"session-timeout":           r.SessionTimeout,
		"protocol-timeout":          r.ProtocolTimeout,
		"release-timeout":           r.ReleaseTimeout,
		"cleanallruv-poll-interval": r.CleanPollInterval,
	} {
		if dur < 0 {
			return invalid("replica %s: %s must not be negative", r.Suffix, name)
		}
	}
	if r.BatchSize < 0 {
		return invalid("replica %s: batch-size must not be negative", r.Suffix)
	}
	for dn := range r.BindDNs {
		if replication.NormalizeDN(dn) == "" {
			return invalid("replica %s: empty bind dn", r.Suffix)
		}
	}

	if len(r.Agreements) > 0 && r.Role == replication.RoleConsumer {
		return invalid("replica %s: a consumer supplies no agreements", r.Suffix)
	}
	names := make(map[string]bool, len(r.Agreements))
	for i := range r.Agreements {
		a := r.Agreements[i].Agreement(r.Suffix)
		if names[a.Name] {
			return invalid("replica %s: agreement %q declared twice", r.Suffix, a.Name)
		}
		names[a.Name] = true
		if err := a.Validate(); err != nil {
			return err
		}
		if _, err := agreement.ParseSchedule(a.Schedule); err != nil {
			return err
		}
	}
	return nil
}

// ReplicaConfig returns the settings of the replica, with changelog
// settings it leaves unset taken from cl5.
func (r ReplicaConfig) ReplicaConfig(url string, cl5 ChangelogConfig) replica.Config {
	r = r.WithDefaults()
	cfg := replica.NewConfig(r.identity(), url)
	for dn, hash := range r.BindDNs {
		cfg.BindDNs[dn] = hash
	}
	cfg.BindDNGroups = append(cfg.BindDNGroups, r.BindDNGroups...)

	setDuration := func(dst *time.Duration, d itoml.Duration) {
		if d != 0 {
			*dst = time.Duration(d)
		}
	}
	setDuration(&cfg.SessionTimeout, r.SessionTimeout)
	setDuration(&cfg.KeepaliveInterval, r.KeepaliveInterval)
	if cfg.KeepaliveInterval < 0 {
		cfg.KeepaliveInterval = 0
	}
	setDuration(&cfg.Resolver.PurgeDelay, r.PurgeDelay)
	setDuration(&cfg.Resolver.TombstonePurgeInterval, r.TombstonePurgeInterval)
	cfg.Resolver.FastTombstonePurging = r.FastTombstonePurging
	setDuration(&cfg.Session.ProtocolTimeout, r.ProtocolTimeout)
	setDuration(&cfg.Session.ReleaseTimeout, r.ReleaseTimeout)
	if r.BatchSize > 0 {
		cfg.Session.BatchSize = r.BatchSize
	}
	setDuration(&cfg.CleanAllRUV.PollInterval, r.CleanPollInterval)
	setDuration(&cfg.CleanAllRUV.ProtocolTimeout, r.ProtocolTimeout)

	cl := r.Changelog.merge(cl5)
	cfg.Changelog.MaxEntries = cl.MaxEntries
	cfg.Changelog.MaxAge = time.Duration(cl.MaxAge)
	setDuration(&cfg.Changelog.TrimInterval, cl.TrimInterval)
	return cfg
}

// Agreement returns the agreement declared for suffix, with defaults.
func (a *AgreementConfig) Agreement(suffix string) replication.Agreement {
	return replication.Agreement{
		Name:              a.Name,
		Suffix:            suffix,
		Description:       a.Description,
		Host:              a.Host,
		Port:              a.Port,
		TransportInfo:     replication.TransportInfo(strings.ToUpper(a.TransportInfo)),
		BindMethod:        replication.BindMethod(strings.ToUpper(a.BindMethod)),
		BindDN:            a.BindDN,
		Credentials:       a.Credentials,
		Schedule:          a.Schedule,
		FracList:          a.FracList,
		FracListTotal:     a.FracListTotal,
		BackoffMin:        a.BackoffMin,
		BackoffMax:        a.BackoffMax,
		FlowControlWindow: a.FlowControlWindow,
		FlowControlPause:  a.FlowControlPause,
		Enabled:           !a.Disabled,
	}.WithDefaults()
}

// Redacted returns a copy of c without secrets, for printing.
func (c *Config) Redacted() *Config {
	out := *c
	if out.AdminToken != "" {
		out.AdminToken = redacted
	}
	out.Replicas = make([]ReplicaConfig, len(c.Replicas))
	for i, r := range c.Replicas {
		r.Agreements = append([]AgreementConfig(nil), r.Agreements...)
		for j := range r.Agreements {
			if r.Agreements[j].Credentials != "" {
				r.Agreements[j].Credentials = redacted
			}
		}
		out.Replicas[i] = r
	}
	return &out
}

// ApplyEnvOverrides apply the environment configuration on top of the config.
func (c *Config) ApplyEnvOverrides(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	return c.applyEnvOverrides(getenv, EnvPrefix, reflect.ValueOf(c), "")
}

func (c *Config) applyEnvOverrides(getenv func(string) string, prefix string, val reflect.Value, structKey string) error {
	element := val
	if val.Kind() == reflect.Ptr {
		element = val.Elem()
	}

	value := getenv(prefix)
	fail := func() error {
		return &errors.Error{
			Code: errors.EInvalid,
			Op:   "config.ApplyEnvOverrides",
			Msg:  fmt.Sprintf("failed to apply %v to %v using type %v and value '%v'", prefix, structKey, element.Type().String(), value),
		}
	}

	// text types such as roles and log levels parse themselves
	if u, ok := element.Addr().Interface().(interface{ UnmarshalText([]byte) error }); ok && element.Kind() != reflect.Struct {
		if len(value) == 0 {
			return nil
		}
		if err := u.UnmarshalText([]byte(value)); err != nil {
			return fail()
		}
		return nil
	}

	switch element.Kind() {
	case reflect.String, reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Bool:
		if len(value) == 0 {
			return nil
		}
	}

	switch element.Kind() {
	case reflect.String:
		element.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 0, element.Type().Bits())
		if err != nil {
			return fail()
		}
		element.SetInt(intValue)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		intValue, err := strconv.ParseUint(value, 0, element.Type().Bits())
		if err != nil {
			return fail()
		}
		element.SetUint(intValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return fail()
		}
		element.SetBool(boolValue)
	case reflect.Slice:
		// REPLICA_0_SUFFIX addresses the first replica; a slice of strings
		// may be given whole as "a,b".
		for j := 0; j < element.Len(); j++ {
			if err := c.applyEnvOverrides(getenv, fmt.Sprintf("%s_%d", prefix, j), element.Index(j), structKey); err != nil {
				return err
			}
		}
		if element.Type().Elem().Kind() == reflect.String && len(value) > 0 {
			element.Set(reflect.MakeSlice(element.Type(), 0, 0))
			for _, v := range strings.Split(value, ",") {
				element.Set(reflect.Append(element, reflect.ValueOf(v).Convert(element.Type().Elem())))
			}
		}
	case reflect.Struct:
		typ := element.Type()
		for i := 0; i < element.NumField(); i++ {
			field := element.Field(i)
			if !field.CanSet() {
				continue
			}

			fieldName := typ.Field(i).Name
			configName := strings.Split(typ.Field(i).Tag.Get("toml"), ",")[0]
			if configName == "" {
				continue
			}
			// Replace hyphens with underscores to avoid issues with shells
			envKey := strings.ToUpper(prefix + "_" + strings.ReplaceAll(configName, "-", "_"))

			if err := c.applyEnvOverrides(getenv, envKey, field, fieldName); err != nil {
				return err
			}
		}
	}
	return nil
}
