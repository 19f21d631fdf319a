package config

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sort"
	"strings"

	"github.com/dirsrv/replication/kit/platform/errors"
)

// TLSConfig configures TLS for the API server and for the LDAPS and TLS
// transports of agreements. The certificate doubles as the client
// certificate of SSLCLIENTAUTH binds.
type TLSConfig struct {
	Cert               string   `toml:"cert" yaml:"cert,omitempty"`
	Key                string   `toml:"key" yaml:"key,omitempty"`
	CA                 string   `toml:"ca" yaml:"ca,omitempty"`
	Ciphers            []string `toml:"ciphers" yaml:"ciphers,omitempty"`
	MinVersion         string   `toml:"min-version" yaml:"min-version,omitempty"`
	MaxVersion         string   `toml:"max-version" yaml:"max-version,omitempty"`
	InsecureSkipVerify bool     `toml:"insecure-skip-verify" yaml:"insecure-skip-verify,omitempty"`
}

// Enabled reports whether the server listens with TLS.
func (c TLSConfig) Enabled() bool {
	return c.Cert != ""
}

// Parse builds the tls.Config described by c. Certificates are loaded from
// disk only when the paths are set.
func (c TLSConfig) Parse() (*tls.Config, error) {
	out := new(tls.Config)

	for _, name := range c.Ciphers {
		cipher, ok := ciphersMap[strings.ToUpper(name)]
		if !ok {
			return nil, unknownCipher(name)
		}
		out.CipherSuites = append(out.CipherSuites, cipher)
	}

	if c.MinVersion != "" {
		version, ok := versionsMap[strings.ToUpper(c.MinVersion)]
		if !ok {
			return nil, unknownVersion(c.MinVersion)
		}
		out.MinVersion = version
	}

	if c.MaxVersion != "" {
		version, ok := versionsMap[strings.ToUpper(c.MaxVersion)]
		if !ok {
			return nil, unknownVersion(c.MaxVersion)
		}
		out.MaxVersion = version
	}

	if (c.Cert == "") != (c.Key == "") {
		return nil, invalid("tls: cert and key must be set together")
	}
	if c.Cert != "" {
		cert, err := tls.LoadX509KeyPair(c.Cert, c.Key)
		if err != nil {
			return nil, &errors.Error{Code: errors.EInvalid, Op: "config.Validate", Msg: "tls: loading key pair", Err: err}
		}
		out.Certificates = []tls.Certificate{cert}
	}
	if c.CA != "" {
		pem, err := os.ReadFile(c.CA)
		if err != nil {
			return nil, &errors.Error{Code: errors.EInvalid, Op: "config.Validate", Msg: "tls: reading ca", Err: err}
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, invalid("tls: no certificates in %s", c.CA)
		}
		out.RootCAs = pool
		out.ClientCAs = pool
	}
	out.InsecureSkipVerify = c.InsecureSkipVerify
	return out, nil
}

var ciphersMap = func() map[string]uint16 {
	m := make(map[string]uint16)
	for _, s := range tls.CipherSuites() {
		m[s.Name] = s.ID
	}
	for _, s := range tls.InsecureCipherSuites() {
		m[s.Name] = s.ID
	}
	return m
}()

var versionsMap = map[string]uint16{
	"TLS1.0": tls.VersionTLS10,
	"1.0":    tls.VersionTLS10,
	"TLS1.1": tls.VersionTLS11,
	"1.1":    tls.VersionTLS11,
	"TLS1.2": tls.VersionTLS12,
	"1.2":    tls.VersionTLS12,
	"TLS1.3": tls.VersionTLS13,
	"1.3":    tls.VersionTLS13,
}

func unknownCipher(in string) error {
	return invalid("unknown cipher suite: %q. available ciphers: %s",
		in, strings.Join(availableKeys(ciphersMap), ", "))
}

func unknownVersion(in string) error {
	return invalid("unknown tls version: %q. available versions: %s",
		in, strings.Join(availableKeys(versionsMap), ", "))
}

func availableKeys(m map[string]uint16) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
