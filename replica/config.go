package replica

import (
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/changelog"
	"github.com/dirsrv/replication/cleanallruv"
	"github.com/dirsrv/replication/resolve"
)

// Defaults for Config.
const (
	DefaultSessionTimeout    = 10 * time.Minute
	DefaultKeepaliveInterval = time.Hour
)

// Config is everything one replica of a suffix is configured with.
type Config struct {
	Identity replication.Identity
	// URL is how suppliers name this server in RUVs.
	URL string

	// BindDNs maps the DNs suppliers may bind as to a bcrypt hash of their
	// credentials. A DN with an empty hash may only bind with
	// SSLCLIENTAUTH.
	BindDNs map[string]string
	// BindDNGroups name group entries whose members may bind with the
	// bcrypt userPassword of their own entry.
	BindDNGroups []string

	// SessionTimeout releases the lock of a supplier that stopped talking.
	SessionTimeout time.Duration
	// KeepaliveInterval is how often a supplier rewrites its keep alive
	// entry. Zero disables keep alive updates.
	KeepaliveInterval time.Duration

	Changelog   changelog.Config
	Resolver    resolve.Config
	Session     agreement.SessionConfig
	CleanAllRUV cleanallruv.Config
}

// NewConfig returns the defaults for a replica with the given identity.
func NewConfig(id replication.Identity, url string) Config {
	return Config{
		Identity:          id,
		URL:               url,
		BindDNs:           map[string]string{},
		SessionTimeout:    DefaultSessionTimeout,
		KeepaliveInterval: DefaultKeepaliveInterval,
		Changelog:         changelog.NewConfig(),
		Resolver:          resolve.NewConfig(),
		Session:           agreement.NewSessionConfig(id.ID, url),
		CleanAllRUV:       cleanallruv.NewConfig(),
	}
}
