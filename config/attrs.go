package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/kit/platform/errors"
	itoml "github.com/dirsrv/replication/toml"
)

// Attrs is an entry in attribute form, as replica, agreement and task
// entries are written by directory administration tools. Attribute names
// are case insensitive.
type Attrs map[string][]string

func (a Attrs) get(name string) (string, bool) {
	for k, v := range a {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return strings.TrimSpace(v[0]), true
		}
	}
	return "", false
}

func (a Attrs) all(name string) []string {
	for k, v := range a {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return nil
}

func attrErr(op, attr, value string, err error) error {
	return &errors.Error{
		Code: errors.EInvalid,
		Op:   op,
		Msg:  fmt.Sprintf("invalid value %q for %s", value, attr),
		Err:  err,
	}
}

func missing(op, attr string) error {
	return &errors.Error{Code: errors.EInvalid, Op: op, Msg: attr + " is required"}
}

// seconds parses a count of seconds.
func seconds(op string, a Attrs, attr string, dst *itoml.Duration) error {
	v, ok := a.get(attr)
	if !ok {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return attrErr(op, attr, v, err)
	}
	*dst = itoml.Duration(time.Duration(n) * time.Second)
	return nil
}

func integer(op string, a Attrs, attr string, dst *int) error {
	v, ok := a.get(attr)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return attrErr(op, attr, v, err)
	}
	*dst = n
	return nil
}

func boolean(op string, a Attrs, attr string, dst *bool) error {
	v, ok := a.get(attr)
	if !ok {
		return nil
	}
	switch strings.ToLower(v) {
	case "on", "yes", "true", "1":
		*dst = true
	case "off", "no", "false", "0":
		*dst = false
	default:
		return attrErr(op, attr, v, nil)
	}
	return nil
}

func replicaID(op string, a Attrs, attr string) (replication.ReplicaID, bool, error) {
	v, ok := a.get(attr)
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseUint(v, 10, 16)
	if err != nil {
		return 0, false, attrErr(op, attr, v, err)
	}
	return replication.ReplicaID(n), true, nil
}

const (
	replicaTypeReadOnly  = "2"
	replicaTypeUpdatable = "3"
	replicaFlagHub       = "1"
)

// ParseReplicaAttrs reads a replica entry. nsDS5ReplicaType 3 is a
// supplier; type 2 is a hub when nsDS5Flags is 1 and a consumer otherwise.
// Bind DNs read from the entry carry no credentials and may only bind with
// SSLCLIENTAUTH until a password hash is configured for them.
func ParseReplicaAttrs(a Attrs) (ReplicaConfig, error) {
	const op = "config.ParseReplicaAttrs"
	var r ReplicaConfig

	suffix, ok := a.get("nsDS5ReplicaRoot")
	if !ok {
		return r, missing(op, "nsDS5ReplicaRoot")
	}
	r.Suffix = suffix

	typ, _ := a.get("nsDS5ReplicaType")
	flags, _ := a.get("nsDS5Flags")
	switch typ {
	case replicaTypeUpdatable:
		r.Role = replication.RoleSupplier
	case replicaTypeReadOnly, "":
		r.Role = replication.RoleConsumer
		if flags == replicaFlagHub {
			r.Role = replication.RoleHub
		}
	default:
		return r, attrErr(op, "nsDS5ReplicaType", typ, nil)
	}

	id, ok, err := replicaID(op, a, "nsDS5ReplicaId")
	if err != nil {
		return r, err
	}
	if ok {
		r.ReplicaID = id
	}

	if dns := a.all("nsDS5ReplicaBindDN"); len(dns) > 0 {
		r.BindDNs = make(map[string]string, len(dns))
		for _, dn := range dns {
			r.BindDNs[dn] = ""
		}
	}
	r.BindDNGroups = append(r.BindDNGroups, a.all("nsDS5ReplicaBindDNGroup")...)

	for _, f := range []func() error{
		func() error { return seconds(op, a, "nsDS5ReplicaPurgeDelay", &r.PurgeDelay) },
		func() error { return seconds(op, a, "nsDS5ReplicaTombstonePurgeInterval", &r.TombstonePurgeInterval) },
		func() error { return seconds(op, a, "nsDS5ReplicaReleaseTimeout", &r.ReleaseTimeout) },
		func() error { return seconds(op, a, "nsDS5ReplicaProtocolTimeout", &r.ProtocolTimeout) },
		func() error { return seconds(op, a, "nsDS5ReplicaKeepAliveUpdateInterval", &r.KeepaliveInterval) },
		func() error { return boolean(op, a, "nsDS5ReplicaFastTombstonePurging", &r.FastTombstonePurging) },
		func() error { return integer(op, a, "nsslapd-changelogmaxentries", &r.Changelog.MaxEntries) },
		func() error { return changelogAge(op, a, "nsslapd-changelogmaxage", &r.Changelog.MaxAge) },
		func() error { return changelogAge(op, a, "nsslapd-changelogtrim-interval", &r.Changelog.TrimInterval) },
	} {
		if err := f(); err != nil {
			return r, err
		}
	}
	return r.WithDefaults(), nil
}

var ageRe = regexp.MustCompile(`^(\d+)([smhdw]?)$`)

var ageUnits = map[string]time.Duration{
	"":  time.Second,
	"s": time.Second,
	"m": time.Minute,
	"h": time.Hour,
	"d": 24 * time.Hour,
	"w": 7 * 24 * time.Hour,
}

// changelogAge parses an age such as "7d". A bare number counts seconds.
func changelogAge(op string, a Attrs, attr string, dst *itoml.Duration) error {
	v, ok := a.get(attr)
	if !ok {
		return nil
	}
	m := ageRe.FindStringSubmatch(strings.ToLower(v))
	if m == nil {
		return attrErr(op, attr, v, nil)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return attrErr(op, attr, v, err)
	}
	*dst = itoml.Duration(time.Duration(n) * ageUnits[m[2]])
	return nil
}

// ParseChangelogAttrs reads the legacy cn=changelog5 entry.
func ParseChangelogAttrs(a Attrs) (ChangelogConfig, error) {
	const op = "config.ParseChangelogAttrs"
	var c ChangelogConfig
	if err := integer(op, a, "nsslapd-changelogmaxentries", &c.MaxEntries); err != nil {
		return c, err
	}
	if err := changelogAge(op, a, "nsslapd-changelogmaxage", &c.MaxAge); err != nil {
		return c, err
	}
	if err := changelogAge(op, a, "nsslapd-changelogtrim-interval", &c.TrimInterval); err != nil {
		return c, err
	}
	return c, nil
}

// ParseAgreementAttrs reads an agreement entry. Its suffix is
// nsDS5ReplicaRoot and its name cn.
func ParseAgreementAttrs(a Attrs) (suffix string, ac AgreementConfig, err error) {
	const op = "config.ParseAgreementAttrs"

	if suffix, _ = a.get("nsDS5ReplicaRoot"); suffix == "" {
		return "", ac, missing(op, "nsDS5ReplicaRoot")
	}
	if ac.Name, _ = a.get("cn"); ac.Name == "" {
		return "", ac, missing(op, "cn")
	}
	ac.Description, _ = a.get("description")
	ac.Host, _ = a.get("nsDS5ReplicaHost")
	ac.BindDN, _ = a.get("nsDS5ReplicaBindDN")
	ac.Credentials, _ = a.get("nsDS5ReplicaCredentials")
	ac.Schedule, _ = a.get("nsDS5ReplicaUpdateSchedule")

	if v, ok := a.get("nsDS5ReplicaTransportInfo"); ok {
		switch strings.ToUpper(v) {
		case "LDAP":
			ac.TransportInfo = string(replication.TransportLDAP)
		case "SSL", "LDAPS":
			ac.TransportInfo = string(replication.TransportLDAPS)
		case "TLS", "STARTTLS":
			ac.TransportInfo = string(replication.TransportStartTLS)
		default:
			return "", ac, attrErr(op, "nsDS5ReplicaTransportInfo", v, nil)
		}
	}
	if v, ok := a.get("nsDS5ReplicaBindMethod"); ok {
		switch strings.ToUpper(v) {
		case "SIMPLE", "":
			ac.BindMethod = string(replication.BindSimple)
		case "SSLCLIENTAUTH":
			ac.BindMethod = string(replication.BindSSLClientAuth)
		default:
			return "", ac, attrErr(op, "nsDS5ReplicaBindMethod", v, nil)
		}
	}
	if v, ok := a.get("nsDS5ReplicaEnabled"); ok {
		switch strings.ToLower(v) {
		case "on":
		case "off":
			ac.Disabled = true
		default:
			return "", ac, attrErr(op, "nsDS5ReplicaEnabled", v, nil)
		}
	}

	ac.FracList = fracList(a.all("nsDS5ReplicatedAttributeList"))
	ac.FracListTotal = fracList(a.all("nsDS5ReplicatedAttributeListTotal"))

	var flowPause int
	for _, f := range []func() error{
		func() error { return integer(op, a, "nsDS5ReplicaPort", &ac.Port) },
		func() error { return seconds(op, a, "nsDS5ReplicaBackoffMin", &ac.BackoffMin) },
		func() error { return seconds(op, a, "nsDS5ReplicaBackoffMax", &ac.BackoffMax) },
		func() error { return integer(op, a, "nsDS5ReplicaFlowControlWindow", &ac.FlowControlWindow) },
		func() error { return integer(op, a, "nsDS5ReplicaFlowControlPause", &flowPause) },
	} {
		if err := f(); err != nil {
			return "", ac, err
		}
	}
	ac.FlowControlPause = itoml.Duration(time.Duration(flowPause) * time.Millisecond)
	return suffix, ac, nil
}

// fracList reads "(objectclass=*) $ EXCLUDE a b" into its attribute names.
func fracList(vals []string) []string {
	var out []string
	for _, v := range vals {
		i := strings.Index(strings.ToUpper(v), "EXCLUDE")
		if i < 0 {
			continue
		}
		out = append(out, strings.Fields(v[i+len("EXCLUDE"):])...)
	}
	return out
}

// TaskAttrs are the attributes of a cleanallruv or abort task entry.
type TaskAttrs struct {
	Suffix    string
	ReplicaID replication.ReplicaID
	Force     bool
	Certify   bool
}

// ParseTaskAttrs reads a task entry: replica-base-dn, replica-id and
// replica-force-cleaning or replica-certify-all.
func ParseTaskAttrs(a Attrs) (TaskAttrs, error) {
	const op = "config.ParseTaskAttrs"
	var t TaskAttrs
	if t.Suffix, _ = a.get("replica-base-dn"); t.Suffix == "" {
		return t, missing(op, "replica-base-dn")
	}
	id, ok, err := replicaID(op, a, "replica-id")
	if err != nil {
		return t, err
	}
	if !ok {
		return t, missing(op, "replica-id")
	}
	t.ReplicaID = id
	if err := boolean(op, a, "replica-force-cleaning", &t.Force); err != nil {
		return t, err
	}
	if err := boolean(op, a, "replica-certify-all", &t.Certify); err != nil {
		return t, err
	}
	return t, nil
}

// CleanRequest returns the task as a cleanallruv request.
func (t TaskAttrs) CleanRequest() replication.CleanRequest {
	return replication.CleanRequest{Suffix: t.Suffix, ReplicaID: t.ReplicaID, Force: t.Force}
}

// AbortRequest returns the task as an abort request.
func (t TaskAttrs) AbortRequest() replication.AbortRequest {
	return replication.AbortRequest{Suffix: t.Suffix, ReplicaID: t.ReplicaID, Certify: t.Certify}
}
