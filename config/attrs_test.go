package config_test

import (
	"testing"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/config"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestParseReplicaAttrs(t *testing.T) {
	for _, tt := range []struct {
		name  string
		attrs config.Attrs
		role  replication.Role
		id    replication.ReplicaID
	}{
		{
			name:  "supplier",
			attrs: config.Attrs{"nsDS5ReplicaRoot": {"dc=example,dc=com"}, "nsDS5ReplicaType": {"3"}, "nsDS5ReplicaId": {"7"}},
			role:  replication.RoleSupplier,
			id:    7,
		},
		{
			name:  "hub",
			attrs: config.Attrs{"nsds5replicaroot": {"dc=example,dc=com"}, "NSDS5REPLICATYPE": {"2"}, "nsDS5Flags": {"1"}},
			role:  replication.RoleHub,
			id:    replication.ReadOnlyReplicaID,
		},
		{
			name:  "consumer",
			attrs: config.Attrs{"nsDS5ReplicaRoot": {"dc=example,dc=com"}, "nsDS5ReplicaType": {"2"}, "nsDS5Flags": {"0"}},
			role:  replication.RoleConsumer,
			id:    replication.ReadOnlyReplicaID,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r, err := config.ParseReplicaAttrs(tt.attrs)
			require.NoError(t, err)
			require.Equal(t, tt.role, r.Role)
			require.Equal(t, tt.id, r.ReplicaID)
			require.NoError(t, r.Validate())
		})
	}
}

func TestParseReplicaAttrs_Settings(t *testing.T) {
	r, err := config.ParseReplicaAttrs(config.Attrs{
		"nsDS5ReplicaRoot":                    {"dc=example,dc=com"},
		"nsDS5ReplicaType":                    {"3"},
		"nsDS5ReplicaId":                      {"1"},
		"nsDS5ReplicaBindDN":                  {"cn=repl a,cn=config", "cn=repl b,cn=config"},
		"nsDS5ReplicaBindDNGroup":             {"cn=repl managers,cn=config"},
		"nsDS5ReplicaPurgeDelay":              {"604800"},
		"nsDS5ReplicaTombstonePurgeInterval":  {"86400"},
		"nsDS5ReplicaFastTombstonePurging":    {"on"},
		"nsDS5ReplicaKeepAliveUpdateInterval": {"3600"},
		"nsslapd-changelogmaxage":             {"7d"},
		"nsslapd-changelogmaxentries":         {"5000"},
	})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"cn=repl a,cn=config": "", "cn=repl b,cn=config": ""}, r.BindDNs)
	require.Equal(t, []string{"cn=repl managers,cn=config"}, r.BindDNGroups)
	require.Equal(t, 7*24*time.Hour, time.Duration(r.PurgeDelay))
	require.Equal(t, 24*time.Hour, time.Duration(r.TombstonePurgeInterval))
	require.True(t, r.FastTombstonePurging)
	require.Equal(t, time.Hour, time.Duration(r.KeepaliveInterval))
	require.Equal(t, 7*24*time.Hour, time.Duration(r.Changelog.MaxAge))
	require.Equal(t, 5000, r.Changelog.MaxEntries)
}

func TestParseReplicaAttrs_Errors(t *testing.T) {
	for _, tt := range []struct {
		name  string
		attrs config.Attrs
	}{
		{name: "no root", attrs: config.Attrs{"nsDS5ReplicaType": {"3"}}},
		{name: "bad type", attrs: config.Attrs{"nsDS5ReplicaRoot": {"dc=a"}, "nsDS5ReplicaType": {"4"}}},
		{name: "bad id", attrs: config.Attrs{"nsDS5ReplicaRoot": {"dc=a"}, "nsDS5ReplicaId": {"65536"}}},
		{name: "bad purge delay", attrs: config.Attrs{"nsDS5ReplicaRoot": {"dc=a"}, "nsDS5ReplicaPurgeDelay": {"-5"}}},
		{name: "bad max age", attrs: config.Attrs{"nsDS5ReplicaRoot": {"dc=a"}, "nsslapd-changelogmaxage": {"7y"}}},
		{name: "bad boolean", attrs: config.Attrs{"nsDS5ReplicaRoot": {"dc=a"}, "nsDS5ReplicaFastTombstonePurging": {"maybe"}}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.ParseReplicaAttrs(tt.attrs)
			require.Error(t, err)
			require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
		})
	}
}

func TestParseChangelogAttrs(t *testing.T) {
	c, err := config.ParseChangelogAttrs(config.Attrs{
		"nsslapd-changelogmaxage":        {"2w"},
		"nsslapd-changelogtrim-interval": {"300"},
	})
	require.NoError(t, err)
	require.Equal(t, 14*24*time.Hour, time.Duration(c.MaxAge))
	require.Equal(t, 5*time.Minute, time.Duration(c.TrimInterval))
	require.Zero(t, c.MaxEntries)
}

func TestParseAgreementAttrs(t *testing.T) {
	suffix, ac, err := config.ParseAgreementAttrs(config.Attrs{
		"cn":                                {"to-ldap2"},
		"nsDS5ReplicaRoot":                  {"dc=example,dc=com"},
		"nsDS5ReplicaHost":                  {"ldap2.example.com"},
		"nsDS5ReplicaPort":                  {"636"},
		"nsDS5ReplicaTransportInfo":         {"SSL"},
		"nsDS5ReplicaBindMethod":            {"sslclientauth"},
		"nsDS5ReplicaUpdateSchedule":        {"0000-0600 06"},
		"nsDS5ReplicatedAttributeList":      {"(objectclass=*) $ EXCLUDE memberOf jpegPhoto"},
		"nsDS5ReplicatedAttributeListTotal": {"(objectclass=*) $ EXCLUDE jpegPhoto"},
		"nsDS5ReplicaBackoffMin":            {"3"},
		"nsDS5ReplicaBackoffMax":            {"300"},
		"nsDS5ReplicaFlowControlWindow":     {"1000"},
		"nsDS5ReplicaFlowControlPause":      {"2000"},
		"nsDS5ReplicaEnabled":               {"off"},
	})
	require.NoError(t, err)
	require.Equal(t, "dc=example,dc=com", suffix)

	a := ac.Agreement(suffix)
	want := replication.Agreement{
		Name:              "to-ldap2",
		Suffix:            "dc=example,dc=com",
		Host:              "ldap2.example.com",
		Port:              636,
		TransportInfo:     replication.TransportLDAPS,
		BindMethod:        replication.BindSSLClientAuth,
		Schedule:          "0000-0600 06",
		FracList:          replication.AttrList{"memberOf", "jpegPhoto"},
		FracListTotal:     replication.AttrList{"jpegPhoto"},
		BackoffMin:        a.BackoffMin,
		BackoffMax:        a.BackoffMax,
		FlowControlWindow: 1000,
		FlowControlPause:  a.FlowControlPause,
	}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Fatalf("agreement mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, 3*time.Second, time.Duration(a.BackoffMin))
	require.Equal(t, 5*time.Minute, time.Duration(a.BackoffMax))
	require.Equal(t, 2*time.Second, time.Duration(a.FlowControlPause))
	require.NoError(t, a.Validate())
}

func TestParseAgreementAttrs_Errors(t *testing.T) {
	base := func(k, v string) config.Attrs {
		a := config.Attrs{"cn": {"x"}, "nsDS5ReplicaRoot": {"dc=a"}}
		if k != "" {
			a[k] = []string{v}
		}
		return a
	}
	for _, attrs := range []config.Attrs{
		{"cn": {"x"}},
		{"nsDS5ReplicaRoot": {"dc=a"}},
		base("nsDS5ReplicaTransportInfo", "pigeon"),
		base("nsDS5ReplicaBindMethod", "SASL/GSSAPI"),
		base("nsDS5ReplicaEnabled", "maybe"),
		base("nsDS5ReplicaPort", "port"),
	} {
		_, _, err := config.ParseAgreementAttrs(attrs)
		require.Error(t, err)
		require.Equal(t, errors.EInvalid, errors.ErrorCode(err))
	}
}

func TestParseTaskAttrs(t *testing.T) {
	task, err := config.ParseTaskAttrs(config.Attrs{
		"replica-base-dn":        {"dc=example,dc=com"},
		"replica-id":             {"5"},
		"replica-force-cleaning": {"yes"},
		"replica-certify-all":    {"no"},
	})
	require.NoError(t, err)
	require.Equal(t, replication.CleanRequest{Suffix: "dc=example,dc=com", ReplicaID: 5, Force: true}, task.CleanRequest())
	require.Equal(t, replication.AbortRequest{Suffix: "dc=example,dc=com", ReplicaID: 5}, task.AbortRequest())

	_, err = config.ParseTaskAttrs(config.Attrs{"replica-base-dn": {"dc=example,dc=com"}})
	require.Error(t, err)
	require.Contains(t, err.Error(), "replica-id is required")
}
