package replication

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"

	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"github.com/dirsrv/replication/toml"
)

// Agreement defaults, matching the directory server's.
const (
	DefaultPort              = 389
	DefaultBackoffMin        = 3 * time.Second
	DefaultBackoffMax        = 5 * time.Minute
	DefaultFlowControlWindow = 1000
	DefaultFlowControlPause  = 2 * time.Second
)

// BindMethod is how a supplier authenticates to its consumer.
type BindMethod string

const (
	BindSimple        BindMethod = "SIMPLE"
	BindSSLClientAuth BindMethod = "SSLCLIENTAUTH"
)

// TransportInfo selects the connection security of an agreement.
type TransportInfo string

const (
	TransportLDAP     TransportInfo = "LDAP"
	TransportLDAPS    TransportInfo = "LDAPS"
	TransportStartTLS TransportInfo = "TLS"
)

// AttrList is a set of attribute names, stored as a space separated string
// the way nsds5ReplicatedAttributeList lists them.
type AttrList []string

// Value implements driver.Valuer.
func (l AttrList) Value() (driver.Value, error) {
	return strings.Join(l, " "), nil
}

// Scan implements sql.Scanner.
func (l *AttrList) Scan(src interface{}) error {
	var s string
	switch v := src.(type) {
	case nil:
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("cannot scan %T into attribute list", src)
	}
	*l = nil
	if f := strings.Fields(s); len(f) > 0 {
		*l = f
	}
	return nil
}

// Agreement is a configured replication link from this supplier or hub to
// one consumer.
type Agreement struct {
	Name              string        `json:"name" db:"name"`
	Suffix            string        `json:"suffix" db:"suffix"`
	Description       string        `json:"description,omitempty" db:"description"`
	Host              string        `json:"host" db:"host"`
	Port              int           `json:"port" db:"port"`
	TransportInfo     TransportInfo `json:"transportInfo" db:"transport_info"`
	BindMethod        BindMethod    `json:"bindMethod" db:"bind_method"`
	BindDN            string        `json:"bindDN,omitempty" db:"bind_dn"`
	Credentials       string        `json:"credentials,omitempty" db:"credentials"`
	Schedule          string        `json:"schedule,omitempty" db:"schedule"`
	FracList          AttrList      `json:"fracList,omitempty" db:"frac_list"`
	FracListTotal     AttrList      `json:"fracListTotal,omitempty" db:"frac_list_total"`
	BackoffMin        toml.Duration `json:"backoffMin" db:"backoff_min"`
	BackoffMax        toml.Duration `json:"backoffMax" db:"backoff_max"`
	FlowControlWindow int           `json:"flowControlWindow" db:"flow_control_window"`
	FlowControlPause  toml.Duration `json:"flowControlPause" db:"flow_control_pause"`
	Enabled           bool          `json:"enabled" db:"enabled"`
}

// WithDefaults fills every unset tunable with its default.
func (a Agreement) WithDefaults() Agreement {
	if a.Port == 0 {
		a.Port = DefaultPort
	}
	if a.TransportInfo == "" {
		a.TransportInfo = TransportLDAP
	}
	if a.BindMethod == "" {
		a.BindMethod = BindSimple
	}
	if a.BackoffMin == 0 {
		a.BackoffMin = toml.Duration(DefaultBackoffMin)
	}
	if a.BackoffMax == 0 {
		a.BackoffMax = toml.Duration(DefaultBackoffMax)
	}
	if a.FlowControlWindow == 0 {
		a.FlowControlWindow = DefaultFlowControlWindow
	}
	if a.FlowControlPause == 0 {
		a.FlowControlPause = toml.Duration(DefaultFlowControlPause)
	}
	return a
}

// Consumer returns host:port of the consumer.
func (a *Agreement) Consumer() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Redacted returns a copy safe to hand to API clients.
func (a Agreement) Redacted() Agreement {
	if a.Credentials != "" {
		a.Credentials = "******"
	}
	return a
}

// Validate rejects agreements that can never work. Schedules are checked by
// the agreement package, which owns their format.
func (a *Agreement) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return &errors.Error{
			Code: errors.EInvalid,
			Op:   "replication.Agreement",
			Msg:  fmt.Sprintf("agreement %q: ", a.Name) + fmt.Sprintf(format, args...),
		}
	}
	switch {
	case a.Name == "":
		return &errors.Error{Code: errors.EInvalid, Op: "replication.Agreement", Msg: "agreement name is required"}
	case a.Suffix == "":
		return fail("suffix is required")
	case a.Host == "":
		return fail("consumer host is required")
	case a.Port <= 0 || a.Port > 65535:
		return fail("invalid port %d", a.Port)
	}

	switch a.TransportInfo {
	case TransportLDAP, TransportLDAPS, TransportStartTLS:
	default:
		return fail("unknown transport %q", a.TransportInfo)
	}

	switch a.BindMethod {
	case BindSimple:
		if a.BindDN == "" || a.Credentials == "" {
			return fail("SIMPLE bind requires a bind dn and credentials")
		}
	case BindSSLClientAuth:
		if a.TransportInfo == TransportLDAP {
			return fail("SSLCLIENTAUTH requires LDAPS or TLS transport")
		}
	default:
		return fail("unknown bind method %q", a.BindMethod)
	}

	if a.BackoffMin <= 0 || a.BackoffMax < a.BackoffMin {
		return fail("backoff range %s..%s is invalid", a.BackoffMin, a.BackoffMax)
	}
	if a.FlowControlWindow < 1 {
		return fail("flow control window must be at least 1")
	}
	if a.FlowControlPause < 0 {
		return fail("flow control pause must not be negative")
	}
	return nil
}

// UpdateAgreementRequest is a partial update of an agreement. Nil fields
// are left unchanged.
type UpdateAgreementRequest struct {
	Description       *string        `json:"description,omitempty"`
	Host              *string        `json:"host,omitempty"`
	Port              *int           `json:"port,omitempty"`
	TransportInfo     *TransportInfo `json:"transportInfo,omitempty"`
	BindMethod        *BindMethod    `json:"bindMethod,omitempty"`
	BindDN            *string        `json:"bindDN,omitempty"`
	Credentials       *string        `json:"credentials,omitempty"`
	Schedule          *string        `json:"schedule,omitempty"`
	FracList          *AttrList      `json:"fracList,omitempty"`
	FracListTotal     *AttrList      `json:"fracListTotal,omitempty"`
	BackoffMin        *toml.Duration `json:"backoffMin,omitempty"`
	BackoffMax        *toml.Duration `json:"backoffMax,omitempty"`
	FlowControlWindow *int           `json:"flowControlWindow,omitempty"`
	FlowControlPause  *toml.Duration `json:"flowControlPause,omitempty"`
	Enabled           *bool          `json:"enabled,omitempty"`
}

// Apply returns a copy of a with the request's fields set.
func (r *UpdateAgreementRequest) Apply(a Agreement) Agreement {
	if r.Description != nil {
		a.Description = *r.Description
	}
	if r.Host != nil {
		a.Host = *r.Host
	}
	if r.Port != nil {
		a.Port = *r.Port
	}
	if r.TransportInfo != nil {
		a.TransportInfo = *r.TransportInfo
	}
	if r.BindMethod != nil {
		a.BindMethod = *r.BindMethod
	}
	if r.BindDN != nil {
		a.BindDN = *r.BindDN
	}
	if r.Credentials != nil {
		a.Credentials = *r.Credentials
	}
	if r.Schedule != nil {
		a.Schedule = *r.Schedule
	}
	if r.FracList != nil {
		a.FracList = *r.FracList
	}
	if r.FracListTotal != nil {
		a.FracListTotal = *r.FracListTotal
	}
	if r.BackoffMin != nil {
		a.BackoffMin = *r.BackoffMin
	}
	if r.BackoffMax != nil {
		a.BackoffMax = *r.BackoffMax
	}
	if r.FlowControlWindow != nil {
		a.FlowControlWindow = *r.FlowControlWindow
	}
	if r.FlowControlPause != nil {
		a.FlowControlPause = *r.FlowControlPause
	}
	if r.Enabled != nil {
		a.Enabled = *r.Enabled
	}
	return a
}

// AgreementState is the state of an agreement's session.
type AgreementState int

const (
	StateDisabled AgreementState = iota
	StateIdle
	StateAcquiring
	StateSending
	StateBackoff
	StateError
)

var stateNames = [...]string{"disabled", "idle", "acquiring", "sending", "backoff", "error"}

func (s AgreementState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler.
func (s AgreementState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *AgreementState) UnmarshalText(b []byte) error {
	for i, n := range stateNames {
		if n == string(b) {
			*s = AgreementState(i)
			return nil
		}
	}
	return fmt.Errorf("unknown agreement state %q", b)
}

// AgreementStatus is the pollable runtime status of one agreement.
type AgreementStatus struct {
	Name              string         `json:"name"`
	Suffix            string         `json:"suffix"`
	Consumer          string         `json:"consumer"`
	Enabled           bool           `json:"enabled"`
	State             AgreementState `json:"state"`
	ConsumerReplicaID ReplicaID      `json:"consumerReplicaID,omitempty"`
	ConsumerRUV       *ruv.RUV       `json:"consumerRUV,omitempty"`
	ChangesSent       uint64         `json:"changesSent"`
	ChangesSkipped    uint64         `json:"changesSkipped"`
	LastUpdateStart   time.Time      `json:"lastUpdateStart,omitempty"`
	LastUpdateEnd     time.Time      `json:"lastUpdateEnd,omitempty"`
	LastErrorCode     string         `json:"lastErrorCode,omitempty"`
	LastError         string         `json:"lastError,omitempty"`
	NextAttempt       time.Time      `json:"nextAttempt,omitempty"`
	InitStatus        string         `json:"initStatus,omitempty"`
	LastInitEnd       time.Time      `json:"lastInitEnd,omitempty"`
}
