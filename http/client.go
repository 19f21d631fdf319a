package http

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/dirsrv/replication"
	"github.com/dirsrv/replication/agreement"
	"github.com/dirsrv/replication/kit/platform/errors"
	"github.com/dirsrv/replication/ruv"
	"github.com/dirsrv/replication/topology"
)

// Client talks to a replicad server. It is the supplier side of the
// replication protocol and the operator side of the admin API.
type Client struct {
	addr   *url.URL
	token  string
	client *http.Client
}

var _ replication.Consumer = (*Client)(nil)

// ClientOptFn configures a Client.
type ClientOptFn func(*Client)

// WithHTTPClient sends requests through c.
func WithHTTPClient(c *http.Client) ClientOptFn {
	return func(cl *Client) { cl.client = c }
}

// WithAuthToken provides token auth for admin requests.
func WithAuthToken(token string) ClientOptFn {
	return func(cl *Client) { cl.token = token }
}

// NewClient returns a client of the server at addr, an http or https URL.
func NewClient(addr string, opts ...ClientOptFn) (*Client, error) {
	u, err := url.Parse(addr)
	if err != nil {
		return nil, &errors.Error{Code: errors.EInvalid, Op: "http.NewClient", Msg: "invalid address " + addr, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, &errors.Error{Code: errors.EInvalid, Op: "http.NewClient", Msg: fmt.Sprintf("unsupported scheme %q", u.Scheme)}
	}
	c := &Client{addr: u}
	for _, o := range opts {
		o(c)
	}
	if c.client == nil {
		c.client = NewHTTPClient(u.Scheme, nil)
	}
	return c, nil
}

// NewHTTPClient returns an http.Client that pools connections. tlsConfig
// is used for https and may carry a client certificate.
func NewHTTPClient(scheme string, tlsConfig *tls.Config) *http.Client {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	if scheme == "https" && tlsConfig != nil {
		tr.TLSClientConfig = tlsConfig.Clone()
	}
	return &http.Client{Transport: tr}
}

func suffixPath(suffix string) string {
	return prefixReplication + "/" + url.PathEscape(suffix)
}

func sessionPath(suffix, session string) string {
	return suffixPath(suffix) + "/sessions/" + url.PathEscape(session)
}

// do sends in as JSON and decodes the response into out, when out is not nil.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out interface{}) error {
	u := *c.addr
	u.Path = ""
	u.RawQuery = query.Encode()
	target := u.String() + path

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return &errors.Error{Code: errors.EInternal, Op: op, Err: err}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return &errors.Error{Code: errors.EInvalid, Op: op, Err: err}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return transportError(op, c.addr.Host, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if err := CheckError(resp); err != nil {
		if e, ok := err.(*errors.Error); ok && e.Op == "" {
			e.Op = op
		}
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &errors.Error{Code: errors.EInternal, Op: op, Msg: "failed to decode response", Err: err}
	}
	return nil
}

// Acquire opens a replication session.
func (c *Client) Acquire(ctx context.Context, req *replication.AcquireRequest) (*replication.AcquireResponse, error) {
	var resp replication.AcquireResponse
	if err := c.do(ctx, "http.Acquire", http.MethodPost, suffixPath(req.Suffix)+"/acquire", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Update(ctx context.Context, suffix, session string, updates []replication.Update) (*replication.UpdateAck, error) {
	if updates == nil {
		updates = []replication.Update{}
	}
	var ack replication.UpdateAck
	if err := c.do(ctx, "http.Update", http.MethodPost, sessionPath(suffix, session)+"/updates", nil, updates, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) Initialize(ctx context.Context, suffix, session string, batch *replication.InitBatch) error {
	return c.do(ctx, "http.Initialize", http.MethodPost, sessionPath(suffix, session)+"/init", nil, batch, nil)
}

func (c *Client) Release(ctx context.Context, suffix, session string) (*replication.ReleaseResponse, error) {
	var resp replication.ReleaseResponse
	if err := c.do(ctx, "http.Release", http.MethodPost, sessionPath(suffix, session)+"/release", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) RUV(ctx context.Context, suffix string) (*ruv.RUV, error) {
	rv := ruv.New()
	if err := c.do(ctx, "http.RUV", http.MethodGet, suffixPath(suffix)+"/ruv", nil, nil, rv); err != nil {
		return nil, err
	}
	return rv, nil
}

func (c *Client) CleanRUV(ctx context.Context, d *replication.CleanDirective) (*replication.DirectiveReply, error) {
	var reply replication.DirectiveReply
	if err := c.do(ctx, "http.CleanRUV", http.MethodPost, suffixPath(d.Suffix)+"/cleanallruv", nil, d, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func (c *Client) AbortCleanRUV(ctx context.Context, d *replication.AbortDirective) (*replication.DirectiveReply, error) {
	var reply replication.DirectiveReply
	if err := c.do(ctx, "http.AbortCleanRUV", http.MethodPost, suffixPath(d.Suffix)+"/abortcleanallruv", nil, d, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// Status returns the topology report of every replica of the server.
func (c *Client) Status(ctx context.Context) ([]topology.Report, error) {
	var reports []topology.Report
	if err := c.do(ctx, "http.Status", http.MethodGet, prefixAPI+"/status", nil, nil, &reports); err != nil {
		return nil, err
	}
	return reports, nil
}

// StatusTree returns the status report rendered as a tree.
func (c *Client) StatusTree(ctx context.Context) (string, error) {
	var out struct {
		Tree string `json:"tree"`
	}
	q := url.Values{"format": {"tree"}}
	if err := c.do(ctx, "http.StatusTree", http.MethodGet, prefixAPI+"/status", q, nil, &out); err != nil {
		return "", err
	}
	return out.Tree, nil
}

func agreementsPath(suffix string) string {
	return prefixAPI + "/replicas/" + url.PathEscape(suffix) + "/agreements"
}

func (c *Client) ListAgreements(ctx context.Context, suffix string) ([]replication.Agreement, error) {
	var as []replication.Agreement
	if err := c.do(ctx, "http.ListAgreements", http.MethodGet, agreementsPath(suffix), nil, nil, &as); err != nil {
		return nil, err
	}
	return as, nil
}

func (c *Client) CreateAgreement(ctx context.Context, a replication.Agreement) (*replication.Agreement, error) {
	var out replication.Agreement
	if err := c.do(ctx, "http.CreateAgreement", http.MethodPost, agreementsPath(a.Suffix), nil, a, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetAgreement(ctx context.Context, suffix, name string) (*replication.Agreement, error) {
	var out replication.Agreement
	if err := c.do(ctx, "http.GetAgreement", http.MethodGet, agreementsPath(suffix)+"/"+url.PathEscape(name), nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) UpdateAgreement(ctx context.Context, suffix, name string, req replication.UpdateAgreementRequest) (*replication.Agreement, error) {
	var out replication.Agreement
	if err := c.do(ctx, "http.UpdateAgreement", http.MethodPatch, agreementsPath(suffix)+"/"+url.PathEscape(name), nil, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteAgreement(ctx context.Context, suffix, name string) error {
	return c.do(ctx, "http.DeleteAgreement", http.MethodDelete, agreementsPath(suffix)+"/"+url.PathEscape(name), nil, nil, nil)
}

func (c *Client) AgreementStatus(ctx context.Context, suffix, name string) (*replication.AgreementStatus, error) {
	var out replication.AgreementStatus
	if err := c.do(ctx, "http.AgreementStatus", http.MethodGet, agreementsPath(suffix)+"/"+url.PathEscape(name)+"/status", nil, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// InitializeAgreement runs a total initialization of the consumer of an
// agreement and returns once it is over.
func (c *Client) InitializeAgreement(ctx context.Context, suffix, name string) error {
	return c.do(ctx, "http.InitializeAgreement", http.MethodPost, agreementsPath(suffix)+"/"+url.PathEscape(name)+"/init", nil, nil, nil)
}

// Promote raises the role of the replica of suffix.
func (c *Client) Promote(ctx context.Context, suffix string, role replication.Role, id replication.ReplicaID) (*replication.Identity, error) {
	var out replication.Identity
	in := roleRequest{Role: role, ReplicaID: id}
	if err := c.do(ctx, "http.Promote", http.MethodPost, prefixAPI+"/replicas/"+url.PathEscape(suffix)+"/promote", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Demote lowers the role of the replica of suffix.
func (c *Client) Demote(ctx context.Context, suffix string, role replication.Role) (*replication.Identity, error) {
	var out replication.Identity
	in := roleRequest{Role: role}
	if err := c.do(ctx, "http.Demote", http.MethodPost, prefixAPI+"/replicas/"+url.PathEscape(suffix)+"/demote", nil, in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CleanAllRUV starts a task that retires a replica ID on every server.
func (c *Client) CleanAllRUV(ctx context.Context, req replication.CleanRequest) (*replication.TaskStatus, error) {
	var st replication.TaskStatus
	if err := c.do(ctx, "http.CleanAllRUV", http.MethodPost, prefixAPI+"/tasks/cleanallruv", nil, req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// AbortCleanAllRUV starts a task that stops the clean tasks of a replica ID.
func (c *Client) AbortCleanAllRUV(ctx context.Context, req replication.AbortRequest) (*replication.TaskStatus, error) {
	var st replication.TaskStatus
	if err := c.do(ctx, "http.AbortCleanAllRUV", http.MethodPost, prefixAPI+"/tasks/abortcleanallruv", nil, req, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) Tasks(ctx context.Context) ([]replication.TaskStatus, error) {
	var out []replication.TaskStatus
	if err := c.do(ctx, "http.Tasks", http.MethodGet, prefixAPI+"/tasks", nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Task(ctx context.Context, id string) (*replication.TaskStatus, error) {
	var st replication.TaskStatus
	if err := c.do(ctx, "http.Task", http.MethodGet, prefixAPI+"/tasks/"+url.PathEscape(id), nil, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// WaitTask polls a task until it is done or ctx ends.
func (c *Client) WaitTask(ctx context.Context, id string, every time.Duration) (*replication.TaskStatus, error) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		st, err := c.Task(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.State.Done() {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return st, &errors.Error{Code: errors.ETimeout, Op: "http.WaitTask", Msg: "task " + id + " still " + string(st.State), Err: ctx.Err()}
		case <-t.C:
		}
	}
}

// Transport connects agreements to consumers over HTTP. ldaps and
// starttls agreements use https.
type Transport struct {
	tlsConfig *tls.Config
	plain     *http.Client
	secure    *http.Client
}

var _ agreement.Transport = (*Transport)(nil)

// NewTransport returns a transport. tlsConfig may be nil; agreements that
// bind with SSLCLIENTAUTH need one with a client certificate.
func NewTransport(tlsConfig *tls.Config) *Transport {
	return &Transport{
		tlsConfig: tlsConfig,
		plain:     NewHTTPClient("http", nil),
		secure:    NewHTTPClient("https", tlsConfig),
	}
}

func (t *Transport) Connect(ctx context.Context, a *replication.Agreement) (replication.Consumer, error) {
	scheme, hc := "http", t.plain
	if a.TransportInfo == replication.TransportLDAPS || a.TransportInfo == replication.TransportStartTLS {
		scheme, hc = "https", t.secure
	}
	if a.BindMethod == replication.BindSSLClientAuth {
		if scheme != "https" {
			return nil, &errors.Error{Code: errors.EInvalid, Op: "http.Connect", Msg: "client certificate bind needs a TLS transport"}
		}
		if t.tlsConfig == nil || (len(t.tlsConfig.Certificates) == 0 && t.tlsConfig.GetClientCertificate == nil) {
			return nil, &errors.Error{Code: errors.EInvalid, Op: "http.Connect", Msg: "no client certificate configured"}
		}
	}
	addr := scheme + "://" + net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
	return NewClient(addr, WithHTTPClient(hc))
}
