// Package orchestrator implements the per-connection state machine that
// ties the protocol parser, the rule-based router, the optional TLS
// tunnel, and the bidirectional splice together, plus the listener that
// spawns one orchestrator per accepted socket.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/protocol"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/rules"
	"github.com/postalsys/muti-metroo/internal/tlstunnel"
)

// Errors surfaced by the orchestrator that are not already part of the
// protocol package's taxonomy.
var (
	// ErrProxyNotConfigured is returned when the rule engine yields Proxy
	// on the client role but there is no usable remote hop (no ProxyConfig,
	// or one with an empty RemoteHost). The server role never returns it.
	ErrProxyNotConfigured = errors.New("orchestrator: proxy verdict but no proxy configured")

	// ErrRejected is returned when the rule engine yields Reject.
	ErrRejected = errors.New("orchestrator: destination rejected by rule store")
)

// dialTimeout bounds both the direct dial and the dial to the remote proxy.
const dialTimeout = 120 * time.Second

// ProxyConfig is supplied on the client role when a remote hop is
// available. On the client role a nil ProxyConfig turns any Proxy verdict
// into ErrProxyNotConfigured, since there is no further hop to take. The
// server role never has one and dials every destination directly.
type ProxyConfig struct {
	RemoteHost string
	RemotePort int
	CertPath   string // non-empty selects a TLS-wrapped upstream hop
}

// Orchestrator drives one accepted connection from its first byte through
// to the end of the splice phase.
type Orchestrator struct {
	id     uuid.UUID
	conn   net.Conn
	proxy  *ProxyConfig // nil when no remote hop is configured
	// runOnServer is the authoritative role flag: true only for the
	// server role's listener, independent of whether proxy happens to
	// be nil. It controls auth-state skipping in Run and makes Run dial
	// every destination directly whatever the verdict.
	runOnServer bool
	store       *rules.Store
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

// New builds an orchestrator for one accepted connection. proxy is nil for
// the server role. runOnServer marks the server role explicitly: a
// server-role orchestrator skips the SOCKS5 auth-negotiation state
// entirely and treats the first request as already authorized, since it
// is reading a replayed handshake relayed by a client-role process rather
// than a fresh SOCKS5 client's own negotiation, and it dials every
// destination directly.
func New(conn net.Conn, proxy *ProxyConfig, runOnServer bool, store *rules.Store, logger *slog.Logger, m *metrics.Metrics) *Orchestrator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Orchestrator{
		id:          uuid.New(),
		conn:        conn,
		proxy:       proxy,
		runOnServer: runOnServer,
		store:       store,
		logger:      logger,
		metrics:     m,
	}
}

// Run executes the full per-connection state machine. It never returns an
// error to the caller: every failure is logged and results in the
// connection being closed, matching the "process survives all
// per-connection failures" policy.
func (o *Orchestrator) Run() {
	defer o.conn.Close()

	parser := protocol.NewRequestParser(o.conn)
	authorized := o.runOnServer

	var req *protocol.Request
	for {
		auth, r, err := parser.Parse(authorized)
		if err != nil {
			o.failParse(err)
			return
		}
		if auth != nil {
			if _, err := o.conn.Write(protocol.SOCKS5NoAuthReply()); err != nil {
				o.logError("write auth reply", err)
				return
			}
			authorized = true
			continue
		}
		req = r
		break
	}

	o.metrics.RecordConnect(req.Dialect.String())
	defer o.metrics.RecordDisconnect()
	o.logger.Debug("accepted request",
		logging.KeyConnID, o.id,
		logging.KeyDialect, req.Dialect.String(),
		"cmd", req.Cmd.String(),
		"dst", req.Addr())

	if req.Cmd != protocol.CmdConnect {
		o.replyFailure(req.Dialect, protocol.ErrNotImplemented)
		return
	}

	verdict := o.route(req)
	o.metrics.RecordVerdict(verdict.String())

	switch {
	case o.runOnServer || verdict == rules.Direct:
		o.dialDirect(req)
	case verdict == rules.Reject:
		o.replyFailure(req.Dialect, ErrRejected)
	case verdict == rules.Proxy && o.proxy != nil:
		o.dialProxy(req)
	default:
		o.replyFailure(req.Dialect, ErrProxyNotConfigured)
	}
}

// route computes the rule-store verdict for req's destination. The server
// role still calls this (keeping the code path, per the design notes) but
// its caller always dials directly regardless of the result.
func (o *Orchestrator) route(req *protocol.Request) rules.Verdict {
	if o.store == nil {
		return rules.Direct
	}
	switch req.AddrType {
	case protocol.AddrDomain:
		return o.store.ClassifyDomain(req.DstDomain)
	default:
		return o.store.ClassifyIP(req.DstIP)
	}
}

func (o *Orchestrator) dialDirect(req *protocol.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", req.Addr())
	if err != nil {
		o.logError("dial direct", err)
		o.replyFailure(req.Dialect, err)
		return
	}
	defer target.Close()

	if err := o.replySuccess(req); err != nil {
		o.logError("write success reply", err)
		return
	}
	o.splice(target)
}

func (o *Orchestrator) dialProxy(req *protocol.Request) {
	if o.proxy.RemoteHost == "" {
		o.replyFailure(req.Dialect, ErrProxyNotConfigured)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()

	addr := net.JoinHostPort(o.proxy.RemoteHost, strconv.Itoa(o.proxy.RemotePort))
	var d net.Dialer
	target, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		o.logError("dial proxy", err)
		o.replyFailure(req.Dialect, err)
		return
	}

	var upstream net.Conn = target
	if o.proxy.CertPath != "" {
		tlsConn, err := tlstunnel.Connect(target, o.proxy.CertPath, o.proxy.RemoteHost)
		if err != nil {
			o.metrics.TLSHandshakeFailures.Inc()
			o.logError("tls tunnel connect", err)
			o.replyFailure(req.Dialect, err)
			return
		}
		upstream = tlsConn
	}
	defer upstream.Close()

	// Replay the exact client handshake bytes; the remote proxy parses and
	// replies on its own, so no client-facing reply is sent here.
	if _, err := upstream.Write(req.Raw); err != nil {
		o.logError("replay handshake to upstream", err)
		return
	}

	o.splice(upstream)
}

func (o *Orchestrator) replySuccess(req *protocol.Request) error {
	_, err := o.conn.Write(protocol.WriteSuccess(req.Dialect, req))
	return err
}

func (o *Orchestrator) replyFailure(dialect protocol.Dialect, err error) {
	o.metrics.RecordError(errorReason(err))
	o.conn.Write(protocol.WriteFailure(dialect, err))
}

func (o *Orchestrator) failParse(err error) {
	var pe *protocol.ParseError
	dialect := protocol.DialectV5
	if errors.As(err, &pe) {
		dialect = pe.Dialect
	}
	o.logError("parse request", err)
	o.replyFailure(dialect, err)
}

func (o *Orchestrator) logError(stage string, err error) {
	o.logger.Warn("connection failed",
		logging.KeyConnID, o.id,
		"stage", stage,
		logging.KeyError, err)
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, ErrProxyNotConfigured):
		return "proxy_not_configured"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, protocol.ErrNotImplemented):
		return "not_implemented"
	default:
		return "dial_or_parse_error"
	}
}

// halfCloser is implemented by connections (TCP and our TLS wrapper) that
// support shutting down only the write side.
type halfCloser interface {
	CloseWrite() error
}

// splice copies bytes bidirectionally between the client connection and
// the upstream connection until both directions have finished, rather than
// racing to finish first and cancelling the slower side. Each direction
// half-closes its writer on completion so the other side observes a clean
// EOF instead of a hard reset.
func (o *Orchestrator) splice(upstream net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(o.logger, "orchestrator.splice.clientToUpstream")
		n, _ := io.Copy(upstream, o.conn)
		o.metrics.RecordBytes("upstream", n)
		if hc, ok := upstream.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	go func() {
		defer wg.Done()
		defer recovery.RecoverWithLog(o.logger, "orchestrator.splice.upstreamToClient")
		n, _ := io.Copy(o.conn, upstream)
		o.metrics.RecordBytes("downstream", n)
		if hc, ok := o.conn.(halfCloser); ok {
			hc.CloseWrite()
		}
	}()

	wg.Wait()
}

// ID returns the connection's correlation id for external logging.
func (o *Orchestrator) ID() uuid.UUID { return o.id }
