package orchestrator

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/postalsys/muti-metroo/internal/logging"
	"github.com/postalsys/muti-metroo/internal/metrics"
	"github.com/postalsys/muti-metroo/internal/recovery"
	"github.com/postalsys/muti-metroo/internal/rules"
	"github.com/postalsys/muti-metroo/internal/tlstunnel"
)

// ListenerConfig configures a Listener. Proxy is nil for the server role.
// When TLSCertPath/TLSKeyPath are both set, every accepted socket is first
// wrapped as a TLS server stream before the orchestrator sees it.
type ListenerConfig struct {
	Address string
	Proxy   *ProxyConfig
	// RunOnServer marks this listener as the server role: accepted
	// connections skip SOCKS5 auth negotiation and treat the first
	// request as already authorized, per the replayed-handshake
	// two-hop protocol.
	RunOnServer bool
	Store       *rules.Store
	TLSCertPath string
	TLSKeyPath  string
	Logger      *slog.Logger
	Metrics     *metrics.Metrics
}

// Listener binds a TCP port and spawns one Orchestrator per accepted
// connection. Accept errors are logged and do not stop the listener;
// per-connection failures are isolated to that connection.
type Listener struct {
	cfg      ListenerConfig
	listener net.Listener
	logger   *slog.Logger

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewListener builds a Listener from cfg.
func NewListener(cfg ListenerConfig) *Listener {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Listener{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Start binds the listening socket and begins accepting in the
// background. It returns once the socket is bound.
func (l *Listener) Start() error {
	if l.running.Load() {
		return fmt.Errorf("orchestrator: listener already running")
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("orchestrator: listen on %s: %w", l.cfg.Address, err)
	}
	l.listener = ln
	l.running.Store(true)

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Info("listener started", "address", ln.Addr().String())
	return nil
}

// Stop closes the listening socket and waits for the accept loop and every
// in-flight connection handler to return. In-flight connections are not
// closed by Stop; it blocks until their splice phase ends on its own.
func (l *Listener) Stop() error {
	var err error
	l.stopOnce.Do(func() {
		l.running.Store(false)
		close(l.stopCh)
		if l.listener != nil {
			err = l.listener.Close()
		}
		l.logger.Info("listener stopped")
	})
	l.wg.Wait()
	return err
}

// Address returns the bound address, or nil if Start has not been called.
func (l *Listener) Address() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "orchestrator.Listener.acceptLoop")

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.stopCh:
				return
			default:
				l.logger.Debug("accept error", logging.KeyError, err)
				continue
			}
		}
		l.wg.Add(1)
		go l.handleConnection(conn)
	}
}

func (l *Listener) handleConnection(conn net.Conn) {
	defer l.wg.Done()
	defer recovery.RecoverWithLog(l.logger, "orchestrator.Listener.handleConnection")

	if l.cfg.TLSCertPath != "" && l.cfg.TLSKeyPath != "" {
		tlsConn, err := tlstunnel.Accept(conn, l.cfg.TLSCertPath, l.cfg.TLSKeyPath)
		if err != nil {
			l.logger.Warn("tls accept failed",
				logging.KeyRemoteAddr, conn.RemoteAddr().String(),
				logging.KeyError, err)
			conn.Close()
			return
		}
		conn = tlsConn
	}

	orch := New(conn, l.cfg.Proxy, l.cfg.RunOnServer, l.cfg.Store, l.logger, l.cfg.Metrics)
	l.logger.Debug("accepted connection",
		logging.KeyConnID, orch.ID(),
		logging.KeyRemoteAddr, conn.RemoteAddr().String())
	orch.Run()
}
