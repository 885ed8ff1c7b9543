package turncreds

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pion/turn/v4"
	"golang.org/x/sys/unix"

	"github.com/vadimnedra-code/mask-80374003-sub001/internal/calllog"
	"github.com/vadimnedra-code/mask-80374003-sub001/internal/config"
)

const (
	relayMinPort = 49152
	relayMaxPort = 65535

	stopTimeout = 10 * time.Second
)

// RelayServer is an embedded TURN relay for development and self-hosted
// deployments. It validates the same ephemeral HMAC credentials the
// HMACSource mints, so a daemon can relay for itself and its peers
// without an external coturn.
type RelayServer struct {
	cfg    config.RelayConfig
	secret []byte
	realm  string
	logger calllog.Logger

	mu        sync.Mutex
	server    *turn.Server
	cancel    context.CancelFunc
	done      chan struct{}
	isRunning bool
	startTime time.Time
}

// RelayStats is a snapshot of relay activity.
type RelayStats struct {
	ActiveAllocations int
	Uptime            time.Duration
}

// NewRelayServer builds an unstarted relay.
func NewRelayServer(cfg config.RelayConfig, sharedSecret string) *RelayServer {
	realm := cfg.Realm
	if realm == "" {
		realm = "calld"
	}
	return &RelayServer{
		cfg:    cfg,
		secret: []byte(sharedSecret),
		realm:  realm,
		logger: calllog.L().Named("relay"),
	}
}

// Start binds the listener pool and begins relaying.
func (r *RelayServer) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("relay already running")
	}

	serveCtx, cancel := context.WithCancel(ctx)
	server, err := r.buildServer(serveCtx)
	if err != nil {
		cancel()
		return err
	}

	r.server = server
	r.cancel = cancel
	r.done = make(chan struct{})
	r.isRunning = true
	r.startTime = time.Now()

	go func() {
		defer close(r.done)
		<-serveCtx.Done()
	}()

	r.logger.Info("TURN relay started",
		calllog.Int("port", r.cfg.Port),
		calllog.String("public_ip", r.cfg.PublicIP))
	return nil
}

func (r *RelayServer) buildServer(ctx context.Context) (*turn.Server, error) {
	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("0.0.0.0:%d", r.cfg.Port))
	if err != nil {
		return nil, fmt.Errorf("resolve relay address: %w", err)
	}

	// Listeners share one address:port via SO_REUSEPORT; the kernel
	// load-balances received packets across them per IP 5-tuple.
	listenerConfig := &net.ListenConfig{
		Control: func(network, address string, conn syscall.RawConn) error {
			var operr error
			if cerr := conn.Control(func(fd uintptr) {
				operr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			}); cerr != nil {
				return cerr
			}
			return operr
		},
	}

	relayAddressGenerator := &turn.RelayAddressGeneratorPortRange{
		RelayAddress: net.ParseIP(r.cfg.PublicIP),
		Address:      "0.0.0.0",
		MinPort:      relayMinPort,
		MaxPort:      relayMaxPort,
	}
	if err := relayAddressGenerator.Validate(); err != nil {
		return nil, fmt.Errorf("validate relay address generator: %w", err)
	}

	threads := r.cfg.ThreadNum
	if threads <= 0 {
		threads = 1
	}
	packetConnConfigs := make([]turn.PacketConnConfig, threads)
	for i := 0; i < threads; i++ {
		conn, listErr := listenerConfig.ListenPacket(ctx, addr.Network(), addr.String())
		if listErr != nil {
			for _, pcc := range packetConnConfigs[:i] {
				pcc.PacketConn.Close()
			}
			return nil, fmt.Errorf("allocate UDP listener %d at %s: %w", i, addr, listErr)
		}
		packetConnConfigs[i] = turn.PacketConnConfig{
			PacketConn:            conn,
			RelayAddressGenerator: relayAddressGenerator,
		}
	}

	server, err := turn.NewServer(turn.ServerConfig{
		Realm:             r.realm,
		AuthHandler:       r.authHandler,
		PacketConnConfigs: packetConnConfigs,
	})
	if err != nil {
		for _, pcc := range packetConnConfigs {
			pcc.PacketConn.Close()
		}
		return nil, fmt.Errorf("create TURN server: %w", err)
	}
	return server, nil
}

// authHandler validates ephemeral TURN REST credentials: the username is
// "<expiry-unix>:<user>" and the password is HMAC-SHA1 of it under the
// shared secret.
func (r *RelayServer) authHandler(username, realm string, srcAddr net.Addr) ([]byte, bool) {
	parts := strings.SplitN(username, ":", 2)
	if len(parts) != 2 {
		return nil, false
	}
	expiry, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || time.Now().Unix() > expiry {
		r.logger.Debug("rejected expired relay credential",
			calllog.String("username", username),
			calllog.String("src", srcAddr.String()))
		return nil, false
	}
	password := ephemeralPassword(r.secret, username)
	return turn.GenerateAuthKey(username, realm, password), true
}

// Stop shuts the relay down and waits for the supervisor goroutine.
func (r *RelayServer) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.isRunning {
		return nil
	}

	r.cancel()
	if err := r.server.Close(); err != nil {
		return fmt.Errorf("close TURN server: %w", err)
	}
	r.isRunning = false

	select {
	case <-r.done:
		r.logger.Info("TURN relay stopped")
	case <-time.After(stopTimeout):
		return fmt.Errorf("timeout waiting for relay to stop")
	}
	return nil
}

// IsRunning reports whether the relay is serving.
func (r *RelayServer) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.isRunning
}

// Stats snapshots relay activity.
func (r *RelayServer) Stats() RelayStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := RelayStats{}
	if r.isRunning {
		stats.Uptime = time.Since(r.startTime)
	}
	if r.server != nil {
		stats.ActiveAllocations = r.server.AllocationCount()
	}
	return stats
}
