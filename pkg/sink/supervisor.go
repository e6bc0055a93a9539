// Package sink contains the top-level session supervisor: it brings up the
// Wi-Fi Direct group and DHCP service, then accepts one control connection
// at a time and hands it to the negotiation state machine.
package sink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ethan/wfd-sink/pkg/config"
	"github.com/ethan/wfd-sink/pkg/dhcp"
	"github.com/ethan/wfd-sink/pkg/logger"
	"github.com/ethan/wfd-sink/pkg/media"
	"github.com/ethan/wfd-sink/pkg/p2p"
	"github.com/ethan/wfd-sink/pkg/session"
)

// dhcpSettleDelay gives the daemon time to open its sockets before the WPS
// window opens and the peer starts asking for an address.
const dhcpSettleDelay = 500 * time.Millisecond

// Supervisor owns the sink's whole lifetime: startup is fatal-on-error,
// the accept loop runs until the context is cancelled.
type Supervisor struct {
	cfg  config.Config
	log  *logger.Logger
	orch *p2p.Orchestrator
	pipe *media.Receiver

	mu      sync.Mutex
	idrPort int
}

// New wires the supervisor's collaborators. frameSink receives assembled
// Annex-B access units; nil drops them (useful headless and under test).
func New(cfg config.Config, frameSink media.FrameFunc, log *logger.Logger) *Supervisor {
	cli := p2p.NewClient(nil, log.With("component", "p2p"))
	return &Supervisor{
		cfg:  cfg,
		log:  log,
		orch: p2p.NewOrchestrator(cli, nil, cfg, log.With("component", "p2p")),
		pipe: media.NewReceiver(cfg.RTPPort, frameSink, log.With("component", "media")),
	}
}

// IDRPort returns the loopback port of the current session's IDR socket;
// zero when no session is active. External decoders write a datagram there
// to request a keyframe refresh.
func (s *Supervisor) IDRPort() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.idrPort
}

func (s *Supervisor) setIDRPort(port int) {
	s.mu.Lock()
	s.idrPort = port
	s.mu.Unlock()
}

// Run brings the sink up and services connections until ctx is cancelled.
// Any error before the accept loop is a startup failure.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.orch.EnsureGroup(ctx); err != nil {
		return fmt.Errorf("p2p bring-up: %w", err)
	}

	attendant := dhcp.NewAttendant(s.orch.Interface(), s.cfg, s.log.With("component", "dhcp"))
	if err := attendant.Start(); err != nil {
		return fmt.Errorf("dhcp bring-up: %w", err)
	}
	defer attendant.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(dhcpSettleDelay):
	}

	if err := s.orch.ConfigureWPSPin(ctx); err != nil {
		return fmt.Errorf("wps pin: %w", err)
	}

	addr := net.JoinHostPort(s.cfg.SinkIP, strconv.Itoa(s.cfg.RTSPPort))
	ln, err := net.Listen("tcp4", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	defer ln.Close()

	// unblock Accept on shutdown
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	s.log.Info("sink ready", "rtsp_addr", addr, "rtp_port", s.cfg.RTPPort)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return ctx.Err()
			}
			s.log.Error("accept failed", "error", err)
			continue
		}

		s.serveConn(ctx, conn)

		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// serveConn runs one connection's negotiation and session, then cleans up
// so the next source can connect.
func (s *Supervisor) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.log.Info("source connected", "peer", conn.RemoteAddr())

	// control latency matters more than throughput on the RTSP socket
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			s.log.Warn("failed to set TCP_NODELAY", "error", err)
		}
	}

	idrConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		s.log.Error("failed to open IDR socket", "error", err)
		return
	}
	defer idrConn.Close()

	port := idrConn.LocalAddr().(*net.UDPAddr).Port
	s.setIDRPort(port)
	defer s.setIDRPort(0)

	if err := s.pipe.SetKeyframeNotify(idrConn.LocalAddr()); err != nil {
		s.log.Warn("loss signalling unavailable for this session", "error", err)
	}

	sess := session.New(conn, idrConn, s.pipe, s.cfg, s.log.With("component", "session"))
	if err := sess.Run(ctx); err != nil && ctx.Err() == nil {
		s.log.Error("session ended with error", "error", err)
	} else {
		s.log.Info("session ended")
	}

	// rtp_port must be free before the next accept
	s.pipe.Stop()
}
