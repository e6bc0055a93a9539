// Package session drives the WFD control plane for one accepted RTSP
// connection: the M1–M7 capability negotiation, then the in-session
// parameter exchange with its liveness watchdog and the out-of-band IDR
// refresh channel.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/time/rate"

	"github.com/ethan/wfd-sink/pkg/config"
	"github.com/ethan/wfd-sink/pkg/logger"
	"github.com/ethan/wfd-sink/pkg/media"
	"github.com/ethan/wfd-sink/pkg/rtsp"
	"github.com/ethan/wfd-sink/pkg/wfd"
)

// ErrProtocol marks handshake and message failures that are fatal to the
// session; the supervisor closes the connection and re-enters accept.
var ErrProtocol = errors.New("session: protocol error")

const (
	// firstOutboundCSeq seeds the sink-initiated request counter: M2 uses
	// 100, SETUP 101, PLAY 102, IDR requests 103 onward.
	firstOutboundCSeq = 100

	defaultTick          = 10 * time.Millisecond
	defaultWatchdogLimit = 7000
	defaultDrainDelay    = time.Second

	publicMethods = "org.wfs.wfd1.0, SET_PARAMETER, GET_PARAMETER"
	wfdFeature    = "org.wfs.wfd1.0"

	teardownTrigger = "wfd_trigger_method: TEARDOWN"
	videoFormatsKey = "wfd_video_formats"

	idrRequestBody = "wfd-idr-request\r\n"
	idrRequestURI  = "rtsp://localhost/wfd1.0"
)

// Session is the per-connection negotiation state machine
type Session struct {
	conn net.Conn
	idr  net.PacketConn
	pipe media.Pipeline
	cfg  config.Config
	log  *logger.Logger

	cseqOut       int
	sessionID     string
	serverRTPPort int
	watchdogTicks int
	playing       bool

	// parse accumulation buffer; survives across reads so pipelined and
	// fragmented messages reassemble correctly
	buf []byte

	idrLimiter *rate.Limiter

	// overridable for tests
	tick          time.Duration
	watchdogLimit int
	drainDelay    time.Duration
}

// New creates a session over an accepted control connection and its
// per-connection IDR socket.
func New(conn net.Conn, idr net.PacketConn, pipe media.Pipeline, cfg config.Config, log *logger.Logger) *Session {
	return &Session{
		conn:          conn,
		idr:           idr,
		pipe:          pipe,
		cfg:           cfg,
		log:           log,
		cseqOut:       firstOutboundCSeq,
		idrLimiter:    rate.NewLimiter(rate.Limit(2), 4),
		tick:          defaultTick,
		watchdogLimit: defaultWatchdogLimit,
		drainDelay:    defaultDrainDelay,
	}
}

// SessionID returns the identifier assigned by the source in M6
func (s *Session) SessionID() string { return s.sessionID }

// ServerRTPPort returns the source's RTP port from the SETUP response
func (s *Session) ServerRTPPort() int { return s.serverRTPPort }

// Playing reports whether the media pipeline is running
func (s *Session) Playing() bool { return s.playing }

// Run performs the M1–M7 negotiation on blocking sockets, then services the
// session until teardown. It returns nil on an orderly end (teardown trigger
// or peer close) and an error on protocol or socket failure.
func (s *Session) Run(ctx context.Context) error {
	if err := s.negotiate(ctx); err != nil {
		return err
	}
	return s.serve(ctx)
}

func (s *Session) nextCSeq() int {
	v := s.cseqOut
	s.cseqOut++
	return v
}

// send marshals and writes one message on the control connection
func (s *Session) send(m *rtsp.Message) error {
	raw := m.Marshal()
	s.log.DebugRTSPMessage("send", raw)

	s.conn.SetWriteDeadline(time.Time{})
	if _, err := s.conn.Write(raw); err != nil {
		return fmt.Errorf("write control connection: %w", err)
	}
	return nil
}

// readMessage blocks until one full message is parsed from the connection
func (s *Session) readMessage() (*rtsp.Message, error) {
	s.conn.SetReadDeadline(time.Time{})

	chunk := make([]byte, 4096)
	for {
		if msg, consumed, err := rtsp.Parse(s.buf); err == nil {
			s.buf = s.buf[consumed:]
			s.log.DebugRTSPMessage("recv", msg.Marshal())
			return msg, nil
		} else if !errors.Is(err, rtsp.ErrTruncated) {
			return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
		}

		n, err := s.conn.Read(chunk)
		if err != nil {
			return nil, fmt.Errorf("read control connection: %w", err)
		}
		s.buf = append(s.buf, chunk[:n]...)
	}
}

// negotiate drives M1 through M7
func (s *Session) negotiate(ctx context.Context) error {
	s.log.Info("starting WFD negotiation", "peer", s.conn.RemoteAddr())

	steps := []struct {
		name string
		fn   func() error
	}{
		{"m1", s.m1},
		{"m2", s.m2},
		{"m3", s.m3},
		{"m4", s.m4},
		{"m5", s.m5},
		{"m6", s.m6},
		{"m7", s.m7},
	}
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	s.log.Info("WFD negotiation complete",
		"session_id", s.sessionID,
		"server_rtp_port", s.serverRTPPort)
	return nil
}

// m1: the source probes our options; answer with the WFD method set
func (s *Session) m1() error {
	req, err := s.readMessage()
	if err != nil {
		return err
	}
	if req.Kind != rtsp.KindRequest || req.Method != rtsp.Options {
		return fmt.Errorf("%w: expected OPTIONS, got %v", ErrProtocol, req.Method)
	}

	cseq, ok := req.CSeq()
	if !ok {
		return fmt.Errorf("%w: OPTIONS without CSeq", ErrProtocol)
	}

	resp := rtsp.NewResponse(rtsp.StatusOK, cseq)
	resp.Header.Add("Public", publicMethods)
	return s.send(resp)
}

// m2: probe the source's options back
func (s *Session) m2() error {
	req := rtsp.NewRequest(rtsp.Options, "*", s.nextCSeq())
	req.Header.Add("Require", wfdFeature)
	if err := s.send(req); err != nil {
		return err
	}

	// any response completes M2
	_, err := s.readMessage()
	return err
}

// m3: the source queries our capabilities; the reply body is fixed
// regardless of which parameters were asked for
func (s *Session) m3() error {
	req, err := s.readMessage()
	if err != nil {
		return err
	}
	if req.Kind != rtsp.KindRequest || req.Method != rtsp.GetParameter {
		return fmt.Errorf("%w: expected GET_PARAMETER, got %v", ErrProtocol, req.Method)
	}

	cseq, ok := req.CSeq()
	if !ok {
		return fmt.Errorf("%w: GET_PARAMETER without CSeq", ErrProtocol)
	}

	resp := rtsp.NewResponse(rtsp.StatusOK, cseq)
	resp.SetBody("text/parameters", []byte(wfd.M3Body(s.cfg.RTPPort)))
	return s.send(resp)
}

// m4, m5: the source pushes parameters, then triggers SETUP; both get a
// plain acknowledgement
func (s *Session) m4() error { return s.ackSetParameter() }
func (s *Session) m5() error { return s.ackSetParameter() }

func (s *Session) ackSetParameter() error {
	req, err := s.readMessage()
	if err != nil {
		return err
	}
	if req.Kind != rtsp.KindRequest || req.Method != rtsp.SetParameter {
		return fmt.Errorf("%w: expected SET_PARAMETER, got %v", ErrProtocol, req.Method)
	}

	cseq, ok := req.CSeq()
	if !ok {
		return fmt.Errorf("%w: SET_PARAMETER without CSeq", ErrProtocol)
	}
	return s.send(rtsp.NewResponse(rtsp.StatusOK, cseq))
}

// m6: request stream setup and learn the source's session id and RTP port
func (s *Session) m6() error {
	uri := fmt.Sprintf("rtsp://%s/wfd1.0/streamid=0", s.cfg.PeerIP)
	req := rtsp.NewRequest(rtsp.Setup, uri, s.nextCSeq())
	req.Header.Add("Transport", fmt.Sprintf("RTP/AVP/UDP;unicast;client_port=%d", s.cfg.RTPPort))
	if err := s.send(req); err != nil {
		return err
	}

	resp, err := s.readMessage()
	if err != nil {
		return err
	}
	if resp.Kind != rtsp.KindResponse || resp.StatusCode != rtsp.StatusOK {
		return fmt.Errorf("%w: SETUP rejected with %d", ErrProtocol, resp.StatusCode)
	}

	sessionHdr, ok := resp.Header.Get("Session")
	if !ok {
		return fmt.Errorf("%w: SETUP response without Session", ErrProtocol)
	}
	s.sessionID = rtsp.SessionID(sessionHdr)

	transport, ok := resp.Header.Get("Transport")
	if !ok {
		return fmt.Errorf("%w: SETUP response without Transport", ErrProtocol)
	}
	port, err := rtsp.TransportServerPort(transport)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	s.serverRTPPort = port

	return nil
}

// m7: start playback
func (s *Session) m7() error {
	uri := fmt.Sprintf("rtsp://%s/wfd1.0/streamid=0", s.cfg.PeerIP)
	req := rtsp.NewRequest(rtsp.Play, uri, s.nextCSeq())
	req.Header.Add("Session", s.sessionID)
	if err := s.send(req); err != nil {
		return err
	}

	resp, err := s.readMessage()
	if err != nil {
		return err
	}
	if resp.Kind != rtsp.KindResponse || resp.StatusCode != rtsp.StatusOK {
		return fmt.Errorf("%w: PLAY rejected with %d", ErrProtocol, resp.StatusCode)
	}
	return nil
}

// serve is the SESSION loop: poll the control connection, fall back to the
// IDR socket, and idle on the watchdog tick when both are quiet.
func (s *Session) serve(ctx context.Context) error {
	chunk := make([]byte, 4096)
	idrBuf := make([]byte, 64)

	// bytes the blocking handshake reads took in past the PLAY response are
	// already buffered; handle them before polling for more
	if len(s.buf) > 0 {
		pending := s.buf
		s.buf = nil
		done, err := s.handleInbound(pending)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, outcome, err := pollConn(s.conn, chunk)
		switch outcome {
		case readReady:
			s.watchdogTicks = 0
			done, err := s.handleInbound(chunk[:n])
			if err != nil {
				return err
			}
			if done {
				return nil
			}

		case readWouldBlock:
			if err := s.idleStep(idrBuf); err != nil {
				return err
			}

		case readClosed:
			s.log.Info("peer closed control connection")
			s.shutdownMedia()
			return nil

		case readFailed:
			s.shutdownMedia()
			return fmt.Errorf("control connection: %w", err)
		}
	}
}

// idleStep services the IDR channel, then the watchdog
func (s *Session) idleStep(idrBuf []byte) error {
	_, outcome, err := pollPacket(s.idr, idrBuf)
	switch outcome {
	case readReady:
		// one datagram, at most one refresh request
		if s.idrLimiter.Allow() {
			return s.sendIDRRequest()
		}
		s.log.DebugRTSP("IDR request suppressed by rate limiter")
		return nil

	case readWouldBlock:
		time.Sleep(s.tick)
		s.watchdogTicks++
		// one expiry pauses media once; playing guards against repeat
		// stops while the peer stays silent
		if s.watchdogTicks >= s.watchdogLimit && s.playing {
			s.log.Warn("session idle past watchdog limit, pausing media")
			s.shutdownMedia()
		}
		return nil

	case readClosed, readFailed:
		return fmt.Errorf("idr socket: %w", err)
	}
	return nil
}

// sendIDRRequest asks the source for a keyframe refresh
func (s *Session) sendIDRRequest() error {
	req := rtsp.NewRequest(rtsp.SetParameter, idrRequestURI, s.nextCSeq())
	req.SetBody("text/parameters", []byte(idrRequestBody))
	return s.send(req)
}

// handleInbound processes one chunk read from the control connection.
// done=true means the session ended in an orderly way.
func (s *Session) handleInbound(data []byte) (done bool, err error) {
	if bytes.Contains(data, []byte(teardownTrigger)) {
		s.log.Info("teardown triggered by source")
		s.shutdownMedia()
		return true, nil
	}

	if !s.playing && bytes.Contains(data, []byte(videoFormatsKey)) {
		if err := s.pipe.Start(); err != nil {
			// pipeline errors don't end the session; the source will
			// re-send parameters and we retry
			s.log.Error("failed to start media pipeline", "error", err)
		} else {
			s.playing = true
			s.log.Info("media pipeline playing")
		}
	}

	s.buf = append(s.buf, data...)
	for len(s.buf) > 0 {
		msg, consumed, err := rtsp.Parse(s.buf)
		if errors.Is(err, rtsp.ErrTruncated) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		s.buf = s.buf[consumed:]

		if err := s.handleMessage(msg); err != nil {
			return false, err
		}
	}
	return false, nil
}

// handleMessage answers source-initiated parameter requests and logs
// everything else
func (s *Session) handleMessage(msg *rtsp.Message) error {
	s.log.DebugRTSPMessage("recv", msg.Marshal())

	if msg.Kind == rtsp.KindResponse {
		// ack for one of our in-session requests (IDR refresh)
		s.log.DebugRTSP("in-session response", "status", msg.StatusCode)
		return nil
	}

	switch msg.Method {
	case rtsp.GetParameter, rtsp.SetParameter:
		cseq, ok := msg.CSeq()
		if !ok {
			return fmt.Errorf("%w: %s without CSeq", ErrProtocol, msg.Method)
		}
		return s.send(rtsp.NewResponse(rtsp.StatusOK, cseq))

	default:
		s.log.Info("ignoring in-session request", "method", msg.Method)
		return nil
	}
}

// shutdownMedia stops the pipeline and waits for the RTP port to free up
func (s *Session) shutdownMedia() {
	s.pipe.Stop()
	s.playing = false
	time.Sleep(s.drainDelay)
}
