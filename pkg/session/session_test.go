package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ethan/wfd-sink/pkg/config"
	"github.com/ethan/wfd-sink/pkg/logger"
	"github.com/ethan/wfd-sink/pkg/rtsp"
)

// fakePipeline records Start/Stop calls from the session
type fakePipeline struct {
	mu     sync.Mutex
	starts int
	stops  int
}

func (f *fakePipeline) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakePipeline) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakePipeline) counts() (starts, stops int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts, f.stops
}

// scriptedPeer plays the WFD source over a real loopback connection
type scriptedPeer struct {
	t    *testing.T
	conn net.Conn
	buf  []byte
}

func (p *scriptedPeer) send(raw string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(raw))
	require.NoError(p.t, err)
}

func (p *scriptedPeer) sendMsg(m *rtsp.Message) {
	p.t.Helper()
	_, err := p.conn.Write(m.Marshal())
	require.NoError(p.t, err)
}

func (p *scriptedPeer) recv() *rtsp.Message {
	p.t.Helper()
	chunk := make([]byte, 4096)
	for {
		msg, consumed, err := rtsp.Parse(p.buf)
		if err == nil {
			p.buf = p.buf[consumed:]
			return msg
		}
		require.ErrorIs(p.t, err, rtsp.ErrTruncated)

		require.NoError(p.t, p.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		n, err := p.conn.Read(chunk)
		require.NoError(p.t, err)
		p.buf = append(p.buf, chunk[:n]...)
	}
}

func (p *scriptedPeer) requireCSeq(msg *rtsp.Message, want string) {
	p.t.Helper()
	cseq, ok := msg.CSeq()
	require.True(p.t, ok, "message without CSeq")
	require.Equal(p.t, want, cseq)
}

// harness wires a Session over loopback TCP plus a loopback IDR socket and
// runs it in the background.
type harness struct {
	t       *testing.T
	sess    *Session
	pipe    *fakePipeline
	peer    *scriptedPeer
	idrAddr net.Addr
	done    chan error
	ctx     context.Context
	cancel  context.CancelFunc
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	peerConn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { peerConn.Close() })

	sinkConn, err := ln.Accept()
	require.NoError(t, err)
	t.Cleanup(func() { sinkConn.Close() })

	idrConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { idrConn.Close() })

	logCfg := logger.NewConfig()
	logCfg.Level = logger.LevelError
	log, err := logger.New(logCfg)
	require.NoError(t, err)

	pipe := &fakePipeline{}
	sess := New(sinkConn, idrConn, pipe, config.Default(), log)
	sess.tick = time.Millisecond
	sess.drainDelay = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	h := &harness{
		t:       t,
		sess:    sess,
		pipe:    pipe,
		peer:    &scriptedPeer{t: t, conn: peerConn},
		idrAddr: idrConn.LocalAddr(),
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	h.ctx = ctx
	return h
}

// start launches the session; called after any knob adjustments
func (h *harness) start() {
	go func() { h.done <- h.sess.Run(h.ctx) }()
}

// wait blocks until the session ends and returns its error
func (h *harness) wait() error {
	select {
	case err := <-h.done:
		return err
	case <-time.After(10 * time.Second):
		h.t.Fatal("session did not end")
		return nil
	}
}

// negotiate plays the source side of M1–M7 and asserts the sink's half
func (h *harness) negotiate() {
	t := h.t
	p := h.peer

	// M1: source probes options
	p.send("OPTIONS * RTSP/1.0\r\nCSeq: 1\r\nRequire: org.wfs.wfd1.0\r\n\r\n")
	m1 := p.recv()
	require.Equal(t, rtsp.KindResponse, m1.Kind)
	require.Equal(t, 200, m1.StatusCode)
	p.requireCSeq(m1, "1")
	public, ok := m1.Header.Get("Public")
	require.True(t, ok)
	require.Equal(t, "org.wfs.wfd1.0, SET_PARAMETER, GET_PARAMETER", public)

	// M2: sink probes back with its first outbound CSeq
	m2 := p.recv()
	require.Equal(t, rtsp.KindRequest, m2.Kind)
	require.Equal(t, rtsp.Options, m2.Method)
	require.Equal(t, "*", m2.URI)
	p.requireCSeq(m2, "100")
	req, ok := m2.Header.Get("Require")
	require.True(t, ok)
	require.Equal(t, "org.wfs.wfd1.0", req)
	p.sendMsg(rtsp.NewResponse(200, "100"))

	// M3: capability query; the reply body is fixed
	p.send("GET_PARAMETER rtsp://192.168.173.1/wfd1.0 RTSP/1.0\r\nCSeq: 3\r\n\r\n")
	m3 := p.recv()
	require.Equal(t, 200, m3.StatusCode)
	p.requireCSeq(m3, "3")
	ct, _ := m3.Header.Get("Content-Type")
	require.Equal(t, "text/parameters", ct)
	cl, _ := m3.Header.Get("Content-Length")
	require.Equal(t, strconv.Itoa(len(m3.Body)), cl)
	body := string(m3.Body)
	require.True(t, strings.HasPrefix(body,
		"wfd_client_rtp_ports: RTP/AVP/UDP;unicast 1028 0 mode=play\r\n"))
	require.Contains(t, body,
		"wfd_video_formats: 08 00 03 10 0001FFFF 0FFFFFFF 00000000 00 0000 0000 00 none none\r\n")

	// M4: source sets parameters
	p.send("SET_PARAMETER rtsp://192.168.173.1/wfd1.0 RTSP/1.0\r\nCSeq: 4\r\n" +
		"Content-Type: text/parameters\r\nContent-Length: 0\r\n\r\n")
	m4 := p.recv()
	require.Equal(t, 200, m4.StatusCode)
	p.requireCSeq(m4, "4")

	// M5: source triggers SETUP
	trigger := "wfd_trigger_method: SETUP\r\n"
	p.send(fmt.Sprintf("SET_PARAMETER rtsp://192.168.173.1/wfd1.0 RTSP/1.0\r\nCSeq: 5\r\n"+
		"Content-Type: text/parameters\r\nContent-Length: %d\r\n\r\n%s", len(trigger), trigger))
	m5 := p.recv()
	require.Equal(t, 200, m5.StatusCode)
	p.requireCSeq(m5, "5")

	// M6: sink sends SETUP
	m6 := p.recv()
	require.Equal(t, rtsp.Setup, m6.Method)
	require.Equal(t, "rtsp://192.168.173.80/wfd1.0/streamid=0", m6.URI)
	p.requireCSeq(m6, "101")
	transport, _ := m6.Header.Get("Transport")
	require.Equal(t, "RTP/AVP/UDP;unicast;client_port=1028", transport)

	setupResp := rtsp.NewResponse(200, "101")
	setupResp.Header.Add("Session", "1234abcd;timeout=30")
	setupResp.Header.Add("Transport", "RTP/AVP/UDP;unicast;client_port=1028;server_port=19000")
	p.sendMsg(setupResp)

	// M7: sink sends PLAY carrying the assigned session
	m7 := p.recv()
	require.Equal(t, rtsp.Play, m7.Method)
	require.Equal(t, "rtsp://192.168.173.80/wfd1.0/streamid=0", m7.URI)
	p.requireCSeq(m7, "102")
	sessionHdr, _ := m7.Header.Get("Session")
	require.Equal(t, "1234abcd;timeout=30", sessionHdr)
	p.sendMsg(rtsp.NewResponse(200, "102"))
}

// teardown ends the session from the peer side
func (h *harness) teardown() {
	body := "wfd_trigger_method: TEARDOWN\r\n"
	h.peer.send(fmt.Sprintf("SET_PARAMETER rtsp://192.168.173.1/wfd1.0 RTSP/1.0\r\nCSeq: 9\r\n"+
		"Content-Type: text/parameters\r\nContent-Length: %d\r\n\r\n%s", len(body), body))
}

func TestHappyPathNegotiation(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.negotiate()
	h.teardown()

	require.NoError(t, h.wait())

	// Scenario B: SETUP response fields were extracted as specified
	require.Equal(t, "1234abcd;timeout=30", h.sess.SessionID())
	require.Equal(t, 19000, h.sess.ServerRTPPort())
}

func TestTeardownStopsMediaAndEndsSession(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.negotiate()

	// start playback first so teardown has something to stop
	h.sendVideoFormats("7")

	h.teardown()
	require.NoError(t, h.wait())

	starts, stops := h.pipe.counts()
	require.Equal(t, 1, starts)
	require.GreaterOrEqual(t, stops, 1)
	require.False(t, h.sess.Playing())
}

// sendVideoFormats pushes a re-configuration SET_PARAMETER and consumes the ack
func (h *harness) sendVideoFormats(cseq string) {
	body := "wfd_video_formats: 00 00 02 04 0001DEFF 053C7FFF 00000FFF 00 0000 0000 11 none none\r\n"
	h.peer.send(fmt.Sprintf("SET_PARAMETER rtsp://192.168.173.1/wfd1.0 RTSP/1.0\r\nCSeq: %s\r\n"+
		"Content-Type: text/parameters\r\nContent-Length: %d\r\n\r\n%s", cseq, len(body), body))

	ack := h.peer.recv()
	require.Equal(h.t, 200, ack.StatusCode)
	h.peer.requireCSeq(ack, cseq)
}

func TestVideoFormatsStartsMediaOnce(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.negotiate()

	h.sendVideoFormats("7")
	h.sendVideoFormats("8") // second push while playing must not restart

	h.teardown()
	require.NoError(t, h.wait())

	starts, _ := h.pipe.counts()
	require.Equal(t, 1, starts)
}

func TestIDRDatagramTriggersRefreshRequest(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.negotiate()

	poke, err := net.Dial("udp", h.idrAddr.String())
	require.NoError(t, err)
	defer poke.Close()

	// Scenario D: one datagram, one refresh request with the next CSeq
	_, err = poke.Write([]byte("x"))
	require.NoError(t, err)

	idr := h.peer.recv()
	require.Equal(t, rtsp.KindRequest, idr.Kind)
	require.Equal(t, rtsp.SetParameter, idr.Method)
	require.Equal(t, "rtsp://localhost/wfd1.0", idr.URI)
	h.peer.requireCSeq(idr, "103")
	require.Equal(t, []byte("wfd-idr-request\r\n"), idr.Body)
	ct, _ := idr.Header.Get("Content-Type")
	require.Equal(t, "text/parameters", ct)
	cl, _ := idr.Header.Get("Content-Length")
	require.Equal(t, "17", cl)
	h.peer.sendMsg(rtsp.NewResponse(200, "103"))

	// a second datagram gets the next CSeq, never a reused one
	_, err = poke.Write([]byte("y"))
	require.NoError(t, err)

	idr2 := h.peer.recv()
	h.peer.requireCSeq(idr2, "104")
	h.peer.sendMsg(rtsp.NewResponse(200, "104"))

	h.teardown()
	require.NoError(t, h.wait())
}

func TestWatchdogStopsMediaOnceAndKeepsSession(t *testing.T) {
	h := newHarness(t)
	h.sess.watchdogLimit = 5
	h.start()
	h.negotiate()

	h.sendVideoFormats("7")

	// Scenario E: let the watchdog expire; exactly one stop, no session end
	require.Eventually(t, func() bool {
		_, stops := h.pipe.counts()
		return stops == 1
	}, 5*time.Second, 5*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	_, stops := h.pipe.counts()
	require.Equal(t, 1, stops, "watchdog must stop media exactly once")

	select {
	case err := <-h.done:
		t.Fatalf("session ended unexpectedly: %v", err)
	default:
	}

	// Scenario F: a re-play restarts the pipeline
	h.sendVideoFormats("8")
	require.Eventually(t, func() bool {
		starts, _ := h.pipe.counts()
		return starts == 2
	}, 5*time.Second, 5*time.Millisecond)

	h.teardown()
	require.NoError(t, h.wait())
}

func TestPipelinedRequestsAnsweredInOrder(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.negotiate()

	// two requests in one TCP segment
	h.peer.send("GET_PARAMETER rtsp://x/wfd1.0 RTSP/1.0\r\nCSeq: 20\r\n\r\n" +
		"SET_PARAMETER rtsp://x/wfd1.0 RTSP/1.0\r\nCSeq: 21\r\n\r\n")

	first := h.peer.recv()
	h.peer.requireCSeq(first, "20")
	second := h.peer.recv()
	h.peer.requireCSeq(second, "21")

	h.teardown()
	require.NoError(t, h.wait())
}

func TestUnknownMethodIgnored(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.negotiate()

	h.peer.send("ANNOUNCE rtsp://x/wfd1.0 RTSP/1.0\r\nCSeq: 30\r\n\r\n" +
		"GET_PARAMETER rtsp://x/wfd1.0 RTSP/1.0\r\nCSeq: 31\r\n\r\n")

	// only the GET_PARAMETER is answered
	resp := h.peer.recv()
	h.peer.requireCSeq(resp, "31")

	h.teardown()
	require.NoError(t, h.wait())
}

func TestPeerCloseEndsSessionOrderly(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.negotiate()

	require.NoError(t, h.peer.conn.Close())
	require.NoError(t, h.wait())
}

func TestMalformedHandshakeIsFatal(t *testing.T) {
	h := newHarness(t)
	h.start()

	// garbage instead of M1
	h.peer.send("NOT-RTSP GARBAGE\r\n\r\n")

	err := h.wait()
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrProtocol))
}

func TestWrongMethodDuringHandshakeIsFatal(t *testing.T) {
	h := newHarness(t)
	h.start()

	h.peer.send("SETUP rtsp://x RTSP/1.0\r\nCSeq: 1\r\n\r\n")

	err := h.wait()
	require.ErrorIs(t, err, ErrProtocol)
}
