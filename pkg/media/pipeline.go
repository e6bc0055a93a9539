// Package media carries the RTP media plane of the sink: a UDP receiver on
// the negotiated RTP port, H.264 depacketization, and an RTCP listener on the
// adjacent port. Decoding and rendering are delegated to a pluggable frame
// sink; the receiver's own job ends at complete Annex-B access units.
package media

import (
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/ethan/wfd-sink/pkg/logger"
)

// Pipeline is the contract the session layer drives: both operations are
// idempotent, and Stop leaves the RTP port free for the next Start.
type Pipeline interface {
	Start() error
	Stop()
}

// FrameFunc receives complete Annex-B access units from the receiver
type FrameFunc func(frame []byte, keyframe bool)

// Receiver is the concrete media pipeline: RTP in, frames out. When the
// sequence tracker detects loss it pokes the keyframe-notify address so the
// control plane can ask the source for an IDR.
type Receiver struct {
	rtpPort int
	onFrame FrameFunc
	log     *logger.Logger

	mu       sync.Mutex
	running  bool
	rtpConn  net.PacketConn
	rtcpConn net.PacketConn
	notify   *net.UDPConn
	wg       sync.WaitGroup
}

// NewReceiver creates a stopped receiver for the given RTP port. The frame
// sink renders on the local display, so DISPLAY is pinned before anything
// downstream initializes.
func NewReceiver(rtpPort int, onFrame FrameFunc, log *logger.Logger) *Receiver {
	os.Setenv("DISPLAY", ":0")
	return &Receiver{
		rtpPort: rtpPort,
		onFrame: onFrame,
		log:     log,
	}
}

// SetKeyframeNotify points loss signalling at the session's IDR socket.
// Called once per accepted connection, before Start.
func (r *Receiver) SetKeyframeNotify(addr net.Addr) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.notify != nil {
		r.notify.Close()
		r.notify = nil
	}
	if addr == nil {
		return nil
	}

	conn, err := net.Dial("udp", addr.String())
	if err != nil {
		return fmt.Errorf("dial keyframe notify socket: %w", err)
	}
	r.notify = conn.(*net.UDPConn)
	return nil
}

// Start binds the RTP and RTCP sockets and begins depacketizing. Calling
// Start on a running receiver is a no-op.
func (r *Receiver) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return nil
	}

	rtpConn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", r.rtpPort))
	if err != nil {
		return fmt.Errorf("bind RTP port %d: %w", r.rtpPort, err)
	}

	rtcpConn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", r.rtpPort+1))
	if err != nil {
		// RTCP is advisory; the stream still plays without it
		r.log.Warn("failed to bind RTCP port", "port", r.rtpPort+1, "error", err)
	}

	r.rtpConn = rtpConn
	r.rtcpConn = rtcpConn
	r.running = true

	r.wg.Add(1)
	go r.rtpLoop(rtpConn)

	if rtcpConn != nil {
		r.wg.Add(1)
		go r.rtcpLoop(rtcpConn)
	}

	r.log.Info("media pipeline started", "rtp_port", r.rtpPort)
	return nil
}

// Stop tears the receiver down and frees both ports. Calling Stop on a
// stopped receiver is a no-op.
func (r *Receiver) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	rtpConn, rtcpConn := r.rtpConn, r.rtcpConn
	r.rtpConn, r.rtcpConn = nil, nil
	r.mu.Unlock()

	rtpConn.Close()
	if rtcpConn != nil {
		rtcpConn.Close()
	}
	r.wg.Wait()

	r.log.Info("media pipeline stopped", "rtp_port", r.rtpPort)
}

func (r *Receiver) rtpLoop(conn net.PacketConn) {
	defer r.wg.Done()

	depay := NewH264Depacketizer()
	depay.OnFrame = func(frame []byte, keyframe bool) {
		if r.onFrame != nil {
			r.onFrame(frame, keyframe)
		}
		r.log.DebugMedia("frame assembled", "size", len(frame), "keyframe", keyframe)
	}

	var tracker seqTracker
	buf := make([]byte, 4096)

	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				r.log.Warn("RTP read failed", "error", err)
			}
			return
		}

		var packet rtp.Packet
		if err := packet.Unmarshal(buf[:n]); err != nil {
			r.log.DebugRTP("dropping unparseable RTP packet", "size", n, "error", err)
			continue
		}

		r.log.DebugRTPPacket(packet.SequenceNumber, packet.Timestamp, packet.PayloadType, len(packet.Payload))

		if lost := tracker.Push(packet.SequenceNumber); lost > 0 {
			r.log.DebugMedia("sequence gap detected", "lost", lost, "seq", packet.SequenceNumber)
			r.requestKeyframe()
		}

		if err := depay.Process(&packet); err != nil {
			r.log.Warn("failed to depacketize H.264 payload", "error", err)
		}
	}
}

// requestKeyframe sends one datagram to the control plane's IDR socket.
// Contents are ignored by the receiver side; arrival is the signal.
func (r *Receiver) requestKeyframe() {
	r.mu.Lock()
	notify := r.notify
	r.mu.Unlock()

	if notify == nil {
		return
	}
	if _, err := notify.Write([]byte("idr")); err != nil {
		r.log.DebugMedia("keyframe notify failed", "error", err)
	}
}

func (r *Receiver) rtcpLoop(conn net.PacketConn) {
	defer r.wg.Done()

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			return
		}

		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			r.log.DebugMedia("dropping unparseable RTCP packet", "size", n, "error", err)
			continue
		}

		for _, p := range packets {
			switch pkt := p.(type) {
			case *rtcp.SenderReport:
				r.log.DebugMedia("RTCP sender report",
					"ssrc", pkt.SSRC,
					"packets", pkt.PacketCount,
					"octets", pkt.OctetCount)
			case *rtcp.SourceDescription:
				r.log.DebugMedia("RTCP source description", "chunks", len(pkt.Chunks))
			case *rtcp.Goodbye:
				r.log.DebugMedia("RTCP goodbye", "sources", pkt.Sources)
			default:
				r.log.DebugMedia("RTCP packet", "type", fmt.Sprintf("%T", p))
			}
		}
	}
}
