package media

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
)

const (
	// NAL Unit types
	NALUTypePFrame = 1
	NALUTypeIDR    = 5
	NALUTypeSEI    = 6
	NALUTypeSPS    = 7
	NALUTypePPS    = 8
	NALUTypeAUD    = 9
	NALUTypeSTAPA  = 24 // Single-Time Aggregation Packet
	NALUTypeFUA    = 28 // Fragmentation Unit A
)

// H264Depacketizer reassembles H.264 access units from RTP payloads and
// hands Annex-B frames to OnFrame. SPS/PPS are cached and prepended to IDR
// frames so the decoder can join mid-stream.
type H264Depacketizer struct {
	buffer  []byte // accumulates fragmented NALUs
	sps     []byte
	pps     []byte
	OnFrame func(frame []byte, keyframe bool)
}

// NewH264Depacketizer creates a new depacketizer
func NewH264Depacketizer() *H264Depacketizer {
	return &H264Depacketizer{
		buffer: make([]byte, 0, 256*1024),
	}
}

// Process consumes one RTP packet carrying H.264 payload
func (d *H264Depacketizer) Process(packet *rtp.Packet) error {
	if len(packet.Payload) == 0 {
		return nil
	}

	naluType := packet.Payload[0] & 0x1F

	switch naluType {
	case NALUTypeFUA:
		return d.processFUA(packet)

	case NALUTypeSTAPA:
		return d.processSTAPA(packet)

	default:
		return d.emitNALU(packet.Payload, naluType, packet.Marker)
	}
}

// processFUA handles fragmented NAL units (FU-A)
func (d *H264Depacketizer) processFUA(packet *rtp.Packet) error {
	if len(packet.Payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}

	fuIndicator := packet.Payload[0]
	fuHeader := packet.Payload[1]
	fragment := packet.Payload[2:]

	start := (fuHeader & 0x80) != 0
	end := (fuHeader & 0x40) != 0
	naluType := fuHeader & 0x1F

	if start {
		d.buffer = d.buffer[:0]

		// Reconstruct the NAL header from indicator bits + original type
		nalHeader := (fuIndicator & 0xE0) | naluType
		d.buffer = append(d.buffer, nalHeader)
	}

	d.buffer = append(d.buffer, fragment...)

	if end {
		return d.emitNALU(d.buffer, naluType, packet.Marker)
	}

	return nil
}

// processSTAPA handles aggregated packets
func (d *H264Depacketizer) processSTAPA(packet *rtp.Packet) error {
	payload := packet.Payload[1:] // skip the STAP-A header

	frame := make([]byte, 0, len(payload)+16)

	for len(payload) > 2 {
		naluSize := binary.BigEndian.Uint16(payload[:2])
		payload = payload[2:]

		if len(payload) < int(naluSize) {
			return fmt.Errorf("STAP-A NALU size exceeds payload")
		}

		nalu := payload[:naluSize]
		payload = payload[naluSize:]

		d.cacheParameterSets(nalu)
		frame = appendAnnexB(frame, nalu)
	}

	if len(frame) > 0 && d.OnFrame != nil {
		d.OnFrame(frame, false)
	}

	return nil
}

// emitNALU emits one complete NALU as an Annex-B frame
func (d *H264Depacketizer) emitNALU(nalu []byte, naluType uint8, marker bool) error {
	d.cacheParameterSets(nalu)

	isKeyframe := naluType == NALUTypeIDR

	var frame []byte
	if isKeyframe && len(d.sps) > 0 && len(d.pps) > 0 {
		frame = make([]byte, 0, len(d.sps)+len(d.pps)+len(nalu)+12)
		frame = appendAnnexB(frame, d.sps)
		frame = appendAnnexB(frame, d.pps)
		frame = appendAnnexB(frame, nalu)
	} else {
		frame = appendAnnexB(make([]byte, 0, len(nalu)+4), nalu)
	}

	if d.OnFrame != nil && marker {
		d.OnFrame(frame, isKeyframe)
	}

	return nil
}

func (d *H264Depacketizer) cacheParameterSets(nalu []byte) {
	if len(nalu) == 0 {
		return
	}
	switch nalu[0] & 0x1F {
	case NALUTypeSPS:
		d.sps = append(d.sps[:0], nalu...)
	case NALUTypePPS:
		d.pps = append(d.pps[:0], nalu...)
	}
}

// appendAnnexB appends a NALU with a 4-byte start code
func appendAnnexB(dst, nalu []byte) []byte {
	dst = append(dst, 0x00, 0x00, 0x00, 0x01)
	return append(dst, nalu...)
}

// SPS returns the cached sequence parameter set
func (d *H264Depacketizer) SPS() []byte {
	return d.sps
}

// PPS returns the cached picture parameter set
func (d *H264Depacketizer) PPS() []byte {
	return d.pps
}
