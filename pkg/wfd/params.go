package wfd

import (
	"fmt"
	"strings"
)

// wfd_video_formats fields advertised in the M3 response.
// native: index 8 of the CEA table (1920x1080p60).
// profile: CHP | CBP. level: H.264 4.2.
const (
	videoNative    = 0x08
	videoPreferred = 0x00
	videoProfile   = 0x02 | 0x01
	videoLevel     = 0x10
	videoCEAMask   = 0x0001FFFF
	videoVESAMask  = 0x0FFFFFFF
	videoHHMask    = 0x00000000
)

// WFD device information bits published in sub-element 0
const (
	devTypePrimarySink  = 0x01
	devSessionAvailable = 0x01 << 4
	devServiceDiscovery = 0x01 << 6

	maxThroughputMbps = 300
)

// VideoParameters returns the capability lines of the M3 response body:
// audio codecs, video formats and the fixed-value parameters.
func VideoParameters() string {
	var b strings.Builder

	// AAC 48kHz 2ch and LPCM 48kHz 16bit
	b.WriteString("wfd_audio_codecs: AAC 00000001 00, LPCM 00000002 00\r\n")

	// <native> <preferred> <profile> <level> <cea> <vesa> <hh>
	// <latency> <min_slice> <slice_enc> <frame skipping> <max_hres> <max_vres>
	fmt.Fprintf(&b, "wfd_video_formats: %02X %02X %02X %02X %08X %08X %08X 00 0000 0000 00 none none\r\n",
		videoNative, videoPreferred, videoProfile, videoLevel,
		videoCEAMask, videoVESAMask, videoHHMask)

	b.WriteString("wfd_3d_video_formats: none\r\n" +
		"wfd_coupled_sink: none\r\n" +
		"wfd_display_edid: none\r\n" +
		"wfd_connector_type: 05\r\n" +
		"wfd_uibc_capability: none\r\n" +
		"wfd_standby_resume_capability: none\r\n" +
		"wfd_content_protection: none\r\n")

	return b.String()
}

// M3Body builds the full M3 response body: the client RTP ports line followed
// by the capability advertisement. The result is pure in rtpPort.
func M3Body(rtpPort int) string {
	return fmt.Sprintf("wfd_client_rtp_ports: RTP/AVP/UDP;unicast %d 0 mode=play\r\n", rtpPort) +
		VideoParameters()
}

// DeviceInfoSubelem encodes WFD sub-element 0: device info, RTSP control
// port, and maximum throughput in Mbps.
func DeviceInfoSubelem(rtspPort int) string {
	devinfo := devTypePrimarySink | devSessionAvailable | devServiceDiscovery
	return fmt.Sprintf("0006%04x%04x%04x", devinfo, rtspPort, maxThroughputMbps)
}

// BSSIDSubelem encodes WFD sub-element 1: the associated BSSID.
func BSSIDSubelem(bssid uint64) string {
	return fmt.Sprintf("0006%012x", bssid)
}

// SinkInfoSubelem encodes WFD sub-element 6: coupled sink status and MAC.
func SinkInfoSubelem(status uint8, mac uint64) string {
	return fmt.Sprintf("0007%02x%012x", status, mac)
}
