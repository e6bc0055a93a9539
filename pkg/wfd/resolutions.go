// Package wfd contains the Wi-Fi Display capability catalog: the CEA, VESA
// and handheld resolution tables, the M3 parameter advertisement, and the
// WFD information-element sub-element builders published over the supplicant.
package wfd

import "fmt"

// Resolution describes one entry of a WFD resolution table
type Resolution struct {
	ID          uint8
	Width       uint32
	Height      uint32
	Refresh     uint32
	Progressive bool
	H264Level   string
	H265Level   string
}

// Score derives the total-order key: pixel rate, doubled for progressive
// scan. Ties are broken by ascending ID.
func (r Resolution) Score() uint64 {
	s := uint64(r.Width) * uint64(r.Height) * uint64(r.Refresh)
	if r.Progressive {
		s *= 2
	}
	return s
}

// Less orders resolutions by score, ties by ascending ID
func (r Resolution) Less(other Resolution) bool {
	if r.Score() != other.Score() {
		return r.Score() < other.Score()
	}
	return r.ID < other.ID
}

// String implements fmt.Stringer
func (r Resolution) String() string {
	scan := "p"
	if !r.Progressive {
		scan = "i"
	}
	return fmt.Sprintf("resolution(%d) %d x %d x %d%s", r.ID, r.Width, r.Height, r.Refresh, scan)
}

func res(id uint8, w, h, refresh uint32, progressive bool, levels ...string) Resolution {
	r := Resolution{
		ID:          id,
		Width:       w,
		Height:      h,
		Refresh:     refresh,
		Progressive: progressive,
		H264Level:   "3.1",
		H265Level:   "3.1",
	}
	if len(levels) > 0 {
		r.H264Level = levels[0]
	}
	if len(levels) > 1 {
		r.H265Level = levels[1]
	}
	return r
}

// ResolutionsCEA is the CEA display resolution table
var ResolutionsCEA = []Resolution{
	res(0, 640, 480, 60, true),
	res(1, 720, 480, 60, true),
	res(2, 720, 480, 60, false),
	res(3, 720, 480, 50, true),
	res(4, 720, 576, 50, false),
	res(5, 1280, 720, 30, true),
	res(6, 1280, 720, 60, true, "3.2", "4"),
	res(7, 1280, 1080, 30, true, "4", "4"),
	res(8, 1920, 1080, 60, true, "4.2", "4.1"),
	res(9, 1920, 1080, 60, false, "4", "4"),
	res(10, 1280, 720, 25, true),
	res(11, 1280, 720, 50, true, "3.2", "4"),
	res(12, 1920, 1080, 25, true, "3.2", "4"),
	res(13, 1920, 1080, 50, true, "4.2", "4.1"),
	res(14, 1920, 1080, 50, false, "3.2", "4"),
	res(15, 1280, 720, 24, true),
	res(16, 1920, 1080, 24, true, "3.2", "4"),
	res(17, 3840, 2160, 30, true, "5.1", "5"),
	res(18, 3840, 2160, 60, true, "5.1", "5"),
	res(19, 4096, 2160, 30, true, "5.1", "5"),
	res(20, 4096, 2160, 60, true, "5.2", "5.1"),
	res(21, 3840, 2160, 25, true, "5.2", "5.1"),
	res(22, 3840, 2160, 50, true, "5.2", "5"),
	res(23, 4096, 2160, 25, true, "5.2", "5"),
	res(24, 4086, 2160, 50, true, "5.2", "5"),
	res(25, 4096, 2160, 24, true, "5.2", "5.1"),
	res(26, 4096, 2160, 24, true, "5.2", "5.1"),
}

// ResolutionsVESA is the VESA display resolution table
var ResolutionsVESA = []Resolution{
	res(0, 800, 600, 30, true, "3.1", "3.1"),
	res(1, 800, 600, 60, true, "3.2", "4"),
	res(2, 1024, 768, 30, true, "3.1", "3.1"),
	res(3, 1024, 768, 60, true, "3.2", "4"),
	res(4, 1152, 854, 30, true, "3.2", "4"),
	res(5, 1152, 854, 60, true, "4", "4.1"),
	res(6, 1280, 768, 30, true, "3.2", "4"),
	res(7, 1280, 768, 60, true, "4", "4.1"),
	res(8, 1280, 800, 30, true, "3.2", "4"),
	res(9, 1280, 800, 60, true, "4", "4.1"),
	res(10, 1360, 768, 30, true, "3.2", "4"),
	res(11, 1360, 768, 60, true, "4", "4.1"),
	res(12, 1366, 768, 30, true, "3.2", "4"),
	res(13, 1366, 768, 60, true, "4.2", "4.1"),
	res(14, 1280, 1024, 30, true, "3.2", "4"),
	res(15, 1280, 1024, 60, true, "4.2", "4.1"),
	res(16, 1440, 1050, 30, true, "3.2", "4"),
	res(17, 1440, 1050, 60, true, "4.2", "4.1"),
	res(18, 1440, 900, 30, true, "3.2", "4"),
	res(19, 1440, 900, 60, true, "4.2", "4.1"),
	res(20, 1600, 900, 30, true, "3.2", "4"),
	res(21, 1600, 900, 60, true, "4.2", "4.1"),
	res(22, 1600, 1200, 30, true, "4", "5"),
	res(23, 1600, 1200, 60, true, "4.2", "5.1"),
	res(24, 1680, 1024, 30, true, "3.2", "4"),
	res(25, 1680, 1024, 60, true, "4.2", "4.1"),
	res(26, 1680, 1050, 30, true, "3.2", "4"),
	res(27, 1680, 1050, 60, true, "4.2", "4.1"),
	res(28, 1920, 1200, 30, true, "4.2", "5"),
}

// ResolutionsHH is the handheld display resolution table
var ResolutionsHH = []Resolution{
	res(0, 800, 400, 30, true),
	res(1, 800, 480, 60, true),
	res(2, 854, 480, 30, true),
	res(3, 854, 480, 60, true),
	res(4, 864, 480, 30, true),
	res(5, 864, 480, 60, true),
	res(6, 640, 360, 30, true),
	res(7, 640, 360, 60, true),
	res(8, 960, 540, 30, true),
	res(9, 960, 540, 60, true),
	res(10, 848, 480, 30, true),
	res(11, 848, 480, 60, true),
}
