package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel   string
	LogFormat  string
	LogFile    string
	DebugRTSP  bool
	DebugRTP   bool
	DebugP2P   bool
	DebugDHCP  bool
	DebugMedia bool
	DebugAll   bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false,
		"Enable RTSP control-plane debugging (full message dumps, state transitions)")
	fs.BoolVar(&f.DebugRTP, "debug-rtp", false,
		"Enable detailed RTP packet debugging (sequence, timestamp, payload)")
	fs.BoolVar(&f.DebugP2P, "debug-p2p", false,
		"Enable Wi-Fi Direct supplicant debugging (wpa_cli commands, group setup)")
	fs.BoolVar(&f.DebugDHCP, "debug-dhcp", false,
		"Enable DHCP attendant debugging (config rendering, daemon lifecycle)")
	fs.BoolVar(&f.DebugMedia, "debug-media", false,
		"Enable media pipeline debugging (depacketizer, keyframes, RTCP)")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	// Parse log level
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	// Parse format
	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	// Set output file
	cfg.OutputFile = f.LogFile

	// Enable debug categories
	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
		return cfg, nil
	}

	if f.DebugRTSP {
		cfg.EnableCategory(DebugRTSP)
	}
	if f.DebugRTP {
		cfg.EnableCategory(DebugRTP)
	}
	if f.DebugP2P {
		cfg.EnableCategory(DebugP2P)
	}
	if f.DebugDHCP {
		cfg.EnableCategory(DebugDHCP)
	}
	if f.DebugMedia {
		cfg.EnableCategory(DebugMedia)
	}

	// Any explicit category implies debug level
	if cfg.IsDebugEnabled() {
		cfg.Level = LevelDebug
	}

	return cfg, nil
}

// String returns a human-readable summary of the active flags
func (f *Flags) String() string {
	var parts []string
	parts = append(parts, "level="+f.LogLevel, "format="+f.LogFormat)
	if f.LogFile != "" {
		parts = append(parts, "file="+f.LogFile)
	}

	var cats []string
	if f.DebugAll {
		cats = append(cats, "all")
	} else {
		if f.DebugRTSP {
			cats = append(cats, "rtsp")
		}
		if f.DebugRTP {
			cats = append(cats, "rtp")
		}
		if f.DebugP2P {
			cats = append(cats, "p2p")
		}
		if f.DebugDHCP {
			cats = append(cats, "dhcp")
		}
		if f.DebugMedia {
			cats = append(cats, "media")
		}
	}
	if len(cats) > 0 {
		parts = append(parts, "debug="+strings.Join(cats, ","))
	}

	return strings.Join(parts, " ")
}

// PrintUsageExamples prints example invocations for the flag surface
func PrintUsageExamples() {
	fmt.Println("\nExamples:")
	fmt.Println("  sink                          # defaults: info level, text output")
	fmt.Println("  sink -log-level debug         # verbose logging")
	fmt.Println("  sink -debug-rtsp              # dump every RTSP message")
	fmt.Println("  sink -debug-rtp -debug-media  # trace the media path")
	fmt.Println("  sink -log-format json -o sink.log")
}
