package logger_test

import (
	"fmt"
	"os"

	"github.com/ethan/wfd-sink/pkg/logger"
)

// Example showing basic logger usage
func ExampleLogger_basic() {
	// Create logger with default config
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatText

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// Basic logging
	log.Info("sink started", "rtsp_port", 7236)
	log.Warn("RTCP port unavailable", "port", 1029)
	log.Error("supplicant command failed", "error", "no OK in output")
}

// Example showing debug category usage
func ExampleLogger_categories() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelDebug
	cfg.EnableCategory(logger.DebugRTSP)
	cfg.EnableCategory(logger.DebugRTP)

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()

	// RTSP debugging (only logged if DebugRTSP enabled)
	log.DebugRTSPMessage("recv", []byte("OPTIONS * RTSP/1.0\r\nCSeq: 1\r\n\r\n"))

	// RTP debugging (only logged if DebugRTP enabled)
	log.DebugRTPPacket(12345, 90000, 96, 1200)

	// Generic category logging
	log.DebugRTSP("negotiation step complete", "step", "m3")
	log.DebugRTP("sequence gap", "lost", 3)
}

// Example showing command-line flags integration
func ExampleFlags() {
	// In main.go:
	// import (
	//     "flag"
	//     "github.com/ethan/wfd-sink/pkg/logger"
	// )
	//
	// fs := flag.NewFlagSet("sink", flag.ExitOnError)
	// logFlags := logger.RegisterFlags(fs)
	// fs.Parse(os.Args[1:])
	//
	// logConfig, _ := logFlags.ToConfig()
	// log, _ := logger.New(logConfig)
	// defer log.Close()

	fmt.Println("See cmd/sink/main.go for complete example")
}

// Example showing JSON format output
func ExampleLogger_json() {
	cfg := logger.NewConfig()
	cfg.Level = logger.LevelInfo
	cfg.Format = logger.FormatJSON
	cfg.OutputFile = "sink.json"

	log, err := logger.New(cfg)
	if err != nil {
		panic(err)
	}
	defer log.Close()
	defer os.Remove("sink.json") // Cleanup

	log.Info("session ended",
		"session_id", "1234abcd",
		"server_rtp_port", 19000,
		"duration_s", 250)

	// Output will be in JSON format:
	// {"time":"...","level":"INFO","msg":"session ended","session_id":"1234abcd","server_rtp_port":19000,"duration_s":250}
}
