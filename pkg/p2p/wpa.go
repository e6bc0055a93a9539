// Package p2p brings up the Wi-Fi Direct side of the sink: it drives the
// supplicant control program to create a P2P group carrying the WFD
// information elements, and assigns the sink's static address to the
// resulting virtual interface.
package p2p

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/ethan/wfd-sink/pkg/logger"
)

// Runner executes one control-program invocation and returns its stdout.
// Injectable so tests can script supplicant behavior.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// ExecRunner runs a binary via os/exec
type ExecRunner struct {
	Bin string
}

// Run implements Runner
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, r.Bin, args...).Output()
	if err != nil {
		return string(out), fmt.Errorf("%s %s: %w", r.Bin, strings.Join(args, " "), err)
	}
	return string(out), nil
}

// SupplicantError reports a control command whose output lacked the OK marker
type SupplicantError struct {
	Command string
	Output  string
}

func (e *SupplicantError) Error() string {
	return fmt.Sprintf("supplicant command %q failed: %q", e.Command, strings.TrimSpace(e.Output))
}

// Client wraps the supplicant command line interface
type Client struct {
	runner Runner
	log    *logger.Logger
}

// NewClient creates a supplicant client over the given runner
func NewClient(runner Runner, log *logger.Logger) *Client {
	if runner == nil {
		runner = ExecRunner{Bin: "wpa_cli"}
	}
	return &Client{runner: runner, log: log}
}

// cmd runs one command and verifies its stdout contains an OK line
func (c *Client) cmd(ctx context.Context, args ...string) error {
	out, err := c.run(ctx, args...)
	if err != nil {
		return err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "OK" {
			return nil
		}
	}
	return &SupplicantError{Command: strings.Join(args, " "), Output: out}
}

func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	c.log.DebugP2P("supplicant command", "args", strings.Join(args, " "))
	return c.runner.Run(ctx, args...)
}

// StartFind begins progressive P2P device discovery
func (c *Client) StartFind(ctx context.Context) error {
	return c.cmd(ctx, "p2p_find", "type=progressive")
}

// StopFind ends P2P device discovery
func (c *Client) StopFind(ctx context.Context) error {
	return c.cmd(ctx, "p2p_stop_find")
}

// Set assigns a supplicant configuration variable
func (c *Client) Set(ctx context.Context, key, value string) error {
	return c.cmd(ctx, "set", key, value)
}

// WFDSubelemSet publishes one WFD information sub-element
func (c *Client) WFDSubelemSet(ctx context.Context, index int, hexPayload string) error {
	return c.cmd(ctx, "wfd_subelem_set", fmt.Sprintf("%d", index), hexPayload)
}

// GroupAdd creates a P2P group with the sink as group owner
func (c *Client) GroupAdd(ctx context.Context, name string) error {
	return c.cmd(ctx, "p2p_group_add", name)
}

// SetWPSPin opens WPS PIN pairing on the group interface
func (c *Client) SetWPSPin(ctx context.Context, iface, pin string, timeoutSecs int) error {
	return c.cmd(ctx, "-i", iface, "wps_pin", "any", pin, fmt.Sprintf("%d", timeoutSecs))
}

// Interfaces returns the selected interface and all available interfaces.
// Output form:
//
//	Selected interface 'p2p-wl0-0'
//	Available interfaces:
//	p2p-wl0-0
//	wlan0
func (c *Client) Interfaces(ctx context.Context) (selected string, available []string, err error) {
	out, err := c.run(ctx, "interface")
	if err != nil {
		return "", nil, err
	}

	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
		case strings.HasPrefix(line, "Selected interface"):
			if start := strings.IndexByte(line, '\''); start >= 0 {
				if end := strings.LastIndexByte(line, '\''); end > start {
					selected = line[start+1 : end]
				}
			}
		case strings.HasPrefix(line, "Available interfaces:"):
		default:
			available = append(available, line)
		}
	}
	return selected, available, nil
}

// P2PInterface returns the first p2p-wl* group interface, if one exists
func (c *Client) P2PInterface(ctx context.Context) (string, bool, error) {
	_, available, err := c.Interfaces(ctx)
	if err != nil {
		return "", false, err
	}
	for _, iface := range available {
		if strings.HasPrefix(iface, "p2p-wl") {
			return iface, true, nil
		}
	}
	return "", false, nil
}
