package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/ethan/wfd-sink/pkg/config"
	"github.com/ethan/wfd-sink/pkg/logger"
	"github.com/ethan/wfd-sink/pkg/wfd"
)

// groupSettleDelay is how long the supplicant gets to materialize the group
// interface after p2p_group_add.
const groupSettleDelay = 3 * time.Second

// ErrInterfaceMissing reports that no p2p-wl* interface appeared after group
// creation; nothing can be served without one.
type ErrInterfaceMissing struct{}

func (ErrInterfaceMissing) Error() string {
	return "p2p: no p2p-wl* interface appeared after group creation"
}

// Orchestrator creates and configures the sink's P2P group
type Orchestrator struct {
	cli    *Client
	ipCmd  Runner
	cfg    config.Config
	log    *logger.Logger
	iface  string
	settle time.Duration
}

// NewOrchestrator creates an orchestrator. ipRunner defaults to ifconfig;
// tests inject a fake.
func NewOrchestrator(cli *Client, ipRunner Runner, cfg config.Config, log *logger.Logger) *Orchestrator {
	if ipRunner == nil {
		ipRunner = ExecRunner{Bin: "ifconfig"}
	}
	return &Orchestrator{cli: cli, ipCmd: ipRunner, cfg: cfg, log: log, settle: groupSettleDelay}
}

// Interface returns the group interface name; valid after EnsureGroup
func (o *Orchestrator) Interface() string {
	return o.iface
}

// EnsureGroup brings up the P2P group. An existing p2p-wl* interface is
// reused; otherwise the full supplicant sequence runs and the sink address
// is assigned to the new interface. Any failure is fatal at startup.
func (o *Orchestrator) EnsureGroup(ctx context.Context) error {
	iface, ok, err := o.cli.P2PInterface(ctx)
	if err != nil {
		return fmt.Errorf("query p2p interfaces: %w", err)
	}
	if ok {
		o.log.Info("reusing existing p2p interface", "interface", iface)
		o.iface = iface
		return nil
	}

	if err := o.createGroup(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(o.settle):
	}

	iface, ok, err = o.cli.P2PInterface(ctx)
	if err != nil {
		return fmt.Errorf("re-query p2p interfaces: %w", err)
	}
	if !ok {
		return ErrInterfaceMissing{}
	}
	o.iface = iface

	if err := o.assignAddress(ctx, iface); err != nil {
		return err
	}

	o.log.Info("p2p group interface up", "interface", iface, "address", o.cfg.SinkIP)
	return nil
}

func (o *Orchestrator) createGroup(ctx context.Context) error {
	if err := o.cli.StartFind(ctx); err != nil {
		return fmt.Errorf("start p2p find: %w", err)
	}
	if err := o.cli.Set(ctx, "device_name", o.cfg.DeviceName); err != nil {
		return fmt.Errorf("set device name: %w", err)
	}
	if err := o.cli.Set(ctx, "device_type", o.cfg.DeviceType); err != nil {
		return fmt.Errorf("set device type: %w", err)
	}
	if err := o.cli.Set(ctx, "p2p_go_ht40", "1"); err != nil {
		return fmt.Errorf("set p2p_go_ht40: %w", err)
	}
	if err := o.cli.WFDSubelemSet(ctx, 0, wfd.DeviceInfoSubelem(o.cfg.RTSPPort)); err != nil {
		return fmt.Errorf("publish device info subelement: %w", err)
	}
	if err := o.cli.WFDSubelemSet(ctx, 1, wfd.BSSIDSubelem(0)); err != nil {
		return fmt.Errorf("publish bssid subelement: %w", err)
	}
	if err := o.cli.WFDSubelemSet(ctx, 6, wfd.SinkInfoSubelem(0, 0)); err != nil {
		return fmt.Errorf("publish sink info subelement: %w", err)
	}
	if err := o.cli.GroupAdd(ctx, o.cfg.GroupName); err != nil {
		return fmt.Errorf("add p2p group: %w", err)
	}
	return nil
}

func (o *Orchestrator) assignAddress(ctx context.Context, iface string) error {
	out, err := o.ipCmd.Run(ctx, iface, o.cfg.SinkIP, "netmask", o.cfg.Netmask)
	if err != nil {
		return fmt.Errorf("assign %s to %s: %w (output: %q)", o.cfg.SinkIP, iface, err, out)
	}
	return nil
}

// ConfigureWPSPin opens PIN pairing on the group interface for the lease
// timeout window.
func (o *Orchestrator) ConfigureWPSPin(ctx context.Context) error {
	if o.iface == "" {
		return fmt.Errorf("p2p: no group interface; call EnsureGroup first")
	}
	if err := o.cli.SetWPSPin(ctx, o.iface, o.cfg.WPSPin, o.cfg.LeaseSeconds()); err != nil {
		return fmt.Errorf("set wps pin: %w", err)
	}
	o.log.Info("wps pin configured", "interface", o.iface, "timeout_s", o.cfg.LeaseSeconds())
	return nil
}
