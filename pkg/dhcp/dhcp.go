// Package dhcp runs a minimal DHCP service for the single WFD peer: it
// renders a one-lease daemon configuration, supervises the daemon process,
// and guarantees the configuration file is removed when the service ends.
package dhcp

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/ethan/wfd-sink/pkg/config"
	"github.com/ethan/wfd-sink/pkg/logger"
)

// DefaultDaemon is the DHCP daemon binary; it takes one argument, the
// configuration file path.
const DefaultDaemon = "udhcpd"

// Attendant supervises the DHCP daemon serving the peer's one lease
type Attendant struct {
	iface  string
	cfg    config.Config
	log    *logger.Logger
	daemon string

	confPath   string
	removeOnce sync.Once
	proc       *exec.Cmd
	waitErr    chan error
}

// NewAttendant creates a stopped attendant for the given group interface
func NewAttendant(iface string, cfg config.Config, log *logger.Logger) *Attendant {
	return &Attendant{
		iface:  iface,
		cfg:    cfg,
		log:    log,
		daemon: DefaultDaemon,
	}
}

// RenderConfig produces the daemon configuration pinning exactly one
// address: the peer gets PeerIP, nothing else is offered.
func RenderConfig(peerIP, iface, netmask string, leaseSecs int) string {
	return fmt.Sprintf("start  %s\nend %s\ninterface %s\noption subnet %s\noption lease %d\n",
		peerIP, peerIP, iface, netmask, leaseSecs)
}

// Start writes the configuration file and launches the daemon. On any
// failure the configuration file is removed before returning.
func (a *Attendant) Start() error {
	f, err := os.CreateTemp("", "udhcpd-*.conf")
	if err != nil {
		return fmt.Errorf("create dhcp config: %w", err)
	}
	a.confPath = f.Name()

	conf := RenderConfig(a.cfg.PeerIP, a.iface, a.cfg.Netmask, a.cfg.LeaseSeconds())
	if _, err := f.WriteString(conf); err != nil {
		f.Close()
		a.removeConfig()
		return fmt.Errorf("write dhcp config: %w", err)
	}
	if err := f.Close(); err != nil {
		a.removeConfig()
		return fmt.Errorf("close dhcp config: %w", err)
	}

	a.log.DebugDHCP("dhcp config written", "path", a.confPath, "config", conf)

	cmd := exec.Command(a.daemon, a.confPath)
	if err := cmd.Start(); err != nil {
		a.removeConfig()
		return fmt.Errorf("start %s: %w", a.daemon, err)
	}
	a.proc = cmd
	a.waitErr = make(chan error, 1)
	go func() {
		a.waitErr <- cmd.Wait()
	}()

	a.log.Info("dhcp daemon started",
		"daemon", a.daemon,
		"interface", a.iface,
		"lease", a.cfg.PeerIP,
		"pid", cmd.Process.Pid)
	return nil
}

// Stop terminates the daemon and removes the configuration file. Safe to
// call multiple times and after a failed Start.
func (a *Attendant) Stop() {
	defer a.removeConfig()

	if a.proc == nil || a.proc.Process == nil {
		return
	}

	if err := a.proc.Process.Signal(syscall.SIGTERM); err != nil {
		a.log.Warn("failed to signal dhcp daemon", "error", err)
	}

	select {
	case err := <-a.waitErr:
		if err != nil {
			a.log.DebugDHCP("dhcp daemon exited", "error", err)
		}
	case <-time.After(2 * time.Second):
		a.log.Warn("dhcp daemon did not exit, killing")
		a.proc.Process.Kill()
		<-a.waitErr
	}
	a.proc = nil
}

// removeConfig deletes the configuration file by path, exactly once
func (a *Attendant) removeConfig() {
	a.removeOnce.Do(func() {
		if a.confPath == "" {
			return
		}
		if err := os.Remove(a.confPath); err != nil && !os.IsNotExist(err) {
			a.log.Warn("failed to remove dhcp config", "path", a.confPath, "error", err)
		}
	})
}

// ConfigPath returns the rendered configuration file path; empty before Start
func (a *Attendant) ConfigPath() string {
	return a.confPath
}
