package remote

import (
	"context"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Prober checks whether a host answers on the network.
type Prober interface {
	Reachable(ctx context.Context, host string) bool
}

// PingProber sends a single ICMP echo using the system ping binary.
type PingProber struct {
	Timeout time.Duration
}

var pingCmdRunner = func(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "ping", args...)
	return cmd.CombinedOutput()
}

// NewPingProber returns a prober with a two second reply timeout.
func NewPingProber() *PingProber {
	return &PingProber{Timeout: 2 * time.Second}
}

// Reachable reports whether host answered one ping within the timeout.
func (p *PingProber) Reachable(ctx context.Context, host string) bool {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	waitSeconds := int(timeout.Round(time.Second) / time.Second)
	if waitSeconds < 1 {
		waitSeconds = 1
	}

	ctx, cancel := context.WithTimeout(ctx, timeout+time.Second)
	defer cancel()

	out, err := pingCmdRunner(ctx, "-c", "1", "-W", strconv.Itoa(waitSeconds), host)
	if err != nil {
		log.Debug().Err(err).Str("host", host).Bytes("output", out).Msg("Host did not answer ping")
		return false
	}
	return true
}
