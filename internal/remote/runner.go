// Package remote runs shell commands on the monitored host over SSH and
// checks whether the host is reachable.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	autoherr "github.com/rcourtman/pulse-autoheal/internal/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Result is the outcome of one remote command. Err is nil only when the
// command ran and exited zero; otherwise it is a *errors.RemoteError.
type Result struct {
	Output   string
	ExitCode int
	Err      error
}

// OK reports whether the command exited zero.
func (r Result) OK() bool {
	return r.Err == nil
}

// Runner executes a shell command on the monitored host. elevate runs it
// through sudo.
type Runner interface {
	Run(ctx context.Context, command string, elevate bool) Result
}

// SSHConfig configures SSHRunner.
type SSHConfig struct {
	Host           string
	Port           int
	User           string
	KeyPath        string
	KnownHostsPath string // empty disables host key verification
	SudoPassword   string
	DialTimeout    time.Duration
	CommandTimeout time.Duration
}

// DefaultSSHConfig returns the stock timeouts for host.
func DefaultSSHConfig(host string) SSHConfig {
	return SSHConfig{
		Host:           host,
		Port:           22,
		User:           "admin",
		DialTimeout:    10 * time.Second,
		CommandTimeout: 2 * time.Minute,
	}
}

// SSHRunner opens one SSH connection per command using key authentication.
type SSHRunner struct {
	cfg       SSHConfig
	addr      string
	clientCfg *ssh.ClientConfig
}

var readFileFn = os.ReadFile

// NewSSHRunner loads the private key and host key policy for cfg.
func NewSSHRunner(cfg SSHConfig) (*SSHRunner, error) {
	if cfg.Host == "" {
		return nil, autoherr.NewValidationError("ssh_setup", "", "host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}

	keyBytes, err := readFileFn(cfg.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("read ssh key %s: %w", cfg.KeyPath, err)
	}
	signer, err := ssh.ParsePrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parse ssh key %s: %w", cfg.KeyPath, err)
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if cfg.KnownHostsPath != "" {
		hostKeyCallback, err = knownhosts.New(cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("load known_hosts %s: %w", cfg.KnownHostsPath, err)
		}
	} else {
		log.Warn().Str("host", cfg.Host).Msg("SSH host key verification disabled")
	}

	return &SSHRunner{
		cfg:  cfg,
		addr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		clientCfg: &ssh.ClientConfig{
			User:            cfg.User,
			Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.DialTimeout,
		},
	}, nil
}

// Run executes command and classifies any failure.
func (r *SSHRunner) Run(ctx context.Context, command string, elevate bool) Result {
	if r.cfg.CommandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.CommandTimeout)
		defer cancel()
	}

	full, stdin := r.wrap(command, elevate)
	start := time.Now()
	res := r.run(ctx, command, full, stdin)

	event := log.Debug()
	if !res.OK() {
		event = log.Warn().Err(res.Err)
	}
	event.
		Str("host", r.cfg.Host).
		Str("command", command).
		Bool("elevated", elevate).
		Int("exit_code", res.ExitCode).
		Dur("duration", time.Since(start)).
		Msg("Remote command finished")
	return res
}

func (r *SSHRunner) run(ctx context.Context, command, full, stdin string) Result {
	conn, err := (&net.Dialer{Timeout: r.cfg.DialTimeout}).DialContext(ctx, "tcp", r.addr)
	if err != nil {
		return Result{ExitCode: -1, Err: classifyDialError(ctx, r.cfg.Host, command, err)}
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, r.addr, r.clientCfg)
	if err != nil {
		conn.Close()
		return Result{ExitCode: -1, Err: transportError(r.cfg.Host, command, fmt.Errorf("handshake: %w", err))}
	}
	client := ssh.NewClient(sshConn, chans, reqs)
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return Result{ExitCode: -1, Err: transportError(r.cfg.Host, command, fmt.Errorf("open session: %w", err))}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if stdin != "" {
		session.Stdin = strings.NewReader(stdin)
	}

	done := make(chan error, 1)
	go func() { done <- session.Run(full) }()

	select {
	case <-ctx.Done():
		client.Close()
		<-done
		return Result{
			Output:   strings.TrimSpace(stdout.String()),
			ExitCode: -1,
			Err:      autoherr.WrapTimeout("ssh_run", r.cfg.Host, ctx.Err()).WithCommand(command),
		}
	case err = <-done:
	}

	output := strings.TrimSpace(stdout.String())
	if err == nil {
		return Result{Output: output}
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		if output == "" {
			output = strings.TrimSpace(stderr.String())
		}
		return Result{
			Output:   output,
			ExitCode: exitErr.ExitStatus(),
			Err:      autoherr.NewExitError("ssh_run", r.cfg.Host, command, exitErr.ExitStatus(), stderr.String()),
		}
	}
	return Result{Output: output, ExitCode: -1, Err: transportError(r.cfg.Host, command, err)}
}

// wrap returns the command line to execute and the data to feed on stdin.
func (r *SSHRunner) wrap(command string, elevate bool) (string, string) {
	if !elevate {
		return command, ""
	}
	if r.cfg.SudoPassword != "" {
		return "sudo -S -p '' sh -c " + shellQuote(command), r.cfg.SudoPassword + "\n"
	}
	return "sudo -n sh -c " + shellQuote(command), ""
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func classifyDialError(ctx context.Context, host, command string, err error) error {
	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return autoherr.WrapTimeout("ssh_dial", host, ctx.Err()).WithCommand(command)
	case errors.As(err, &netErr) && netErr.Timeout():
		return autoherr.WrapTimeout("ssh_dial", host, err).WithCommand(command)
	default:
		refused := errors.Is(err, syscall.ECONNREFUSED)
		return autoherr.WrapConnectionError("ssh_dial", host, err, refused).WithCommand(command)
	}
}

func transportError(host, command string, err error) error {
	return autoherr.NewRemoteError(autoherr.ErrorTypeTransport, "ssh_run", host, err).WithCommand(command)
}
