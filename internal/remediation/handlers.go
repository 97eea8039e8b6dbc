package remediation

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// serviceUnits maps friendly service names to systemd units. Names not
// listed are used verbatim.
var serviceUnits = map[string]string{
	"prometheus": "prometheus",
	"grafana":    "grafana-server",
	"nextcloud":  "apache2",
	"docker":     "docker",
	"nginx":      "nginx",
	"mysql":      "mysql",
	"postgresql": "postgresql",
}

// protectedProcesses are never killed by process_kill. Keys are comm names
// as ps reports them, truncated to 15 characters by the kernel.
var protectedProcesses = map[string]bool{
	"systemd":         true,
	"init":            true,
	"kthreadd":        true,
	"sshd":            true,
	"dockerd":         true,
	"containerd":      true,
	"containerd-shim": true,
	"systemd-journal": true,
	"systemd-logind":  true,
	"systemd-udevd":   true,
	"dbus-daemon":     true,
}

// kernelThreadPrefixes match per-CPU kernel workers such as kworker/0:1.
var kernelThreadPrefixes = []string{
	"kworker/", "ksoftirqd/", "migration/", "rcu_", "kswapd", "watchdog/", "irq/", "cpuhp/",
}

func isProtected(name string) bool {
	if protectedProcesses[name] {
		return true
	}
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		return true
	}
	for _, prefix := range kernelThreadPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// configRepairs lists the backup, reset and reload commands per component.
// The last command is the reload; its result decides success.
var configRepairs = map[string][]string{
	"nginx": {
		"cp /etc/nginx/nginx.conf /etc/nginx/nginx.conf.bak",
		"nginx -t || cp /etc/nginx/nginx.conf.default /etc/nginx/nginx.conf",
		"systemctl reload nginx",
	},
	"docker": {
		"cp /etc/docker/daemon.json /etc/docker/daemon.json.bak 2>/dev/null || true",
		"echo '{}' > /etc/docker/daemon.json",
		"systemctl restart docker",
	},
}

var cleanupCommands = []string{
	"docker system prune -af --volumes",
	"apt-get autoremove -y && apt-get autoclean -y",
	"find /var/log -type f -name '*.log' -mtime +30 -delete",
	"find /tmp -type f -atime +7 -delete",
}

var cacheCommands = []string{
	"sync && echo 3 > /proc/sys/vm/drop_caches",
	"systemctl restart memcached",
	"redis-cli FLUSHALL",
}

func unitFor(service string) string {
	if unit, ok := serviceUnits[service]; ok {
		return unit
	}
	return service
}

func (e *Executor) restartService(ctx context.Context, s *session, ac ActionContext) (bool, string) {
	name := ac.Component.Name
	if name == "" {
		return false, "No service specified"
	}
	if !safeName.MatchString(name) {
		return false, fmt.Sprintf("Refusing to restart service with unsafe name %q", name)
	}
	unit := unitFor(name)

	if res := s.run(ctx, "systemctl restart "+unit, true); !res.OK() {
		return false, fmt.Sprintf("Failed to restart %s: %v", name, res.Err)
	}
	res := s.run(ctx, "systemctl is-active "+unit, true)
	if strings.TrimSpace(res.Output) == "active" {
		return true, fmt.Sprintf("Service %s restarted successfully", name)
	}
	return false, fmt.Sprintf("Service %s restarted but is %q", name, strings.TrimSpace(res.Output))
}

func (e *Executor) restartContainer(ctx context.Context, s *session, ac ActionContext) (bool, string) {
	name := ac.Component.Name
	if name == "" {
		return false, "No container specified"
	}
	if !safeName.MatchString(name) {
		return false, fmt.Sprintf("Refusing to restart container with unsafe name %q", name)
	}

	if res := s.run(ctx, "docker restart "+name, true); !res.OK() {
		return false, fmt.Sprintf("Failed to restart container %s: %v", name, res.Err)
	}
	res := s.run(ctx, "docker inspect -f '{{.State.Running}}' "+name, true)
	if res.OK() && strings.Contains(strings.ToLower(res.Output), "true") {
		return true, fmt.Sprintf("Container %s restarted successfully", name)
	}
	return false, fmt.Sprintf("Container %s is not running after restart", name)
}

func (e *Executor) rebootServer(ctx context.Context, s *session, _ ActionContext) (bool, string) {
	log.Warn().Str("host", e.cfg.Host).Msg("Initiating server reboot")

	if res := s.run(ctx, "shutdown -r +1", true); !res.OK() {
		return false, fmt.Sprintf("Failed to schedule reboot: %v", res.Err)
	}
	if err := sleep(ctx, e.cfg.RebootGrace); err != nil {
		return false, fmt.Sprintf("Reboot wait interrupted: %v", err)
	}

	attempts := int(e.cfg.RebootPollTimeout / e.cfg.RebootPollInterval)
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		if e.prober != nil && e.prober.Reachable(ctx, e.cfg.Host) {
			return true, "Server rebooted successfully"
		}
		if err := sleep(ctx, e.cfg.RebootPollInterval); err != nil {
			return false, fmt.Sprintf("Reboot wait interrupted: %v", err)
		}
	}
	return false, "Server did not come back after reboot"
}

func (e *Executor) clearCache(ctx context.Context, s *session, _ ActionContext) (bool, string) {
	cleared := 0
	for _, cmd := range cacheCommands {
		if s.run(ctx, cmd, true).OK() {
			cleared++
		}
	}
	if cleared > 0 {
		return true, "Cache cleared successfully"
	}
	return false, "Failed to clear cache"
}

func (e *Executor) diskCleanup(ctx context.Context, s *session, _ ActionContext) (bool, string) {
	var freedKiB int64
	for _, cmd := range cleanupCommands {
		before, beforeOK := freeKiB(ctx, s)
		s.run(ctx, cmd, true)
		after, afterOK := freeKiB(ctx, s)
		if beforeOK && afterOK {
			freedKiB += after - before
		}
	}
	if freedKiB > 0 {
		return true, fmt.Sprintf("Freed %.2f GB of disk space", float64(freedKiB)/1024/1024)
	}
	return false, "No significant disk space freed"
}

// freeKiB reads available KiB on / from POSIX df output.
func freeKiB(ctx context.Context, s *session) (int64, bool) {
	res := s.run(ctx, "df -Pk /", false)
	if !res.OK() {
		return 0, false
	}
	lines := strings.Split(strings.TrimSpace(res.Output), "\n")
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 4 {
		return 0, false
	}
	n, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (e *Executor) networkReset(ctx context.Context, s *session, _ ActionContext) (bool, string) {
	iface := e.cfg.PrimaryInterface
	commands := []string{
		"systemctl restart networking",
		fmt.Sprintf("ip link set dev %s down && ip link set dev %s up", iface, iface),
		"systemctl restart docker",
	}
	for _, cmd := range commands {
		s.run(ctx, cmd, true)
	}
	if e.prober != nil && e.prober.Reachable(ctx, e.cfg.Host) {
		return true, "Network reset successfully"
	}
	return false, "Network reset failed; host unreachable"
}

type processInfo struct {
	pid  int
	cpu  float64
	name string
}

func (e *Executor) killHighCPUProcesses(ctx context.Context, s *session, _ ActionContext) (bool, string) {
	res := s.run(ctx, "ps -eo pid=,pcpu=,comm= --sort=-pcpu | head -n 5", false)
	if !res.OK() {
		return false, fmt.Sprintf("Failed to list processes: %v", res.Err)
	}

	var killed []string
	for _, proc := range parseProcesses(res.Output) {
		if proc.cpu <= e.cfg.KillCPUPercent || isProtected(proc.name) {
			continue
		}
		if s.run(ctx, fmt.Sprintf("kill -9 %d", proc.pid), true).OK() {
			killed = append(killed, fmt.Sprintf("%d:%s", proc.pid, proc.name))
		}
	}
	if len(killed) > 0 {
		return true, "Killed high CPU processes: " + strings.Join(killed, ", ")
	}
	return false, "No high CPU processes found or unable to kill"
}

func parseProcesses(output string) []processInfo {
	var procs []processInfo
	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 1 {
			continue
		}
		cpu, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			continue
		}
		procs = append(procs, processInfo{pid: pid, cpu: cpu, name: strings.Join(fields[2:], " ")})
	}
	return procs
}

func (e *Executor) repairConfig(ctx context.Context, s *session, ac ActionContext) (bool, string) {
	name := ac.Component.Name
	if name == "" {
		return false, "No component specified for config repair"
	}
	commands, ok := configRepairs[name]
	if !ok {
		return false, fmt.Sprintf("No config repair available for %s", name)
	}

	var last bool
	for _, cmd := range commands {
		last = s.run(ctx, cmd, true).OK()
	}
	if last {
		return true, fmt.Sprintf("Configuration repaired for %s", name)
	}
	return false, fmt.Sprintf("Configuration reset for %s but reload failed", name)
}
