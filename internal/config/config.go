// Package config loads pulse-autoheal settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	psnet "github.com/shirou/gopsutil/v4/net"
)

const envPrefix = "AUTOHEAL_"

// Thresholds are the per-component limits used by the diagnostic engine.
type Thresholds struct {
	CPUWarning         float64 `json:"cpu_warning"`
	CPUCritical        float64 `json:"cpu_critical"`
	MemoryWarning      float64 `json:"memory_warning"`
	MemoryCritical     float64 `json:"memory_critical"`
	DiskWarning        float64 `json:"disk_warning"`
	DiskCritical       float64 `json:"disk_critical"`
	NetworkLatencyHigh float64 `json:"network_latency_high"`
}

// DefaultThresholds returns the stock thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CPUWarning:         70,
		CPUCritical:        90,
		MemoryWarning:      80,
		MemoryCritical:     95,
		DiskWarning:        80,
		DiskCritical:       90,
		NetworkLatencyHigh: 1000,
	}
}

// Config holds all configuration for the agent.
type Config struct {
	EnvFile string

	// Monitored host
	ServerIP         string
	SSHUser          string
	SSHPort          int
	SSHKeyPath       string
	KnownHostsPath   string // empty disables host key verification
	SudoPassword     string
	PrimaryInterface string

	// Metric sources
	PrometheusURL    string // empty selects local collection
	GrafanaURL       string
	ServiceEndpoints map[string]string
	DockerHost       string

	Thresholds          Thresholds
	CheckInterval       time.Duration
	RecoveryCooldown    time.Duration
	MaxRecoveryAttempts int // declared for operators; the loop does not enforce it

	DataDir              string
	WebhookURL           string
	NotificationsEnabled bool
	MetricsAddr          string

	LogLevel  string
	LogFormat string
	LogFile   string
}

// File names under DataDir.
const (
	DatabaseFileName = "diagnostic_patterns.db"
	StatusFileName   = "status.json"
)

// DatabasePath returns the location of the learning database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, DatabaseFileName)
}

// StatusFilePath returns where the per-cycle status document is written.
func (c *Config) StatusFilePath() string {
	return filepath.Join(c.DataDir, StatusFileName)
}

// SSHAddress returns host:port for the SSH transport.
func (c *Config) SSHAddress() string {
	return fmt.Sprintf("%s:%d", c.ServerIP, c.SSHPort)
}

// lookupFunc mirrors os.LookupEnv so tests and reloads can supply their own source.
type lookupFunc func(key string) (string, bool)

// Load reads configuration from environment variables. A .env file is loaded
// first if present (AUTOHEAL_ENV_FILE, else ./.env); real environment
// variables always win over file values.
func Load() (*Config, error) {
	envFile := strings.TrimSpace(os.Getenv(envPrefix + "ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", envFile).Msg("Failed to load env file")
		}
	} else {
		log.Debug().Str("path", envFile).Msg("Loaded env file")
	}

	cfg, err := parse(os.LookupEnv)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(envFile); err == nil {
		cfg.EnvFile = abs
	} else {
		cfg.EnvFile = envFile
	}
	return cfg, nil
}

func parse(lookup lookupFunc) (*Config, error) {
	p := &parser{lookup: lookup}

	home, _ := os.UserHomeDir()
	cfg := &Config{
		ServerIP:             p.str("SERVER_IP", ""),
		SSHUser:              p.str("SSH_USER", "admin"),
		SSHPort:              p.integer("SSH_PORT", 22),
		SSHKeyPath:           expandHome(p.str("SSH_KEY", "~/.ssh/id_rsa"), home),
		KnownHostsPath:       expandHome(p.str("SSH_KNOWN_HOSTS", ""), home),
		SudoPassword:         p.raw("SUDO_PASSWORD"),
		PrimaryInterface:     p.str("PRIMARY_INTERFACE", "eth0"),
		PrometheusURL:        strings.TrimRight(p.str("PROMETHEUS_URL", ""), "/"),
		GrafanaURL:           strings.TrimRight(p.str("GRAFANA_URL", ""), "/"),
		DockerHost:           p.str("DOCKER_HOST", ""),
		Thresholds:           parseThresholds(p),
		CheckInterval:        p.seconds("CHECK_INTERVAL", 30*time.Second),
		RecoveryCooldown:     p.seconds("RECOVERY_COOLDOWN", 300*time.Second),
		MaxRecoveryAttempts:  p.integer("MAX_RECOVERY_ATTEMPTS", 3),
		DataDir:              expandHome(p.str("DATA_DIR", "~/.pulse-autoheal"), home),
		WebhookURL:           p.str("WEBHOOK_URL", ""),
		NotificationsEnabled: p.boolean("NOTIFICATIONS_ENABLED", true),
		MetricsAddr:          p.str("METRICS_ADDR", "127.0.0.1:9192"),
		LogLevel:             p.plain("LOG_LEVEL", "info"),
		LogFormat:            p.plain("LOG_FORMAT", "auto"),
		LogFile:              p.plain("LOG_FILE", ""),
	}
	cfg.ServiceEndpoints = p.endpoints("SERVICE_ENDPOINTS", defaultEndpoints(cfg))

	if err := cfg.validate(p.errs); err != nil {
		return nil, fmt.Errorf("validate autoheal config: %w", err)
	}
	return cfg, nil
}

// ReloadThresholds re-reads the threshold keys from the env file at path,
// falling back to the process environment and then to defaults.
func ReloadThresholds(path string) (Thresholds, error) {
	fileValues, err := godotenv.Read(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("read env file %s: %w", path, err)
	}
	p := &parser{lookup: func(key string) (string, bool) {
		if v, ok := fileValues[key]; ok {
			return v, true
		}
		return os.LookupEnv(key)
	}}
	th := parseThresholds(p)
	if len(p.errs) > 0 {
		return Thresholds{}, fmt.Errorf("invalid thresholds: %s", strings.Join(p.errs, "; "))
	}
	if err := th.validate(); err != nil {
		return Thresholds{}, err
	}
	return th, nil
}

func parseThresholds(p *parser) Thresholds {
	def := DefaultThresholds()
	return Thresholds{
		CPUWarning:         p.float("CPU_WARNING", def.CPUWarning),
		CPUCritical:        p.float("CPU_CRITICAL", def.CPUCritical),
		MemoryWarning:      p.float("MEMORY_WARNING", def.MemoryWarning),
		MemoryCritical:     p.float("MEMORY_CRITICAL", def.MemoryCritical),
		DiskWarning:        p.float("DISK_WARNING", def.DiskWarning),
		DiskCritical:       p.float("DISK_CRITICAL", def.DiskCritical),
		NetworkLatencyHigh: p.float("NETWORK_LATENCY_HIGH", def.NetworkLatencyHigh),
	}
}

func defaultEndpoints(cfg *Config) map[string]string {
	endpoints := make(map[string]string)
	if cfg.PrometheusURL != "" {
		endpoints["prometheus"] = cfg.PrometheusURL + "/-/healthy"
	}
	if cfg.GrafanaURL != "" {
		endpoints["grafana"] = cfg.GrafanaURL + "/api/health"
	}
	if cfg.ServerIP != "" {
		endpoints["nextcloud"] = fmt.Sprintf("http://%s:8080/status.php", cfg.ServerIP)
	}
	return endpoints
}

func (t Thresholds) validate() error {
	var problems []string
	pairs := []struct {
		name              string
		warning, critical float64
	}{
		{"CPU", t.CPUWarning, t.CPUCritical},
		{"MEMORY", t.MemoryWarning, t.MemoryCritical},
		{"DISK", t.DiskWarning, t.DiskCritical},
	}
	for _, pair := range pairs {
		if pair.warning < 0 || pair.critical > 100 {
			problems = append(problems, fmt.Sprintf("%s thresholds must be within 0-100", pair.name))
		}
		if pair.warning > pair.critical {
			problems = append(problems, fmt.Sprintf("%s_WARNING (%.0f) must not exceed %s_CRITICAL (%.0f)",
				pair.name, pair.warning, pair.name, pair.critical))
		}
	}
	if t.NetworkLatencyHigh <= 0 {
		problems = append(problems, "NETWORK_LATENCY_HIGH must be greater than 0")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid thresholds: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validate(parseErrs []string) error {
	problems := append([]string(nil), parseErrs...)

	if c.ServerIP == "" {
		problems = append(problems, envPrefix+"SERVER_IP is required")
	}
	if c.SSHPort < 1 || c.SSHPort > 65535 {
		problems = append(problems, fmt.Sprintf("%sSSH_PORT must be between 1 and 65535, got %d", envPrefix, c.SSHPort))
	}
	if c.CheckInterval <= 0 {
		problems = append(problems, envPrefix+"CHECK_INTERVAL must be greater than 0")
	}
	if c.RecoveryCooldown < 0 {
		problems = append(problems, envPrefix+"RECOVERY_COOLDOWN must not be negative")
	}
	if c.MaxRecoveryAttempts < 0 {
		problems = append(problems, envPrefix+"MAX_RECOVERY_ATTEMPTS must not be negative")
	}
	if err := c.Thresholds.validate(); err != nil {
		problems = append(problems, err.Error())
	}
	if c.PrometheusURL == "" && c.ServerIP != "" && !isLocalHost(c.ServerIP) {
		problems = append(problems, fmt.Sprintf("%sPROMETHEUS_URL is required when %sSERVER_IP (%s) is not this machine", envPrefix, envPrefix, c.ServerIP))
	}
	for name, raw := range map[string]string{
		"PROMETHEUS_URL": c.PrometheusURL,
		"GRAFANA_URL":    c.GrafanaURL,
		"WEBHOOK_URL":    c.WebhookURL,
	} {
		if raw == "" {
			continue
		}
		if err := validateHTTPURL(raw); err != nil {
			problems = append(problems, fmt.Sprintf("%s%s %v", envPrefix, name, err))
		}
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}

// localAddrs lists the IP addresses assigned to this machine's interfaces.
var localAddrs = func() ([]net.IP, error) {
	ifaces, err := psnet.Interfaces()
	if err != nil {
		return nil, err
	}
	var ips []net.IP
	for _, iface := range ifaces {
		for _, addr := range iface.Addrs {
			ip, _, err := net.ParseCIDR(addr.Addr)
			if err != nil {
				ip = net.ParseIP(addr.Addr)
			}
			if ip != nil {
				ips = append(ips, ip)
			}
		}
	}
	return ips, nil
}

// isLocalHost reports whether host names this machine. Local metric sampling
// is only meaningful in that case.
func isLocalHost(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	ips, err := localAddrs()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list local interface addresses")
		return false
	}
	for _, local := range ips {
		if local.Equal(ip) {
			return true
		}
	}
	return false
}

func validateHTTPURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("must include a host")
	}
	return nil
}

func expandHome(path, home string) string {
	if home == "" {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}

// parser collects conversion errors instead of failing on the first one.
type parser struct {
	lookup lookupFunc
	errs   []string
}

func (p *parser) get(key string) (string, bool) {
	v, ok := p.lookup(key)
	if !ok {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

func (p *parser) str(name, fallback string) string {
	return p.plain(envPrefix+name, fallback)
}

func (p *parser) plain(key, fallback string) string {
	if v, ok := p.get(key); ok {
		return v
	}
	return fallback
}

// raw returns the value without trimming; passwords may legitimately carry spaces.
func (p *parser) raw(name string) string {
	v, _ := p.lookup(envPrefix + name)
	return v
}

func (p *parser) integer(name string, fallback int) int {
	v, ok := p.get(envPrefix + name)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s%s must be a valid integer", envPrefix, name))
		return fallback
	}
	return n
}

func (p *parser) float(name string, fallback float64) float64 {
	v, ok := p.get(envPrefix + name)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s%s must be a number", envPrefix, name))
		return fallback
	}
	return f
}

func (p *parser) boolean(name string, fallback bool) bool {
	v, ok := p.get(envPrefix + name)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s%s must be true or false", envPrefix, name))
		return fallback
	}
	return b
}

// seconds accepts either a bare number of seconds or a Go duration string.
func (p *parser) seconds(name string, fallback time.Duration) time.Duration {
	v, ok := p.get(envPrefix + name)
	if !ok {
		return fallback
	}
	if n, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(n * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s%s must be seconds or a duration", envPrefix, name))
		return fallback
	}
	return d
}

// endpoints parses "name=url,name=url". An explicit value replaces the defaults.
func (p *parser) endpoints(name string, fallback map[string]string) map[string]string {
	v, ok := p.get(envPrefix + name)
	if !ok {
		return fallback
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if !found || key == "" || value == "" {
			p.errs = append(p.errs, fmt.Sprintf("%s%s entry %q must be name=url", envPrefix, name, pair))
			continue
		}
		out[key] = value
	}
	return out
}
