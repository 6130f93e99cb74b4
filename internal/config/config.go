package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Timeouts TimeoutsConfig `yaml:"timeouts"`
	Cache    CacheConfig    `yaml:"cache"`
	Chunks   ChunksConfig   `yaml:"chunks"`
	Log      LogConfig      `yaml:"log"`
	Admin    AdminConfig    `yaml:"admin"`
}

type ProxyConfig struct {
	Name               string        `yaml:"name"`
	Address            string        `yaml:"address"`
	Port               int           `yaml:"port"`
	Offline            bool          `yaml:"offline"`
	RelaxTransparency  int           `yaml:"relaxTransparency"`
	ExpectContinue     int           `yaml:"expectContinue"`
	AllowedClients     []string      `yaml:"allowedClients"`
	AllowedPorts       PortList      `yaml:"allowedPorts"`
	TunnelAllowedPorts PortList      `yaml:"tunnelAllowedPorts"`
	AuthCredentials    string        `yaml:"authCredentials"`
	AuthRealm          string        `yaml:"authRealm"`
	ParentProxies      []string      `yaml:"parentProxies"`
	ParentHealth       time.Duration `yaml:"parentHealthInterval"`
}

type TimeoutsConfig struct {
	Client time.Duration `yaml:"client"`
	Server time.Duration `yaml:"server"`
	Idle   time.Duration `yaml:"idle"`
}

type CacheConfig struct {
	Provider     string `yaml:"provider"`
	MaxEntries   int    `yaml:"maxEntries"`
	MaxBodyBytes int64  `yaml:"maxBodyBytes"`
	Path         string `yaml:"path"`
}

type ChunksConfig struct {
	Size     int `yaml:"size"`
	HighMark int `yaml:"highMark"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type AdminConfig struct {
	// Address is "off" to disable the admin server.
	Address string `yaml:"address"`
}

// Enabled reports whether the admin server should run.
func (a AdminConfig) Enabled() bool {
	return a.Address != "off"
}

// PortRange is an inclusive range of TCP ports.
type PortRange struct {
	From, To int
}

func (r *PortRange) UnmarshalYAML(value *yaml.Node) error {
	pr, err := ParsePortRange(value.Value)
	if err != nil {
		return err
	}
	*r = pr
	return nil
}

// ParsePortRange parses "N" or "N-M".
func ParsePortRange(s string) (PortRange, error) {
	lo, hi, isRange := strings.Cut(strings.TrimSpace(s), "-")
	from, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", s)
	}
	to := from
	if isRange {
		if to, err = strconv.Atoi(strings.TrimSpace(hi)); err != nil {
			return PortRange{}, fmt.Errorf("invalid port range %q", s)
		}
	}
	if from < 0 || to > 65535 || from > to {
		return PortRange{}, fmt.Errorf("invalid port range %q", s)
	}
	return PortRange{From: from, To: to}, nil
}

type PortList []PortRange

// Contains reports whether port falls in any range of the list.
func (l PortList) Contains(port int) bool {
	for _, r := range l {
		if port >= r.From && port <= r.To {
			return true
		}
	}
	return false
}

var (
	DefaultAllowedPorts       = PortList{{80, 86}, {1024, 65535}}
	DefaultTunnelAllowedPorts = PortList{{22, 22}, {80, 80}, {443, 443}}
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults() {
	if cfg.Proxy.Name == "" {
		cfg.Proxy.Name = hostName()
	}
	if cfg.Proxy.Address == "" {
		cfg.Proxy.Address = "127.0.0.1"
	}
	cfg.Proxy.Name = strings.ToLower(cfg.Proxy.Name)
	cfg.Proxy.Address = strings.ToLower(cfg.Proxy.Address)
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 8123
	}
	if cfg.Proxy.AllowedPorts == nil {
		cfg.Proxy.AllowedPorts = append(PortList(nil), DefaultAllowedPorts...)
	}
	if cfg.Proxy.TunnelAllowedPorts == nil {
		cfg.Proxy.TunnelAllowedPorts = append(PortList(nil), DefaultTunnelAllowedPorts...)
	}
	if cfg.Proxy.AuthCredentials != "" && cfg.Proxy.AuthRealm == "" {
		cfg.Proxy.AuthRealm = "Polipo"
	}
	if cfg.Proxy.ParentHealth <= 0 {
		cfg.Proxy.ParentHealth = 10 * time.Second
	}

	if cfg.Timeouts.Client <= 0 {
		cfg.Timeouts.Client = 120 * time.Second
	}
	if cfg.Timeouts.Server <= 0 {
		cfg.Timeouts.Server = 90 * time.Second
	}
	if cfg.Timeouts.Idle <= 0 {
		cfg.Timeouts.Idle = 120 * time.Second
	}

	if cfg.Cache.Provider == "" {
		cfg.Cache.Provider = "memory"
	}
	if cfg.Cache.MaxEntries <= 0 {
		cfg.Cache.MaxEntries = 1000
	}
	if cfg.Cache.MaxBodyBytes <= 0 {
		cfg.Cache.MaxBodyBytes = 1 << 20 // 1 MiB
	}

	if cfg.Chunks.Size <= 0 {
		cfg.Chunks.Size = 4096
	}
	if cfg.Chunks.HighMark <= 0 {
		cfg.Chunks.HighMark = 1024
	}

	if cfg.Admin.Address == "" {
		cfg.Admin.Address = "127.0.0.1:8124"
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

func (cfg *Config) validate() error {
	var errs []error
	if cfg.Proxy.Port < 1 || cfg.Proxy.Port > 65535 {
		errs = append(errs, fmt.Errorf("proxy.port %d out of range", cfg.Proxy.Port))
	}
	if cfg.Proxy.RelaxTransparency < 0 || cfg.Proxy.RelaxTransparency > 2 {
		errs = append(errs, fmt.Errorf("proxy.relaxTransparency must be 0, 1 or 2"))
	}
	if cfg.Proxy.ExpectContinue < 0 || cfg.Proxy.ExpectContinue > 2 {
		errs = append(errs, fmt.Errorf("proxy.expectContinue must be 0, 1 or 2"))
	}
	if cfg.Proxy.AuthCredentials != "" && !strings.Contains(cfg.Proxy.AuthCredentials, ":") {
		errs = append(errs, errors.New("proxy.authCredentials must be user:password"))
	}
	switch cfg.Cache.Provider {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("unknown cache.provider %q", cfg.Cache.Provider))
	}
	if cfg.Chunks.Size < 1024 {
		errs = append(errs, fmt.Errorf("chunks.size %d is too small", cfg.Chunks.Size))
	}
	return errors.Join(errs...)
}

// ListenAddress returns the host:port the proxy listens on.
func (cfg *Config) ListenAddress() string {
	return net.JoinHostPort(cfg.Proxy.Address, strconv.Itoa(cfg.Proxy.Port))
}

var (
	osHostname = os.Hostname
	lookupAddr = net.LookupAddr
	lookupHost = net.LookupHost
)

// hostName returns the machine's fully qualified name, falling back to
// "polipo" when it cannot be determined.
func hostName() string {
	name, err := osHostname()
	if err != nil || unknownHost(name) {
		return "polipo"
	}
	if strings.Contains(name, ".") {
		return name
	}

	addrs, err := lookupHost(name)
	if err != nil {
		return name
	}
	for _, a := range addrs {
		names, err := lookupAddr(a)
		if err != nil {
			continue
		}
		for _, n := range names {
			n = strings.TrimSuffix(n, ".")
			if strings.Contains(n, ".") && !unknownHost(n) {
				return n
			}
		}
	}
	return name
}

func unknownHost(name string) bool {
	return name == "" || name == "(none)" || name == "localhost" || strings.HasPrefix(name, "localhost.")
}
