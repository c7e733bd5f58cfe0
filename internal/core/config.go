//go:build windows

package core

import (
	"fmt"
	"log"
	"net/netip"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Mode names the default side of traffic. Toggled apps go to the other side.
type Mode int

const (
	// ModeVPNDefault routes everything over the VPN; toggled apps bypass it.
	ModeVPNDefault Mode = iota
	// ModeDirectDefault routes everything over the physical link; toggled
	// apps are forced through the VPN.
	ModeDirectDefault
)

func (m Mode) String() string {
	switch m {
	case ModeVPNDefault:
		return "vpn_default"
	case ModeDirectDefault:
		return "direct_default"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "vpn_default", "vpn":
		return ModeVPNDefault, nil
	case "direct_default", "direct":
		return ModeDirectDefault, nil
	default:
		return ModeVPNDefault, fmt.Errorf("unknown mode: %q", s)
	}
}

func (m *Mode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := ParseMode(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

func (m Mode) MarshalYAML() (any, error) {
	return m.String(), nil
}

// EngineConfig is the immutable-for-one-run configuration passed to
// Engine.Start. VPNIfIndex/DefaultIfIndex/DefaultGateway are optional: a
// zero IfIndex means "skip interface rewrite" and an invalid DefaultGateway
// means "skip route programming" (see core.RouteProgrammer).
type EngineConfig struct {
	Mode           Mode        `yaml:"mode"`
	VPNIP          netip.Addr  `yaml:"vpn_ip"`
	DefaultIP      netip.Addr  `yaml:"default_ip"`
	VPNIfIndex     uint32      `yaml:"vpn_if_index,omitempty"`
	DefaultIfIndex uint32      `yaml:"default_if_index,omitempty"`
	DefaultGateway netip.Addr  `yaml:"default_gateway,omitempty"`
	ToggledApps    []string    `yaml:"toggled_apps,omitempty"`
}

// fileConfig is the on-disk YAML shape; netip.Addr doesn't implement
// yaml.Marshaler/Unmarshaler so it is read/written as strings here and
// converted to/from EngineConfig by ConfigManager.
type fileConfig struct {
	Mode           Mode     `yaml:"mode"`
	VPNIP          string   `yaml:"vpn_ip"`
	DefaultIP      string   `yaml:"default_ip"`
	VPNIfIndex     uint32   `yaml:"vpn_if_index,omitempty"`
	DefaultIfIndex uint32   `yaml:"default_if_index,omitempty"`
	DefaultGateway string   `yaml:"default_gateway,omitempty"`
	ToggledApps    []string `yaml:"toggled_apps,omitempty"`
}

// NormalizeExePath case-folds an executable path for matching on Windows's
// case-insensitive filesystem. Callers should apply this to every path that
// enters the toggled set or is resolved from a PID.
func NormalizeExePath(path string) string {
	return strings.ToLower(strings.TrimSpace(path))
}

// ConfigManager loads and saves the engine configuration file and notifies
// subscribers via the event bus on reload.
type ConfigManager struct {
	mu       sync.RWMutex
	config   EngineConfig
	filePath string
	bus      *EventBus
}

// NewConfigManager creates a config manager reading/writing the given file.
func NewConfigManager(filePath string, bus *EventBus) *ConfigManager {
	return &ConfigManager{filePath: filePath, bus: bus}
}

func defaultConfig() EngineConfig {
	return EngineConfig{Mode: ModeVPNDefault}
}

// Load reads and parses the configuration from disk, creating a default
// file if none exists.
func (cm *ConfigManager) Load() error {
	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("[Core] Config %s not found, creating default config", cm.filePath)
			cm.mu.Lock()
			cm.config = defaultConfig()
			cm.mu.Unlock()
			if saveErr := cm.Save(); saveErr != nil {
				return fmt.Errorf("[Core] failed to create default config: %w", saveErr)
			}
			return nil
		}
		return fmt.Errorf("[Core] failed to read config %s: %w", cm.filePath, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("[Core] failed to parse config: %w", err)
	}

	cfg, err := fromFileConfig(fc)
	if err != nil {
		return fmt.Errorf("[Core] invalid config: %w", err)
	}

	cm.mu.Lock()
	cm.config = cfg
	cm.mu.Unlock()

	if cm.bus != nil {
		cm.bus.Publish(Event{Type: EventConfigReloaded})
	}
	return nil
}

// Save writes the current configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	fc := toFileConfig(cm.config)
	cm.mu.RUnlock()

	data, err := yaml.Marshal(&fc)
	if err != nil {
		return fmt.Errorf("[Core] failed to marshal config: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0644); err != nil {
		return fmt.Errorf("[Core] failed to write config %s: %w", cm.filePath, err)
	}
	return nil
}

// Get returns a copy of the current configuration.
func (cm *ConfigManager) Get() EngineConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

func fromFileConfig(fc fileConfig) (EngineConfig, error) {
	cfg := EngineConfig{
		Mode:           fc.Mode,
		VPNIfIndex:     fc.VPNIfIndex,
		DefaultIfIndex: fc.DefaultIfIndex,
		ToggledApps:    fc.ToggledApps,
	}
	if fc.VPNIP != "" {
		addr, err := netip.ParseAddr(fc.VPNIP)
		if err != nil {
			return cfg, fmt.Errorf("vpn_ip: %w", err)
		}
		cfg.VPNIP = addr
	}
	if fc.DefaultIP != "" {
		addr, err := netip.ParseAddr(fc.DefaultIP)
		if err != nil {
			return cfg, fmt.Errorf("default_ip: %w", err)
		}
		cfg.DefaultIP = addr
	}
	if fc.DefaultGateway != "" {
		addr, err := netip.ParseAddr(fc.DefaultGateway)
		if err != nil {
			return cfg, fmt.Errorf("default_gateway: %w", err)
		}
		cfg.DefaultGateway = addr
	}
	for i, app := range cfg.ToggledApps {
		cfg.ToggledApps[i] = NormalizeExePath(app)
	}
	return cfg, nil
}

func toFileConfig(cfg EngineConfig) fileConfig {
	fc := fileConfig{
		Mode:           cfg.Mode,
		VPNIfIndex:     cfg.VPNIfIndex,
		DefaultIfIndex: cfg.DefaultIfIndex,
		ToggledApps:    cfg.ToggledApps,
	}
	if cfg.VPNIP.IsValid() {
		fc.VPNIP = cfg.VPNIP.String()
	}
	if cfg.DefaultIP.IsValid() {
		fc.DefaultIP = cfg.DefaultIP.String()
	}
	if cfg.DefaultGateway.IsValid() {
		fc.DefaultGateway = cfg.DefaultGateway.String()
	}
	return fc
}
