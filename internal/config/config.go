// Package config defines the typed configuration document consumed by the
// controller façade at start-up: the typed record, Load for reading it
// from a YAML file, and the validation run before any device is built.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document. Every sub-section maps
// directly to a device or store the controller façade owns.
type Config struct {
	LabJack       LabJackConfig                `yaml:"labjack"`
	Monochromator MonochromatorConfig          `yaml:"monochromator"`
	Electrometers map[string]ElectrometerConfig `yaml:"electrometers"`
	Zabers        map[string]ZaberConfig        `yaml:"zabers"`
	Spectrometer  SpectrometerConfig           `yaml:"spectrometer"`
	Mount         MountConfig                  `yaml:"mount"`
	Database      DatabaseConfig               `yaml:"database"`
	Logging       LoggingConfig                `yaml:"logging"`
}

// LabJackConfig names the digital-I/O bus and the port assigned to the
// shutter plus each flip mount.
type LabJackConfig struct {
	IPAddress  string                `yaml:"ip_address"`
	Shutter    DigitalPortConfig     `yaml:"shutter"`
	FlipMounts map[string]DigitalPortConfig `yaml:"flip_mounts"`
}

// DigitalPortConfig names a single digital line and whether its ON logic
// level is inverted relative to the physical line.
type DigitalPortConfig struct {
	Port         string `yaml:"port"`
	InvertLogic  bool   `yaml:"invert_logic"`
}

// MonochromatorConfig configures the serial grating monochromator.
type MonochromatorConfig struct {
	SerialPort               string  `yaml:"serial_port"`
	BaudRate                 int     `yaml:"baud_rate"`
	SecondOrderCrossoverNM   float64 `yaml:"second_order_crossover_nm"`
	OrderBlockFlipMount      string  `yaml:"order_block_flip_mount"`
}

// ElectrometerConfig configures one Keysight-style picoammeter/electrometer.
type ElectrometerConfig struct {
	IPAddress         string  `yaml:"ip_address"`
	TimeoutSeconds    float64 `yaml:"timeout_seconds"`
	Mode              string  `yaml:"mode"` // CURR, CHAR, VOLT, RES
	Range             string  `yaml:"range"` // "AUTO" or a numeric string
	NPLC              string  `yaml:"nplc"`  // "AUTO" or a numeric string
	NSamples          int     `yaml:"n_samples"`
	DelaySeconds      float64 `yaml:"delay_seconds"`
	IntervalSeconds   float64 `yaml:"interval_seconds"`
	PowerLineHz       float64 `yaml:"powerline_hz"`
}

// ZaberConfig configures one Zaber TCP daisy-chain axis.
type ZaberConfig struct {
	IPAddress    string             `yaml:"ip_address"`
	DeviceIndex  int                `yaml:"device_index"`
	AxisID       int                `yaml:"axis_id"`
	SlotsMM      map[string]float64 `yaml:"slots_mm"`
	SpeedMMPerS  float64            `yaml:"speed_mm_per_s"`
}

// SpectrometerConfig configures the fiber spectrometer SDK session.
type SpectrometerConfig struct {
	IntegrationMS       int  `yaml:"integration_ms"`
	ScansToAverage      int  `yaml:"scans_to_average"`
	Smoothing           int  `yaml:"smoothing"`
	XTiming             int  `yaml:"xtiming"`
	TempCompensation    bool `yaml:"temp_compensation"`
}

// MountConfig configures the serial Alt-Az telescope mount and its software
// safety limits.
type MountConfig struct {
	SerialPort       string  `yaml:"serial_port"`
	BaudRate         int     `yaml:"baud_rate"`
	AltLimitDefault  float64 `yaml:"alt_limit_default"`
	AzLower          float64 `yaml:"az_lower"`
	AzUpper          float64 `yaml:"az_upper"`
}

// DatabaseConfig configures the run-database and calibration-store roots.
type DatabaseConfig struct {
	Root string `yaml:"root"`
}

// LoggingConfig configures the ambient diagnostic logger.
type LoggingConfig struct {
	FilePath string `yaml:"file_path"`
	Level    string `yaml:"level"`
}

// Load reads, parses and validates a Config from a YAML document at path.
// Parsing rejects mistyped values; Validate then checks the required
// fields and cross-references listed on it. Fields it does not check
// (e.g. the spectrometer and logging sections) are passed through as
// parsed.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks that every section required to construct the controller
// façade is present and internally consistent.
func (c *Config) Validate() error {
	if c.LabJack.IPAddress == "" {
		return fmt.Errorf("labjack.ip_address is required")
	}
	if c.LabJack.Shutter.Port == "" {
		return fmt.Errorf("labjack.shutter.port is required")
	}
	if len(c.LabJack.FlipMounts) == 0 {
		return fmt.Errorf("labjack.flip_mounts must name at least one flip mount")
	}
	if c.Monochromator.SerialPort == "" {
		return fmt.Errorf("monochromator.serial_port is required")
	}
	if c.Monochromator.BaudRate <= 0 {
		return fmt.Errorf("monochromator.baud_rate must be positive")
	}
	if c.Monochromator.SecondOrderCrossoverNM <= 0 {
		return fmt.Errorf("monochromator.second_order_crossover_nm must be positive")
	}
	if c.Monochromator.OrderBlockFlipMount == "" {
		return fmt.Errorf("monochromator.order_block_flip_mount is required")
	}
	if _, ok := c.LabJack.FlipMounts[c.Monochromator.OrderBlockFlipMount]; !ok {
		return fmt.Errorf("monochromator.order_block_flip_mount %q is not a configured flip mount", c.Monochromator.OrderBlockFlipMount)
	}
	if len(c.Electrometers) == 0 {
		return fmt.Errorf("electrometers must name at least one device")
	}
	for name, e := range c.Electrometers {
		if e.IPAddress == "" {
			return fmt.Errorf("electrometers.%s.ip_address is required", name)
		}
		if e.TimeoutSeconds <= 0 {
			return fmt.Errorf("electrometers.%s.timeout_seconds must be positive", name)
		}
		if e.PowerLineHz != 50 && e.PowerLineHz != 60 {
			return fmt.Errorf("electrometers.%s.powerline_hz must be 50 or 60, got %v", name, e.PowerLineHz)
		}
	}
	for name, z := range c.Zabers {
		if z.IPAddress == "" {
			return fmt.Errorf("zabers.%s.ip_address is required", name)
		}
		if z.SpeedMMPerS <= 0 {
			return fmt.Errorf("zabers.%s.speed_mm_per_s must be positive", name)
		}
		if len(z.SlotsMM) == 0 {
			return fmt.Errorf("zabers.%s.slots_mm must name at least one slot", name)
		}
	}
	if c.Mount.SerialPort == "" {
		return fmt.Errorf("mount.serial_port is required")
	}
	if c.Mount.AzLower >= c.Mount.AzUpper {
		return fmt.Errorf("mount.az_lower must be less than mount.az_upper")
	}
	if c.Database.Root == "" {
		return fmt.Errorf("database.root is required")
	}
	return nil
}
