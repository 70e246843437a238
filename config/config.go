// Package config loads the system configuration: the serial link, the
// pumps and their calibration, and the channel assignments.
package config

import (
	"encoding/json"
	"fmt"
	"github.com/jt05610/echemlab"
	"github.com/jt05610/echemlab/calibration"
	"github.com/jt05610/echemlab/comm/serial"
	"github.com/jt05610/echemlab/diluter"
	"github.com/jt05610/echemlab/flusher"
	"github.com/jt05610/echemlab/pump"
	"os"
	"strconv"
	"time"
)

type Pump struct {
	Address     int                `json:"address"`
	Name        string             `json:"name,omitempty"`
	Direction   echemlab.Direction `json:"direction"`
	DefaultRPM  int                `json:"default_rpm,omitempty"`
	Calibration *calibration.Pump  `json:"calibration,omitempty"`
}

type FlushChannel struct {
	Role      echemlab.Role      `json:"role"`
	Addr      int                `json:"pump_address"`
	Direction echemlab.Direction `json:"direction"`
	RPM       int                `json:"rpm"`
	Duration  float64            `json:"duration_s"`
}

type Bus struct {
	TimeoutMS          int   `json:"timeout_ms"`
	ReadTimeoutMS      int   `json:"read_timeout_ms"`
	MaxFailures        int   `json:"max_failures"`
	ChecksumStrict     bool  `json:"checksum_strict"`
	FlakyAddresses     []int `json:"flaky_addresses,omitempty"`
	FireAndForgetFlaky bool  `json:"fire_and_forget_flaky"`
	PollIntervalMS     int   `json:"poll_interval_ms"`
	AddressMin         int   `json:"address_min"`
	AddressMax         int   `json:"address_max"`
	DisableOnStop      bool  `json:"disable_on_stop"`
}

type Logging struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

type AMQP struct {
	URI      string `json:"uri,omitempty"`
	Exchange string `json:"exchange,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

type MQTT struct {
	Broker      string `json:"broker,omitempty"`
	ClientID    string `json:"client_id,omitempty"`
	TopicPrefix string `json:"topic_prefix,omitempty"`
}

type Metrics struct {
	Listen string `json:"listen,omitempty"`
}

type History struct {
	Path string `json:"path,omitempty"`
}

type Instrument struct {
	// Kind is "sim" for the in-process instrument.
	Kind      string  `json:"kind"`
	TimeScale float64 `json:"time_scale,omitempty"`
}

type Config struct {
	Port             string            `json:"rs485_port"`
	Baud             int               `json:"rs485_baudrate"`
	MockMode         bool              `json:"mock_mode"`
	Pumps            []Pump            `json:"pumps"`
	DilutionChannels []diluter.Channel `json:"dilution_channels"`
	FlushChannels    []FlushChannel    `json:"flush_channels"`
	// CalibrationData is keyed by pump address and takes precedence over
	// the calibration stored with the pump.
	CalibrationData map[string]calibration.Pump `json:"calibration_data,omitempty"`
	DataDir         string                      `json:"data_dir,omitempty"`

	Bus        Bus        `json:"bus"`
	Logging    Logging    `json:"logging"`
	AMQP       AMQP       `json:"amqp"`
	MQTT       MQTT       `json:"mqtt"`
	Metrics    Metrics    `json:"metrics"`
	History    History    `json:"history"`
	Instrument Instrument `json:"instrument"`
}

func Default() *Config {
	return &Config{
		Baud: serial.DefaultBaud,
		Bus: Bus{
			TimeoutMS:      600,
			ReadTimeoutMS:  int(serial.DefaultReadTimeout / time.Millisecond),
			MaxFailures:    3,
			PollIntervalMS: 500,
			AddressMin:     echemlab.MinAddress,
			AddressMax:     echemlab.MaxAddress,
		},
		Logging:    Logging{Level: "info"},
		Instrument: Instrument{Kind: "sim"},
	}
}

// Load reads path over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (c *Config) Validate() echemlab.Issues {
	issues := make(echemlab.Issues, 0)
	if !serial.ValidBaud(c.Baud) {
		issues.Errorf(-1, "rs485_baudrate", "unsupported baud %d", c.Baud)
	}
	if !c.MockMode && c.Port == "" {
		issues.Warnf(-1, "rs485_port", "no port set; the first matching port will be used")
	}
	declared := make(map[int]bool)
	for _, p := range c.Pumps {
		if p.Address < 1 || p.Address > 255 {
			issues.Errorf(-1, "pumps", "address %d out of range", p.Address)
		}
		if declared[p.Address] {
			issues.Errorf(-1, "pumps", "duplicate address %d", p.Address)
		}
		declared[p.Address] = true
	}
	for key := range c.CalibrationData {
		if a, err := strconv.Atoi(key); err != nil || a < 1 || a > 255 {
			issues.Errorf(-1, "calibration_data", "bad pump address %q", key)
		}
	}
	solutions := make(map[string]bool)
	for _, ch := range c.DilutionChannels {
		field := "dilution_channels." + ch.Solution
		if ch.Solution == "" {
			issues.Errorf(-1, "dilution_channels", "channel without a solution name")
		}
		if solutions[ch.Solution] {
			issues.Errorf(-1, field, "duplicate solution")
		}
		solutions[ch.Solution] = true
		if len(c.Pumps) > 0 && !declared[int(ch.Addr)] {
			issues.Errorf(-1, field, "pump %d is not declared", ch.Addr)
		}
		if ch.Stock < 0 {
			issues.Errorf(-1, field, "negative stock concentration")
		}
	}
	if len(c.FlushChannels) > 0 {
		seen := make(map[echemlab.Role]int)
		for _, fc := range c.FlushChannels {
			seen[fc.Role]++
			if fc.Addr < 1 || fc.Addr > 255 {
				issues.Errorf(-1, "flush_channels."+fc.Role.String(), "address %d out of range", fc.Addr)
			}
		}
		for _, r := range echemlab.FlushRoles {
			if seen[r] != 1 {
				issues.Errorf(-1, "flush_channels", "expected one %s channel, got %d", r, seen[r])
			}
		}
	}
	b := c.Bus
	if b.AddressMin < 1 || b.AddressMax > 255 || b.AddressMin > b.AddressMax {
		issues.Errorf(-1, "bus", "bad address range %d..%d", b.AddressMin, b.AddressMax)
	}
	for _, a := range b.FlakyAddresses {
		if a < 1 || a > 255 {
			issues.Errorf(-1, "bus.flaky_addresses", "address %d out of range", a)
		}
	}
	return issues
}

// Calibration returns the calibration for addr, empty when none is known.
func (c *Config) Calibration(addr byte) calibration.Pump {
	if cal, ok := c.CalibrationData[strconv.Itoa(int(addr))]; ok {
		return cal
	}
	for _, p := range c.Pumps {
		if p.Address == int(addr) && p.Calibration != nil {
			return *p.Calibration
		}
	}
	return calibration.Pump{}
}

// SetCalibration stores cal under calibration_data.
func (c *Config) SetCalibration(addr byte, cal calibration.Pump) {
	if c.CalibrationData == nil {
		c.CalibrationData = make(map[string]calibration.Pump)
	}
	c.CalibrationData[strconv.Itoa(int(addr))] = cal
}

func (c *Config) Channel(solution string) (diluter.Channel, bool) {
	for _, ch := range c.DilutionChannels {
		if ch.Solution == solution {
			return ch, true
		}
	}
	return diluter.Channel{}, false
}

func (c *Config) FlushChannel(role echemlab.Role) (FlushChannel, bool) {
	for _, fc := range c.FlushChannels {
		if fc.Role == role {
			return fc, true
		}
	}
	return FlushChannel{}, false
}

// IsFlushPump reports whether addr drives one of the flush channels.
func (c *Config) IsFlushPump(addr byte) bool {
	for _, fc := range c.FlushChannels {
		if fc.Addr == int(addr) {
			return true
		}
	}
	return false
}

// FlushConfig builds the flusher configuration, overriding every phase
// duration and speed when phase or rpm are positive.
func (c *Config) FlushConfig(cycles int, phase time.Duration, rpm int) flusher.Config {
	ret := flusher.Config{Cycles: cycles}
	for _, r := range echemlab.FlushRoles {
		fc, ok := c.FlushChannel(r)
		if !ok {
			continue
		}
		p := flusher.Phase{
			Role:      r,
			Addr:      byte(fc.Addr),
			Direction: fc.Direction,
			RPM:       fc.RPM,
			Duration:  time.Duration(fc.Duration * float64(time.Second)),
		}
		if phase > 0 {
			p.Duration = phase
		}
		if rpm > 0 {
			p.RPM = rpm
		}
		ret.Phases = append(ret.Phases, p)
	}
	return ret
}

func (c *Config) PumpConfig() pump.Config {
	ret := pump.DefaultConfig()
	b := c.Bus
	if b.TimeoutMS > 0 {
		ret.Timeout = time.Duration(b.TimeoutMS) * time.Millisecond
	}
	if b.MaxFailures > 0 {
		ret.MaxFailures = b.MaxFailures
	}
	if b.PollIntervalMS > 0 {
		ret.PollInterval = time.Duration(b.PollIntervalMS) * time.Millisecond
	}
	if b.AddressMin > 0 && b.AddressMax >= b.AddressMin && b.AddressMax <= 255 {
		ret.MinAddress = byte(b.AddressMin)
		ret.MaxAddress = byte(b.AddressMax)
	}
	ret.Flaky = c.Flaky()
	ret.ReadTimeout = c.ReadTimeout()
	ret.FireAndForgetFlaky = b.FireAndForgetFlaky
	ret.DisableOnStop = b.DisableOnStop
	return ret
}

func (c *Config) Flaky() []byte {
	ret := make([]byte, 0, len(c.Bus.FlakyAddresses))
	for _, a := range c.Bus.FlakyAddresses {
		if a > 0 && a <= 255 {
			ret = append(ret, byte(a))
		}
	}
	return ret
}

func (c *Config) ReadTimeout() time.Duration {
	if c.Bus.ReadTimeoutMS <= 0 {
		return serial.DefaultReadTimeout
	}
	return time.Duration(c.Bus.ReadTimeoutMS) * time.Millisecond
}

// Clone returns a deep copy, used to freeze the configuration for a run.
func (c *Config) Clone() (*Config, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	ret := new(Config)
	if err := json.Unmarshal(b, ret); err != nil {
		return nil, err
	}
	return ret, nil
}
