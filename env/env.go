package env

import (
	"errors"
	"fmt"
	"github.com/jt05610/echemlab/config"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"io/fs"
	"os"
	"strconv"
)

// Environment holds the overrides read from .env and the process
// environment. Empty fields leave the configuration untouched.
type Environment struct {
	URI        string
	Exchange   string
	DeviceID   string
	SerialPort string
	Baud       int
	MockMode   *bool
	MQTTBroker string
	DataDir    string
}

// Load reads the optional .env files, then the environment. Variables
// already set in the process win over the files.
func Load(logger *zap.Logger, files ...string) (*Environment, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		err := godotenv.Load(f)
		switch {
		case err == nil:
			logger.Debug("loaded env file", zap.String("file", f))
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	ret := &Environment{
		URI:        os.Getenv("RABBITMQ_URI"),
		Exchange:   os.Getenv("AMQP_EXCHANGE"),
		DeviceID:   os.Getenv("DEVICE_ID"),
		SerialPort: os.Getenv("SERIAL_PORT"),
		MQTTBroker: os.Getenv("MQTT_BROKER"),
		DataDir:    os.Getenv("DATA_DIR"),
	}
	if baud, found := os.LookupEnv("SERIAL_BAUD"); found {
		b, err := strconv.Atoi(baud)
		if err != nil {
			return nil, fmt.Errorf("SERIAL_BAUD: %w", err)
		}
		ret.Baud = b
	}
	if mock, found := os.LookupEnv("MOCK_MODE"); found {
		m, err := strconv.ParseBool(mock)
		if err != nil {
			return nil, fmt.Errorf("MOCK_MODE: %w", err)
		}
		ret.MockMode = &m
	}
	return ret, nil
}

// Apply writes the set overrides into cfg.
func (e *Environment) Apply(cfg *config.Config) {
	if e.SerialPort != "" {
		cfg.Port = e.SerialPort
	}
	if e.Baud != 0 {
		cfg.Baud = e.Baud
	}
	if e.MockMode != nil {
		cfg.MockMode = *e.MockMode
	}
	if e.URI != "" {
		cfg.AMQP.URI = e.URI
	}
	if e.Exchange != "" {
		cfg.AMQP.Exchange = e.Exchange
	}
	if e.DeviceID != "" {
		cfg.AMQP.DeviceID = e.DeviceID
	}
	if e.MQTTBroker != "" {
		cfg.MQTT.Broker = e.MQTTBroker
	}
	if e.DataDir != "" {
		cfg.DataDir = e.DataDir
	}
}
