package env

import (
	"github.com/jt05610/echemlab/config"
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "test.env")
	content := "SERIAL_PORT=/dev/ttyUSB3\nSERIAL_BAUD=57600\nMOCK_MODE=true\nDATA_DIR=/data\n"
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"SERIAL_PORT", "SERIAL_BAUD", "MOCK_MODE", "DATA_DIR"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("DEVICE_ID", "rig-1")

	e, err := Load(nil, file, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	e.Apply(cfg)
	if cfg.Port != "/dev/ttyUSB3" || cfg.Baud != 57600 || !cfg.MockMode || cfg.DataDir != "/data" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.AMQP.DeviceID != "rig-1" {
		t.Fatalf("expected device id from process env, got %q", cfg.AMQP.DeviceID)
	}
}

func TestLoad_BadBaud(t *testing.T) {
	t.Setenv("SERIAL_BAUD", "fast")
	if _, err := Load(nil, filepath.Join(t.TempDir(), "none.env")); err == nil {
		t.Fatal("expected error")
	}
}
