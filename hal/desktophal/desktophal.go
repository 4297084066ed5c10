//go:build !headless

// Package desktophal is the reference desktop HAL port (spec §6.2): a
// process-local backend useful for development and cmd/zplcrun, persisting
// to the local filesystem with sandboxed key-to-path handling, and exposing
// GPIO/ADC/DAC channels as in-memory maps a test harness or simulator can
// drive.
package desktophal

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zplcvm/zplcvm/hal"
)

// Port is the desktop HAL backend.
type Port struct {
	mu sync.Mutex

	gpio map[uint16]uint8
	adc  map[uint16]uint16
	dac  map[uint16]uint16

	persistDir string
	log        hal.Log
}

// New creates a desktop HAL port persisting keyed blobs under persistDir.
func New(persistDir string) (*Port, error) {
	abs, err := filepath.Abs(persistDir)
	if err != nil {
		abs = persistDir
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("desktophal: persist dir: %w", err)
	}
	return &Port{
		gpio:       make(map[uint16]uint8),
		adc:        make(map[uint16]uint16),
		dac:        make(map[uint16]uint16),
		persistDir: abs,
		log:        hal.NewStdLogSink(),
	}, nil
}

func (p *Port) Init() error     { return nil }
func (p *Port) Shutdown() error { return nil }

func (p *Port) GPIORead(channel uint16) (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpio[channel], nil
}

func (p *Port) GPIOWrite(channel uint16, value uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gpio[channel] = value
	return nil
}

func (p *Port) ADCRead(channel uint16) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adc[channel], nil
}

func (p *Port) DACWrite(channel uint16, value uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dac[channel] = value
	return nil
}

// keyPath sanitizes a persistence key into a path confined to persistDir,
// the same defense-in-depth file_io.go applies to user-supplied filenames.
func (p *Port) keyPath(key string) (string, error) {
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") || key == "" {
		return "", fmt.Errorf("desktophal: invalid persistence key %q", key)
	}
	return filepath.Join(p.persistDir, key+".bin"), nil
}

func (p *Port) Save(key string, data []byte) error {
	path, err := p.keyPath(key)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("desktophal: save %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("desktophal: save %s: %w", key, err)
	}
	return nil
}

func (p *Port) Load(key string) ([]byte, error) {
	path, err := p.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, hal.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("desktophal: load %s: %w", key, err)
	}
	return data, nil
}

func (p *Port) Delete(key string) error {
	path, err := p.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("desktophal: delete %s: %w", key, err)
	}
	return nil
}

func (p *Port) Log(level hal.Level, msg string, fields ...hal.Field) {
	p.log.Log(level, msg, fields...)
}
