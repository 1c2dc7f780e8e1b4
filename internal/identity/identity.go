// Package identity resolves the serial number and public key a device registers with.
package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

var (
	// ErrNoSerial is returned when no serial source yields a value.
	ErrNoSerial = errors.New("device serial number not found")
	// ErrNoPublicKey is returned when neither a configured key nor a private key is usable.
	ErrNoPublicKey = errors.New("device public key not available")
)

// Identity identifies the physical device to the relay.
type Identity struct {
	Serial    string
	PublicKey string
}

// SerialSource yields the device serial number or fails.
type SerialSource interface {
	Serial(ctx context.Context) (string, error)
}

// StaticSerial is a serial fixed by configuration.
type StaticSerial string

// Serial returns the configured value.
func (s StaticSerial) Serial(context.Context) (string, error) {
	if v := strings.TrimSpace(string(s)); v != "" {
		return v, nil
	}
	return "", ErrNoSerial
}

// DefaultSerialPaths are tried in order by FileSerial.
// DMI covers x86 boards, the device tree covers most ARM boards.
var DefaultSerialPaths = []string{
	"/sys/class/dmi/id/product_serial",
	"/sys/firmware/devicetree/base/serial-number",
	"/proc/device-tree/serial-number",
	"/etc/machine-id",
}

// FileSerial reads the first non-empty, non-placeholder value from a list of files.
type FileSerial struct {
	Paths  []string
	Logger zerolog.Logger
}

// Serial implements SerialSource.
func (f FileSerial) Serial(context.Context) (string, error) {
	paths := f.Paths
	if len(paths) == 0 {
		paths = DefaultSerialPaths
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			f.Logger.Debug().Err(err).Str("path", path).Msg("serial source unavailable")
			continue
		}
		// Device tree strings are NUL-terminated.
		serial := strings.TrimSpace(strings.TrimRight(string(data), "\x00"))
		if isPlaceholderSerial(serial) {
			f.Logger.Debug().Str("path", path).Str("value", serial).Msg("ignoring placeholder serial")
			continue
		}
		f.Logger.Debug().Str("path", path).Str("serial", serial).Msg("detected serial number")
		return serial, nil
	}
	return "", ErrNoSerial
}

// Vendors often ship these instead of a real serial.
func isPlaceholderSerial(s string) bool {
	switch strings.ToLower(s) {
	case "", "0", "none", "default string", "to be filled by o.e.m.", "not specified", "system serial number", "0123456789":
		return true
	}
	return false
}

// Provider combines a serial source with the device's WireGuard public key.
type Provider struct {
	Serial SerialSource
	// PublicKey is used as-is when set.
	PublicKey string
	// PrivateKeyPath is used to derive the public key when PublicKey is empty.
	PrivateKeyPath string
}

// Resolve returns the device identity.
func (p Provider) Resolve(ctx context.Context) (Identity, error) {
	if p.Serial == nil {
		return Identity{}, ErrNoSerial
	}
	serial, err := p.Serial.Serial(ctx)
	if err != nil {
		return Identity{}, fmt.Errorf("resolve serial: %w", err)
	}

	publicKey := strings.TrimSpace(p.PublicKey)
	if publicKey == "" {
		publicKey, err = PublicKeyFromFile(p.PrivateKeyPath)
		if err != nil {
			return Identity{}, err
		}
	}

	return Identity{Serial: serial, PublicKey: publicKey}, nil
}

// PublicKeyFromFile derives the WireGuard public key of the private key stored at path.
func PublicKeyFromFile(path string) (string, error) {
	if path == "" {
		return "", ErrNoPublicKey
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: read private key: %w", ErrNoPublicKey, err)
	}
	key, err := wgtypes.ParseKey(strings.TrimSpace(string(data)))
	if err != nil {
		return "", fmt.Errorf("%w: parse private key: %w", ErrNoPublicKey, err)
	}
	return key.PublicKey().String(), nil
}
