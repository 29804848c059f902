package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"

	"exlink/internal/models"
	"exlink/pkg/utils"
)

type Config struct {
	HTTPPort      int
	DiscoveryPort int

	BroadcastInterval  time.Duration
	ProbeTimeout       time.Duration
	RescanInterval     time.Duration
	ReannounceInterval time.Duration
	PairingTimeout     time.Duration
	ProgressThrottle   time.Duration
	ScanBatch          int

	SaveDir    string
	DeviceName string
	DeviceID   string
	Platform   models.Platform
	OS         string
}

// Defaults returns the reference protocol parameters.
func Defaults() Config {
	return Config{
		HTTPPort:           3030,
		DiscoveryPort:      41234,
		BroadcastInterval:  3 * time.Second,
		ProbeTimeout:       600 * time.Millisecond,
		RescanInterval:     45 * time.Second,
		ReannounceInterval: 10 * time.Second,
		PairingTimeout:     2 * time.Second,
		ProgressThrottle:   200 * time.Millisecond,
		ScanBatch:          40,
		Platform:           models.PlatformDesktop,
		OS:                 osLabel(),
	}
}

func osLabel() string {
	switch runtime.GOOS {
	case "windows":
		return "Windows"
	case "darwin":
		return "MacOS"
	default:
		return "Linux"
	}
}

// identityFile is the persisted shape of server-config.json.
type identityFile struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

// DeriveID returns the short device id for the current IP: the last octet,
// or a random suffix when no usable IPv4 exists. IDs are not persisted
// across IP changes.
func DeriveID(localIP string) string {
	if octet := utils.LastOctet(localIP); octet != "" {
		return octet
	}
	return strings.SplitN(uuid.NewString(), "-", 2)[0]
}

// LoadIdentity reads the persisted device name from stateDir, creating the
// file on first run with the hostname as the name. The id is always
// recalculated from the current IP.
func LoadIdentity(stateDir, localIP string) (name, id string) {
	id = DeriveID(localIP)

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "exlink-device"
	}
	name = hostname

	path := filepath.Join(stateDir, "server-config.json")
	data, err := os.ReadFile(path)
	if err == nil {
		var ident identityFile
		if json.Unmarshal(data, &ident) == nil && ident.Name != "" {
			return ident.Name, id
		}
	}

	// First run (or unreadable file): persist the default.
	SaveIdentity(stateDir, name, id)
	return name, id
}

// SaveIdentity writes the identity file; errors are swallowed because a
// read-only state dir must not stop the engine.
func SaveIdentity(stateDir, name, id string) {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return
	}
	data, err := json.Marshal(identityFile{Name: name, ID: id})
	if err != nil {
		return
	}
	_ = os.WriteFile(filepath.Join(stateDir, "server-config.json"), data, 0644)
}
