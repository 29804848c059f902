package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"exlink/internal/api"
	"exlink/internal/config"
	"exlink/internal/discovery"
	"exlink/internal/models"
	"exlink/internal/pairing"
	"exlink/internal/registry"
	"exlink/internal/server"
	"exlink/internal/storage"
	"exlink/internal/transfer"
	"exlink/pkg/utils"
)

func main() {
	httpPort := flag.Int("port", 3030, "HTTP endpoint port")
	discoveryPort := flag.Int("discovery", 41234, "UDP discovery port")
	deviceName := flag.String("name", "", "Device name (defaults to persisted name or hostname)")
	saveDir := flag.String("save", "", "Directory received files are written to")
	stateDir := flag.String("state", "", "Directory for persisted identity")
	flag.Parse()

	cfg := config.Defaults()
	cfg.HTTPPort = *httpPort
	cfg.DiscoveryPort = *discoveryPort

	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	cfg.SaveDir = *saveDir
	if cfg.SaveDir == "" {
		cfg.SaveDir = filepath.Join(homeDir, "Downloads", "ExLink")
	}
	os.MkdirAll(cfg.SaveDir, 0755)

	state := *stateDir
	if state == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			state = filepath.Join(dir, "exlink")
		} else {
			state = filepath.Join(homeDir, ".exlink")
		}
	}

	localIP := utils.GetLocalIP()
	if localIP == "" {
		localIP = "127.0.0.1"
	}

	name, id := config.LoadIdentity(state, localIP)
	if *deviceName != "" {
		name = *deviceName
		config.SaveIdentity(state, name, id)
	}
	cfg.DeviceName = name
	cfg.DeviceID = id

	// History is optional: no DATABASE_URL means no Postgres, and a nil
	// store is a no-op everywhere.
	var store *storage.Store
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		store, err = storage.NewStore(dsn)
		if err != nil {
			log.Fatalf("Cannot connect to database: %v\n  Tip: unset DATABASE_URL to run without history.", err)
		}
		log.Println("Connected to PostgreSQL database")
	}

	// The device name can change at runtime via the set-server-name
	// command, so identity is resolved on every call.
	var identityMu sync.RWMutex
	hostname, _ := os.Hostname()
	identity := func() models.ServerInfo {
		identityMu.RLock()
		defer identityMu.RUnlock()
		return models.ServerInfo{
			IP:       localIP,
			Port:     cfg.HTTPPort,
			Name:     cfg.DeviceName,
			Hostname: hostname,
			ID:       cfg.DeviceID,
			Platform: cfg.Platform,
			OS:       cfg.OS,
		}
	}

	hub := api.NewHub()
	reg := registry.New()
	disc := discovery.NewService(cfg, localIP, reg, identity, hub.Broadcast)
	pair := pairing.NewService(cfg, identity, hub.Broadcast)
	tr := transfer.NewService(cfg, identity, store, hub.Broadcast)
	srv := server.New(cfg, identity, disc, pair, tr, hub)

	registerCommands(hub, cfg, reg, disc, pair, tr, store, identity, func(newName string) {
		identityMu.Lock()
		cfg.DeviceName = newName
		identityMu.Unlock()
		config.SaveIdentity(state, newName, id)
	})

	if err := disc.Start(); err != nil {
		log.Fatalf("Discovery start failed: %v", err)
	}
	disc.StartScanner()
	disc.StartMDNS()

	if err := srv.Start(); err != nil {
		log.Fatalf("Server start failed: %v", err)
	}

	printBanner(cfg, localIP)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Println("Shutting down")
	srv.Shutdown(context.Background())
	disc.Stop()
	store.Close()
}

var errUnknownPeer = errors.New("peer not found")

// registerCommands wires the websocket command surface the UI drives,
// mirroring the inbound HTTP endpoints but for local intent.
func registerCommands(hub *api.Hub, cfg config.Config, reg *registry.Registry,
	disc *discovery.Service, pair *pairing.Service, tr *transfer.Service,
	store *storage.Store, identity func() models.ServerInfo, rename func(string)) {

	hub.Handle("get-server-info", func(json.RawMessage) (interface{}, error) {
		return identity(), nil
	})

	hub.Handle("get-nearby-nodes", func(json.RawMessage) (interface{}, error) {
		return reg.List(), nil
	})

	hub.Handle("refresh-discovery", func(json.RawMessage) (interface{}, error) {
		disc.Refresh()
		return map[string]string{"status": "ok"}, nil
	})

	hub.Handle("set-server-name", func(raw json.RawMessage) (interface{}, error) {
		var p struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
			return nil, errors.New("name required")
		}
		rename(p.Name)
		disc.Refresh()
		return identity(), nil
	})

	hub.Handle("initiate-pairing", func(raw json.RawMessage) (interface{}, error) {
		var p struct {
			DeviceID string            `json:"deviceId"`
			Files    []models.FileMeta `json:"files"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		peer, ok := reg.Get(p.DeviceID)
		if !ok {
			return nil, errUnknownPeer
		}
		session := pair.Initiate(peer, p.Files)
		return map[string]string{"status": "requested", "mode": string(session.Mode())}, nil
	})

	hub.Handle("respond-to-connection", func(raw json.RawMessage) (interface{}, error) {
		var p struct {
			DeviceID string `json:"deviceId"`
			Accepted bool   `json:"accepted"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if err := pair.Respond(p.DeviceID, p.Accepted); err != nil {
			return nil, err
		}
		return map[string]string{"status": "ok"}, nil
	})

	hub.Handle("cancel-pairing", func(raw json.RawMessage) (interface{}, error) {
		var p struct {
			DeviceID string `json:"deviceId"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		pair.Cancel(p.DeviceID)
		return map[string]string{"status": "ok"}, nil
	})

	hub.Handle("start-transfer", func(raw json.RawMessage) (interface{}, error) {
		var p struct {
			DeviceID string                `json:"deviceId"`
			Items    []models.TransferItem `json:"items"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		peer, ok := reg.Get(p.DeviceID)
		if !ok {
			return nil, errUnknownPeer
		}
		session, err := tr.Start(peer, p.Items)
		if err != nil {
			return nil, err
		}
		return map[string]string{"status": "started", "mode": string(session.Mode)}, nil
	})

	hub.Handle("cancel-transfer", func(raw json.RawMessage) (interface{}, error) {
		var p struct {
			DeviceID string `json:"deviceId"`
		}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		tr.Cancel(p.DeviceID)
		return map[string]string{"status": "ok"}, nil
	})

	hub.Handle("get-history", func(raw json.RawMessage) (interface{}, error) {
		var p struct {
			Limit int `json:"limit"`
		}
		json.Unmarshal(raw, &p)
		if p.Limit <= 0 {
			p.Limit = 50
		}
		return store.GetHistory(p.Limit)
	})
}

func printBanner(cfg config.Config, localIP string) {
	fmt.Printf("\n")
	fmt.Printf("╔══════════════════════════════════════════════════════╗\n")
	fmt.Printf("║                  ExLink  — Ready!                    ║\n")
	fmt.Printf("╠══════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Device   : %-40s║\n", cfg.DeviceName)
	fmt.Printf("║  Local IP : %-40s║\n", localIP)
	fmt.Printf("║  Endpoint : http://%s:%-21d║\n", localIP, cfg.HTTPPort)
	fmt.Printf("║  Save dir : %-40s║\n", cfg.SaveDir)
	fmt.Printf("╚══════════════════════════════════════════════════════╝\n\n")
}
