package discovery

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"exlink/internal/config"
	"exlink/internal/models"
	"exlink/internal/registry"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(event string, _ interface{}) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *eventRecorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

func testService(t *testing.T, port int) (*Service, *registry.Registry, *eventRecorder) {
	t.Helper()
	cfg := config.Defaults()
	cfg.HTTPPort = port
	cfg.ProbeTimeout = 500 * time.Millisecond
	rec := &eventRecorder{}
	reg := registry.New()
	identity := func() models.ServerInfo {
		return models.ServerInfo{
			IP: "192.0.2.1", Port: port, Name: "Self", ID: "1",
			Platform: models.PlatformDesktop, OS: "Linux",
		}
	}
	return NewService(cfg, "192.0.2.1", reg, identity, rec.record), reg, rec
}

func TestHandleAnnounce(t *testing.T) {
	svc, reg, rec := testService(t, 3030)

	ok := svc.HandleAnnounce(models.DiscoveryPacket{
		Type: "discovery", ID: "7", Name: "Other", IP: "192.0.2.7",
		Port: 3030, Platform: models.PlatformMobile, OS: "Android",
	}, "")
	if !ok {
		t.Fatal("valid announce rejected")
	}
	peer, found := reg.Get("7")
	if !found || peer.Name != "Other" || peer.Platform != models.PlatformMobile {
		t.Fatalf("peer = %+v, found = %v", peer, found)
	}
	if rec.count("nearby-nodes-updated") != 1 {
		t.Error("nearby-nodes-updated not emitted")
	}
}

func TestHandleAnnounceFallbackIP(t *testing.T) {
	svc, reg, _ := testService(t, 3030)

	if !svc.HandleAnnounce(models.DiscoveryPacket{Type: "discovery", ID: "7", Name: "Other"}, "192.0.2.99") {
		t.Fatal("announce without IP rejected")
	}
	peer, _ := reg.Get("7")
	if peer.IP != "192.0.2.99" {
		t.Fatalf("peer IP = %q, want fallback 192.0.2.99", peer.IP)
	}
}

func TestHandleAnnounceRejectsSelf(t *testing.T) {
	svc, reg, _ := testService(t, 3030)

	// Own id reflected back.
	if svc.HandleAnnounce(models.DiscoveryPacket{Type: "discovery", ID: "1", Name: "Self"}, "") {
		t.Error("own id accepted")
	}
	// Own IP with a different id (stale broadcast of a previous identity).
	if svc.HandleAnnounce(models.DiscoveryPacket{Type: "discovery", ID: "9", IP: "192.0.2.1"}, "") {
		t.Error("own IP accepted")
	}
	// Wrong packet type.
	if svc.HandleAnnounce(models.DiscoveryPacket{Type: "chatter", ID: "7"}, "") {
		t.Error("non-discovery packet accepted")
	}
	if peers := reg.List(); len(peers) != 0 {
		t.Fatalf("registry = %v, want empty", peers)
	}
}

func TestProbeHostRecordsPeer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/get-server-info" {
			// The follow-up self-announce lands here too; accept quietly.
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		json.NewEncoder(w).Encode(models.ServerInfo{
			IP: "", Port: 3030, Name: "Found", ID: "7", Platform: models.PlatformDesktop,
		})
	}))
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	svc, reg, _ := testService(t, port)

	if !svc.probeHost(host) {
		t.Fatal("probe of live host failed")
	}
	peer, found := reg.Get("7")
	if !found {
		t.Fatal("probed peer not recorded")
	}
	if peer.IP != host {
		t.Fatalf("peer IP = %q, want probe host %q (identity omitted its own)", peer.IP, host)
	}
}

func TestProbeHostDown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	svc, reg, _ := testService(t, port)
	start := time.Now()
	if svc.probeHost("127.0.0.1") {
		t.Fatal("probe of dead host succeeded")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("dead probe took %v, want fast short-circuit", elapsed)
	}
	if peers := reg.List(); len(peers) != 0 {
		t.Fatalf("registry = %v, want empty", peers)
	}
}

// Stopping mid-scan must wait out the launched batch instead of abandoning
// its probe goroutines.
func TestStopWaitsForInFlightProbes(t *testing.T) {
	var inflight atomic.Int32
	// Wildcard listener: probes aimed at any 127.0.0.x land here.
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inflight.Add(1)
		defer inflight.Add(-1)
		time.Sleep(50 * time.Millisecond)
		w.Write([]byte("not an identity"))
	})}
	go srv.Serve(ln)
	defer srv.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	cfg := config.Defaults()
	cfg.HTTPPort = port
	cfg.ProbeTimeout = 2 * time.Second
	cfg.ScanBatch = 25
	identity := func() models.ServerInfo {
		return models.ServerInfo{IP: "127.0.0.1", Port: port, Name: "Self", ID: "1"}
	}
	svc := NewService(cfg, "127.0.0.1", registry.New(), identity, func(string, interface{}) {})

	done := make(chan struct{})
	go func() {
		svc.scanOnce()
		close(done)
	}()
	time.Sleep(20 * time.Millisecond) // first batch is in flight
	svc.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scan never returned after stop")
	}
	if n := inflight.Load(); n != 0 {
		t.Fatalf("%d probes still in flight after scan returned", n)
	}
}

func TestProbeHostRejectsSelf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(models.ServerInfo{ID: "1", Name: "Self"})
	}))
	defer srv.Close()

	host, portStr, _ := net.SplitHostPort(srv.Listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	svc, reg, _ := testService(t, port)

	if svc.probeHost(host) {
		t.Fatal("probe accepted our own identity")
	}
	if peers := reg.List(); len(peers) != 0 {
		t.Fatalf("registry = %v, want empty", peers)
	}
}
