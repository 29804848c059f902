package discovery

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"exlink/internal/models"
	"exlink/pkg/utils"
)

// StartScanner launches the active discovery loops: a full /24 probe sweep
// immediately and on every rescan interval, and a lighter re-announce pass
// to already-known peers in between. Used by nodes that cannot rely on
// receiving UDP broadcasts.
func (s *Service) StartScanner() {
	go s.scanLoop()
}

func (s *Service) scanLoop() {
	rescan := time.NewTicker(s.cfg.RescanInterval)
	reannounce := time.NewTicker(s.cfg.ReannounceInterval)
	defer rescan.Stop()
	defer reannounce.Stop()

	s.scanOnce()
	for {
		select {
		case <-s.stop:
			return
		case <-s.scanNow:
			s.scanOnce()
		case <-rescan.C:
			s.scanOnce()
		case <-reannounce.C:
			s.reannounceKnown()
		}
	}
}

// scanOnce probes every host on the local /24 in bounded batches. A failed
// probe (timeout, refused) means "not present" and is never retried within
// the pass.
func (s *Service) scanOnce() {
	hosts := utils.SubnetHosts(s.localIP)
	if len(hosts) == 0 {
		return
	}

	batch := s.cfg.ScanBatch
	if batch <= 0 {
		batch = 40
	}

	var found atomic.Int32
	for i := 0; i < len(hosts); i += batch {
		// Stop is only observed between batches: a launched batch is
		// always waited for, so shutdown never abandons probe goroutines.
		select {
		case <-s.stop:
			return
		default:
		}

		end := i + batch
		if end > len(hosts) {
			end = len(hosts)
		}

		var wg sync.WaitGroup
		for _, host := range hosts[i:end] {
			wg.Add(1)
			go func(host string) {
				defer wg.Done()
				if s.probeHost(host) {
					found.Add(1)
				}
			}(host)
		}
		wg.Wait()
	}
	if found.Load() > 0 {
		s.broadcast("nearby-nodes-updated", s.reg.List())
	}
}

// probeHost asks one candidate for its identity. On success the peer is
// recorded and we immediately self-announce so the relationship becomes
// bidirectional without waiting for the peer's own scan cycle.
func (s *Service) probeHost(host string) bool {
	url := fmt.Sprintf("http://%s:%d/get-server-info", host, s.cfg.HTTPPort)
	resp, err := s.probe.Get(url)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return false
	}

	var info models.ServerInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return false
	}
	if info.ID == "" || info.ID == s.identity().ID {
		return false
	}

	ip := info.IP
	if ip == "" {
		ip = host
	}
	log.Printf("[DISCOVERY] Scan found %s (%s) at %s", info.Name, info.ID, ip)
	s.reg.Upsert(models.Peer{
		ID:       info.ID,
		Name:     info.Name,
		IP:       ip,
		Port:     info.Port,
		Platform: info.Platform,
		OS:       info.OS,
	})
	go s.AnnounceTo(ip)
	return true
}

func (s *Service) reannounceKnown() {
	for _, p := range s.reg.List() {
		go s.AnnounceTo(p.IP)
	}
}
