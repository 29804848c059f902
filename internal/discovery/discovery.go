package discovery

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/mdns"

	"exlink/internal/config"
	"exlink/internal/models"
	"exlink/internal/registry"
	"exlink/pkg/utils"
)

const maxDatagramSize = 8192

// Service announces this node's identity on the LAN and ingests sightings
// of other nodes into the peer registry. Three inputs feed the registry:
// UDP broadcast packets, HTTP announces (handled by the server package),
// and the active subnet scanner for networks where broadcast is blocked.
type Service struct {
	cfg       config.Config
	localIP   string
	reg       *registry.Registry
	identity  func() models.ServerInfo
	broadcast func(string, interface{})

	probe      *http.Client
	announce   *http.Client
	udp        *net.UDPConn
	mdnsServer *mdns.Server

	scanNow chan struct{}

	stopOnce sync.Once
	stop     chan struct{}
}

func NewService(cfg config.Config, localIP string, reg *registry.Registry, identity func() models.ServerInfo, broadcast func(string, interface{})) *Service {
	return &Service{
		cfg:       cfg,
		localIP:   localIP,
		reg:       reg,
		identity:  identity,
		broadcast: broadcast,
		probe:     &http.Client{Timeout: cfg.ProbeTimeout},
		announce:  &http.Client{Timeout: 2 * time.Second},
		scanNow:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start binds the discovery socket and launches the broadcast and listen
// loops. The scanner is started separately; see StartScanner.
func (s *Service) Start() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf(":%d", s.cfg.DiscoveryPort))
	if err != nil {
		return fmt.Errorf("resolve discovery addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("bind discovery port: %w", err)
	}
	conn.SetReadBuffer(maxDatagramSize)
	s.udp = conn

	go s.broadcastLoop()
	go s.listenLoop()
	return nil
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.udp != nil {
			s.udp.Close()
		}
		s.stopMDNS()
	})
}

// Refresh clears the peer table and immediately re-announces and rescans.
func (s *Service) Refresh() {
	s.reg.Clear()
	s.broadcast("nearby-nodes-updated", s.reg.List())
	s.sendBroadcast()
	select {
	case s.scanNow <- struct{}{}:
	default:
	}
}

func (s *Service) packet() models.DiscoveryPacket {
	info := s.identity()
	return models.DiscoveryPacket{
		Type:     "discovery",
		ID:       info.ID,
		Name:     info.Name,
		IP:       info.IP,
		Port:     info.Port,
		Platform: info.Platform,
		OS:       info.OS,
	}
}

func (s *Service) broadcastLoop() {
	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	s.sendBroadcast()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sendBroadcast()
			if s.reg.EvictStale(registry.StaleAfter) {
				s.broadcast("nearby-nodes-updated", s.reg.List())
			}
		}
	}
}

func (s *Service) sendBroadcast() {
	if s.udp == nil {
		return
	}
	data, err := json.Marshal(s.packet())
	if err != nil {
		return
	}
	dst := &net.UDPAddr{
		IP:   net.ParseIP(utils.BroadcastAddr(s.localIP)),
		Port: s.cfg.DiscoveryPort,
	}
	if _, err := s.udp.WriteToUDP(data, dst); err != nil {
		log.Println("[DISCOVERY] Broadcast write error:", err)
	}
}

func (s *Service) listenLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, srcAddr, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.stop:
				return
			default:
			}
			log.Println("[DISCOVERY] Read error:", err)
			continue
		}

		var pkt models.DiscoveryPacket
		if err := json.Unmarshal(buf[:n], &pkt); err != nil {
			continue // malformed payloads are dropped silently
		}
		s.HandleAnnounce(pkt, srcAddr.IP.String())
	}
}

// HandleAnnounce ingests an identity payload from either path: a UDP
// broadcast or an inbound POST /announce. Self-originated and malformed
// payloads are dropped; fallbackIP fills in for senders that omit theirs.
func (s *Service) HandleAnnounce(pkt models.DiscoveryPacket, fallbackIP string) bool {
	if pkt.Type != "discovery" || pkt.ID == "" {
		return false
	}
	if pkt.IP == s.localIP || pkt.ID == s.identity().ID {
		return false
	}

	ip := pkt.IP
	if ip == "" {
		ip = fallbackIP
	}
	s.reg.Upsert(models.Peer{
		ID:       pkt.ID,
		Name:     pkt.Name,
		IP:       ip,
		Port:     pkt.Port,
		Platform: pkt.Platform,
		OS:       pkt.OS,
		Brand:    pkt.Brand,
	})
	s.broadcast("nearby-nodes-updated", s.reg.List())
	return true
}

// AnnounceTo POSTs this node's identity directly to a peer's /announce
// endpoint. Used where UDP broadcast cannot reach the peer.
func (s *Service) AnnounceTo(ip string) {
	body, err := json.Marshal(s.packet())
	if err != nil {
		return
	}
	url := fmt.Sprintf("http://%s:%d/announce", ip, s.cfg.HTTPPort)
	resp, err := s.announce.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return // transient; the next cycle retries naturally
	}
	resp.Body.Close()
}
