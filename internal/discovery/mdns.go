package discovery

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/hashicorp/mdns"

	"exlink/internal/models"
)

const mdnsService = "_exlink._tcp"

// StartMDNS advertises this node over zeroconf and periodically browses for
// other advertisers, feeding the same peer registry as the broadcast and
// scan paths. The channel is optional: any failure here is logged and the
// other discovery strategies carry on.
func (s *Service) StartMDNS() {
	info := s.identity()
	txt := []string{
		"id=" + info.ID,
		"name=" + info.Name,
		"platform=" + string(info.Platform),
		"os=" + info.OS,
	}

	instance := strings.ReplaceAll(info.Name, " ", "-")
	zone, err := mdns.NewMDNSService(instance, mdnsService, "", "", s.cfg.HTTPPort, nil, txt)
	if err != nil {
		log.Println("[DISCOVERY] mDNS advertise unavailable:", err)
		return
	}
	server, err := mdns.NewServer(&mdns.Config{Zone: zone})
	if err != nil {
		log.Println("[DISCOVERY] mDNS server unavailable:", err)
		return
	}
	s.mdnsServer = server

	go s.mdnsLoop()
}

func (s *Service) stopMDNS() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
	}
}

func (s *Service) mdnsLoop() {
	ticker := time.NewTicker(s.cfg.RescanInterval)
	defer ticker.Stop()

	s.mdnsLookup()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mdnsLookup()
		}
	}
}

func (s *Service) mdnsLookup() {
	entries := make(chan *mdns.ServiceEntry, 16)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for entry := range entries {
			s.ingestMDNSEntry(entry)
		}
	}()

	err := mdns.Query(&mdns.QueryParam{
		Service:     mdnsService,
		Entries:     entries,
		Timeout:     time.Second,
		DisableIPv6: true,
	})
	close(entries)
	<-done
	if err != nil {
		log.Println("[DISCOVERY] mDNS lookup error:", err)
	}
}

func (s *Service) ingestMDNSEntry(entry *mdns.ServiceEntry) {
	if entry.AddrV4 == nil {
		return
	}
	fields := make(map[string]string, len(entry.InfoFields))
	for _, f := range entry.InfoFields {
		if k, v, ok := strings.Cut(f, "="); ok {
			fields[k] = v
		}
	}

	id := fields["id"]
	if id == "" || id == s.identity().ID {
		return
	}
	ip := entry.AddrV4.String()
	if ip == s.localIP {
		return
	}

	platform := models.Platform(fields["platform"])
	if platform == "" {
		platform = models.PlatformDesktop
	}
	name := fields["name"]
	if name == "" {
		name = fmt.Sprintf("Device %s", id)
	}

	s.reg.Upsert(models.Peer{
		ID:       id,
		Name:     name,
		IP:       ip,
		Port:     entry.Port,
		Platform: platform,
		OS:       fields["os"],
	})
	s.broadcast("nearby-nodes-updated", s.reg.List())
}
