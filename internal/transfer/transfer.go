package transfer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"exlink/internal/config"
	"exlink/internal/models"
	"exlink/internal/storage"
)

// Mode selects the transport for a session.
type Mode string

const (
	ModePush Mode = "push" // stream multipart uploads to the peer's /upload
	ModePull Mode = "pull" // register files, peer fetches them one by one
)

// ModeFor is the single place platform dispatch happens: desktops run a
// server we can push to, everything else pulls.
func ModeFor(peer models.Peer) Mode {
	if peer.Platform == models.PlatformDesktop {
		return ModePush
	}
	return ModePull
}

// State is the lifecycle of one outbound session.
type State int

const (
	StateCreated State = iota
	StateTransferring
	StateCompleted
	StateErrored
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateTransferring:
		return "transferring"
	case StateCompleted:
		return "completed"
	case StateErrored:
		return "errored"
	default:
		return "cancelled"
	}
}

var (
	ErrTransferBusy = errors.New("transfer already in progress with this peer")
	ErrNoDownload   = errors.New("no pending download for this peer")
	ErrCancelled    = errors.New("transfer cancelled")
)

// Session is one outbound batch (push or pull-serve) toward a single peer.
type Session struct {
	PeerID     string
	PeerIP     string
	PeerPort   int
	PeerName   string
	Mode       Mode
	TotalFiles int
	TotalBytes int64

	processed atomic.Int64
	cancelled atomic.Bool
	abort     context.CancelFunc

	mu    sync.Mutex
	state State
	done  chan struct{}
}

func (t *Session) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Done is closed when the session reaches a terminal state.
func (t *Session) Done() <-chan struct{} { return t.done }

func (t *Session) Cancelled() bool { return t.cancelled.Load() }

func (t *Session) setState(st State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCompleted, StateErrored, StateCancelled:
		return false
	}
	t.state = st
	if st == StateCompleted || st == StateErrored || st == StateCancelled {
		close(t.done)
	}
	return true
}

// pullState is the server-side registration backing a pull session.
type pullState struct {
	session *Session
	items   []models.TransferItem
	files   []models.PullFile

	mu     sync.Mutex
	served []bool
}

// ingestState tracks one inbound push batch, keyed by the sender's id.
type ingestState struct {
	peerID    string
	remoteIP  string
	startedAt time.Time
	cancelled atomic.Bool
	processed atomic.Int64
	received  atomic.Int32
}

// Service owns every transfer this node participates in: outbound push
// uploads, pull registrations it serves, and inbound push ingests.
type Service struct {
	cfg       config.Config
	identity  func() models.ServerInfo
	broadcast func(string, interface{})
	store     *storage.Store

	// Uploads carry no client timeout; they end on completion, error, or
	// the session's cancellation aborting the request context.
	upload *http.Client
	notify *http.Client

	mu        sync.RWMutex
	active    map[string]*Session     // peer id → outbound session
	downloads map[string]*pullState   // peer id → pull registration
	ingests   map[string]*ingestState // sender id → inbound batch
}

func NewService(cfg config.Config, identity func() models.ServerInfo, store *storage.Store, broadcast func(string, interface{})) *Service {
	return &Service{
		cfg:       cfg,
		identity:  identity,
		broadcast: broadcast,
		store:     store,
		upload:    &http.Client{},
		notify:    &http.Client{Timeout: 5 * time.Second},
		active:    make(map[string]*Session),
		downloads: make(map[string]*pullState),
		ingests:   make(map[string]*ingestState),
	}
}

// Start begins a batch toward the peer. At most one session per peer may be
// in flight; a second Start for the same peer is rejected with
// ErrTransferBusy rather than superseding the running one.
func (s *Service) Start(peer models.Peer, items []models.TransferItem) (*Session, error) {
	if len(items) == 0 {
		return nil, errors.New("nothing to transfer")
	}

	// Normalize up front so every downstream path sees real sizes.
	normalized := make([]models.TransferItem, len(items))
	var total int64
	for i, it := range items {
		if it.Type == models.ItemText && it.Size == 0 {
			it.Size = int64(len(it.Content))
		}
		normalized[i] = it
		total += it.Size
	}
	items = normalized

	port := peer.Port
	if port == 0 {
		port = s.cfg.HTTPPort
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		PeerID:     peer.ID,
		PeerIP:     peer.IP,
		PeerPort:   port,
		PeerName:   peer.Name,
		Mode:       ModeFor(peer),
		TotalFiles: len(items),
		TotalBytes: total,
		abort:      cancel,
		state:      StateCreated,
		done:       make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.active[peer.ID]; ok {
		select {
		case <-old.done:
			// terminal but not yet reaped
		default:
			s.mu.Unlock()
			cancel()
			return nil, ErrTransferBusy
		}
	}
	s.active[peer.ID] = session
	if session.Mode == ModePull {
		s.downloads[peer.ID] = newPullState(session, items)
	}
	s.mu.Unlock()

	if session.Mode == ModePush {
		log.Printf("[TRANSFER] Pushing %d files (%d bytes) to %s", len(items), total, peer.Name)
		go s.runPush(ctx, session, items)
	} else {
		session.setState(StateTransferring)
		log.Printf("[TRANSFER] Registered %d files for %s to pull", len(items), peer.Name)
	}
	return session, nil
}

// Active returns the in-flight session for a peer, if any.
func (s *Service) Active(peerID string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.active[peerID]
	return t, ok
}

// Cancel aborts everything involving the peer: the outbound session, any
// inbound ingest, and (best effort) the remote side.
func (s *Service) Cancel(peerID string) {
	session, ing := s.teardown(peerID)
	if session == nil && ing == nil {
		return
	}

	ip := ""
	port := s.cfg.HTTPPort
	if session != nil {
		ip = session.PeerIP
		port = session.PeerPort
	} else if ing != nil {
		ip = ing.remoteIP
	}
	if ip != "" {
		go s.notifyCancel(ip, port)
	}
	log.Printf("[TRANSFER] Cancelled transfer with %s", peerID)
}

// HandleRemoteCancel ingests an inbound GET /cancel-transfer/{id}.
func (s *Service) HandleRemoteCancel(peerID string) {
	session, ing := s.teardown(peerID)
	if session == nil && ing == nil {
		return
	}
	log.Printf("[TRANSFER] Transfer cancelled by peer %s", peerID)
	s.broadcast("transfer-error", map[string]interface{}{
		"deviceId": peerID,
		"error":    "transfer cancelled by peer",
	})
}

// teardown flips every cancellation flag for the peer and removes its state.
// Streams in flight observe the flags on their next read and abort.
func (s *Service) teardown(peerID string) (*Session, *ingestState) {
	s.mu.Lock()
	session := s.active[peerID]
	ing := s.ingests[peerID]
	delete(s.active, peerID)
	delete(s.downloads, peerID)
	delete(s.ingests, peerID)
	s.mu.Unlock()

	if session != nil {
		session.cancelled.Store(true)
		if session.abort != nil {
			session.abort()
		}
		session.setState(StateCancelled)
	}
	if ing != nil {
		ing.cancelled.Store(true)
	}
	return session, ing
}

func (s *Service) notifyCancel(ip string, port int) {
	url := fmt.Sprintf("http://%s:%d/cancel-transfer/%s", ip, port, s.identity().ID)
	resp, err := s.notify.Get(url)
	if err != nil {
		return // peer may already be gone
	}
	resp.Body.Close()
}

// Finish handles GET /transfer-finish/{id} for both modes: the puller
// signalling it has everything, or a push sender signalling the batch is
// over. Replays are no-ops.
func (s *Service) Finish(peerID string) {
	if s.finishPull(peerID) {
		return
	}
	s.finishIngest(peerID)
}

func (s *Service) finishIngest(peerID string) {
	s.mu.Lock()
	ing, ok := s.ingests[peerID]
	delete(s.ingests, peerID)
	s.mu.Unlock()
	if !ok {
		return
	}

	log.Printf("[TRANSFER] Batch from %s complete (%d files, %d bytes)",
		peerID, ing.received.Load(), ing.processed.Load())
	s.broadcast("transfer-complete", map[string]interface{}{
		"deviceId":       peerID,
		"totalFiles":     ing.received.Load(),
		"processedBytes": ing.processed.Load(),
	})
}

func (s *Service) recordHistory(direction, peerID, peerName, fileName string, size int64, status string) {
	err := s.store.AddHistory(&models.TransferHistory{
		ID:        uuid.NewString(),
		FileName:  fileName,
		FileSize:  size,
		Direction: direction,
		PeerID:    peerID,
		PeerName:  peerName,
		Status:    status,
		Timestamp: time.Now(),
	})
	if err != nil {
		log.Printf("[TRANSFER] History write failed: %v", err)
	}
}

// progress builds the event payload shared by all three streaming paths.
func progressPayload(peerID string, processed, totalBytes, fileRead, fileSize int64, name string, index, totalFiles int, start time.Time) models.Progress {
	p := models.Progress{
		DeviceID:       peerID,
		CurrentFile:    name,
		CurrentIndex:   index,
		TotalFiles:     totalFiles,
		ProcessedBytes: processed,
		TotalBytes:     totalBytes,
	}
	if totalBytes > 0 {
		p.Progress = float64(processed) / float64(totalBytes)
	}
	if fileSize > 0 {
		p.FileProgress = float64(fileRead) / float64(fileSize)
	}
	if elapsed := time.Since(start).Seconds(); elapsed > 0 {
		p.Speed = float64(processed) / elapsed
	}
	return p
}
