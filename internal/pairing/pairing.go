package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"exlink/internal/config"
	"exlink/internal/models"
)

// State is the lifecycle of one handshake session.
type State int

const (
	StateIdle State = iota
	StateRequested
	StateAccepted
	StateDeclined
	StateCancelled
	StateTimedOut
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequested:
		return "requested"
	case StateAccepted:
		return "accepted"
	case StateDeclined:
		return "declined"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timed-out"
	default:
		return "closed"
	}
}

// Mode records which initiation path a session took.
type Mode string

const (
	ModeDirect Mode = "direct" // synchronous POST /request-connect
	ModePoll   Mode = "poll"   // OutgoingRequest registered, peer polls us
)

// Decision is the reply to a pending inbound request.
type Decision string

const (
	DecisionAccepted  Decision = "accepted"
	DecisionDeclined  Decision = "declined"
	DecisionCancelled Decision = "cancelled"
)

var ErrNoRequest = errors.New("pairing request not found")

// ConnectRequest is the POST /request-connect body.
type ConnectRequest struct {
	DeviceID   string            `json:"deviceId"`
	Name       string            `json:"name"`
	Platform   models.Platform   `json:"platform"`
	OS         string            `json:"os,omitempty"`
	Brand      string            `json:"brand,omitempty"`
	TotalFiles int               `json:"totalFiles"`
	TotalSize  int64             `json:"totalSize"`
	Files      []models.FileMeta `json:"files,omitempty"`
}

// PendingConnection is an inbound pairing request awaiting a local decision.
// The originating HTTP handler blocks on the decision channel so the reply
// goes out on the held-open request exactly once.
type PendingConnection struct {
	PeerID     string
	PeerName   string
	Platform   models.Platform
	Brand      string
	Files      []models.FileMeta
	TotalFiles int
	TotalSize  int64
	CreatedAt  time.Time

	decision chan Decision
}

// Session is one outbound handshake.
type Session struct {
	PeerID   string
	PeerIP   string
	PeerPort int

	mu     sync.Mutex
	mode   Mode
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *Session) Mode() Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// resolve moves the session to a terminal state exactly once.
func (s *Session) resolve(st State) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRequested {
		return false
	}
	s.state = st
	close(s.done)
	return true
}

func (s *Session) setMode(m Mode) {
	s.mu.Lock()
	s.mode = m
	s.mu.Unlock()
}

// Service owns the handshake state on both sides: sessions this node
// initiated and requests other nodes sent to it.
type Service struct {
	cfg       config.Config
	identity  func() models.ServerInfo
	broadcast func(string, interface{})

	// Direct POSTs apply the connect timeout to dialing only; the request
	// itself stays open until the remote user decides.
	direct *http.Client
	poll   *http.Client

	mu       sync.RWMutex
	pending  map[string]*PendingConnection
	outgoing map[string]*models.OutgoingRequest
	sessions map[string]*Session
}

func NewService(cfg config.Config, identity func() models.ServerInfo, broadcast func(string, interface{})) *Service {
	return &Service{
		cfg:       cfg,
		identity:  identity,
		broadcast: broadcast,
		direct: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{Timeout: cfg.PairingTimeout}).DialContext,
			},
		},
		poll:     &http.Client{Timeout: 5 * time.Second},
		pending:  make(map[string]*PendingConnection),
		outgoing: make(map[string]*models.OutgoingRequest),
		sessions: make(map[string]*Session),
	}
}

func (s *Service) connectBody(files []models.FileMeta) ConnectRequest {
	info := s.identity()
	var total int64
	for _, f := range files {
		total += f.Size
	}
	return ConnectRequest{
		DeviceID:   info.ID,
		Name:       info.Name,
		Platform:   info.Platform,
		OS:         info.OS,
		TotalFiles: len(files),
		TotalSize:  total,
		Files:      files,
	}
}

// Initiate starts a handshake toward the peer. Desktop targets get a direct
// POST; mobile targets (and desktops that turn out unreachable) get a poll
// registration the peer discovers via /check-pairing-requests.
func (s *Service) Initiate(peer models.Peer, files []models.FileMeta) *Session {
	port := peer.Port
	if port == 0 {
		port = s.cfg.HTTPPort
	}
	ctx, cancel := context.WithCancel(context.Background())
	session := &Session{
		PeerID:   peer.ID,
		PeerIP:   peer.IP,
		PeerPort: port,
		state:    StateRequested,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	if old, ok := s.sessions[peer.ID]; ok {
		old.resolve(StateCancelled)
	}
	s.sessions[peer.ID] = session
	s.mu.Unlock()

	direct := peer.Platform == models.PlatformDesktop
	if direct {
		session.setMode(ModeDirect)
	} else {
		session.setMode(ModePoll)
	}

	s.broadcast("pairing-initiated", map[string]interface{}{
		"deviceId": peer.ID,
		"deviceIp": peer.IP,
		"name":     peer.Name,
		"platform": peer.Platform,
		"brand":    peer.Brand,
		"os":       peer.OS,
		"mode":     session.Mode(),
	})

	if direct {
		go s.runDirect(ctx, session, peer, files)
	} else {
		s.registerOutgoing(peer, files)
		log.Printf("[PAIRING] Registered poll request for %s (%s)", peer.Name, peer.ID)
	}
	return session
}

func (s *Service) registerOutgoing(peer models.Peer, files []models.FileMeta) {
	s.mu.Lock()
	s.outgoing[peer.ID] = &models.OutgoingRequest{
		PeerID:    peer.ID,
		PeerIP:    peer.IP,
		Files:     files,
		CreatedAt: time.Now(),
	}
	s.mu.Unlock()
}

func (s *Service) runDirect(ctx context.Context, session *Session, peer models.Peer, files []models.FileMeta) {
	body, err := json.Marshal(s.connectBody(files))
	if err != nil {
		session.resolve(StateClosed)
		return
	}
	url := fmt.Sprintf("http://%s:%d/request-connect", peer.IP, session.PeerPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		session.resolve(StateClosed)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.direct.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			session.resolve(StateCancelled)
			return
		}
		// Unreachable on the direct path: fall back to poll mode so the
		// peer can still find the request when it comes around.
		log.Printf("[PAIRING] Direct POST to %s failed (%v), falling back to poll", peer.ID, err)
		session.setMode(ModePoll)
		s.registerOutgoing(peer, files)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		session.resolve(StateTimedOut)
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var remote struct {
			Status string `json:"status"`
		}
		if json.NewDecoder(resp.Body).Decode(&remote) == nil && remote.Status == "cancelled" {
			if session.resolve(StateCancelled) {
				s.broadcast("pairing-cancelled", map[string]interface{}{"deviceId": peer.ID})
			}
			return
		}
		session.setMode(ModePoll)
		s.registerOutgoing(peer, files)
		return
	}

	var remote struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&remote); err != nil {
		session.resolve(StateTimedOut)
		return
	}

	accepted := remote.Status == "accepted"
	var terminal State
	switch remote.Status {
	case "accepted":
		terminal = StateAccepted
	case "declined":
		terminal = StateDeclined
	case "cancelled":
		terminal = StateCancelled
	default:
		terminal = StateTimedOut
	}
	if !session.resolve(terminal) {
		return
	}
	switch terminal {
	case StateAccepted, StateDeclined:
		s.broadcast("pairing-response", map[string]interface{}{
			"deviceId": peer.ID,
			"accepted": accepted,
		})
	case StateCancelled:
		s.broadcast("pairing-cancelled", map[string]interface{}{"deviceId": peer.ID})
	}
}

// HandleConnectRequest ingests an inbound /request-connect and blocks until
// a decision is delivered or the remote gives up (ctx). A newer request from
// the same peer supersedes the older one.
func (s *Service) HandleConnectRequest(ctx context.Context, req ConnectRequest) (Decision, bool) {
	pc := &PendingConnection{
		PeerID:     req.DeviceID,
		PeerName:   req.Name,
		Platform:   req.Platform,
		Brand:      req.Brand,
		Files:      req.Files,
		TotalFiles: req.TotalFiles,
		TotalSize:  req.TotalSize,
		CreatedAt:  time.Now(),
		decision:   make(chan Decision, 1),
	}

	s.mu.Lock()
	if old, ok := s.pending[req.DeviceID]; ok {
		select {
		case old.decision <- DecisionCancelled:
		default:
		}
	}
	s.pending[req.DeviceID] = pc
	s.mu.Unlock()

	log.Printf("[PAIRING] Connection request from %s (%s)", req.Name, req.DeviceID)
	s.broadcast("connection-request", map[string]interface{}{
		"deviceId":   req.DeviceID,
		"name":       req.Name,
		"platform":   req.Platform,
		"brand":      req.Brand,
		"totalFiles": req.TotalFiles,
		"totalSize":  req.TotalSize,
		"files":      req.Files,
	})

	select {
	case d := <-pc.decision:
		return d, true
	case <-ctx.Done():
		s.mu.Lock()
		if s.pending[req.DeviceID] == pc {
			delete(s.pending, req.DeviceID)
		}
		s.mu.Unlock()
		s.broadcast("pairing-cancelled", map[string]interface{}{"deviceId": req.DeviceID})
		return "", false
	}
}

// Respond delivers the local user's decision on an inbound request.
func (s *Service) Respond(peerID string, accepted bool) error {
	s.mu.Lock()
	pc, ok := s.pending[peerID]
	if ok {
		delete(s.pending, peerID)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNoRequest
	}

	d := DecisionDeclined
	if accepted {
		d = DecisionAccepted
	}
	select {
	case pc.decision <- d:
	default: // already resolved
	}
	return nil
}

// HandleRemoteResponse ingests an inbound POST /respond-to-connection.
// OutgoingRequest is consulted before PendingConnection so a node never
// treats its own reflected request as an inbound one.
func (s *Service) HandleRemoteResponse(peerID string, accepted bool) bool {
	s.mu.Lock()
	if _, ok := s.outgoing[peerID]; ok {
		delete(s.outgoing, peerID)
		session := s.sessions[peerID]
		s.mu.Unlock()

		terminal := StateDeclined
		if accepted {
			terminal = StateAccepted
		}
		if session != nil {
			session.resolve(terminal)
		}
		s.broadcast("pairing-response", map[string]interface{}{
			"deviceId": peerID,
			"accepted": accepted,
		})
		return true
	}
	pc, ok := s.pending[peerID]
	if ok {
		delete(s.pending, peerID)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	d := DecisionDeclined
	if accepted {
		d = DecisionAccepted
	}
	select {
	case pc.decision <- d:
	default:
	}
	return true
}

// Cancel aborts whatever handshake involves the peer: an in-flight direct
// POST, a poll registration, or an inbound pending request. The remote side
// is notified best-effort.
func (s *Service) Cancel(peerID string) {
	s.mu.Lock()
	session := s.sessions[peerID]
	out, hadOutgoing := s.outgoing[peerID]
	if hadOutgoing {
		delete(s.outgoing, peerID)
	}
	pc, hadPending := s.pending[peerID]
	if hadPending {
		delete(s.pending, peerID)
	}
	s.mu.Unlock()

	if session != nil {
		if session.cancel != nil {
			session.cancel()
		}
		session.resolve(StateCancelled)
	}
	if hadPending {
		select {
		case pc.decision <- DecisionCancelled:
		default:
		}
	}

	ip := ""
	port := s.cfg.HTTPPort
	if session != nil {
		ip = session.PeerIP
		port = session.PeerPort
	}
	if hadOutgoing && out.PeerIP != "" {
		ip = out.PeerIP
	}
	if ip != "" {
		go s.notifyCancel(ip, port)
	}
}

func (s *Service) notifyCancel(ip string, port int) {
	url := fmt.Sprintf("http://%s:%d/cancel-pairing/%s", ip, port, s.identity().ID)
	resp, err := s.poll.Get(url)
	if err != nil {
		return // peer may already be gone
	}
	resp.Body.Close()
}

// HandleRemoteCancel ingests an inbound GET /cancel-pairing/{id}.
func (s *Service) HandleRemoteCancel(peerID string) {
	s.mu.Lock()
	session := s.sessions[peerID]
	_, hadOutgoing := s.outgoing[peerID]
	if hadOutgoing {
		delete(s.outgoing, peerID)
	}
	pc, hadPending := s.pending[peerID]
	if hadPending {
		delete(s.pending, peerID)
	}
	s.mu.Unlock()

	if !hadOutgoing && !hadPending {
		return
	}
	if hadOutgoing && session != nil {
		session.resolve(StateCancelled)
	}
	if hadPending {
		select {
		case pc.decision <- DecisionCancelled:
		default:
		}
	}
	log.Printf("[PAIRING] Cancelled by remote device: %s", peerID)
	s.broadcast("pairing-cancelled", map[string]interface{}{"deviceId": peerID})
}

// CheckResult is the /check-pairing-requests response body.
type CheckResult struct {
	Status  string      `json:"status"`
	Request interface{} `json:"request,omitempty"`
}

// CheckRequests serves /check-pairing-requests/{id}: reports whether any
// handshake involving peerID is pending on this node. Outgoing requests are
// checked before inbound ones (same tie-break as HandleRemoteResponse).
func (s *Service) CheckRequests(peerID string) CheckResult {
	s.mu.RLock()
	out, hasOutgoing := s.outgoing[peerID]
	_, hasPending := s.pending[peerID]
	s.mu.RUnlock()

	if !hasOutgoing && !hasPending {
		return CheckResult{Status: "none"}
	}

	info := s.identity()
	req := map[string]interface{}{
		"id":   info.ID,
		"name": info.Name,
		"os":   info.OS,
		"ip":   info.IP,
	}
	if hasOutgoing {
		req["totalFiles"] = len(out.Files)
		var total int64
		for _, f := range out.Files {
			total += f.Size
		}
		req["totalSize"] = total
	}
	return CheckResult{Status: "pending", Request: req}
}

// OutgoingFiles returns the manifest registered with a poll-mode request,
// used to build the transfer once the peer accepts.
func (s *Service) OutgoingFiles(peerID string) ([]models.FileMeta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outgoing[peerID]
	if !ok {
		return nil, false
	}
	return out.Files, true
}

// RemoteRequest is what PollPeer finds on a remote node.
type RemoteRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	OS   string `json:"os"`
	IP   string `json:"ip"`
}

// PollPeer asks one remote node whether it holds a pairing request aimed at
// this node. This is the client side of /check-pairing-requests, used by
// polling-style (mobile) deployments.
func (s *Service) PollPeer(ip string) (*RemoteRequest, error) {
	url := fmt.Sprintf("http://%s:%d/check-pairing-requests/%s", ip, s.cfg.HTTPPort, s.identity().ID)
	resp, err := s.poll.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Status  string        `json:"status"`
		Request RemoteRequest `json:"request"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	if body.Status != "pending" {
		return nil, nil
	}
	if body.Request.IP == "" {
		body.Request.IP = ip
	}
	return &body.Request, nil
}

// RespondToPeer delivers this node's decision to a remote initiator
// (the client side of /respond-to-connection).
func (s *Service) RespondToPeer(ip string, accepted bool) error {
	body, err := json.Marshal(map[string]interface{}{
		"deviceId": s.identity().ID,
		"accepted": accepted,
	})
	if err != nil {
		return err
	}
	url := fmt.Sprintf("http://%s:%d/respond-to-connection", ip, s.cfg.HTTPPort)
	resp, err := s.poll.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("respond to %s: %w", ip, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("respond to %s: status %d", ip, resp.StatusCode)
	}
	return nil
}
