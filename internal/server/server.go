package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"

	"exlink/internal/api"
	"exlink/internal/config"
	"exlink/internal/discovery"
	"exlink/internal/models"
	"exlink/internal/pairing"
	"exlink/internal/transfer"
)

// Server is the inbound endpoint set every peer on the LAN talks to. It is
// a stateless dispatch layer; all state lives in the services it fronts.
type Server struct {
	cfg      config.Config
	identity func() models.ServerInfo

	disc     *discovery.Service
	pairing  *pairing.Service
	transfer *transfer.Service
	hub      *api.Hub

	httpSrv *http.Server
}

func New(cfg config.Config, identity func() models.ServerInfo,
	disc *discovery.Service, pair *pairing.Service, tr *transfer.Service, hub *api.Hub) *Server {
	return &Server{
		cfg:      cfg,
		identity: identity,
		disc:     disc,
		pairing:  pair,
		transfer: tr,
		hub:      hub,
	}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /get-server-info", s.handleServerInfo)
	mux.HandleFunc("POST /announce", s.handleAnnounce)

	mux.HandleFunc("POST /request-connect", s.handleRequestConnect)
	mux.HandleFunc("POST /respond-to-connection", s.handleRespond)
	mux.HandleFunc("GET /check-pairing-requests/{id}", s.handleCheckRequests)
	mux.HandleFunc("GET /cancel-pairing/{id}", s.handleCancelPairing)

	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /transfer-status/{id}", s.handleTransferStatus)
	mux.HandleFunc("GET /download/{id}/{index}", s.handleDownload)
	mux.HandleFunc("GET /transfer-finish/{id}", s.handleTransferFinish)
	mux.HandleFunc("GET /cancel-transfer/{id}", s.handleCancelTransfer)

	mux.HandleFunc("/ws", s.hub.ServeWS)
	return mux
}

// Start begins serving and returns; the listener runs until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("listen on %d: %w", s.cfg.HTTPPort, err)
	}
	s.httpSrv = &http.Server{Handler: s.routes()}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Println("[SERVER] Serve error:", err)
		}
	}()
	log.Printf("[SERVER] Listening on :%d", s.cfg.HTTPPort)
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleServerInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.identity())
}

func (s *Server) handleAnnounce(w http.ResponseWriter, r *http.Request) {
	var pkt models.DiscoveryPacket
	if err := json.NewDecoder(r.Body).Decode(&pkt); err != nil {
		jsonError(w, "invalid announce payload", http.StatusBadRequest)
		return
	}
	if pkt.Type == "" {
		pkt.Type = "discovery"
	}
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	s.disc.HandleAnnounce(pkt, remoteIP)
	jsonOK(w, "announced")
}

func (s *Server) handleRequestConnect(w http.ResponseWriter, r *http.Request) {
	var req pairing.ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceID == "" {
		jsonError(w, "invalid connect request", http.StatusBadRequest)
		return
	}

	// Held open until the local user decides or the remote gives up.
	decision, ok := s.pairing.HandleConnectRequest(r.Context(), req)
	if !ok {
		return // remote disconnected, nothing to write
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": string(decision)})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DeviceID string `json:"deviceId"`
		Accepted bool   `json:"accepted"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DeviceID == "" {
		jsonError(w, "invalid response payload", http.StatusBadRequest)
		return
	}
	if !s.pairing.HandleRemoteResponse(body.DeviceID, body.Accepted) {
		jsonError(w, "no pending request for device", http.StatusNotFound)
		return
	}
	jsonOK(w, "response delivered")
}

func (s *Server) handleCheckRequests(w http.ResponseWriter, r *http.Request) {
	res := s.pairing.CheckRequests(r.PathValue("id"))
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

func (s *Server) handleCancelPairing(w http.ResponseWriter, r *http.Request) {
	s.pairing.HandleRemoteCancel(r.PathValue("id"))
	jsonOK(w, "cancelled")
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	path, err := s.transfer.Ingest(r)
	if err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, transfer.ErrCancelled) {
			code = http.StatusConflict
		}
		jsonError(w, err.Error(), code)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "savedAs": path})
}

func (s *Server) handleTransferStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	files, ok := s.transfer.PullStatus(r.PathValue("id"))
	if !ok {
		json.NewEncoder(w).Encode(map[string]string{"status": "none"})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "ready", "files": files})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.Atoi(r.PathValue("index"))
	if err != nil {
		jsonError(w, "invalid file index", http.StatusBadRequest)
		return
	}
	ds, err := s.transfer.OpenDownload(r.PathValue("id"), index)
	if err != nil {
		code := http.StatusInternalServerError
		switch {
		case errors.Is(err, transfer.ErrNoDownload):
			code = http.StatusNotFound
		case errors.Is(err, transfer.ErrCancelled):
			code = http.StatusConflict
		}
		jsonError(w, err.Error(), code)
		return
	}
	defer ds.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(ds.File.Size, 10))
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", ds.File.Name))
	if _, err := io.Copy(w, ds); err != nil {
		// Mid-stream failure: headers are gone, the truncated body tells
		// the peer to retry or give up.
		log.Printf("[SERVER] Download of %s aborted: %v", ds.File.Name, err)
	}
}

func (s *Server) handleTransferFinish(w http.ResponseWriter, r *http.Request) {
	s.transfer.Finish(r.PathValue("id"))
	jsonOK(w, "finished")
}

func (s *Server) handleCancelTransfer(w http.ResponseWriter, r *http.Request) {
	s.transfer.HandleRemoteCancel(r.PathValue("id"))
	jsonOK(w, "cancelled")
}

func jsonOK(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok", "message": msg})
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
