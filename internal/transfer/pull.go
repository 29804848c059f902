package transfer

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"exlink/internal/models"
)

func newPullState(session *Session, items []models.TransferItem) *pullState {
	files := make([]models.PullFile, len(items))
	for i, it := range items {
		size := it.Size
		if it.Type == models.ItemText && size == 0 {
			size = int64(len(it.Content))
		}
		files[i] = models.PullFile{
			Name:  it.Name,
			Size:  size,
			Type:  it.Type,
			Index: i,
			Path:  it.Path,
		}
	}
	return &pullState{
		session: session,
		items:   items,
		files:   files,
		served:  make([]bool, len(items)),
	}
}

// PullStatus serves GET /transfer-status/{id}: the manifest registered for
// the asking peer, or nothing.
func (s *Service) PullStatus(peerID string) ([]models.PullFile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.downloads[peerID]
	if !ok {
		return nil, false
	}
	files := make([]models.PullFile, len(d.files))
	copy(files, d.files)
	return files, true
}

// DownloadStream serves one file of a pull batch. Reads emit throttled
// transfer-progress events; cumulative progress counts every manifest file
// before this index as already processed, so out-of-order fetches still
// report correct batch totals.
type DownloadStream struct {
	File models.PullFile

	svc   *Service
	state *pullState
	src   io.ReadCloser
	prev  int64
	read  int64

	start    time.Time
	lastEmit time.Time
}

// OpenDownload serves GET /download/{id}/{index}.
func (s *Service) OpenDownload(peerID string, index int) (*DownloadStream, error) {
	s.mu.RLock()
	d, ok := s.downloads[peerID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoDownload
	}
	if d.session.Cancelled() {
		return nil, ErrCancelled
	}
	if index < 0 || index >= len(d.files) {
		return nil, fmt.Errorf("file index %d out of range", index)
	}

	file := d.files[index]
	item := d.items[index]
	var src io.ReadCloser
	if item.Type == models.ItemText {
		src = io.NopCloser(strings.NewReader(item.Content))
	} else {
		f, err := os.Open(item.Path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", item.Path, err)
		}
		src = f
	}

	var prev int64
	for _, f := range d.files[:index] {
		prev += f.Size
	}
	return &DownloadStream{
		File:     file,
		svc:      s,
		state:    d,
		src:      src,
		prev:     prev,
		start:    time.Now(),
		lastEmit: time.Now().Add(-s.cfg.ProgressThrottle),
	}, nil
}

func (ds *DownloadStream) Read(p []byte) (int, error) {
	if ds.state.session.Cancelled() {
		return 0, ErrCancelled
	}
	n, err := ds.src.Read(p)
	if n > 0 {
		ds.read += int64(n)
		if time.Since(ds.lastEmit) >= ds.svc.cfg.ProgressThrottle {
			ds.emit()
		}
	}
	if err == io.EOF {
		ds.finishFile()
	}
	return n, err
}

func (ds *DownloadStream) Close() error { return ds.src.Close() }

func (ds *DownloadStream) emit() {
	ds.lastEmit = time.Now()
	session := ds.state.session
	ds.svc.broadcast("transfer-progress", progressPayload(
		session.PeerID, ds.prev+ds.read, session.TotalBytes,
		ds.read, ds.File.Size, ds.File.Name, ds.File.Index, session.TotalFiles, ds.start,
	))
}

// finishFile marks the index served and completes the batch once every file
// has gone out, so a peer that never calls /transfer-finish still resolves.
func (ds *DownloadStream) finishFile() {
	if ds.state.session.Cancelled() {
		return
	}
	ds.emit()

	ds.state.mu.Lock()
	ds.state.served[ds.File.Index] = true
	all := true
	for _, served := range ds.state.served {
		if !served {
			all = false
			break
		}
	}
	ds.state.mu.Unlock()

	if all {
		ds.svc.finishPull(ds.state.session.PeerID)
	}
}

// finishPull completes a pull batch exactly once.
func (s *Service) finishPull(peerID string) bool {
	s.mu.Lock()
	d, ok := s.downloads[peerID]
	if ok {
		delete(s.downloads, peerID)
		if s.active[peerID] == d.session {
			delete(s.active, peerID)
		}
	}
	s.mu.Unlock()
	if !ok {
		return false
	}

	d.session.setState(StateCompleted)
	for _, f := range d.files {
		s.recordHistory("send", peerID, d.session.PeerName, f.Name, f.Size, "completed")
	}
	log.Printf("[TRANSFER] %s finished pulling %d files", d.session.PeerName, len(d.files))
	s.broadcast("transfer-complete", map[string]interface{}{
		"deviceId":   peerID,
		"totalFiles": d.session.TotalFiles,
		"totalBytes": d.session.TotalBytes,
	})
	return true
}
