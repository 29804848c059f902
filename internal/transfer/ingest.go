package transfer

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ingestFor returns (creating if needed) the inbound-batch state for a
// sender. Batches start implicitly with the first upload and end on
// /transfer-finish or cancellation.
func (s *Service) ingestFor(peerID, remoteIP string) *ingestState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.ingests[peerID]; ok {
		return st
	}
	st := &ingestState{peerID: peerID, remoteIP: remoteIP, startedAt: time.Now()}
	s.ingests[peerID] = st
	return st
}

// Ingest handles one POST /upload: the multipart body is streamed straight
// to the save directory, never buffered whole. Returns the saved path.
func (s *Service) Ingest(r *http.Request) (string, error) {
	peerID := r.Header.Get("x-transfer-id")
	if peerID == "" {
		return "", errors.New("missing x-transfer-id header")
	}
	remoteIP, _, _ := net.SplitHostPort(r.RemoteAddr)
	st := s.ingestFor(peerID, remoteIP)
	if st.cancelled.Load() {
		return "", ErrCancelled
	}

	fileSize := headerInt(r, "x-file-size")
	totalSize := headerInt(r, "x-total-size")
	totalFiles := int(headerInt(r, "x-total-files"))
	fileIndex := int(headerInt(r, "x-file-index"))

	mr, err := r.MultipartReader()
	if err != nil {
		return "", fmt.Errorf("read multipart: %w", err)
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return "", errors.New("no file part in upload")
		}
		if err != nil {
			return "", fmt.Errorf("read multipart: %w", err)
		}
		if part.FormName() != "file" || part.FileName() == "" {
			part.Close()
			continue
		}

		path, err := s.savePart(st, part, part.FileName(), fileSize, totalSize, fileIndex, totalFiles)
		part.Close()
		if err != nil {
			// Reap the batch state: its byte counts are dead, and the
			// sender will not send /transfer-finish after a failure. The
			// next batch from this peer starts clean.
			s.mu.Lock()
			if s.ingests[peerID] == st {
				delete(s.ingests, peerID)
			}
			s.mu.Unlock()
			s.broadcast("upload-error", map[string]interface{}{
				"deviceId": peerID,
				"fileName": part.FileName(),
				"error":    err.Error(),
			})
			return "", err
		}

		st.received.Add(1)
		s.recordHistory("receive", peerID, peerID, part.FileName(), fileSize, "completed")
		log.Printf("[TRANSFER] Received %s from %s", filepath.Base(path), peerID)
		s.broadcast("upload-complete", map[string]interface{}{
			"deviceId": peerID,
			"fileName": part.FileName(),
			"savedAs":  path,
		})
		return path, nil
	}
}

func (s *Service) savePart(st *ingestState, part io.Reader, name string, fileSize, totalSize int64, index, totalFiles int) (string, error) {
	if err := os.MkdirAll(s.cfg.SaveDir, 0755); err != nil {
		return "", fmt.Errorf("create save dir: %w", err)
	}
	// Millisecond prefix keeps repeated sends of the same name apart.
	dest := filepath.Join(s.cfg.SaveDir,
		fmt.Sprintf("%d-%s", time.Now().UnixMilli(), filepath.Base(name)))

	out, err := os.Create(dest)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dest, err)
	}

	counter := &ingestCounter{
		svc:        s,
		st:         st,
		name:       name,
		fileSize:   fileSize,
		totalSize:  totalSize,
		index:      index,
		totalFiles: totalFiles,
		lastEmit:   time.Now().Add(-s.cfg.ProgressThrottle),
	}
	_, err = io.Copy(out, io.TeeReader(part, counter))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dest) // drop the partial file
		return "", err
	}
	counter.emitFinal()
	return dest, nil
}

func headerInt(r *http.Request, key string) int64 {
	v, err := strconv.ParseInt(r.Header.Get(key), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

// ingestCounter counts received bytes and emits throttled upload-progress
// events. A tripped cancellation flag aborts the copy on the next chunk.
type ingestCounter struct {
	svc        *Service
	st         *ingestState
	name       string
	fileSize   int64
	totalSize  int64
	index      int
	totalFiles int

	fileRead int64
	lastEmit time.Time
}

func (c *ingestCounter) Write(p []byte) (int, error) {
	if c.st.cancelled.Load() {
		return 0, ErrCancelled
	}
	n := len(p)
	c.fileRead += int64(n)
	c.st.processed.Add(int64(n))

	if time.Since(c.lastEmit) >= c.svc.cfg.ProgressThrottle {
		c.emit()
	}
	return n, nil
}

func (c *ingestCounter) emit() {
	c.lastEmit = time.Now()
	c.svc.broadcast("upload-progress", progressPayload(
		c.st.peerID, c.st.processed.Load(), c.totalSize,
		c.fileRead, c.fileSize, c.name, c.index, c.totalFiles, c.st.startedAt,
	))
}

func (c *ingestCounter) emitFinal() {
	if c.st.cancelled.Load() {
		return
	}
	c.emit()
}
