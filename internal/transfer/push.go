package transfer

import (
	"context"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"exlink/internal/models"
)

// runPush streams each item in order to the peer's /upload endpoint. A
// failure aborts the remaining items; cancellation is terminal but not an
// error.
func (s *Service) runPush(ctx context.Context, session *Session, items []models.TransferItem) {
	session.setState(StateTransferring)
	start := time.Now()

	for i, item := range items {
		if session.Cancelled() {
			return
		}
		if err := s.pushOne(ctx, session, items, i, start); err != nil {
			if session.Cancelled() || ctx.Err() != nil {
				return // Cancel already tore the session down
			}
			log.Printf("[TRANSFER] Upload of %s to %s failed: %v", item.Name, session.PeerID, err)
			s.reapSession(session, StateErrored)
			s.broadcast("transfer-error", map[string]interface{}{
				"deviceId": session.PeerID,
				"fileName": item.Name,
				"error":    err.Error(),
			})
			s.recordHistory("send", session.PeerID, session.PeerName, item.Name, item.Size, "failed")
			return
		}
		s.recordHistory("send", session.PeerID, session.PeerName, item.Name, item.Size, "completed")
	}

	s.signalBatchFinished(session)
	s.reapSession(session, StateCompleted)
	log.Printf("[TRANSFER] Pushed %d files to %s", session.TotalFiles, session.PeerName)
	s.broadcast("transfer-complete", map[string]interface{}{
		"deviceId":   session.PeerID,
		"totalFiles": session.TotalFiles,
		"totalBytes": session.TotalBytes,
	})
}

func (s *Service) pushOne(ctx context.Context, session *Session, items []models.TransferItem, index int, start time.Time) error {
	item := items[index]
	var src io.ReadCloser
	if item.Type == models.ItemText {
		src = io.NopCloser(strings.NewReader(item.Content))
	} else {
		f, err := os.Open(item.Path)
		if err != nil {
			return fmt.Errorf("open %s: %w", item.Path, err)
		}
		src = f
	}
	defer src.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		part, err := mw.CreateFormFile("file", item.Name)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		counter := &pushCounter{
			svc:      s,
			session:  session,
			item:     item,
			index:    index,
			start:    start,
			lastEmit: time.Now().Add(-s.cfg.ProgressThrottle),
		}
		if _, err := io.Copy(io.MultiWriter(part, counter), src); err != nil {
			pw.CloseWithError(err)
			return
		}
		counter.emitFinal()
		pw.CloseWithError(mw.Close())
	}()

	url := fmt.Sprintf("http://%s:%d/upload", session.PeerIP, session.PeerPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, pr)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	// The receiver correlates progress and cancellation by the sender's id.
	req.Header.Set("x-transfer-id", s.identity().ID)
	req.Header.Set("x-file-index", strconv.Itoa(index))
	req.Header.Set("x-file-size", strconv.FormatInt(item.Size, 10))
	req.Header.Set("x-total-files", strconv.Itoa(session.TotalFiles))
	req.Header.Set("x-total-size", strconv.FormatInt(session.TotalBytes, 10))

	resp, err := s.upload.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("upload rejected: status %d", resp.StatusCode)
	}
	return nil
}

// signalBatchFinished tells the peer no more files are coming. Best effort:
// the files already landed, a lost signal only delays the peer's UI.
func (s *Service) signalBatchFinished(session *Session) {
	url := fmt.Sprintf("http://%s:%d/transfer-finish/%s", session.PeerIP, session.PeerPort, s.identity().ID)
	resp, err := s.notify.Get(url)
	if err != nil {
		log.Printf("[TRANSFER] Finish signal to %s failed: %v", session.PeerID, err)
		return
	}
	resp.Body.Close()
}

// reapSession moves the session to a terminal state and clears the per-peer
// slot so a new batch may start.
func (s *Service) reapSession(session *Session, terminal State) {
	if !session.setState(terminal) {
		return
	}
	s.mu.Lock()
	if s.active[session.PeerID] == session {
		delete(s.active, session.PeerID)
	}
	s.mu.Unlock()
}

// pushCounter counts bytes written into the multipart body and emits
// throttled transfer-progress events. The final byte of a file always emits.
type pushCounter struct {
	svc     *Service
	session *Session
	item    models.TransferItem
	index   int
	start   time.Time

	fileRead int64
	lastEmit time.Time
}

func (c *pushCounter) Write(p []byte) (int, error) {
	if c.session.Cancelled() {
		return 0, ErrCancelled
	}
	n := len(p)
	c.fileRead += int64(n)
	c.session.processed.Add(int64(n))

	if time.Since(c.lastEmit) >= c.svc.cfg.ProgressThrottle {
		c.emit()
	}
	return n, nil
}

func (c *pushCounter) emit() {
	c.lastEmit = time.Now()
	c.svc.broadcast("transfer-progress", progressPayload(
		c.session.PeerID, c.session.processed.Load(), c.session.TotalBytes,
		c.fileRead, c.item.Size, c.item.Name, c.index, c.session.TotalFiles, c.start,
	))
}

func (c *pushCounter) emitFinal() {
	if c.session.Cancelled() {
		return
	}
	c.emit()
}
