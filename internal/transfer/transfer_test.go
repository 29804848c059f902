package transfer

import (
	"bytes"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"exlink/internal/config"
	"exlink/internal/models"
)

type event struct {
	name    string
	payload interface{}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []event
}

func (r *eventRecorder) record(name string, payload interface{}) {
	r.mu.Lock()
	r.events = append(r.events, event{name, payload})
	r.mu.Unlock()
}

func (r *eventRecorder) count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.name == name {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(name string) (models.Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].name == name {
			p, ok := r.events[i].payload.(models.Progress)
			return p, ok
		}
	}
	return models.Progress{}, false
}

func testService(t *testing.T, port int) (*Service, *eventRecorder) {
	t.Helper()
	cfg := config.Defaults()
	cfg.HTTPPort = port
	cfg.ProgressThrottle = time.Millisecond
	cfg.SaveDir = t.TempDir()
	rec := &eventRecorder{}
	identity := func() models.ServerInfo {
		return models.ServerInfo{IP: "127.0.0.1", Port: port, Name: "TestNode", ID: "42", Platform: models.PlatformDesktop}
	}
	return NewService(cfg, identity, nil, rec.record), rec
}

func writeTempFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func pullItems(t *testing.T) []models.TransferItem {
	t.Helper()
	return []models.TransferItem{
		{Name: "a.txt", Size: 4, Type: models.ItemFile, Path: writeTempFile(t, "a.txt", "aaaa")},
		{Name: "b.txt", Size: 6, Type: models.ItemFile, Path: writeTempFile(t, "b.txt", "bbbbbb")},
		{Name: "note", Type: models.ItemText, Content: "hello txt"},
	}
}

func TestModeFor(t *testing.T) {
	if m := ModeFor(models.Peer{Platform: models.PlatformDesktop}); m != ModePush {
		t.Fatalf("desktop mode = %s, want push", m)
	}
	if m := ModeFor(models.Peer{Platform: models.PlatformMobile}); m != ModePull {
		t.Fatalf("mobile mode = %s, want pull", m)
	}
}

func TestStartRejectsConcurrentTransferToSamePeer(t *testing.T) {
	svc, _ := testService(t, 3030)
	peer := models.Peer{ID: "9", Name: "Phone", IP: "192.0.2.9", Platform: models.PlatformMobile}

	if _, err := svc.Start(peer, pullItems(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Start(peer, pullItems(t)); err != ErrTransferBusy {
		t.Fatalf("second Start err = %v, want ErrTransferBusy", err)
	}
}

func TestPullOutOfOrderProgress(t *testing.T) {
	svc, rec := testService(t, 3030)
	peer := models.Peer{ID: "9", Name: "Phone", IP: "192.0.2.9", Platform: models.PlatformMobile}
	items := pullItems(t)

	if _, err := svc.Start(peer, items); err != nil {
		t.Fatal(err)
	}
	files, ok := svc.PullStatus("9")
	if !ok || len(files) != 3 {
		t.Fatalf("PullStatus = %v, %v; want 3 files", files, ok)
	}

	// Fetch the last index first: cumulative progress must still count the
	// two earlier files as already processed.
	ds, err := svc.OpenDownload("9", 2)
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(ds)
	ds.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "hello txt" {
		t.Fatalf("index 2 content = %q", data)
	}
	p, ok := rec.last("transfer-progress")
	if !ok {
		t.Fatal("no transfer-progress emitted")
	}
	if want := int64(4 + 6 + 9); p.ProcessedBytes != want {
		t.Fatalf("processedBytes = %d, want %d", p.ProcessedBytes, want)
	}
	if p.FileProgress != 1 {
		t.Fatalf("fileProgress = %v, want 1", p.FileProgress)
	}

	ds, err = svc.OpenDownload("9", 0)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = io.ReadAll(ds)
	ds.Close()
	if string(data) != "aaaa" {
		t.Fatalf("index 0 content = %q", data)
	}
	p, _ = rec.last("transfer-progress")
	if p.ProcessedBytes != 4 {
		t.Fatalf("processedBytes = %d, want 4", p.ProcessedBytes)
	}
}

func TestPullCompletesWhenAllServed(t *testing.T) {
	svc, rec := testService(t, 3030)
	peer := models.Peer{ID: "9", Name: "Phone", IP: "192.0.2.9", Platform: models.PlatformMobile}

	session, err := svc.Start(peer, pullItems(t))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		ds, err := svc.OpenDownload("9", i)
		if err != nil {
			t.Fatalf("open index %d: %v", i, err)
		}
		io.Copy(io.Discard, ds)
		ds.Close()
	}

	select {
	case <-session.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session never completed")
	}
	if session.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", session.State())
	}
	if rec.count("transfer-complete") != 1 {
		t.Fatalf("transfer-complete count = %d, want 1", rec.count("transfer-complete"))
	}
	if _, ok := svc.PullStatus("9"); ok {
		t.Error("download registration survived completion")
	}
}

func TestFinishIdempotent(t *testing.T) {
	svc, rec := testService(t, 3030)
	peer := models.Peer{ID: "9", Name: "Phone", IP: "192.0.2.9", Platform: models.PlatformMobile}
	if _, err := svc.Start(peer, pullItems(t)); err != nil {
		t.Fatal(err)
	}

	svc.Finish("9")
	svc.Finish("9")
	if n := rec.count("transfer-complete"); n != 1 {
		t.Fatalf("transfer-complete count = %d, want 1", n)
	}
}

func TestCancelStopsDownloadStream(t *testing.T) {
	svc, rec := testService(t, 3030)
	peer := models.Peer{ID: "9", Name: "Phone", IP: "192.0.2.9", Platform: models.PlatformMobile}
	session, err := svc.Start(peer, pullItems(t))
	if err != nil {
		t.Fatal(err)
	}

	ds, err := svc.OpenDownload("9", 1)
	if err != nil {
		t.Fatal(err)
	}
	defer ds.Close()

	svc.Cancel("9")
	if session.State() != StateCancelled {
		t.Fatalf("state = %s, want cancelled", session.State())
	}
	before := rec.count("transfer-progress")
	if _, err := ds.Read(make([]byte, 16)); err != ErrCancelled {
		t.Fatalf("Read err = %v, want ErrCancelled", err)
	}
	if after := rec.count("transfer-progress"); after != before {
		t.Error("progress emitted after cancellation")
	}
	if _, err := svc.OpenDownload("9", 0); err != ErrNoDownload {
		t.Fatalf("OpenDownload after cancel err = %v, want ErrNoDownload", err)
	}
}

type receivedUpload struct {
	transferID string
	fileName   string
	content    string
}

func pushReceiver(t *testing.T, status int, finished *int32) (*httptest.Server, string, int, *[]receivedUpload, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var uploads []receivedUpload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/transfer-finish/") {
			mu.Lock()
			*finished++
			mu.Unlock()
			w.Write([]byte(`{"status":"ok"}`))
			return
		}
		if r.URL.Path != "/upload" {
			http.NotFound(w, r)
			return
		}
		mr, err := r.MultipartReader()
		if err != nil {
			t.Errorf("multipart: %v", err)
			return
		}
		part, err := mr.NextPart()
		if err != nil {
			t.Errorf("part: %v", err)
			return
		}
		data, _ := io.ReadAll(part)
		mu.Lock()
		uploads = append(uploads, receivedUpload{
			transferID: r.Header.Get("x-transfer-id"),
			fileName:   part.FileName(),
			content:    string(data),
		})
		mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return srv, host, port, &uploads, &mu
}

func TestPushBatch(t *testing.T) {
	var finished int32
	srv, host, port, uploads, mu := pushReceiver(t, http.StatusOK, &finished)
	defer srv.Close()

	svc, rec := testService(t, port)
	peer := models.Peer{ID: "7", Name: "Desk", IP: host, Platform: models.PlatformDesktop}
	items := []models.TransferItem{
		{Name: "a.txt", Size: 4, Type: models.ItemFile, Path: writeTempFile(t, "a.txt", "aaaa")},
		{Name: "note", Type: models.ItemText, Content: "hello txt"},
	}

	session, err := svc.Start(peer, items)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("push never finished")
	}
	if session.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", session.State())
	}

	mu.Lock()
	defer mu.Unlock()
	if len(*uploads) != 2 {
		t.Fatalf("uploads = %d, want 2", len(*uploads))
	}
	if (*uploads)[0].transferID != "42" {
		t.Errorf("x-transfer-id = %q, want 42", (*uploads)[0].transferID)
	}
	if (*uploads)[0].content != "aaaa" || (*uploads)[1].content != "hello txt" {
		t.Errorf("upload contents = %q, %q", (*uploads)[0].content, (*uploads)[1].content)
	}
	if finished != 1 {
		t.Errorf("finish signal count = %d, want 1", finished)
	}
	if rec.count("transfer-complete") != 1 {
		t.Errorf("transfer-complete count = %d", rec.count("transfer-complete"))
	}
	if rec.count("transfer-progress") == 0 {
		t.Error("no transfer-progress emitted while pushing")
	}
}

func TestPushRejectedAbortsBatch(t *testing.T) {
	var finished int32
	srv, host, port, uploads, mu := pushReceiver(t, http.StatusInternalServerError, &finished)
	defer srv.Close()

	svc, rec := testService(t, port)
	peer := models.Peer{ID: "7", Name: "Desk", IP: host, Platform: models.PlatformDesktop}
	items := []models.TransferItem{
		{Name: "a.txt", Size: 4, Type: models.ItemFile, Path: writeTempFile(t, "a.txt", "aaaa")},
		{Name: "b.txt", Size: 6, Type: models.ItemFile, Path: writeTempFile(t, "b.txt", "bbbbbb")},
	}

	session, err := svc.Start(peer, items)
	if err != nil {
		t.Fatal(err)
	}
	select {
	case <-session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("push never resolved")
	}
	if session.State() != StateErrored {
		t.Fatalf("state = %s, want errored", session.State())
	}
	mu.Lock()
	got := len(*uploads)
	fin := finished
	mu.Unlock()
	if got != 1 {
		t.Fatalf("uploads = %d, want 1 (batch must abort on first failure)", got)
	}
	if fin != 0 {
		t.Error("finish signal sent for an errored batch")
	}
	if rec.count("transfer-error") != 1 {
		t.Errorf("transfer-error count = %d, want 1", rec.count("transfer-error"))
	}
}

func ingestRequest(t *testing.T, fileName, content string, headers map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(part, content)
	mw.Close()

	r := httptest.NewRequest(http.MethodPost, "/upload", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestIngestSavesFile(t *testing.T) {
	svc, rec := testService(t, 3030)
	r := ingestRequest(t, "photo.jpg", "jpegbytes", map[string]string{
		"x-transfer-id": "7",
		"x-file-size":   "9",
		"x-total-size":  "9",
		"x-total-files": "1",
	})

	path, err := svc.Ingest(r)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(filepath.Base(path), "-photo.jpg") {
		t.Errorf("saved name %q lacks timestamp prefix scheme", filepath.Base(path))
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "jpegbytes" {
		t.Fatalf("saved content = %q", data)
	}
	p, ok := rec.last("upload-progress")
	if !ok {
		t.Fatal("no upload-progress emitted")
	}
	if p.DeviceID != "7" || p.Progress != 1 {
		t.Fatalf("final progress = %+v", p)
	}
	if rec.count("upload-complete") != 1 {
		t.Errorf("upload-complete count = %d, want 1", rec.count("upload-complete"))
	}

	svc.Finish("7")
	if rec.count("transfer-complete") != 1 {
		t.Error("transfer-complete not emitted on finish")
	}
}

// A failed upload must not leave its byte counts behind: the next batch
// from the same sender starts clean, keeping progress inside [0,1].
func TestIngestErrorResetsBatchState(t *testing.T) {
	svc, rec := testService(t, 3030)

	// A multipart body cut off mid-file fails the stream copy.
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "big.bin")
	if err != nil {
		t.Fatal(err)
	}
	part.Write(bytes.Repeat([]byte("x"), 64*1024))
	mw.Close()
	truncated := body.Bytes()[:body.Len()-32]

	r := httptest.NewRequest(http.MethodPost, "/upload", bytes.NewReader(truncated))
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r.Header.Set("x-transfer-id", "7")
	if _, err := svc.Ingest(r); err == nil {
		t.Fatal("truncated upload reported success")
	}
	if rec.count("upload-error") != 1 {
		t.Fatalf("upload-error count = %d, want 1", rec.count("upload-error"))
	}
	svc.mu.RLock()
	_, lingering := svc.ingests["7"]
	svc.mu.RUnlock()
	if lingering {
		t.Fatal("failed batch state still registered")
	}

	r = ingestRequest(t, "small.txt", "123456789", map[string]string{
		"x-transfer-id": "7",
		"x-file-size":   "9",
		"x-total-size":  "9",
		"x-total-files": "1",
	})
	if _, err := svc.Ingest(r); err != nil {
		t.Fatal(err)
	}
	p, ok := rec.last("upload-progress")
	if !ok {
		t.Fatal("no upload-progress emitted for the clean batch")
	}
	if p.ProcessedBytes != 9 {
		t.Fatalf("processedBytes = %d, want 9 (dead bytes leaked in)", p.ProcessedBytes)
	}
	if p.Progress < 0 || p.Progress > 1 {
		t.Fatalf("progress = %v, want within [0,1]", p.Progress)
	}
}

func TestIngestMissingTransferID(t *testing.T) {
	svc, _ := testService(t, 3030)
	r := ingestRequest(t, "a.txt", "aaaa", nil)
	if _, err := svc.Ingest(r); err == nil {
		t.Fatal("Ingest accepted upload without x-transfer-id")
	}
}

func TestIngestCancelledMidStream(t *testing.T) {
	svc, _ := testService(t, 3030)

	pr, pw := io.Pipe()
	defer pr.Close()
	mw := multipart.NewWriter(pw)
	r := httptest.NewRequest(http.MethodPost, "/upload", pr)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	r.Header.Set("x-transfer-id", "7")

	errCh := make(chan error, 1)
	go func() {
		_, err := svc.Ingest(r)
		errCh <- err
	}()

	part, err := mw.CreateFormFile("file", "big.bin")
	if err != nil {
		t.Fatal(err)
	}
	chunk := bytes.Repeat([]byte("x"), 32*1024)
	if _, err := part.Write(chunk); err != nil {
		t.Fatal(err)
	}

	// The ingest state exists once the first chunk lands; trip its flag.
	deadline := time.Now().Add(2 * time.Second)
	for {
		svc.mu.RLock()
		_, ok := svc.ingests["7"]
		svc.mu.RUnlock()
		if ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("ingest state never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	svc.HandleRemoteCancel("7")

	// Keep feeding until the reader gives up.
	go func() {
		for {
			if _, err := part.Write(chunk); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
	}()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("cancelled ingest reported success")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("ingest never aborted after cancellation")
	}

	entries, err := os.ReadDir(svc.cfg.SaveDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("partial file left behind: %v", entries)
	}
}
