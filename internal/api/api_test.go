package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
)

type stubRegistry struct {
	files     map[string]*registry.File
	jobs      map[string]*registry.Job
	duplicate *registry.File

	cancelled []string
	deleted   []string
}

func (s *stubRegistry) CreateFile(ctx context.Context, file *registry.File) (string, error) {
	if s.files == nil {
		s.files = make(map[string]*registry.File)
	}
	file.ID = "file-new"
	file.UploadedAt = time.Now()
	s.files[file.ID] = file
	return file.ID, nil
}

func (s *stubRegistry) GetFile(ctx context.Context, id string) (*registry.File, error) {
	return s.files[id], nil
}

func (s *stubRegistry) FindDuplicate(ctx context.Context, name string, size int64, modTime string) (*registry.File, error) {
	return s.duplicate, nil
}

func (s *stubRegistry) ListFiles(ctx context.Context) ([]*registry.File, error) {
	var all []*registry.File
	for _, f := range s.files {
		all = append(all, f)
	}
	return all, nil
}

func (s *stubRegistry) DeleteFile(ctx context.Context, id string) (bool, error) {
	delete(s.files, id)
	return true, nil
}

func (s *stubRegistry) GetJob(ctx context.Context, id string) (*registry.Job, error) {
	return s.jobs[id], nil
}

func (s *stubRegistry) ListJobs(ctx context.Context, state registry.State) ([]*registry.Job, error) {
	var all []*registry.Job
	for _, j := range s.jobs {
		if state == "" || j.State == state {
			all = append(all, j)
		}
	}
	return all, nil
}

func (s *stubRegistry) CancelJob(ctx context.Context, id string) (bool, error) {
	job, ok := s.jobs[id]
	if !ok || job.State.Terminal() {
		return false, nil
	}
	job.State = registry.StateCancelled
	s.cancelled = append(s.cancelled, id)
	return true, nil
}

func (s *stubRegistry) DeleteJob(ctx context.Context, id string) (bool, error) {
	delete(s.jobs, id)
	s.deleted = append(s.deleted, id)
	return true, nil
}

type stubJobService struct {
	enqueued []struct {
		fileID  string
		jobType string
	}
	events []jobs.ProgressEvent
}

func (s *stubJobService) Enqueue(ctx context.Context, fileID, jobType string, params json.RawMessage) (string, error) {
	s.enqueued = append(s.enqueued, struct {
		fileID  string
		jobType string
	}{fileID, jobType})
	return "job-new", nil
}

func (s *stubJobService) StreamProgress(ctx context.Context, jobID string, interval time.Duration) <-chan jobs.ProgressEvent {
	ch := make(chan jobs.ProgressEvent, len(s.events))
	for _, event := range s.events {
		ch <- event
	}
	close(ch)
	return ch
}

func (s *stubJobService) QueueLen() int { return 2 }

type stubStorage struct {
	saved   *storage.SavedFile
	removed []string
}

func (s *stubStorage) SaveUpload(src io.Reader, originalName string) (*storage.SavedFile, error) {
	io.Copy(io.Discard, src)
	return s.saved, nil
}

func (s *stubStorage) Remove(path string) error {
	s.removed = append(s.removed, path)
	return nil
}

type stubThumbnailer struct{}

func (s *stubThumbnailer) RenderThumbnail(ctx context.Context, pdfPath string, page int) (string, error) {
	return "", nil
}

func newTestRouter(reg *stubRegistry, jobSvc *stubJobService, store *stubStorage) *gin.Engine {
	gin.SetMode(gin.TestMode)
	server := NewServer(reg, jobSvc, store, &stubThumbnailer{},
		1<<20, 10*time.Millisecond, 4*time.Hour, log.New(io.Discard, "", 0))
	router := gin.New()
	server.Register(router.Group("/api/v1"))
	return router
}

func multipartUpload(t *testing.T, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	fw, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile returned error: %v", err)
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestUploadCreatesFile(t *testing.T) {
	reg := &stubRegistry{}
	store := &stubStorage{saved: &storage.SavedFile{
		StoredName: "abc.pdf",
		Path:       "/uploads/abc.pdf",
		SizeBytes:  5,
		Hash:       "h",
		Pages:      3,
	}}
	router := newTestRouter(reg, &stubJobService{}, store)

	body, contentType := multipartUpload(t, "report.pdf", "dummy")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		File          fileView `json:"file"`
		AlreadyExists bool     `json:"alreadyExists"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.AlreadyExists {
		t.Fatal("alreadyExists = true for a fresh upload")
	}
	if resp.File.OriginalName != "report.pdf" || resp.File.Pages != 3 {
		t.Fatalf("file view = %+v", resp.File)
	}
}

func TestUploadDetectsDuplicate(t *testing.T) {
	existing := &registry.File{ID: "file-1", OriginalName: "report.pdf", SizeBytes: 5, Pages: 3}
	reg := &stubRegistry{duplicate: existing}
	store := &stubStorage{}
	router := newTestRouter(reg, &stubJobService{}, store)

	body, contentType := multipartUpload(t, "report.pdf", "dummy")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		File          fileView `json:"file"`
		AlreadyExists bool     `json:"alreadyExists"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if !resp.AlreadyExists || resp.File.ID != "file-1" {
		t.Fatalf("response = %+v, want existing file", resp)
	}
	if len(store.removed) != 0 {
		t.Fatal("duplicate upload must not touch storage")
	}
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	router := newTestRouter(&stubRegistry{}, &stubJobService{}, &stubStorage{})

	body, contentType := multipartUpload(t, "notes.docx", "dummy")
	req := httptest.NewRequest(http.MethodPost, "/api/v1/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConvertEnqueuesJob(t *testing.T) {
	reg := &stubRegistry{files: map[string]*registry.File{
		"file-1": {ID: "file-1", OriginalName: "report.pdf"},
	}}
	jobSvc := &stubJobService{}
	router := newTestRouter(reg, jobSvc, &stubStorage{})

	payload := `{"fileId":"file-1","degrees":90}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/rotate", strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "job-new") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(jobSvc.enqueued) != 1 || jobSvc.enqueued[0].jobType != "rotate" || jobSvc.enqueued[0].fileID != "file-1" {
		t.Fatalf("enqueued = %+v", jobSvc.enqueued)
	}
}

func TestConvertRequiresFileID(t *testing.T) {
	router := newTestRouter(&stubRegistry{}, &stubJobService{}, &stubStorage{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/rotate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestConvertURLBasedNeedsNoFile(t *testing.T) {
	jobSvc := &stubJobService{}
	router := newTestRouter(&stubRegistry{}, jobSvc, &stubStorage{})

	payload := `{"url":"https://example.jp"}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/convert/scrape", strings.NewReader(payload))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(jobSvc.enqueued) != 1 || jobSvc.enqueued[0].fileID != "" {
		t.Fatalf("enqueued = %+v, fileID must be empty for url jobs", jobSvc.enqueued)
	}
}

func TestGetJobNotFound(t *testing.T) {
	router := newTestRouter(&stubRegistry{}, &stubJobService{}, &stubStorage{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/missing", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestListJobsRejectsUnknownState(t *testing.T) {
	router := newTestRouter(&stubRegistry{}, &stubJobService{}, &stubStorage{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs?state=bogus", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestDeleteJobCancelsRunning(t *testing.T) {
	reg := &stubRegistry{jobs: map[string]*registry.Job{
		"job-1": {ID: "job-1", State: registry.StateProcessing},
	}}
	router := newTestRouter(reg, &stubJobService{}, &stubStorage{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "cancelled") {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(reg.cancelled) != 1 || len(reg.deleted) != 0 {
		t.Fatalf("cancelled=%v deleted=%v, want cancel only", reg.cancelled, reg.deleted)
	}
}

func TestDeleteJobRemovesTerminal(t *testing.T) {
	store := &stubStorage{}
	reg := &stubRegistry{jobs: map[string]*registry.Job{
		"job-1": {ID: "job-1", State: registry.StateCompleted, ResultPath: "/out/job-1_x.zip"},
	}}
	router := newTestRouter(reg, &stubJobService{}, store)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/jobs/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(reg.deleted) != 1 {
		t.Fatalf("deleted = %v", reg.deleted)
	}
	if len(store.removed) != 1 || store.removed[0] != "/out/job-1_x.zip" {
		t.Fatalf("removed = %v", store.removed)
	}
}

func TestDownloadNamesResultAfterSource(t *testing.T) {
	dir := t.TempDir()
	resultPath := filepath.Join(dir, "job-1_report_rotated.pdf")
	if err := os.WriteFile(resultPath, []byte("%PDF-1.4\n"), 0o644); err != nil {
		t.Fatalf("WriteFile returned error: %v", err)
	}

	finished := time.Now()
	reg := &stubRegistry{jobs: map[string]*registry.Job{
		"job-1": {
			ID:         "job-1",
			Type:       "rotate",
			State:      registry.StateCompleted,
			ResultPath: resultPath,
			FileName:   "report.pdf",
			FinishedAt: &finished,
		},
	}}
	router := newTestRouter(reg, &stubJobService{}, &stubStorage{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/download/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	disposition := rec.Header().Get("Content-Disposition")
	if !strings.Contains(disposition, "rotate_report.pdf") {
		t.Fatalf("Content-Disposition = %q", disposition)
	}
	if rec.Header().Get("X-Job-Id") != "job-1" {
		t.Fatalf("X-Job-Id = %q", rec.Header().Get("X-Job-Id"))
	}
}

func TestDownloadRejectsUnfinishedJob(t *testing.T) {
	reg := &stubRegistry{jobs: map[string]*registry.Job{
		"job-1": {ID: "job-1", State: registry.StateProcessing},
	}}
	router := newTestRouter(reg, &stubJobService{}, &stubStorage{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/download/job-1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

// sseRecorder は c.Stream が要求する http.CloseNotifier を満たすレコーダーです。
// 素の httptest.ResponseRecorder にはこのメソッドがありません。
type sseRecorder struct {
	*httptest.ResponseRecorder
	closed chan bool
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{httptest.NewRecorder(), make(chan bool, 1)}
}

func (r *sseRecorder) CloseNotify() <-chan bool { return r.closed }

func TestJobProgressStreamsEvents(t *testing.T) {
	jobSvc := &stubJobService{events: []jobs.ProgressEvent{
		{State: registry.StatePending, Progress: 0},
		{State: registry.StateProcessing, Progress: 50, Message: "半分"},
		{State: registry.StateCompleted, Progress: 100},
	}}
	router := newTestRouter(&stubRegistry{}, jobSvc, &stubStorage{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/job-1/progress", nil)
	rec := newSSERecorder()
	router.ServeHTTP(rec, req)

	if got := rec.Header().Get("Content-Type"); !strings.HasPrefix(got, "text/event-stream") {
		t.Fatalf("Content-Type = %q", got)
	}
	body := rec.Body.String()
	if strings.Count(body, "event:progress") != 3 {
		t.Fatalf("body = %s", body)
	}
	if !strings.Contains(body, `"progress":100`) {
		t.Fatalf("terminal event missing: %s", body)
	}
}

func TestStatusReportsQueueAndCounts(t *testing.T) {
	reg := &stubRegistry{jobs: map[string]*registry.Job{
		"a": {ID: "a", State: registry.StatePending},
		"b": {ID: "b", State: registry.StateCompleted},
		"c": {ID: "c", State: registry.StateCompleted},
	}}
	router := newTestRouter(reg, &stubJobService{}, &stubStorage{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		QueueLength int            `json:"queueLength"`
		Jobs        map[string]int `json:"jobs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response: %v", err)
	}
	if resp.QueueLength != 2 {
		t.Fatalf("queueLength = %d, want 2", resp.QueueLength)
	}
	if resp.Jobs["completed"] != 2 || resp.Jobs["pending"] != 1 {
		t.Fatalf("jobs = %v", resp.Jobs)
	}
}
