// Package api はHTTPハンドラー群を提供します。各ハンドラーは必要な操作だけを
// インターフェースで受け取り、テストではスタブに差し替えられます。
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdfexport/internal/apperr"
	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
)

// Registry はハンドラーが必要とするレジストリ操作です。
type Registry interface {
	CreateFile(ctx context.Context, file *registry.File) (string, error)
	GetFile(ctx context.Context, id string) (*registry.File, error)
	FindDuplicate(ctx context.Context, name string, size int64, modTime string) (*registry.File, error)
	ListFiles(ctx context.Context) ([]*registry.File, error)
	DeleteFile(ctx context.Context, id string) (bool, error)

	GetJob(ctx context.Context, id string) (*registry.Job, error)
	ListJobs(ctx context.Context, state registry.State) ([]*registry.Job, error)
	CancelJob(ctx context.Context, id string) (bool, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
}

// JobService はジョブの投入と進捗の購読を提供します。
type JobService interface {
	Enqueue(ctx context.Context, fileID, jobType string, params json.RawMessage) (string, error)
	StreamProgress(ctx context.Context, jobID string, interval time.Duration) <-chan jobs.ProgressEvent
	QueueLen() int
}

// Storage はハンドラーが必要とするファイル保存操作です。
type Storage interface {
	SaveUpload(src io.Reader, originalName string) (*storage.SavedFile, error)
	Remove(path string) error
}

// Thumbnailer はPDFページのプレビュー画像を生成します。
type Thumbnailer interface {
	RenderThumbnail(ctx context.Context, pdfPath string, page int) (string, error)
}

// Server はAPIハンドラー群とその依存をまとめます。
type Server struct {
	store        Registry
	jobs         JobService
	storage      Storage
	thumbs       Thumbnailer
	logger       *log.Logger
	maxFileSize  int64
	pollInterval time.Duration
	retention    time.Duration
	startedAt    time.Time
}

// NewServer は Server を作成します。
func NewServer(store Registry, jobSvc JobService, store2 Storage, thumbs Thumbnailer,
	maxFileSize int64, pollInterval, retention time.Duration, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		store:        store,
		jobs:         jobSvc,
		storage:      store2,
		thumbs:       thumbs,
		logger:       logger,
		maxFileSize:  maxFileSize,
		pollInterval: pollInterval,
		retention:    retention,
		startedAt:    time.Now(),
	}
}

// Register は /api/v1 配下のルーティングを登録します。
func (s *Server) Register(group *gin.RouterGroup) {
	group.POST("/upload", s.handleUpload)
	group.GET("/files", s.handleListFiles)
	group.GET("/files/:id", s.handleGetFile)
	group.GET("/files/:id/thumbnail", s.handleThumbnail)
	group.DELETE("/files/:id", s.handleDeleteFile)
	group.DELETE("/files", s.handleDeleteAllFiles)

	group.POST("/convert/:type", s.handleConvert)
	group.GET("/jobs", s.handleListJobs)
	group.GET("/jobs/:id", s.handleGetJob)
	group.GET("/jobs/:id/progress", s.handleJobProgress)
	group.DELETE("/jobs/:id", s.handleDeleteJob)

	group.GET("/download/:id", s.handleDownload)
	group.GET("/downloads", s.handleListDownloads)
	group.GET("/status", s.handleStatus)
}

// fileView はAPIレスポンス用のファイル表現です。保存パスは外に出しません。
type fileView struct {
	ID           string    `json:"id"`
	OriginalName string    `json:"originalName"`
	SizeBytes    int64     `json:"sizeBytes"`
	Pages        int       `json:"pages"`
	UploadedAt   time.Time `json:"uploadedAt"`
}

func newFileView(f *registry.File) fileView {
	return fileView{
		ID:           f.ID,
		OriginalName: f.OriginalName,
		SizeBytes:    f.SizeBytes,
		Pages:        f.Pages,
		UploadedAt:   f.UploadedAt,
	}
}

// jobView はAPIレスポンス用のジョブ表現です。
type jobView struct {
	ID          string         `json:"id"`
	FileID      string         `json:"fileId,omitempty"`
	FileName    string         `json:"fileName,omitempty"`
	Type        string         `json:"type"`
	State       registry.State `json:"state"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	StartedAt   *time.Time     `json:"startedAt,omitempty"`
	FinishedAt  *time.Time     `json:"finishedAt,omitempty"`
	ResultReady bool           `json:"resultReady"`
}

func newJobView(j *registry.Job) jobView {
	return jobView{
		ID:          j.ID,
		FileID:      j.FileID,
		FileName:    j.FileName,
		Type:        j.Type,
		State:       j.State,
		Progress:    j.Progress,
		Message:     j.Message,
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		FinishedAt:  j.FinishedAt,
		ResultReady: j.State == registry.StateCompleted && j.ResultPath != "",
	}
}

func respondWithError(c *gin.Context, err error) {
	var appErr *apperr.Error
	switch {
	case errors.As(err, &appErr):
		status := http.StatusBadRequest
		switch appErr.Code {
		case "NOT_FOUND":
			status = http.StatusNotFound
		case "FILE_TOO_LARGE":
			status = http.StatusRequestEntityTooLarge
		case "CONFLICT":
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{
			"code":    appErr.Code,
			"message": appErr.Message,
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}

func respondInvalid(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"code":    "INVALID_INPUT",
		"message": message,
	})
}

func respondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, gin.H{
		"code":    "NOT_FOUND",
		"message": message,
	})
}
