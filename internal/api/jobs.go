package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdfexport/internal/registry"
)

// URLを入力とする変換タイプ。入力ファイルを必要としません。
var urlBasedTypes = map[string]bool{
	"scrape":    true,
	"from-html": true,
}

// handleConvert は POST /convert/:type のハンドラーです。
// リクエストボディ全体をパラメータとしてジョブに渡します。パラメータの
// 中身の検証はプロセッサが行います。
func (s *Server) handleConvert(c *gin.Context) {
	jobType := strings.TrimSpace(c.Param("type"))
	if jobType == "" {
		respondInvalid(c, "変換タイプを指定してください。")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		respondInvalid(c, "リクエストボディを読み込めません。")
		return
	}

	var params struct {
		FileID string `json:"fileId"`
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &params); err != nil {
			respondInvalid(c, "リクエストボディはJSONで指定してください。")
			return
		}
	}

	if urlBasedTypes[jobType] {
		params.FileID = ""
	} else {
		if params.FileID == "" {
			respondInvalid(c, "fileId を指定してください。")
			return
		}
		file, err := s.store.GetFile(c.Request.Context(), params.FileID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		if file == nil {
			respondNotFound(c, "ファイルが見つかりません。")
			return
		}
	}

	var jobParams json.RawMessage
	if len(raw) > 0 {
		jobParams = json.RawMessage(raw)
	}

	jobID, err := s.jobs.Enqueue(c.Request.Context(), params.FileID, jobType, jobParams)
	if err != nil {
		respondWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"jobId": jobID})
}

// handleListJobs は GET /jobs のハンドラーです。state クエリで絞り込めます。
func (s *Server) handleListJobs(c *gin.Context) {
	var state registry.State
	if raw := c.Query("state"); raw != "" {
		state = registry.State(raw)
		if !state.Valid() {
			respondInvalid(c, "不正なジョブ状態です: "+raw)
			return
		}
	}

	jobList, err := s.store.ListJobs(c.Request.Context(), state)
	if err != nil {
		respondWithError(c, err)
		return
	}
	views := make([]jobView, 0, len(jobList))
	for _, job := range jobList {
		views = append(views, newJobView(job))
	}
	c.JSON(http.StatusOK, gin.H{"jobs": views})
}

// handleGetJob は GET /jobs/:id のハンドラーです。
func (s *Server) handleGetJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if job == nil {
		respondNotFound(c, "ジョブが見つかりません。")
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": newJobView(job)})
}

// handleJobProgress は GET /jobs/:id/progress のハンドラーです。
// 進捗の変化をServer-Sent Eventsで配信し、終端状態に達したら切断します。
func (s *Server) handleJobProgress(c *gin.Context) {
	jobID := c.Param("id")

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	events := s.jobs.StreamProgress(c.Request.Context(), jobID, s.pollInterval)
	c.Stream(func(w io.Writer) bool {
		event, ok := <-events
		if !ok {
			return false
		}
		if event.Err != "" {
			c.SSEvent("error", gin.H{"message": event.Err})
			return false
		}
		c.SSEvent("progress", gin.H{
			"state":    event.State,
			"progress": event.Progress,
			"message":  event.Message,
		})
		return true
	})
}

// handleDeleteJob は DELETE /jobs/:id のハンドラーです。
// 実行前・実行中のジョブはキャンセルし、終端状態のジョブは
// レコードと結果ファイルを削除します。
func (s *Server) handleDeleteJob(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if job == nil {
		respondNotFound(c, "ジョブが見つかりません。")
		return
	}

	if !job.State.Terminal() {
		cancelled, err := s.store.CancelJob(c.Request.Context(), job.ID)
		if err != nil {
			respondWithError(c, err)
			return
		}
		// 競合してワーカーが先に終端化した場合はそのまま削除に回します。
		if cancelled {
			c.JSON(http.StatusOK, gin.H{"cancelled": true})
			return
		}
	}

	if _, err := s.store.DeleteJob(c.Request.Context(), job.ID); err != nil {
		respondWithError(c, err)
		return
	}
	if err := s.storage.Remove(job.ResultPath); err != nil {
		s.logger.Printf("failed to remove result %s: %v", job.ResultPath, err)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleDownload は GET /download/:id のハンドラーです。
// 完了したジョブの結果を `<type>_<元ファイル名><拡張子>` の名前で返します。
func (s *Server) handleDownload(c *gin.Context) {
	job, err := s.store.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if job == nil {
		respondNotFound(c, "ジョブが見つかりません。")
		return
	}
	if job.State != registry.StateCompleted || job.ResultPath == "" {
		respondInvalid(c, "このジョブの結果はまだダウンロードできません。")
		return
	}

	info, err := os.Stat(job.ResultPath)
	if err != nil {
		respondNotFound(c, "結果ファイルが見つかりません。既に削除された可能性があります。")
		return
	}

	name := downloadName(job)

	contentType := "application/octet-stream"
	if mtype, err := mimetype.DetectFile(job.ResultPath); err == nil {
		contentType = mtype.String()
	}

	file, err := os.Open(job.ResultPath)
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer file.Close()

	encodedName := url.PathEscape(name)
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", name, encodedName))
	c.Header("Cache-Control", "no-store")
	c.Header("X-Job-Id", job.ID)
	c.DataFromReader(http.StatusOK, info.Size(), contentType, file, nil)
}

// downloadName はダウンロード時のファイル名を組み立てます。
// 元ファイルがないジョブ（URL入力）では結果ファイル名からジョブIDの
// 接頭辞を外したものを使います。
func downloadName(job *registry.Job) string {
	ext := filepath.Ext(job.ResultPath)
	if job.FileName != "" {
		base := strings.TrimSuffix(filepath.Base(job.FileName), filepath.Ext(job.FileName))
		return fmt.Sprintf("%s_%s%s", job.Type, base, ext)
	}
	base := filepath.Base(job.ResultPath)
	base = strings.TrimPrefix(base, job.ID+"_")
	return fmt.Sprintf("%s_%s", job.Type, base)
}

// handleListDownloads は GET /downloads のハンドラーです。
// 結果ファイルが残っている完了ジョブの一覧を返します。
func (s *Server) handleListDownloads(c *gin.Context) {
	jobList, err := s.store.ListJobs(c.Request.Context(), registry.StateCompleted)
	if err != nil {
		respondWithError(c, err)
		return
	}

	type downloadView struct {
		JobID      string `json:"jobId"`
		Type       string `json:"type"`
		Name       string `json:"name"`
		SizeBytes  int64  `json:"sizeBytes"`
		FinishedAt *time.Time `json:"finishedAt,omitempty"`
	}

	downloads := make([]downloadView, 0, len(jobList))
	for _, job := range jobList {
		if job.ResultPath == "" {
			continue
		}
		info, err := os.Stat(job.ResultPath)
		if err != nil {
			continue
		}
		downloads = append(downloads, downloadView{
			JobID:      job.ID,
			Type:       job.Type,
			Name:       downloadName(job),
			SizeBytes:  info.Size(),
			FinishedAt: job.FinishedAt,
		})
	}

	c.JSON(http.StatusOK, gin.H{"downloads": downloads})
}

// handleStatus は GET /status のハンドラーです。
func (s *Server) handleStatus(c *gin.Context) {
	jobList, err := s.store.ListJobs(c.Request.Context(), "")
	if err != nil {
		respondWithError(c, err)
		return
	}

	counts := map[registry.State]int{}
	for _, job := range jobList {
		counts[job.State]++
	}

	c.JSON(http.StatusOK, gin.H{
		"queueLength":    s.jobs.QueueLen(),
		"jobs":           counts,
		"retentionHours": int(s.retention.Hours()),
		"uptimeSeconds":  int(time.Since(s.startedAt).Seconds()),
	})
}
