// Package sweeper は保持期間を過ぎたファイル・ジョブ・孤児ファイルを定期的に削除します。
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/yourusername/pdfexport/internal/registry"
)

// Store はレジストリのうち掃除に必要な操作です。
type Store interface {
	FilesOlderThan(ctx context.Context, cutoff time.Time) ([]*registry.File, error)
	JobsOlderThan(ctx context.Context, cutoff time.Time) ([]*registry.Job, error)
	DeleteFile(ctx context.Context, id string) (bool, error)
	DeleteJob(ctx context.Context, id string) (bool, error)
}

// Storage はディスク上のファイル削除と孤児検出を提供します。
type Storage interface {
	Remove(path string) error
	OrphansOlderThan(cutoff time.Time) []string
}

// Result は1回の掃除で削除された件数です。
type Result struct {
	Files   int
	Jobs    int
	Orphans int
}

// Sweeper は保持期間切れのデータを削除するバックグラウンドタスクです。
// ワーカーとは独立に動き、個別の削除失敗はログに残して続行します。
type Sweeper struct {
	store     Store
	storage   Storage
	retention time.Duration
	interval  time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// New は Sweeper を作成します。
func New(store Store, storage Storage, retention, interval time.Duration, logger *log.Logger) *Sweeper {
	if logger == nil {
		logger = log.Default()
	}
	return &Sweeper{
		store:     store,
		storage:   storage,
		retention: retention,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// Run は ctx が打ち切られるまで interval ごとに掃除を実行し続けます。
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Printf("sweeper started (retention=%s, interval=%s)", s.retention, s.interval)
	for {
		select {
		case <-ticker.C:
			s.SweepOnce(ctx)
		case <-ctx.Done():
			s.logger.Printf("sweeper stopped")
			return
		}
	}
}

// SweepOnce は掃除を1回実行します。冪等であり、続けて実行しても
// 追加の削除は発生しません。
func (s *Sweeper) SweepOnce(ctx context.Context) Result {
	cutoff := s.now().Add(-s.retention)
	var result Result

	// 期限切れのファイル行と実ファイル
	files, err := s.store.FilesOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Printf("sweep: failed to list expired files: %v", err)
	}
	for _, file := range files {
		if err := s.storage.Remove(file.Path); err != nil {
			s.logger.Printf("sweep: failed to remove %s: %v", file.Path, err)
		}
		if _, err := s.store.DeleteFile(ctx, file.ID); err != nil {
			s.logger.Printf("sweep: failed to delete file record %s: %v", file.ID, err)
			continue
		}
		result.Files++
	}

	// 期限切れのジョブ行と結果ファイル
	jobs, err := s.store.JobsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Printf("sweep: failed to list expired jobs: %v", err)
	}
	for _, job := range jobs {
		if job.ResultPath != "" {
			if err := s.storage.Remove(job.ResultPath); err != nil {
				s.logger.Printf("sweep: failed to remove result %s: %v", job.ResultPath, err)
			}
		}
		if _, err := s.store.DeleteJob(ctx, job.ID); err != nil {
			s.logger.Printf("sweep: failed to delete job record %s: %v", job.ID, err)
			continue
		}
		result.Jobs++
	}

	// レジストリに行が残っていない孤児ファイル（クラッシュ時の残骸など）
	for _, path := range s.storage.OrphansOlderThan(cutoff) {
		if err := s.storage.Remove(path); err != nil {
			s.logger.Printf("sweep: failed to remove orphan %s: %v", path, err)
			continue
		}
		result.Orphans++
	}

	if result.Files > 0 || result.Jobs > 0 || result.Orphans > 0 {
		s.logger.Printf("sweep: removed %d file(s), %d job(s), %d orphan(s)",
			result.Files, result.Jobs, result.Orphans)
	}
	return result
}
