package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/yourusername/pdfexport/internal/registry"
)

const defaultPopTimeout = 1 * time.Second

// OutputCleaner はジョブIDに紐づく出力ファイルを破棄できる実装です。
// リカバリ時に中断されたジョブの書きかけ結果を消すために使います。
type OutputCleaner interface {
	RemoveJobOutputs(jobID string) int
}

// Manager はジョブの投入・実行・進捗報告を担います。
// ワーカーはバックグラウンドの1ゴルーチンだけで、同時に実行される
// プロセッサは常に最大1つです。
type Manager struct {
	store   Store
	procs   *Processors
	queue   *Queue
	cleaner OutputCleaner // nil 可
	logger  *log.Logger

	popTimeout time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewManager は Manager を初期化します。cleaner は nil でも構いません。
func NewManager(store Store, procs *Processors, cleaner OutputCleaner, logger *log.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("store is nil")
	}
	if procs == nil {
		return nil, errors.New("processors is nil")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Manager{
		store:      store,
		procs:      procs,
		queue:      NewQueue(),
		cleaner:    cleaner,
		logger:     logger,
		popTimeout: defaultPopTimeout,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}, nil
}

// Enqueue はジョブレコードを作成してからキューへ積み、ジョブIDを返します。
// レコードの作成が先なので、ワーカーがIDを観測した時点で必ず行は読めます。
func (m *Manager) Enqueue(ctx context.Context, fileID, jobType string, params json.RawMessage) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("job type is required")
	}

	jobID, err := m.store.CreateJob(ctx, fileID, jobType, params)
	if err != nil {
		return "", err
	}

	m.queue.Push(jobID)
	m.logger.Printf("job enqueued: %s (%s)", jobID, jobType)
	return jobID, nil
}

// QueueLen は未処理のままキューに積まれているジョブ数を返します。
func (m *Manager) QueueLen() int {
	return m.queue.Len()
}

// Reporter は指定ジョブ向けの進捗コールバックを返します。
// 書き込みはレジストリへの直接更新で、呼び出しが返った時点で読み取れます。
func (m *Manager) Reporter(jobID string) ProgressFunc {
	return func(percent int, message string) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		update := registry.JobUpdate{Progress: &percent}
		if message != "" {
			update.Message = &message
		}
		if _, err := m.store.UpdateJob(context.Background(), jobID, update); err != nil {
			m.logger.Printf("failed to update progress job=%s: %v", jobID, err)
		}
	}
}

// Recover は起動時に中断されたジョブを拾い直します。
// processing のまま残っているジョブは前回のクラッシュを意味するため
// pending に戻し（書きかけの結果ファイルも破棄）、pending のジョブを
// すべてキューへ積み直します。戻り値は積み直したジョブ数です。
func (m *Manager) Recover(ctx context.Context) (int, error) {
	all, err := m.store.ListAllJobs(ctx)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for _, job := range all {
		switch job.State {
		case registry.StateProcessing:
			pending := registry.StatePending
			zero := 0
			if _, err := m.store.UpdateJob(ctx, job.ID, registry.JobUpdate{
				State:    &pending,
				Progress: &zero,
			}); err != nil {
				m.logger.Printf("recover: failed to reset job %s: %v", job.ID, err)
				continue
			}
			if m.cleaner != nil {
				if n := m.cleaner.RemoveJobOutputs(job.ID); n > 0 {
					m.logger.Printf("recover: removed %d stale output(s) of job %s", n, job.ID)
				}
			}
			m.queue.Push(job.ID)
			requeued++
		case registry.StatePending:
			m.queue.Push(job.ID)
			requeued++
		}
	}

	if requeued > 0 {
		m.logger.Printf("recover: requeued %d interrupted job(s)", requeued)
	}
	return requeued, nil
}
