package jobs

import (
	"context"
	"fmt"

	"github.com/yourusername/pdfexport/internal/registry"
)

// Start はワーカーゴルーチンを開始します。
func (m *Manager) Start() {
	go m.loop()
}

// Stop はワーカーへ停止を通知し、実行中のジョブが終わるまで待ちます。
// ctx の期限が先に切れた場合はエラーを返します。
func (m *Manager) Stop(ctx context.Context) error {
	close(m.stopCh)
	select {
	case <-m.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) loop() {
	defer close(m.doneCh)
	m.logger.Printf("job worker started")

	for {
		select {
		case <-m.stopCh:
			m.logger.Printf("job worker stopped")
			return
		default:
		}

		jobID, ok := m.queue.Pop(m.popTimeout)
		if !ok {
			continue
		}
		m.processOne(jobID)
	}
}

// processOne は1件のジョブを同期的に最後まで実行します。
// プロセッサのエラーやパニックはここで吸収され、ワーカーループには波及しません。
func (m *Manager) processOne(jobID string) {
	ctx := context.Background()

	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		m.logger.Printf("worker: failed to load job %s: %v", jobID, err)
		return
	}
	if job == nil {
		m.logger.Printf("worker: job %s vanished before processing", jobID)
		return
	}
	if job.State == registry.StateCancelled {
		// キュー投入後にキャンセルされたジョブは実行せず読み飛ばす
		m.logger.Printf("worker: job %s cancelled, skipping", jobID)
		return
	}
	if job.State != registry.StatePending {
		m.logger.Printf("worker: job %s in unexpected state %s, skipping", jobID, job.State)
		return
	}

	proc := m.procs.Lookup(job.Type)
	if proc == nil {
		state := registry.StateError
		message := fmt.Sprintf("未対応の変換タイプです: %s", job.Type)
		if _, err := m.store.UpdateJob(ctx, jobID, registry.JobUpdate{State: &state, Message: &message}); err != nil {
			m.logger.Printf("worker: failed to mark job %s unsupported: %v", jobID, err)
		}
		m.logger.Printf("worker: no processor registered for type %s (job %s)", job.Type, jobID)
		return
	}

	processing := registry.StateProcessing
	if _, err := m.store.UpdateJob(ctx, jobID, registry.JobUpdate{State: &processing}); err != nil {
		m.logger.Printf("worker: failed to mark job %s processing: %v", jobID, err)
		return
	}
	m.logger.Printf("worker: job %s started (%s)", jobID, job.Type)

	outcome, procErr := m.runProcessor(ctx, proc, job)

	// 終端状態の書き込みは条件付き更新。処理中にキャンセルされていた場合は
	// false が返り、キャンセルがそのまま維持される。
	if procErr != nil {
		written, err := m.store.FinishJob(ctx, jobID, registry.StateError, procErr.Error(), "")
		if err != nil {
			m.logger.Printf("worker: failed to record error of job %s: %v", jobID, err)
			return
		}
		if !written {
			m.logger.Printf("worker: job %s was cancelled during processing, error discarded", jobID)
			return
		}
		m.logger.Printf("worker: job %s failed: %v", jobID, procErr)
		return
	}

	message := outcome.Message
	if message == "" {
		message = "変換が完了しました。"
	}
	written, err := m.store.FinishJob(ctx, jobID, registry.StateCompleted, message, outcome.ResultPath)
	if err != nil {
		m.logger.Printf("worker: failed to record completion of job %s: %v", jobID, err)
		return
	}
	if !written {
		m.logger.Printf("worker: job %s was cancelled during processing, result discarded", jobID)
		return
	}
	m.logger.Printf("worker: job %s completed", jobID)
}

// runProcessor はプロセッサを実行し、パニックもエラーとして回収します。
func (m *Manager) runProcessor(ctx context.Context, proc Processor, job *registry.Job) (outcome *Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	outcome, err = proc(ctx, job, m.Reporter(job.ID))
	if err == nil && outcome == nil {
		err = fmt.Errorf("processor returned no outcome")
	}
	return outcome, err
}
