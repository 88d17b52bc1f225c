package jobs

import (
	"context"
	"time"

	"github.com/yourusername/pdfexport/internal/registry"
)

// ProgressEvent は進捗ストリームの1イベントです。
type ProgressEvent struct {
	State    registry.State `json:"state,omitempty"`
	Progress int            `json:"progress"`
	Message  string         `json:"message,omitempty"`
	Err      string         `json:"error,omitempty"`
}

// StreamProgress はジョブの進捗イベントを流すチャネルを返します。
// レジストリを interval 間隔でポーリングし、状態か進捗が前回の送信から
// 変化したときだけイベントを送ります。ジョブが終端状態に達すると閉じられ、
// ジョブが存在しない場合やレジストリの読み取りに失敗した場合は
// エラーイベントを1件送出してから閉じられます。
func (m *Manager) StreamProgress(ctx context.Context, jobID string, interval time.Duration) <-chan ProgressEvent {
	events := make(chan ProgressEvent)

	go func() {
		defer close(events)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		lastProgress := -1
		var lastState registry.State

		for {
			job, err := m.store.GetJob(ctx, jobID)
			if err != nil {
				m.logger.Printf("stream: failed to load job %s: %v", jobID, err)
				select {
				case events <- ProgressEvent{Err: "進捗の取得に失敗しました。"}:
				case <-ctx.Done():
				}
				return
			}
			if job == nil {
				select {
				case events <- ProgressEvent{Err: "ジョブが見つかりません。"}:
				case <-ctx.Done():
				}
				return
			}

			if job.Progress != lastProgress || job.State != lastState {
				lastProgress = job.Progress
				lastState = job.State
				select {
				case events <- ProgressEvent{
					State:    job.State,
					Progress: job.Progress,
					Message:  job.Message,
				}:
				case <-ctx.Done():
					return
				}
			}

			if job.State.Terminal() {
				return
			}

			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	return events
}
