// Package jobs は変換ジョブのキュー投入・実行・進捗管理を提供します。
package jobs

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/yourusername/pdfexport/internal/registry"
)

// Store はジョブレジストリのうち、ジョブ管理が必要とする操作です。
type Store interface {
	CreateJob(ctx context.Context, fileID, jobType string, params json.RawMessage) (string, error)
	GetJob(ctx context.Context, id string) (*registry.Job, error)
	UpdateJob(ctx context.Context, id string, update registry.JobUpdate) (bool, error)
	FinishJob(ctx context.Context, id string, state registry.State, message, resultPath string) (bool, error)
	ListAllJobs(ctx context.Context) ([]*registry.Job, error)
}

// ProgressFunc はプロセッサが処理中に進捗を報告するためのコールバックです。
// message が空文字の場合、メッセージは更新されません。
type ProgressFunc func(percent int, message string)

// Outcome はプロセッサが返す処理結果です。
type Outcome struct {
	ResultPath string // 生成された結果ファイルのパス
	Message    string // 利用者向けの完了メッセージ
}

// Processor は1つの変換タイプを処理する関数です。
// ジョブの状態を直接変更してはならず、進捗の報告は report 経由でのみ行います。
type Processor func(ctx context.Context, job *registry.Job, report ProgressFunc) (*Outcome, error)

// Processors は変換タイプからプロセッサへの対応表です。
// 登録は起動時に一度だけ行われ、以降は参照のみです。
type Processors struct {
	mu     sync.RWMutex
	byType map[string]Processor
}

// NewProcessors は空の対応表を作成します。
func NewProcessors() *Processors {
	return &Processors{byType: make(map[string]Processor)}
}

// Register は変換タイプにプロセッサを登録します。
func (p *Processors) Register(typeTag string, proc Processor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byType[typeTag] = proc
}

// Lookup は変換タイプに対応するプロセッサを返します。未登録の場合は nil です。
func (p *Processors) Lookup(typeTag string) Processor {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.byType[typeTag]
}

// Types は登録済みの変換タイプ一覧を返します。
func (p *Processors) Types() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]string, 0, len(p.byType))
	for t := range p.byType {
		types = append(types, t)
	}
	return types
}
