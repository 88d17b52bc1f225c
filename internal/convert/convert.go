// Package convert は各変換タイプのプロセッサ実装を提供します。
// プロセッサは起動時に RegisterAll で明示的に登録されます。
package convert

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
)

// FileStore はレジストリのうちプロセッサが必要とする読み取り操作です。
type FileStore interface {
	GetFile(ctx context.Context, id string) (*registry.File, error)
}

// Service は変換プロセッサ群の共有依存をまとめます。
type Service struct {
	store      FileStore
	storage    *storage.Local
	gsPath     string
	wkhtmlPath string
	httpClient *http.Client
	logger     *log.Logger
}

// NewService は Service を作成します。
func NewService(store FileStore, local *storage.Local, gsPath, wkhtmlPath string, logger *log.Logger) *Service {
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		store:      store,
		storage:    local,
		gsPath:     gsPath,
		wkhtmlPath: wkhtmlPath,
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     logger,
	}
}

// RegisterAll は全プロセッサを対応表へ登録します。
// エントリーポイントから一度だけ呼び出します。
func (s *Service) RegisterAll(procs *jobs.Processors) {
	procs.Register("split", s.processSplit)
	procs.Register("merge", s.processMerge)
	procs.Register("compress", s.processCompress)
	procs.Register("rotate", s.processRotate)
	procs.Register("reorder", s.processReorder)
	procs.Register("extract-pages", s.processExtractPages)
	procs.Register("extract-images", s.processExtractImages)
	procs.Register("to-txt", s.processToTxt)
	procs.Register("to-png", s.processToPNG)
	procs.Register("to-jpg", s.processToJPG)
	procs.Register("ndm-to-tables-seq", s.processNDMToTablesSeq)
	procs.Register("scrape", s.processScrape)
	procs.Register("from-html", s.processFromHTML)
}

// sourceFile はジョブの入力ファイルをレジストリから取得し、実在を確認します。
func (s *Service) sourceFile(ctx context.Context, job *registry.Job) (*registry.File, error) {
	if job.FileID == "" {
		return nil, fmt.Errorf("入力ファイルが指定されていません。")
	}
	file, err := s.store.GetFile(ctx, job.FileID)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, fmt.Errorf("ファイルが見つかりません。")
	}
	if _, err := os.Stat(file.Path); err != nil {
		return nil, fmt.Errorf("物理ファイルが見つかりません。")
	}
	return file, nil
}

// outputName はジョブIDを接頭辞にした出力ファイル名を組み立てます。
// 接頭辞はリカバリ時の書きかけ結果の破棄にも使われます。
func outputName(jobID, base string) string {
	return jobID + "_" + base
}

// baseNameWithoutExt は拡張子を除いたファイル名を返します。
func baseNameWithoutExt(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// 外部フェッチ/レンダリングの上限。単一ワーカーを無期限に塞がないための内部タイムアウト。
const (
	fetchTimeout  = 30 * time.Second
	renderTimeout = 2 * time.Minute
	gsTimeout     = 10 * time.Minute
)
