package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
)

// compressParams は compress ジョブのパラメータです。
type compressParams struct {
	Level string `json:"level,omitempty"` // "standard" | "aggressive"
}

// Ghostscriptの品質プリセット。standard は画質優先、aggressive はサイズ優先です。
var gsPresets = map[string]string{
	"standard":   "/ebook",
	"aggressive": "/screen",
}

// processCompress はGhostscriptでPDFを再圧縮します。
func (s *Service) processCompress(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	params := compressParams{Level: "standard"}
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("圧縮パラメータを解釈できません: %v", err)
		}
	}
	if params.Level == "" {
		params.Level = "standard"
	}
	preset, ok := gsPresets[params.Level]
	if !ok {
		return nil, fmt.Errorf("不正な圧縮レベルです: %s", params.Level)
	}

	outPath := s.storage.OutputPath(outputName(job.ID, baseNameWithoutExt(file.OriginalName)+"_compressed.pdf"))

	report(20, "Ghostscriptで圧縮しています")
	if err := s.runGhostscript(ctx,
		"-sDEVICE=pdfwrite",
		"-dCompatibilityLevel=1.4",
		"-dPDFSETTINGS="+preset,
		"-o", outPath,
		file.Path,
	); err != nil {
		return nil, err
	}
	report(90, "圧縮結果を確認しています")

	info, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("圧縮結果の確認に失敗しました: %v", err)
	}

	saved := file.SizeBytes - info.Size()
	if saved < 0 {
		saved = 0
	}
	return &jobs.Outcome{
		ResultPath: outPath,
		Message:    fmt.Sprintf("圧縮が完了しました(%d バイト削減)。", saved),
	}, nil
}

// runGhostscript はタイムアウト付きでGhostscriptを実行し、
// 失敗時はstderrの内容を含むエラーを返します。
func (s *Service) runGhostscript(ctx context.Context, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, gsTimeout)
	defer cancel()

	full := append([]string{"-q", "-dNOPAUSE", "-dBATCH", "-dSAFER"}, args...)
	cmd := exec.CommandContext(runCtx, s.gsPath, full...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("Ghostscriptの実行がタイムアウトしました。")
		}
		return fmt.Errorf("Ghostscriptの実行に失敗しました: %v: %s", err, stderr.String())
	}
	return nil
}
