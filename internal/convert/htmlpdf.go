package convert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
)

// fromHTMLParams は from-html ジョブのパラメータです。ファイルは使わず、
// 対象URLをパラメータで受け取ります。
type fromHTMLParams struct {
	URL         string `json:"url"`
	PageSize    string `json:"pageSize,omitempty"`    // A4 | Letter | Legal
	Orientation string `json:"orientation,omitempty"` // portrait | landscape
	Margins     string `json:"margins,omitempty"`     // none | narrow | normal
	Background  *bool  `json:"background,omitempty"`
}

var marginPresets = map[string]string{
	"none":   "0mm",
	"narrow": "5mm",
	"normal": "15mm",
}

// processFromHTML はwkhtmltopdfでWebページをPDF化します。
func (s *Service) processFromHTML(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	params := fromHTMLParams{PageSize: "A4", Orientation: "portrait", Margins: "normal"}
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("PDF変換パラメータを解釈できません: %v", err)
		}
	}
	if params.URL == "" {
		return nil, fmt.Errorf("URLが指定されていません。")
	}
	parsed, err := url.Parse(params.URL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, fmt.Errorf("不正なURLです: %s", params.URL)
	}

	if params.PageSize == "" {
		params.PageSize = "A4"
	}
	switch params.PageSize {
	case "A4", "Letter", "Legal":
	default:
		return nil, fmt.Errorf("不正なページサイズです: %s", params.PageSize)
	}

	orientation := "Portrait"
	if params.Orientation == "landscape" {
		orientation = "Landscape"
	}

	if params.Margins == "" {
		params.Margins = "normal"
	}
	margin, ok := marginPresets[params.Margins]
	if !ok {
		return nil, fmt.Errorf("不正な余白設定です: %s", params.Margins)
	}

	host := strings.TrimPrefix(parsed.Host, "www.")
	base := strings.ReplaceAll(host, ".", "_")
	if base == "" {
		base = "page"
	}
	outPath := s.storage.OutputPath(outputName(job.ID, base+".pdf"))

	args := []string{
		"--quiet",
		"--page-size", params.PageSize,
		"--orientation", orientation,
		"--margin-top", margin,
		"--margin-bottom", margin,
		"--margin-left", margin,
		"--margin-right", margin,
		"--custom-header", "User-Agent", scrapeUserAgent,
		"--load-error-handling", "ignore",
		"--load-media-error-handling", "ignore",
	}
	if params.Background != nil && !*params.Background {
		args = append(args, "--no-background")
	}
	args = append(args, params.URL, outPath)

	report(20, "ページをPDFに変換しています")

	runCtx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, s.wkhtmlPath, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("PDFへの変換がタイムアウトしました。")
		}
		// wkhtmltopdfはリソース読み込み失敗でも非ゼロ終了することがあるため、
		// 出力が生成されていればそのまま採用します。
		if info, statErr := os.Stat(outPath); statErr == nil && info.Size() > 0 {
			s.logger.Printf("from-html: wkhtmltopdf exited with error but produced output: %v", err)
		} else {
			return nil, fmt.Errorf("PDFへの変換に失敗しました: %v: %s", err, stderr.String())
		}
	}

	report(90, "変換結果を確認しています")
	if info, err := os.Stat(outPath); err != nil || info.Size() == 0 {
		return nil, fmt.Errorf("PDFへの変換結果が空でした。")
	}

	return &jobs.Outcome{
		ResultPath: outPath,
		Message:    "WebページをPDFに変換しました。",
	}, nil
}
