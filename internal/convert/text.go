package convert

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
)

// processToTxt はPDFの本文テキストをページ順に抽出します。
func (s *Service) processToTxt(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	f, reader, err := pdf.Open(file.Path)
	if err != nil {
		return nil, fmt.Errorf("PDFを開けません: %v", err)
	}
	defer f.Close()

	total := reader.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("このPDFにはページがありません。")
	}

	var builder strings.Builder
	empty := 0
	for i := 1; i <= total; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			empty++
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			// 壊れたページは飛ばして続行します。
			s.logger.Printf("to-txt: page %d of %s unreadable: %v", i, file.OriginalName, err)
			empty++
			continue
		}
		if strings.TrimSpace(text) == "" {
			empty++
		}
		builder.WriteString(text)
		builder.WriteString("\n\n")

		report(10+80*i/total, fmt.Sprintf("ページ %d/%d を処理しました", i, total))
	}

	if empty == total {
		return nil, fmt.Errorf("このPDFから抽出できるテキストがありません。")
	}

	outPath := s.storage.OutputPath(outputName(job.ID, baseNameWithoutExt(file.OriginalName)+".txt"))
	if err := os.WriteFile(outPath, []byte(builder.String()), 0o644); err != nil {
		return nil, fmt.Errorf("テキストの保存に失敗しました: %v", err)
	}

	return &jobs.Outcome{
		ResultPath: outPath,
		Message:    fmt.Sprintf("%dページ分のテキストを抽出しました。", total-empty),
	}, nil
}
