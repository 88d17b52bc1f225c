package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
)

// mergeParams は merge ジョブのパラメータです。
// fileIds は結合順に並んだファイルIDのリストです。
type mergeParams struct {
	FileIDs []string `json:"fileIds"`
}

// processMerge は複数のPDFを1つに結合します。
func (s *Service) processMerge(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	var params mergeParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("結合パラメータを解釈できません: %v", err)
		}
	}
	if len(params.FileIDs) < 2 {
		return nil, fmt.Errorf("結合には2つ以上のファイルを指定してください。")
	}

	report(10, "入力ファイルを確認しています")

	inputs := make([]string, 0, len(params.FileIDs))
	var firstName string
	for i, id := range params.FileIDs {
		file, err := s.store.GetFile(ctx, id)
		if err != nil {
			return nil, err
		}
		if file == nil {
			return nil, fmt.Errorf("ファイルが見つかりません: %s", id)
		}
		if _, err := os.Stat(file.Path); err != nil {
			return nil, fmt.Errorf("物理ファイルが見つかりません: %s", file.OriginalName)
		}
		if i == 0 {
			firstName = file.OriginalName
		}
		inputs = append(inputs, file.Path)
	}

	report(40, fmt.Sprintf("%d個のPDFを結合しています", len(inputs)))

	outPath := s.storage.OutputPath(outputName(job.ID, baseNameWithoutExt(firstName)+"_merged.pdf"))
	if err := pdfapi.MergeCreateFile(inputs, outPath, false, nil); err != nil {
		return nil, fmt.Errorf("PDFの結合に失敗しました: %v", err)
	}

	report(95, "仕上げ処理をしています")
	return &jobs.Outcome{
		ResultPath: outPath,
		Message:    fmt.Sprintf("%d個のPDFを結合しました。", len(inputs)),
	}, nil
}

// reorderParams は reorder ジョブのパラメータです。
// order は新しいページ順（1始まり）で、全ページを網羅している必要があります。
type reorderParams struct {
	Order []int `json:"order"`
}

// processReorder はPDFのページ順を入れ替えます。
func (s *Service) processReorder(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	var params reorderParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("ページ順パラメータを解釈できません: %v", err)
		}
	}
	if err := validateOrder(params.Order, file.Pages); err != nil {
		return nil, err
	}

	report(20, "ページ順を検証しました")

	selection := make([]string, len(params.Order))
	for i, page := range params.Order {
		selection[i] = strconv.Itoa(page)
	}

	report(50, "ページを並べ替えています")
	outPath := s.storage.OutputPath(outputName(job.ID, baseNameWithoutExt(file.OriginalName)+"_reordered.pdf"))
	if err := pdfapi.CollectFile(file.Path, outPath, selection, nil); err != nil {
		return nil, fmt.Errorf("ページの並べ替えに失敗しました: %v", err)
	}

	return &jobs.Outcome{
		ResultPath: outPath,
		Message:    fmt.Sprintf("%dページを並べ替えました。", len(params.Order)),
	}, nil
}

// validateOrder は order が 1..pages の順列であることを確認します。
func validateOrder(order []int, pages int) error {
	if len(order) == 0 {
		return fmt.Errorf("ページの順序を指定してください。")
	}
	if pages > 0 && len(order) != pages {
		return fmt.Errorf("order配列の長さ（%d）がページ数（%d）と一致していません。", len(order), pages)
	}
	seen := make(map[int]bool, len(order))
	for _, page := range order {
		if page < 1 || (pages > 0 && page > pages) {
			return fmt.Errorf("order配列に不正なページ番号が含まれています: %d", page)
		}
		if seen[page] {
			return fmt.Errorf("order配列に重複した番号が含まれています: %d", page)
		}
		seen[page] = true
	}
	return nil
}
