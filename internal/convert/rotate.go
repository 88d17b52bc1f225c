package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
)

// rotateParams は rotate ジョブのパラメータです。
// pages が空の場合は全ページを回転します。
type rotateParams struct {
	Degrees int   `json:"degrees"`
	Pages   []int `json:"pages,omitempty"`
}

// processRotate はPDFのページを回転します。
func (s *Service) processRotate(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	var params rotateParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("回転パラメータを解釈できません: %v", err)
		}
	}
	switch params.Degrees {
	case 90, 180, 270, -90:
	default:
		return nil, fmt.Errorf("回転角度には 90、180、270、-90 のいずれかを指定してください。")
	}

	var selection []string
	for _, page := range params.Pages {
		if page < 1 || (file.Pages > 0 && page > file.Pages) {
			return nil, fmt.Errorf("不正なページ番号が含まれています: %d", page)
		}
		selection = append(selection, strconv.Itoa(page))
	}

	report(30, "ページを回転しています")

	outPath := s.storage.OutputPath(outputName(job.ID, baseNameWithoutExt(file.OriginalName)+"_rotated.pdf"))
	if err := pdfapi.RotateFile(file.Path, outPath, params.Degrees, selection, nil); err != nil {
		return nil, fmt.Errorf("PDFの回転に失敗しました: %v", err)
	}

	target := "全ページ"
	if len(params.Pages) > 0 {
		target = fmt.Sprintf("%dページ", len(params.Pages))
	}
	return &jobs.Outcome{
		ResultPath: outPath,
		Message:    fmt.Sprintf("%sを%d度回転しました。", target, params.Degrees),
	}, nil
}
