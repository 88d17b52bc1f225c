package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
)

// extractPagesParams は extract-pages ジョブのパラメータです。
// separate が true の場合は1ページ1PDFのZIP、false の場合は単一PDFを生成します。
type extractPagesParams struct {
	Pages    []int `json:"pages"`
	Separate bool  `json:"separate,omitempty"`
}

// processExtractPages は指定ページを抜き出します。
func (s *Service) processExtractPages(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	var params extractPagesParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("ページ抽出パラメータを解釈できません: %v", err)
		}
	}
	if len(params.Pages) == 0 {
		return nil, fmt.Errorf("抽出するページを指定してください。")
	}
	for _, page := range params.Pages {
		if page < 1 || (file.Pages > 0 && page > file.Pages) {
			return nil, fmt.Errorf("不正なページ番号が含まれています: %d", page)
		}
	}

	base := baseNameWithoutExt(file.OriginalName)

	if !params.Separate {
		report(40, fmt.Sprintf("%dページを抽出しています", len(params.Pages)))

		selection := make([]string, len(params.Pages))
		for i, page := range params.Pages {
			selection[i] = strconv.Itoa(page)
		}
		outPath := s.storage.OutputPath(outputName(job.ID, base+"_pages.pdf"))
		if err := pdfapi.CollectFile(file.Path, outPath, selection, nil); err != nil {
			return nil, fmt.Errorf("ページの抽出に失敗しました: %v", err)
		}
		return &jobs.Outcome{
			ResultPath: outPath,
			Message:    fmt.Sprintf("%dページを抽出しました。", len(params.Pages)),
		}, nil
	}

	workDir, err := os.MkdirTemp("", "pdfexport-extract-")
	if err != nil {
		return nil, fmt.Errorf("作業ディレクトリを作成できません: %v", err)
	}
	defer os.RemoveAll(workDir)

	entries := make([]storage.ZipEntry, 0, len(params.Pages))
	for i, page := range params.Pages {
		partPath := filepath.Join(workDir, fmt.Sprintf("page_%03d.pdf", page))
		if err := pdfapi.TrimFile(file.Path, partPath, []string{strconv.Itoa(page)}, nil); err != nil {
			return nil, fmt.Errorf("ページ %d の抽出に失敗しました: %v", page, err)
		}
		entries = append(entries, storage.ZipEntry{
			Path: partPath,
			Name: fmt.Sprintf("%s_page_%d.pdf", base, page),
		})
		report(10+80*(i+1)/len(params.Pages), fmt.Sprintf("ページ %d/%d を抽出しました", i+1, len(params.Pages)))
	}

	zipPath, err := s.storage.CreateZip(outputName(job.ID, base+"_pages.zip"), entries)
	if err != nil {
		return nil, fmt.Errorf("ZIPの作成に失敗しました: %v", err)
	}
	return &jobs.Outcome{
		ResultPath: zipPath,
		Message:    fmt.Sprintf("%dページを個別のPDFとして抽出しました。", len(params.Pages)),
	}, nil
}

// processExtractImages はPDFに埋め込まれた画像を抽出し、ZIPにまとめます。
func (s *Service) processExtractImages(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	report(10, "PDFを読み込んでいます")

	workDir, err := os.MkdirTemp("", "pdfexport-images-")
	if err != nil {
		return nil, fmt.Errorf("作業ディレクトリを作成できません: %v", err)
	}
	defer os.RemoveAll(workDir)

	report(30, "画像を抽出しています")
	if err := pdfapi.ExtractImagesFile(file.Path, workDir, nil, nil); err != nil {
		return nil, fmt.Errorf("画像の抽出に失敗しました: %v", err)
	}

	produced, err := os.ReadDir(workDir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(produced))
	for _, entry := range produced {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("このPDFには抽出できる画像がありません。")
	}
	sort.Strings(names)

	entries := make([]storage.ZipEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, storage.ZipEntry{
			Path: filepath.Join(workDir, name),
			Name: name,
		})
	}

	report(85, "ZIPにまとめています")
	base := baseNameWithoutExt(file.OriginalName)
	zipPath, err := s.storage.CreateZip(outputName(job.ID, base+"_images.zip"), entries)
	if err != nil {
		return nil, fmt.Errorf("ZIPの作成に失敗しました: %v", err)
	}

	return &jobs.Outcome{
		ResultPath: zipPath,
		Message:    fmt.Sprintf("%d個の画像を抽出しました。", len(entries)),
	}, nil
}
