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

// splitParams は split ジョブのパラメータです。
// ranges と parts のどちらか一方を指定します。
type splitParams struct {
	Ranges []splitRange `json:"ranges,omitempty"`
	Parts  int          `json:"parts,omitempty"`
}

type splitRange struct {
	Start int    `json:"start"`
	End   int    `json:"end"`
	Name  string `json:"name,omitempty"`
}

// processSplit はPDFを複数のPDFへ分割し、ZIPにまとめます。
func (s *Service) processSplit(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	var params splitParams
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("分割パラメータを解釈できません: %v", err)
		}
	}
	if len(params.Ranges) == 0 && params.Parts <= 0 {
		return nil, fmt.Errorf("ranges か parts のいずれかを指定してください。")
	}

	report(10, "PDFを読み込んでいます")

	workDir, err := os.MkdirTemp("", "pdfexport-split-")
	if err != nil {
		return nil, fmt.Errorf("作業ディレクトリを作成できません: %v", err)
	}
	defer os.RemoveAll(workDir)

	var entries []storage.ZipEntry
	base := baseNameWithoutExt(file.OriginalName)

	if len(params.Ranges) > 0 {
		entries, err = s.splitByRanges(file, params.Ranges, base, workDir, report)
	} else {
		entries, err = s.splitIntoParts(file, params.Parts, workDir, report)
	}
	if err != nil {
		return nil, err
	}

	report(90, "ZIPにまとめています")
	zipPath, err := s.storage.CreateZip(outputName(job.ID, base+"_split.zip"), entries)
	if err != nil {
		return nil, fmt.Errorf("ZIPの作成に失敗しました: %v", err)
	}

	return &jobs.Outcome{
		ResultPath: zipPath,
		Message:    fmt.Sprintf("%d個のPDFに分割しました。", len(entries)),
	}, nil
}

func (s *Service) splitByRanges(file *registry.File, ranges []splitRange, base, workDir string, report jobs.ProgressFunc) ([]storage.ZipEntry, error) {
	entries := make([]storage.ZipEntry, 0, len(ranges))
	for i, r := range ranges {
		if r.Start < 1 || r.End < r.Start || (file.Pages > 0 && r.End > file.Pages) {
			return nil, fmt.Errorf("ページ範囲が不正です: %d-%d", r.Start, r.End)
		}

		name := r.Name
		if name == "" {
			name = fmt.Sprintf("%s_p%d-%d", base, r.Start, r.End)
		}
		name += ".pdf"

		partPath := filepath.Join(workDir, fmt.Sprintf("part_%03d.pdf", i+1))
		selection := []string{fmt.Sprintf("%d-%d", r.Start, r.End)}
		if err := pdfapi.TrimFile(file.Path, partPath, selection, nil); err != nil {
			return nil, fmt.Errorf("ページ %d-%d の切り出しに失敗しました: %v", r.Start, r.End, err)
		}
		entries = append(entries, storage.ZipEntry{Path: partPath, Name: name})

		report(10+70*(i+1)/len(ranges), fmt.Sprintf("範囲 %d/%d を切り出しました", i+1, len(ranges)))
	}
	return entries, nil
}

func (s *Service) splitIntoParts(file *registry.File, parts int, workDir string, report jobs.ProgressFunc) ([]storage.ZipEntry, error) {
	if file.Pages > 0 && parts > file.Pages {
		return nil, fmt.Errorf("分割数（%d）がページ数（%d）を超えています。", parts, file.Pages)
	}

	span := 1
	if file.Pages > 0 {
		span = (file.Pages + parts - 1) / parts
	}

	report(30, fmt.Sprintf("%dページごとに分割しています", span))
	if err := pdfapi.SplitFile(file.Path, workDir, span, nil); err != nil {
		return nil, fmt.Errorf("PDFの分割に失敗しました: %v", err)
	}

	produced, err := os.ReadDir(workDir)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(produced))
	for _, entry := range produced {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".pdf" {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	entries := make([]storage.ZipEntry, 0, len(names))
	for i, name := range names {
		entries = append(entries, storage.ZipEntry{
			Path: filepath.Join(workDir, name),
			Name: "part_" + strconv.Itoa(i+1) + ".pdf",
		})
	}
	report(80, fmt.Sprintf("%d個のPDFを生成しました", len(entries)))
	return entries, nil
}
