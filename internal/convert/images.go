package convert

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"github.com/yourusername/pdfexport/internal/jobs"
	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
)

// imageParams は to-png / to-jpg ジョブのパラメータです。
type imageParams struct {
	DPI   int   `json:"dpi,omitempty"`
	Pages []int `json:"pages,omitempty"` // 空のときは全ページ
}

const defaultImageDPI = 150

func (s *Service) processToPNG(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	return s.rasterize(ctx, job, report, "png16m", "png")
}

func (s *Service) processToJPG(ctx context.Context, job *registry.Job, report jobs.ProgressFunc) (*jobs.Outcome, error) {
	return s.rasterize(ctx, job, report, "jpeg", "jpg")
}

// rasterize はGhostscriptでページを画像化します。1ページだけなら
// 画像ファイル単体を、複数ページならZIPを結果として返します。
func (s *Service) rasterize(ctx context.Context, job *registry.Job, report jobs.ProgressFunc, device, ext string) (*jobs.Outcome, error) {
	file, err := s.sourceFile(ctx, job)
	if err != nil {
		return nil, err
	}

	params := imageParams{DPI: defaultImageDPI}
	if len(job.Params) > 0 {
		if err := json.Unmarshal(job.Params, &params); err != nil {
			return nil, fmt.Errorf("画像変換パラメータを解釈できません: %v", err)
		}
	}
	if params.DPI <= 0 {
		params.DPI = defaultImageDPI
	}
	if params.DPI > 600 {
		return nil, fmt.Errorf("DPIが大きすぎます(最大600): %d", params.DPI)
	}
	for _, page := range params.Pages {
		if page < 1 || (file.Pages > 0 && page > file.Pages) {
			return nil, fmt.Errorf("不正なページ番号が含まれています: %d", page)
		}
	}

	workDir, err := os.MkdirTemp("", "pdfexport-raster-")
	if err != nil {
		return nil, fmt.Errorf("作業ディレクトリを作成できません: %v", err)
	}
	defer os.RemoveAll(workDir)

	base := baseNameWithoutExt(file.OriginalName)

	args := []string{
		"-sDEVICE=" + device,
		fmt.Sprintf("-r%d", params.DPI),
	}
	if device == "jpeg" {
		args = append(args, "-dJPEGQ=90")
	}

	// ページ指定があれば1ページずつ、なければ一括でレンダリングします。
	var names []string
	if len(params.Pages) > 0 {
		for i, page := range params.Pages {
			name := fmt.Sprintf("%s_page_%d.%s", base, page, ext)
			pageArgs := append(append([]string{}, args...),
				fmt.Sprintf("-dFirstPage=%d", page),
				fmt.Sprintf("-dLastPage=%d", page),
				"-o", filepath.Join(workDir, name),
				file.Path,
			)
			if err := s.runGhostscript(ctx, pageArgs...); err != nil {
				return nil, err
			}
			names = append(names, name)
			report(10+80*(i+1)/len(params.Pages), fmt.Sprintf("ページ %d/%d を変換しました", i+1, len(params.Pages)))
		}
	} else {
		report(20, "全ページを画像化しています")
		allArgs := append(append([]string{}, args...),
			"-o", filepath.Join(workDir, base+"_page_%d."+ext),
			file.Path,
		)
		if err := s.runGhostscript(ctx, allArgs...); err != nil {
			return nil, err
		}
		produced, err := os.ReadDir(workDir)
		if err != nil {
			return nil, err
		}
		for _, entry := range produced {
			if !entry.IsDir() {
				names = append(names, entry.Name())
			}
		}
		sortByPageNumber(names)
		report(85, fmt.Sprintf("%dページを変換しました", len(names)))
	}

	if len(names) == 0 {
		return nil, fmt.Errorf("画像への変換結果が空でした。")
	}

	if len(names) == 1 {
		outPath := s.storage.OutputPath(outputName(job.ID, names[0]))
		if err := os.Rename(filepath.Join(workDir, names[0]), outPath); err != nil {
			return nil, fmt.Errorf("変換結果の保存に失敗しました: %v", err)
		}
		return &jobs.Outcome{
			ResultPath: outPath,
			Message:    "画像への変換が完了しました。",
		}, nil
	}

	entries := make([]storage.ZipEntry, 0, len(names))
	for _, name := range names {
		entries = append(entries, storage.ZipEntry{
			Path: filepath.Join(workDir, name),
			Name: name,
		})
	}
	zipPath, err := s.storage.CreateZip(outputName(job.ID, fmt.Sprintf("%s_%s.zip", base, ext)), entries)
	if err != nil {
		return nil, fmt.Errorf("ZIPの作成に失敗しました: %v", err)
	}
	return &jobs.Outcome{
		ResultPath: zipPath,
		Message:    fmt.Sprintf("%dページを画像に変換しました。", len(names)),
	}, nil
}

var rasterPagePattern = regexp.MustCompile(`_page_(\d+)\.`)

// sortByPageNumber は page_10 が page_2 より後ろに来るよう、ファイル名中の
// ページ番号を数値として昇順に並べます。
func sortByPageNumber(names []string) {
	sort.Slice(names, func(i, j int) bool {
		a, aok := rasterPageNumber(names[i])
		b, bok := rasterPageNumber(names[j])
		if aok && bok && a != b {
			return a < b
		}
		return names[i] < names[j]
	})
}

func rasterPageNumber(name string) (int, bool) {
	m := rasterPagePattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

// RenderThumbnail は指定ページを低解像度のPNGとして描画し、
// 生成した一時ファイルのパスを返します。呼び出し側が削除してください。
func (s *Service) RenderThumbnail(ctx context.Context, pdfPath string, page int) (string, error) {
	if page < 1 {
		page = 1
	}
	tmp, err := os.CreateTemp("", "pdfexport-thumb-*.png")
	if err != nil {
		return "", err
	}
	tmp.Close()

	err = s.runGhostscript(ctx,
		"-sDEVICE=png16m",
		"-r72",
		fmt.Sprintf("-dFirstPage=%d", page),
		fmt.Sprintf("-dLastPage=%d", page),
		"-o", tmp.Name(),
		pdfPath,
	)
	if err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("サムネイルの生成に失敗しました: %v", err)
	}
	return tmp.Name(), nil
}
