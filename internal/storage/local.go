// Package storage はアップロードと変換結果のローカル保存を担当します。
package storage

import (
	"archive/zip"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	pdfapi "github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/yourusername/pdfexport/internal/apperr"
)

// 受け付ける拡張子。PDF本体のほか、テーブル順序付け用の .ndm2 / .json を許可します。
var allowedExtensions = map[string]bool{
	".pdf":  true,
	".ndm2": true,
	".json": true,
}

// Local はローカルファイルシステム上のアップロード/出力ディレクトリを管理します。
type Local struct {
	uploadDir   string
	outputDir   string
	maxFileSize int64
	logger      *log.Logger
}

// SavedFile は保存されたアップロードファイルの情報です。
type SavedFile struct {
	StoredName string
	Path       string
	SizeBytes  int64
	Hash       string
	Pages      int
}

// NewLocal は Local を作成し、ディレクトリを用意します。
func NewLocal(uploadDir, outputDir string, maxFileSize int64, logger *log.Logger) (*Local, error) {
	if logger == nil {
		logger = log.Default()
	}
	for _, dir := range []string{uploadDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("storage: failed to create directory %s: %w", dir, err)
		}
	}
	return &Local{
		uploadDir:   uploadDir,
		outputDir:   outputDir,
		maxFileSize: maxFileSize,
		logger:      logger,
	}, nil
}

// UploadDir はアップロードディレクトリのパスを返します。
func (l *Local) UploadDir() string { return l.uploadDir }

// OutputDir は出力ディレクトリのパスを返します。
func (l *Local) OutputDir() string { return l.outputDir }

// AllowedExtension はファイル名の拡張子が受け付け対象かを返します。
func AllowedExtension(name string) bool {
	return allowedExtensions[strings.ToLower(filepath.Ext(name))]
}

// SaveUpload はアップロードされた内容を保存し、ハッシュとページ数を計算します。
// サイズ上限を超えた場合は保存済みの内容を破棄してエラーを返します。
func (l *Local) SaveUpload(src io.Reader, originalName string) (_ *SavedFile, err error) {
	if !AllowedExtension(originalName) {
		return nil, apperr.New("INVALID_EXTENSION", "PDF、NDM2、JSONファイルのみアップロードできます。", nil)
	}

	ext := strings.ToLower(filepath.Ext(originalName))
	storedName := uuid.New().String() + ext
	path := filepath.Join(l.uploadDir, storedName)

	dst, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("storage: failed to create upload file: %w", err)
	}
	defer func() {
		dst.Close()
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	hasher := md5.New()
	// 上限+1バイトまで読み、超過を検出する
	written, err := io.Copy(io.MultiWriter(dst, hasher), io.LimitReader(src, l.maxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("storage: failed to write upload: %w", err)
	}
	if written > l.maxFileSize {
		return nil, apperr.New("FILE_TOO_LARGE",
			fmt.Sprintf("ファイルサイズが上限（%dバイト）を超えています。", l.maxFileSize), nil)
	}
	if err := dst.Close(); err != nil {
		return nil, fmt.Errorf("storage: failed to flush upload: %w", err)
	}

	saved := &SavedFile{
		StoredName: storedName,
		Path:       path,
		SizeBytes:  written,
		Hash:       hex.EncodeToString(hasher.Sum(nil)),
	}

	if ext == ".pdf" {
		mtype, err := mimetype.DetectFile(path)
		if err != nil || !mtype.Is("application/pdf") {
			return nil, apperr.New("INVALID_PDF", "PDFファイルとして認識できません。", err)
		}
		pages, err := pdfapi.PageCountFile(path)
		if err != nil {
			return nil, apperr.New("UNSUPPORTED_PDF", "PDFのページ数を取得できません。ファイルが破損していないか確認してください。", err)
		}
		saved.Pages = pages
	}

	l.logger.Printf("upload saved: %s (%d bytes, %d pages)", originalName, saved.SizeBytes, saved.Pages)
	return saved, nil
}

// OutputPath は出力ディレクトリ内のパスを組み立てます。
func (l *Local) OutputPath(name string) string {
	return filepath.Join(l.outputDir, name)
}

// Remove はファイルを削除します。既に存在しない場合はエラーにしません。
func (l *Local) Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ZipEntry は ZIP に格納する1ファイルを表します。
type ZipEntry struct {
	Path string // 読み込み元
	Name string // ZIP 内での名前
}

// CreateZip は出力ディレクトリに最大圧縮の ZIP を作成し、そのパスを返します。
func (l *Local) CreateZip(zipName string, entries []ZipEntry) (_ string, err error) {
	zipPath := l.OutputPath(zipName)
	out, err := os.Create(zipPath)
	if err != nil {
		return "", fmt.Errorf("storage: failed to create zip: %w", err)
	}
	defer func() {
		out.Close()
		if err != nil {
			_ = os.Remove(zipPath)
		}
	}()

	zw := zip.NewWriter(out)
	for _, entry := range entries {
		src, err := os.Open(entry.Path)
		if err != nil {
			zw.Close()
			return "", fmt.Errorf("storage: failed to read %s: %w", entry.Path, err)
		}
		w, err := zw.Create(entry.Name)
		if err == nil {
			_, err = io.Copy(w, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			return "", fmt.Errorf("storage: failed to add %s to zip: %w", entry.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return "", fmt.Errorf("storage: failed to finalize zip: %w", err)
	}
	if err := out.Close(); err != nil {
		return "", err
	}
	return zipPath, nil
}

// RemoveJobOutputs は出力ディレクトリ内でジョブIDを接頭辞に持つファイルを
// 削除し、削除した件数を返します。中断されたジョブの書きかけ結果の破棄用です。
func (l *Local) RemoveJobOutputs(jobID string) int {
	if jobID == "" {
		return 0
	}
	entries, err := os.ReadDir(l.outputDir)
	if err != nil {
		l.logger.Printf("failed to read output dir: %v", err)
		return 0
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), jobID+"_") {
			continue
		}
		if err := os.Remove(filepath.Join(l.outputDir, entry.Name())); err != nil {
			l.logger.Printf("failed to remove stale output %s: %v", entry.Name(), err)
			continue
		}
		removed++
	}
	return removed
}

// OrphansOlderThan はアップロード/出力ディレクトリ直下で、更新時刻が cutoff より
// 古いファイルのパスを返します。レジストリに行が残っていない孤児の掃除に使います。
func (l *Local) OrphansOlderThan(cutoff time.Time) []string {
	var orphans []string
	for _, dir := range []string{l.uploadDir, l.outputDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			l.logger.Printf("sweep: failed to read %s: %v", dir, err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().Before(cutoff) {
				orphans = append(orphans, filepath.Join(dir, entry.Name()))
			}
		}
	}
	return orphans
}
