package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/pdfexport/internal/registry"
	"github.com/yourusername/pdfexport/internal/storage"
)

// handleUpload は POST /upload のハンドラーです。
// 同名・同サイズ・同更新日時のファイルが保持期間内にあれば保存せず、
// 既存のレコードを alreadyExists 付きで返します。
func (s *Server) handleUpload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		respondInvalid(c, "multipart/form-data で file フィールドにファイルを指定してください。")
		return
	}

	if !storage.AllowedExtension(header.Filename) {
		respondInvalid(c, "PDF、NDM2、JSONファイルのみアップロードできます。")
		return
	}
	if s.maxFileSize > 0 && header.Size > s.maxFileSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "FILE_TOO_LARGE",
			"message": "ファイルサイズが上限を超えています。",
		})
		return
	}

	modTime := strings.TrimSpace(c.PostForm("modTime"))

	existing, err := s.store.FindDuplicate(c.Request.Context(), header.Filename, header.Size, modTime)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if existing != nil {
		c.JSON(http.StatusOK, gin.H{
			"file":          newFileView(existing),
			"alreadyExists": true,
		})
		return
	}

	src, err := header.Open()
	if err != nil {
		respondInvalid(c, "アップロードファイルを読み込めません。")
		return
	}
	defer src.Close()

	saved, err := s.storage.SaveUpload(src, header.Filename)
	if err != nil {
		respondWithError(c, err)
		return
	}

	file := &registry.File{
		OriginalName: header.Filename,
		StoredName:   saved.StoredName,
		SizeBytes:    saved.SizeBytes,
		ModTime:      modTime,
		Pages:        saved.Pages,
		Hash:         saved.Hash,
		Path:         saved.Path,
	}
	id, err := s.store.CreateFile(c.Request.Context(), file)
	if err != nil {
		if removeErr := s.storage.Remove(saved.Path); removeErr != nil {
			s.logger.Printf("failed to clean up upload after registry error: %v", removeErr)
		}
		respondWithError(c, err)
		return
	}
	file.ID = id

	c.JSON(http.StatusCreated, gin.H{
		"file":          newFileView(file),
		"alreadyExists": false,
	})
}

// handleListFiles は GET /files のハンドラーです。保持期間内のファイルを
// 新しい順に返します。
func (s *Server) handleListFiles(c *gin.Context) {
	files, err := s.store.ListFiles(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}
	views := make([]fileView, 0, len(files))
	for _, f := range files {
		views = append(views, newFileView(f))
	}
	c.JSON(http.StatusOK, gin.H{"files": views})
}

// handleGetFile は GET /files/:id のハンドラーです。
func (s *Server) handleGetFile(c *gin.Context) {
	file, err := s.store.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if file == nil {
		respondNotFound(c, "ファイルが見つかりません。")
		return
	}
	c.JSON(http.StatusOK, gin.H{"file": newFileView(file)})
}

// handleThumbnail は GET /files/:id/thumbnail のハンドラーです。
// 指定ページ（既定は1ページ目）をPNGで返します。
func (s *Server) handleThumbnail(c *gin.Context) {
	file, err := s.store.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if file == nil {
		respondNotFound(c, "ファイルが見つかりません。")
		return
	}
	if !strings.HasSuffix(strings.ToLower(file.StoredName), ".pdf") {
		respondInvalid(c, "サムネイルを生成できるのはPDFファイルのみです。")
		return
	}

	page := 1
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || (file.Pages > 0 && parsed > file.Pages) {
			respondInvalid(c, "不正なページ番号です。")
			return
		}
		page = parsed
	}

	thumbPath, err := s.thumbs.RenderThumbnail(c.Request.Context(), file.Path, page)
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer os.Remove(thumbPath)

	c.Header("Cache-Control", "no-store")
	c.File(thumbPath)
}

// handleDeleteFile は DELETE /files/:id のハンドラーです。
// レジストリの行と物理ファイルの両方を削除します。
func (s *Server) handleDeleteFile(c *gin.Context) {
	file, err := s.store.GetFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	if file == nil {
		respondNotFound(c, "ファイルが見つかりません。")
		return
	}

	if _, err := s.store.DeleteFile(c.Request.Context(), file.ID); err != nil {
		respondWithError(c, err)
		return
	}
	if err := s.storage.Remove(file.Path); err != nil {
		s.logger.Printf("failed to remove %s: %v", file.Path, err)
	}

	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleDeleteAllFiles は DELETE /files のハンドラーです。
func (s *Server) handleDeleteAllFiles(c *gin.Context) {
	files, err := s.store.ListFiles(c.Request.Context())
	if err != nil {
		respondWithError(c, err)
		return
	}

	deleted := 0
	for _, file := range files {
		if _, err := s.store.DeleteFile(c.Request.Context(), file.ID); err != nil {
			s.logger.Printf("failed to delete file %s: %v", file.ID, err)
			continue
		}
		if err := s.storage.Remove(file.Path); err != nil {
			s.logger.Printf("failed to remove %s: %v", file.Path, err)
		}
		deleted++
	}

	c.JSON(http.StatusOK, gin.H{"deleted": deleted})
}
