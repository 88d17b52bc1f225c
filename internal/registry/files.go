package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// CreateFile はファイルレコードを登録し、IDを返します。
// ID と UploadedAt が未設定の場合はここで採番・付与されます。
func (s *Store) CreateFile(ctx context.Context, file *File) (string, error) {
	if file == nil {
		return "", fmt.Errorf("file is nil")
	}
	if file.ID == "" {
		file.ID = uuid.New().String()
	}
	if file.UploadedAt.IsZero() {
		file.UploadedAt = s.now().UTC()
	}

	payload, err := json.Marshal(file)
	if err != nil {
		return "", err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, fileKey(file.ID), payload, s.keyTTL())
		pipe.ZAdd(ctx, filesIndexKey, redis.Z{
			Score:  float64(file.UploadedAt.UnixNano()),
			Member: file.ID,
		})
		// 同一アップロード判定用の逆引き。保持期間を過ぎたら自動的に消える。
		if s.retention > 0 {
			pipe.Set(ctx, dedupKey(file.OriginalName, file.SizeBytes, file.ModTime), file.ID, s.retention)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("registry: failed to create file record: %w", err)
	}
	return file.ID, nil
}

// GetFile はファイルレコードを取得します。存在しない場合は nil を返します。
func (s *Store) GetFile(ctx context.Context, id string) (*File, error) {
	if id == "" {
		return nil, fmt.Errorf("file id is required")
	}
	data, err := s.rdb.Get(ctx, fileKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: failed to get file %s: %w", id, err)
	}
	var file File
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, err
	}
	return &file, nil
}

// FindDuplicate は名前・サイズ・更新日時が一致する保持期間内のファイルを探します。
// 見つからない場合は nil を返します。
func (s *Store) FindDuplicate(ctx context.Context, name string, size int64, modTime string) (*File, error) {
	id, err := s.rdb.Get(ctx, dedupKey(name, size, modTime)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: duplicate lookup failed: %w", err)
	}

	file, err := s.GetFile(ctx, id)
	if err != nil || file == nil {
		return nil, err
	}
	if file.UploadedAt.Before(s.cutoff()) {
		return nil, nil
	}
	return file, nil
}

// ListFiles は保持期間内のファイルを新しい順に返します。
func (s *Store) ListFiles(ctx context.Context) ([]*File, error) {
	min := strconv.FormatInt(s.cutoff().UnixNano(), 10)
	ids, err := s.rdb.ZRevRangeByScore(ctx, filesIndexKey, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list files: %w", err)
	}

	files := make([]*File, 0, len(ids))
	for _, id := range ids {
		file, err := s.GetFile(ctx, id)
		if err != nil {
			return nil, err
		}
		if file == nil {
			// 索引だけ残った場合は掃除しておく
			s.rdb.ZRem(ctx, filesIndexKey, id)
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

// FilesOlderThan は cutoff より古いファイルレコードを返します。Sweeper 用です。
func (s *Store) FilesOlderThan(ctx context.Context, cutoff time.Time) ([]*File, error) {
	max := strconv.FormatInt(cutoff.UnixNano(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, filesIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list expired files: %w", err)
	}

	files := make([]*File, 0, len(ids))
	for _, id := range ids {
		file, err := s.GetFile(ctx, id)
		if err != nil {
			return nil, err
		}
		if file == nil {
			s.rdb.ZRem(ctx, filesIndexKey, id)
			continue
		}
		files = append(files, file)
	}
	return files, nil
}

// DeleteFile はファイルレコードと索引を削除します。レコードが存在した場合 true を返します。
// ディスク上の実ファイルの削除は呼び出し側の責務です。
func (s *Store) DeleteFile(ctx context.Context, id string) (bool, error) {
	file, err := s.GetFile(ctx, id)
	if err != nil {
		return false, err
	}
	if file == nil {
		s.rdb.ZRem(ctx, filesIndexKey, id)
		return false, nil
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, fileKey(id))
		pipe.ZRem(ctx, filesIndexKey, id)
		pipe.Del(ctx, dedupKey(file.OriginalName, file.SizeBytes, file.ModTime))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("registry: failed to delete file %s: %w", id, err)
	}
	return true, nil
}
