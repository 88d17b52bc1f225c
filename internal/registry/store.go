package registry

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	fileKeyPrefix  = "file:"
	jobKeyPrefix   = "job:"
	dedupKeyPrefix = "dedup:"

	filesIndexKey = "files:index"
	jobsIndexKey  = "jobs:index"

	// WATCH 競合時のリトライ上限
	maxTxRetries = 16
)

// Store はファイルとジョブのレコードを Redis に保存します。
// レコードは1キー1JSONで保持し、作成時刻をスコアにした ZSET を索引として使います。
type Store struct {
	rdb       *redis.Client
	retention time.Duration
	logger    *log.Logger
	now       func() time.Time
}

// NewStore は Store を作成します。retention は一覧・重複判定の対象期間です。
func NewStore(rdb *redis.Client, retention time.Duration, logger *log.Logger) *Store {
	if logger == nil {
		logger = log.Default()
	}
	return &Store{
		rdb:       rdb,
		retention: retention,
		logger:    logger,
		now:       time.Now,
	}
}

// Retention は設定された保持期間を返します。
func (s *Store) Retention() time.Duration {
	return s.retention
}

// keyTTL はレコードキーに付ける有効期限です。削除の主体は Sweeper であり、
// TTL は掃除が動かなかった場合の保険として保持期間より長めに設定します。
func (s *Store) keyTTL() time.Duration {
	if s.retention <= 0 {
		return time.Hour
	}
	return s.retention + time.Hour
}

func (s *Store) cutoff() time.Time {
	return s.now().Add(-s.retention)
}

func fileKey(id string) string {
	return fileKeyPrefix + id
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

func dedupKey(name string, size int64, modTime string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s|%d|%s", name, size, modTime)))
	return dedupKeyPrefix + hex.EncodeToString(sum[:])
}

// watchUpdate は key の JSON レコードを楽観ロックで読み出し、mutate を適用して書き戻します。
// mutate がエラーを返した場合は書き込みを行わずそのまま返します。
func (s *Store) watchUpdate(ctx context.Context, key string, mutate func(data []byte) ([]byte, error)) error {
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if err == redis.Nil {
				return errRecordMissing
			}
			return err
		}
		payload, err := mutate(data)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.keyTTL())
			return nil
		})
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
	return fmt.Errorf("registry: update of %s kept conflicting after %d retries", key, maxTxRetries)
}

// 内部用の番兵エラー。呼び出し側で nil / false に読み替えます。
var (
	errRecordMissing  = fmt.Errorf("registry: record missing")
	errConditionUnmet = fmt.Errorf("registry: condition unmet")
)
