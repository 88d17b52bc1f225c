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

// CreateJob はジョブレコードを pending 状態で登録し、IDを返します。
// fileID は URL ベースのジョブでは空文字で構いません。
func (s *Store) CreateJob(ctx context.Context, fileID, jobType string, params json.RawMessage) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("job type is required")
	}

	job := &Job{
		ID:        uuid.New().String(),
		FileID:    fileID,
		Type:      jobType,
		State:     StatePending,
		Progress:  0,
		Params:    params,
		CreatedAt: s.now().UTC(),
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return "", err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, jobKey(job.ID), payload, s.keyTTL())
		pipe.ZAdd(ctx, jobsIndexKey, redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("registry: failed to create job record: %w", err)
	}
	return job.ID, nil
}

// GetJob はジョブレコードを取得します。存在しない場合は nil を返します。
// 元ファイルがあれば FileName に元のファイル名を結合します。
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	if id == "" {
		return nil, fmt.Errorf("job id is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("registry: failed to get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	s.attachFileName(ctx, &job)
	return &job, nil
}

func (s *Store) attachFileName(ctx context.Context, job *Job) {
	if job.FileID == "" {
		return
	}
	file, err := s.GetFile(ctx, job.FileID)
	if err != nil || file == nil {
		// ファイル側が先に消えてもジョブは返せる（カスケード削除はしない）
		return
	}
	job.FileName = file.OriginalName
}

// updateJob はジョブレコードへ楽観ロック付きの部分更新を適用します。
// レコードが存在しない場合や mutate が errConditionUnmet を返した場合は false を返します。
func (s *Store) updateJob(ctx context.Context, id string, mutate func(*Job) error) (bool, error) {
	err := s.watchUpdate(ctx, jobKey(id), func(data []byte) ([]byte, error) {
		var job Job
		if err := json.Unmarshal(data, &job); err != nil {
			return nil, err
		}
		job.FileName = "" // 表示用の結合フィールドは保存しない
		if err := mutate(&job); err != nil {
			return nil, err
		}
		return json.Marshal(&job)
	})
	if err == errRecordMissing || err == errConditionUnmet {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// UpdateJob はジョブの部分更新を行います。
// processing への遷移は進捗の明示指定がない場合に開始時刻を、
// completed / error への遷移は終了時刻を刻印します。
func (s *Store) UpdateJob(ctx context.Context, id string, update JobUpdate) (bool, error) {
	return s.updateJob(ctx, id, func(job *Job) error {
		if update.State != nil {
			job.State = *update.State
			switch *update.State {
			case StateProcessing:
				if update.Progress == nil {
					t := s.now().UTC()
					job.StartedAt = &t
				}
			case StateCompleted, StateError:
				t := s.now().UTC()
				job.FinishedAt = &t
			}
		}
		if update.Progress != nil {
			job.Progress = *update.Progress
		}
		if update.Message != nil {
			job.Message = *update.Message
		}
		if update.ResultPath != nil {
			job.ResultPath = *update.ResultPath
		}
		return nil
	})
}

// FinishJob はジョブを terminal な状態へ条件付きで書き込みます。
// 現在の状態が processing のままである場合のみ書き込み、そうでなければ
// 何も変更せず false を返します。処理中にキャンセルされたジョブを
// 遅れて終了したワーカーが上書きしないための仕組みです。
func (s *Store) FinishJob(ctx context.Context, id string, state State, message, resultPath string) (bool, error) {
	if state != StateCompleted && state != StateError {
		return false, fmt.Errorf("registry: FinishJob accepts completed or error, got %s", state)
	}
	return s.updateJob(ctx, id, func(job *Job) error {
		if job.State != StateProcessing {
			return errConditionUnmet
		}
		job.State = state
		job.Message = message
		if state == StateCompleted {
			job.Progress = 100
			job.ResultPath = resultPath
		}
		t := s.now().UTC()
		job.FinishedAt = &t
		return nil
	})
}

// CancelJob はジョブをキャンセルします。pending か processing の場合のみ有効で、
// それ以外の状態では何もせず false を返します。
func (s *Store) CancelJob(ctx context.Context, id string) (bool, error) {
	return s.updateJob(ctx, id, func(job *Job) error {
		if job.State != StatePending && job.State != StateProcessing {
			return errConditionUnmet
		}
		job.State = StateCancelled
		t := s.now().UTC()
		job.FinishedAt = &t
		return nil
	})
}

// ListJobs は保持期間内のジョブを新しい順に返します。
// state が空でない場合はその状態のジョブだけを返します。
func (s *Store) ListJobs(ctx context.Context, state State) ([]*Job, error) {
	min := strconv.FormatInt(s.cutoff().UnixNano(), 10)
	ids, err := s.rdb.ZRevRangeByScore(ctx, jobsIndexKey, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			s.rdb.ZRem(ctx, jobsIndexKey, id)
			continue
		}
		if state != "" && job.State != state {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ListAllJobs は保持期間によらず全ジョブを古い順に返します。
// 起動時のリカバリスキャン用です。
func (s *Store) ListAllJobs(ctx context.Context) ([]*Job, error) {
	ids, err := s.rdb.ZRange(ctx, jobsIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: failed to scan jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			s.rdb.ZRem(ctx, jobsIndexKey, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// JobsOlderThan は cutoff より古いジョブレコードを返します。Sweeper 用です。
func (s *Store) JobsOlderThan(ctx context.Context, cutoff time.Time) ([]*Job, error) {
	max := strconv.FormatInt(cutoff.UnixNano(), 10)
	ids, err := s.rdb.ZRangeByScore(ctx, jobsIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("registry: failed to list expired jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if job == nil {
			s.rdb.ZRem(ctx, jobsIndexKey, id)
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// DeleteJob はジョブレコードと索引を削除します。レコードが存在した場合 true を返します。
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	deleted, err := s.rdb.Del(ctx, jobKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("registry: failed to delete job %s: %w", id, err)
	}
	s.rdb.ZRem(ctx, jobsIndexKey, id)
	return deleted > 0, nil
}
