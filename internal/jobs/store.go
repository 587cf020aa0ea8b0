package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const jobKeyPrefix = "analysis-job:"

// ErrTerminal は終端状態のレコードへの更新を拒否したことを表します。
var ErrTerminal = errors.New("job already in terminal state")

// Store はジョブ状態を Redis に保存します。
// 進捗の単調性と終端状態の不変性はこの層で強制します。
type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewStore は Store を作成します。
func NewStore(rdb *redis.Client, ttl time.Duration) *Store {
	return &Store{
		rdb: rdb,
		ttl: ttl,
	}
}

// Ping はRedisへの到達性を確認します。
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Get はジョブ情報を取得します。存在しない場合は (nil, nil) を返します。
func (s *Store) Get(ctx context.Context, jobID string) (*Record, error) {
	if jobID == "" {
		return nil, fmt.Errorf("jobID is required")
	}
	data, err := s.rdb.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

// Upsert はジョブ情報を保存します（存在しない場合は作成）。
func (s *Store) Upsert(ctx context.Context, record *Record) error {
	if record == nil {
		return fmt.Errorf("record is nil")
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	if record.ExpiresAt.IsZero() && s.ttl > 0 {
		record.ExpiresAt = record.CreatedAt.Add(s.ttl)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, jobKey(record.JobID), payload, s.ttl).Err()
}

// MarkRunning はジョブを実行中に遷移させます。
func (s *Store) MarkRunning(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusRunning
		applyProgress(record, progress)
	})
}

// UpdateProgress は進捗を更新します。巻き戻しは無視されます。
func (s *Store) UpdateProgress(ctx context.Context, jobID string, progress ProgressInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		applyProgress(record, progress)
	})
}

// MarkSucceeded はジョブ成功時の情報を保存します。進捗は必ず100になります。
func (s *Store) MarkSucceeded(ctx context.Context, jobID string, result *ResultInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusSucceeded
		record.Progress = ProgressInfo{
			Percent: 100,
			Stage:   "completed",
			Message: "財務分析が完了しました",
		}
		record.Result = result
		record.Error = nil
	})
}

// MarkFailed はジョブ失敗時の情報を保存します。
func (s *Store) MarkFailed(ctx context.Context, jobID string, errInfo *ErrorInfo) error {
	return s.updatePartial(ctx, jobID, func(record *Record) {
		record.Status = StatusFailed
		record.Result = nil
		if errInfo != nil {
			record.Error = errInfo
		}
	})
}

// applyProgress は単調性を守りながら進捗を反映します。
// 過去より小さいPercentは保持中の値に丸められます。
func applyProgress(record *Record, progress ProgressInfo) {
	if progress.Percent < record.Progress.Percent {
		progress.Percent = record.Progress.Percent
	}
	if progress.Percent > 100 {
		progress.Percent = 100
	}
	record.Progress = progress
}

// applyUpdate は保存済みレコードに部分更新を適用して再シリアライズします。
// 終端状態のレコードは ErrTerminal で拒否します。
func applyUpdate(jobID string, data []byte, mutate func(*Record)) ([]byte, error) {
	var record Record
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, err
	}
	if record.Status.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrTerminal, jobID)
	}
	mutate(&record)
	record.UpdatedAt = time.Now().UTC()
	return json.Marshal(&record)
}

// updatePartial はWATCHでキーを監視しながら read-modify-write を行います。
// 競合で書き込みが破棄された場合（TxFailedErr）は読み直して再試行します。
func (s *Store) updatePartial(ctx context.Context, jobID string, mutate func(*Record)) error {
	key := jobKey(jobID)
	for {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Bytes()
			if err != nil {
				if err == redis.Nil {
					return fmt.Errorf("job not found: %s", jobID)
				}
				return err
			}
			payload, err := applyUpdate(jobID, data, mutate)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, payload, s.ttl)
				return nil
			})
			return err
		}, key)
		if err == redis.TxFailedErr {
			continue
		}
		return err
	}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}
