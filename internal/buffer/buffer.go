package buffer

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// Record 边缘缓冲中的一条待同步读数
// 一旦分配了 BatchID，记录就属于那个批次；重试永远复用同一个批次，
// 中心侧靠这一点做幂等去重
type Record struct {
	Seq        uint64          `json:"seq"`
	TenantID   string          `json:"tenant_id"`
	DeviceID   string          `json:"device_id"`
	Value      float64         `json:"value"`
	Unit       string          `json:"unit"`
	Timestamp  time.Time       `json:"timestamp"`
	Metadata   json.RawMessage `json:"metadata,omitempty"`
	BatchID    string          `json:"batch_id,omitempty"`
	Synced     bool            `json:"synced"`
	RetryCount int             `json:"retry_count"`
	SyncedAt   *time.Time      `json:"synced_at,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

const (
	recordPrefix = "r:"
	seqKey       = "buffer-seq"
)

// LocalBuffer 基于 Badger 的本地持久化缓冲队列
// 单写多读：采集循环并发追加，同步循环批量出队；Badger 的事务保证
// 出队方不会看到写了一半的记录。SyncWrites 打开，进程崩溃不丢数据
type LocalBuffer struct {
	db     *badger.DB
	seq    *badger.Sequence
	logger *zap.Logger
}

// Open 打开本地缓冲（path 为空时使用内存模式，供测试）
func Open(path string, logger *zap.Logger) (*LocalBuffer, error) {
	var opts badger.Options
	if path == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(path).WithSyncWrites(true)
	}
	// Badger 自己的日志太吵，统一走 zap 之外静默
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open local buffer: %w", err)
	}

	seq, err := db.GetSequence([]byte(seqKey), 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open buffer sequence: %w", err)
	}

	return &LocalBuffer{db: db, seq: seq, logger: logger}, nil
}

// Close 关闭缓冲（先释放序列号段再关库）
func (b *LocalBuffer) Close() error {
	if err := b.seq.Release(); err != nil {
		b.logger.Error("Failed to release buffer sequence", zap.Error(err))
	}
	return b.db.Close()
}

func recordKey(seq uint64) []byte {
	// 大端序保证字典序 == 数值序，迭代即创建顺序
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

// Append 追加一条记录（分配单调递增序号，落盘后返回）
func (b *LocalBuffer) Append(rec *Record) error {
	if rec.TenantID == "" || rec.DeviceID == "" {
		return fmt.Errorf("record requires tenant_id and device_id")
	}

	seq, err := b.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	rec.Seq = seq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(seq), data)
	})
	if err != nil {
		return fmt.Errorf("failed to append record: %w", err)
	}
	return nil
}

// PendingBatch 按创建序取一批待同步记录
// 如果队头记录已经属于某个批次（上次上传失败），原样返回那个批次的记录，
// 批次 ID 不得重新生成
func (b *LocalBuffer) PendingBatch(limit int) ([]*Record, error) {
	var records []*Record
	var batchID string

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(recordPrefix)); it.ValidForPrefix([]byte(recordPrefix)); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to read record: %w", err)
			}
			if rec.Synced {
				continue
			}

			if len(records) == 0 {
				batchID = rec.BatchID
			} else if rec.BatchID != batchID {
				// 批次边界：不跨批次混取
				break
			}

			records = append(records, &rec)
			if len(records) >= limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AssignBatch 把批次 ID 持久化到记录上（批次一旦生成即不可变）
func (b *LocalBuffer) AssignBatch(records []*Record, batchID string) error {
	return b.updateRecords(records, func(rec *Record) {
		rec.BatchID = batchID
	})
}

// MarkSynced 标记记录已同步（进入保留窗口，等待清理）
func (b *LocalBuffer) MarkSynced(records []*Record) error {
	now := time.Now().UTC()
	return b.updateRecords(records, func(rec *Record) {
		rec.Synced = true
		rec.SyncedAt = &now
	})
}

// IncrementRetry 上传失败后给批内记录的重试计数 +1
func (b *LocalBuffer) IncrementRetry(records []*Record) error {
	return b.updateRecords(records, func(rec *Record) {
		rec.RetryCount++
	})
}

func (b *LocalBuffer) updateRecords(records []*Record, mutate func(*Record)) error {
	return b.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			mutate(rec)
			data, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record %d: %w", rec.Seq, err)
			}
			if err := txn.Set(recordKey(rec.Seq), data); err != nil {
				return fmt.Errorf("failed to update record %d: %w", rec.Seq, err)
			}
		}
		return nil
	})
}

// Purge 清理保留窗口之外的已同步记录，返回清理条数
// 未同步的记录永远不清理：离线多久都不丢数据
func (b *LocalBuffer) Purge(retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention)
	var toDelete [][]byte

	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek([]byte(recordPrefix)); it.ValidForPrefix([]byte(recordPrefix)); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if rec.Synced && rec.SyncedAt != nil && rec.SyncedAt.Before(cutoff) {
				toDelete = append(toDelete, it.Item().KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to scan for purge: %w", err)
	}

	for _, key := range toDelete {
		err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
		if err != nil {
			return 0, fmt.Errorf("failed to purge record: %w", err)
		}
	}
	return len(toDelete), nil
}

// PendingCount 待同步记录数（用于同步退化监控）
func (b *LocalBuffer) PendingCount() (int, error) {
	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(recordPrefix)); it.ValidForPrefix([]byte(recordPrefix)); it.Next() {
			var rec Record
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			if !rec.Synced {
				count++
			}
		}
		return nil
	})
	return count, err
}
