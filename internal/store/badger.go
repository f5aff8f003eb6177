package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/hiop5155/chat-app/internal/models"
)

const (
	messagePrefix = "msg:"
	sequenceKey   = "seq:msg"
)

// BadgerMessageStore 把消息保存在嵌入式 KV 中。
// key 形如 "msg:{unix_nano 19位补零}:{id 20位补零}"，前缀扫描即按时间有序，
// 同一纳秒内由自增 id 保证插入顺序。
type BadgerMessageStore struct {
	db  *badger.DB
	seq *badger.Sequence
	// mu 保证 id 与时间戳按同一顺序分配。
	mu   sync.Mutex
	last time.Time
}

func OpenBadger(path string) (*BadgerMessageStore, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR))
	if err != nil {
		return nil, err
	}
	return NewBadgerMessageStore(db)
}

func NewBadgerMessageStore(db *badger.DB) (*BadgerMessageStore, error) {
	seq, err := db.GetSequence([]byte(sequenceKey), 100)
	if err != nil {
		return nil, err
	}
	return &BadgerMessageStore{db: db, seq: seq}, nil
}

// badgerMessage 是落盘格式，发送者资料随消息一起快照保存。
type badgerMessage struct {
	ID        uint        `json:"id"`
	Sender    models.User `json:"sender"`
	Type      string      `json:"type"`
	Content   string      `json:"content"`
	FileURL   string      `json:"file_url,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

func messageKey(at time.Time, id uint) []byte {
	return []byte(fmt.Sprintf("%s%019d:%020d", messagePrefix, at.UnixNano(), id))
}

func (s *BadgerMessageStore) Create(ctx context.Context, msg *models.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := s.seq.Next()
	if err != nil {
		return err
	}
	id := uint(n + 1)
	at := time.Now().UTC()
	if !at.After(s.last) {
		at = s.last.Add(time.Nanosecond)
	}
	rec := badgerMessage{
		ID:        id,
		Sender:    msg.Sender,
		Type:      msg.Type,
		Content:   msg.Content,
		FileURL:   msg.FileURL,
		CreatedAt: at,
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(at, id), b)
	}); err != nil {
		return err
	}
	s.last = at
	msg.ID = id
	msg.CreatedAt = at
	return nil
}

func (s *BadgerMessageStore) ListAll(ctx context.Context) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte(messagePrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			b, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec badgerMessage
			if err := json.Unmarshal(b, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			msgs = append(msgs, models.Message{
				ID:        rec.ID,
				SenderID:  rec.Sender.ID,
				Sender:    rec.Sender,
				Type:      rec.Type,
				Content:   rec.Content,
				FileURL:   rec.FileURL,
				CreatedAt: rec.CreatedAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Close 归还未使用的序列号并关闭数据库。
func (s *BadgerMessageStore) Close() error {
	if err := s.seq.Release(); err != nil {
		_ = s.db.Close()
		return err
	}
	return s.db.Close()
}
