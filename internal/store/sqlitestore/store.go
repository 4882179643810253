package sqlitestore

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/kisara-dev/branchtalk/internal/chat"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// historyRow is one user's whole chat history document. The document is
// opaque JSON: the store never reaches into the tree, matching the
// load-whole/save-whole persistence contract.
type historyRow struct {
	Username  string `gorm:"primaryKey;size:64"`
	Document  []byte `gorm:"type:blob;not null"`
	UpdatedAt time.Time
}

func (historyRow) TableName() string { return "chat_histories" }

// Store keeps per-user history documents and generation jobs in a local
// sqlite database. Same gateway contract as the file store.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&historyRow{}, &chat.Job{}); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Load is total: no row and an undecodable row both yield an empty valid
// history.
func (s *Store) Load(ctx context.Context, username string) (*chat.UserChatHistory, error) {
	empty := &chat.UserChatHistory{Username: username, Chats: []chat.Chat{}}

	var row historyRow
	err := s.db.WithContext(ctx).First(&row, "username = ?", username).Error
	if err != nil {
		return empty, nil
	}

	var hist chat.UserChatHistory
	if err := json.Unmarshal(row.Document, &hist); err != nil {
		log.Printf("sqlitestore corrupt document user=%s err=%v", username, err)
		return empty, nil
	}
	if hist.Username == "" {
		hist.Username = username
	}
	if hist.Chats == nil {
		hist.Chats = []chat.Chat{}
	}
	return &hist, nil
}

func (s *Store) Save(ctx context.Context, history *chat.UserChatHistory) error {
	raw, err := json.Marshal(history)
	if err != nil {
		return err
	}
	row := historyRow{Username: history.Username, Document: raw, UpdatedAt: time.Now().UTC()}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

// Job CRUD for the queue worker.

func (s *Store) CreateJob(ctx context.Context, job *chat.Job) error {
	return s.db.WithContext(ctx).Create(job).Error
}

func (s *Store) GetJobByID(ctx context.Context, id string) (*chat.Job, error) {
	var j chat.Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &j, nil
}

// MarkJobRunning transitions queued -> running. A job in any other state
// is left alone and reported as gorm.ErrRecordNotFound, so a redelivered
// message cannot run a job twice.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Model(&chat.Job{}).
		Where("id = ? AND status = ?", id, chat.JobQueued).
		Update("status", chat.JobRunning)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) MarkJobSucceeded(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&chat.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": chat.JobSucceeded,
			"error":  nil,
		}).Error
}

func (s *Store) MarkJobFailed(ctx context.Context, id string, errMsg string) error {
	return s.db.WithContext(ctx).Model(&chat.Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status": chat.JobFailed,
			"error":  errMsg,
		}).Error
}
