package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/diy-mod/core/internal/models"
	"gorm.io/gorm"
)

// LogSink persists one record per processed feed.
type LogSink interface {
	Save(ctx context.Context, log *models.ProcessingLogModel) error
}

type GormLogStore struct {
	db *gorm.DB
}

func NewGormLogStore(db *gorm.DB) *GormLogStore {
	return &GormLogStore{db: db}
}

func (s *GormLogStore) Save(ctx context.Context, log *models.ProcessingLogModel) error {
	return s.db.WithContext(ctx).Create(log).Error
}

// Prune deletes logs created before cutoff.
func (s *GormLogStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Where("created_at < ?", cutoff).Delete(&models.ProcessingLogModel{})
	return res.RowsAffected, res.Error
}

// MemoryLogStore keeps logs in memory; used when no database is configured.
type MemoryLogStore struct {
	mu   sync.Mutex
	logs []models.ProcessingLogModel
}

func NewMemoryLogStore() *MemoryLogStore { return &MemoryLogStore{} }

func (s *MemoryLogStore) Save(_ context.Context, log *models.ProcessingLogModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now()
	}
	s.logs = append(s.logs, *log)
	return nil
}

func (s *MemoryLogStore) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.logs[:0]
	var removed int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return removed, nil
}

// Logs returns a copy of the stored logs.
func (s *MemoryLogStore) Logs() []models.ProcessingLogModel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.ProcessingLogModel(nil), s.logs...)
}
