package filter

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/diy-mod/core/internal/models"
	"github.com/diy-mod/core/internal/pkg/pagination"
	"github.com/diy-mod/core/internal/pkg/response"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("filter not found")
	ErrVersionConflict = errors.New("filter was modified concurrently")
)

// Store persists filters. Update is a compare-and-set on Version: it writes f
// only if the stored version still equals prevVersion.
type Store interface {
	List(ctx context.Context, userID string, q pagination.Query) ([]models.FilterModel, response.Pagination, error)
	Get(ctx context.Context, id string) (*models.FilterModel, error)
	Create(ctx context.Context, f *models.FilterModel) error
	Update(ctx context.Context, f *models.FilterModel, prevVersion int) error
	Delete(ctx context.Context, id string) error
	Active(ctx context.Context, userID string, now time.Time) ([]models.FilterModel, error)
}

// GormStore is the MySQL-backed Store.
type GormStore struct{ db *gorm.DB }

func NewGormStore(db *gorm.DB) *GormStore { return &GormStore{db: db} }

func (s *GormStore) List(ctx context.Context, userID string, q pagination.Query) ([]models.FilterModel, response.Pagination, error) {
	tx := s.db.WithContext(ctx).Model(&models.FilterModel{}).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	var items []models.FilterModel
	pag, err := pagination.Paginate(tx, q, &items)
	return items, pag, err
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.FilterModel, error) {
	var item models.FilterModel
	if err := s.db.WithContext(ctx).First(&item, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &item, nil
}

func (s *GormStore) Create(ctx context.Context, f *models.FilterModel) error {
	return s.db.WithContext(ctx).Create(f).Error
}

func (s *GormStore) Update(ctx context.Context, f *models.FilterModel, prevVersion int) error {
	res := s.db.WithContext(ctx).Model(f).
		Where("version = ?", prevVersion).
		Select("filter_text", "content_type", "intensity", "intervention", "is_active",
			"is_temporary", "version", "expires_at", "metadata", "updated_at").
		Updates(f)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.Get(ctx, f.ID); err != nil {
			return err
		}
		return ErrVersionConflict
	}
	return nil
}

func (s *GormStore) Delete(ctx context.Context, id string) error {
	res := s.db.WithContext(ctx).Delete(&models.FilterModel{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Active loads the user's enabled filters that have not expired at now.
// Expired rows stay in the table; they are only skipped.
func (s *GormStore) Active(ctx context.Context, userID string, now time.Time) ([]models.FilterModel, error) {
	var items []models.FilterModel
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ?", userID, true).
		Where("expires_at IS NULL OR expires_at > ?", now).
		Order("created_at ASC").
		Find(&items).Error
	return items, err
}

// MemoryStore is an in-process Store for tests and database-less runs.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]models.FilterModel
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]models.FilterModel), now: time.Now}
}

func (s *MemoryStore) List(_ context.Context, userID string, q pagination.Query) ([]models.FilterModel, response.Pagination, error) {
	s.mu.RLock()
	all := make([]models.FilterModel, 0)
	for _, f := range s.items {
		if f.UserID == userID {
			all = append(all, f)
		}
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := int64(len(all))
	start := q.Offset()
	if start > len(all) {
		start = len(all)
	}
	end := start + q.Size
	if end > len(all) {
		end = len(all)
	}
	return all[start:end], pagination.Meta(q, total), nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.FilterModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &f, nil
}

func (s *MemoryStore) Create(_ context.Context, f *models.FilterModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	now := s.now()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Version == 0 {
		f.Version = 1
	}
	s.items[f.ID] = *f
	return nil
}

func (s *MemoryStore) Update(_ context.Context, f *models.FilterModel, prevVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.items[f.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != prevVersion {
		return ErrVersionConflict
	}
	s.items[f.ID] = *f
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *MemoryStore) Active(_ context.Context, userID string, now time.Time) ([]models.FilterModel, error) {
	s.mu.RLock()
	out := make([]models.FilterModel, 0)
	for _, f := range s.items {
		if f.UserID == userID && f.ActiveAt(now) {
			out = append(out, f)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
