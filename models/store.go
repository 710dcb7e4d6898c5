package models

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"gorm.io/gorm"
)

var ErrJobNotFound = errors.New("job not found")

// JobStore persists bulk jobs and their rows.
type JobStore interface {
	CreateJob(ctx context.Context, job *VerificationJob, rows []JobRow) error
	GetJob(ctx context.Context, publicID string) (*VerificationJob, error)
	UpdateJob(ctx context.Context, job *VerificationJob) error
	Rows(ctx context.Context, jobID uint) ([]JobRow, error)
	// SaveRow stores a processed row together with the job's updated counters.
	SaveRow(ctx context.Context, job *VerificationJob, row *JobRow) error
	RecentErrors(ctx context.Context, jobID uint, limit int) ([]JobRow, error)
	// Unfinished lists public ids of jobs that are pending or processing, oldest first.
	Unfinished(ctx context.Context) ([]string, error)
}

type GormJobStore struct {
	DB *gorm.DB
}

func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{DB: db}
}

func (s *GormJobStore) CreateJob(ctx context.Context, job *VerificationJob, rows []JobRow) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return fmt.Errorf("create job: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		for i := range rows {
			rows[i].JobID = job.ID
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("create job rows: %w", err)
		}
		return nil
	})
}

func (s *GormJobStore) GetJob(ctx context.Context, publicID string) (*VerificationJob, error) {
	var job VerificationJob
	err := s.DB.WithContext(ctx).Where("public_id = ?", publicID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", publicID, err)
	}
	return &job, nil
}

func (s *GormJobStore) UpdateJob(ctx context.Context, job *VerificationJob) error {
	return s.DB.WithContext(ctx).Save(job).Error
}

func (s *GormJobStore) Rows(ctx context.Context, jobID uint) ([]JobRow, error) {
	var rows []JobRow
	err := s.DB.WithContext(ctx).Where("job_id = ?", jobID).Order("row_index").Find(&rows).Error
	return rows, err
}

func (s *GormJobStore) SaveRow(ctx context.Context, job *VerificationJob, row *JobRow) error {
	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Save(row).Error; err != nil {
			return fmt.Errorf("save row %d: %w", row.RowIndex, err)
		}
		return tx.Save(job).Error
	})
}

func (s *GormJobStore) RecentErrors(ctx context.Context, jobID uint, limit int) ([]JobRow, error) {
	var rows []JobRow
	err := s.DB.WithContext(ctx).
		Where("job_id = ? AND error <> ''", jobID).
		Order("updated_at DESC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}

func (s *GormJobStore) Unfinished(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.DB.WithContext(ctx).Model(&VerificationJob{}).
		Where("status IN ?", []JobStatus{JobPending, JobProcessing}).
		Order("id").
		Pluck("public_id", &ids).Error
	return ids, err
}

// MemoryJobStore keeps jobs in process memory. Used when no database is
// configured and in tests.
type MemoryJobStore struct {
	mu     sync.RWMutex
	nextID uint
	jobs   map[string]*VerificationJob
	rows   map[uint][]JobRow
	errs   map[uint][]uint // row ids with errors, in save order
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: map[string]*VerificationJob{},
		rows: map[uint][]JobRow{},
		errs: map[uint][]uint{},
	}
}

func (s *MemoryJobStore) id() uint {
	s.nextID++
	return s.nextID
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job *VerificationJob, rows []JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.PublicID]; dup {
		return fmt.Errorf("create job: duplicate id %s", job.PublicID)
	}
	job.ID = s.id()
	stored := make([]JobRow, len(rows))
	for i := range rows {
		rows[i].ID = s.id()
		rows[i].JobID = job.ID
		stored[i] = rows[i]
	}
	cp := *job
	s.jobs[job.PublicID] = &cp
	s.rows[job.ID] = stored
	return nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, publicID string) (*VerificationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[publicID]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryJobStore) UpdateJob(_ context.Context, job *VerificationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putJob(job)
}

func (s *MemoryJobStore) putJob(job *VerificationJob) error {
	if _, ok := s.jobs[job.PublicID]; !ok {
		return ErrJobNotFound
	}
	cp := *job
	s.jobs[job.PublicID] = &cp
	return nil
}

func (s *MemoryJobStore) Rows(_ context.Context, jobID uint) ([]JobRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := append([]JobRow(nil), s.rows[jobID]...)
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].RowIndex < rows[j].RowIndex })
	return rows, nil
}

func (s *MemoryJobStore) SaveRow(_ context.Context, job *VerificationJob, row *JobRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.rows[row.JobID]
	for i := range rows {
		if rows[i].ID == row.ID {
			rows[i] = *row
			if row.Error != "" {
				s.errs[row.JobID] = append(s.errs[row.JobID], row.ID)
			}
			return s.putJob(job)
		}
	}
	return fmt.Errorf("save row %d: %w", row.RowIndex, gorm.ErrRecordNotFound)
}

func (s *MemoryJobStore) RecentErrors(_ context.Context, jobID uint, limit int) ([]JobRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.errs[jobID]
	byID := make(map[uint]JobRow, len(s.rows[jobID]))
	for _, r := range s.rows[jobID] {
		byID[r.ID] = r
	}
	var out []JobRow
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, byID[ids[i]])
	}
	return out, nil
}

func (s *MemoryJobStore) Unfinished(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var jobs []*VerificationJob
	for _, j := range s.jobs {
		if !j.Terminal() {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].ID < jobs[b].ID })
	ids := make([]string, len(jobs))
	for i, j := range jobs {
		ids[i] = j.PublicID
	}
	return ids, nil
}
