package models

import (
	"time"

	"gorm.io/gorm"
)

type JobType string

const (
	JobTypeVerify JobType = "bulk_verify"
	JobTypeFind   JobType = "bulk_find"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Row statuses that are not verifier statuses.
const (
	RowPending       = "pending"
	RowMissingFields = "missing_fields"
	RowNotFound      = "not_found"
)

// VerificationJob is one uploaded CSV processed in the background.
type VerificationJob struct {
	gorm.Model
	PublicID string    `gorm:"uniqueIndex;size:36;not null" json:"job_id"`
	Type     JobType   `gorm:"size:16;not null" json:"type"`
	Status   JobStatus `gorm:"size:16;default:'pending'" json:"status"`
	FileName string    `json:"file_name"`
	Error    string    `json:"error,omitempty"`

	InternetChecks bool `gorm:"default:false" json:"internet_checks"`

	StartedAt   *time.Time `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`

	// Progress
	Total        int `gorm:"default:0" json:"total"`
	Processed    int `gorm:"default:0" json:"processed"`
	SuccessCount int `gorm:"default:0" json:"success_count"`
	ErrorCount   int `gorm:"default:0" json:"error_count"`

	// Results
	VerifiedCount    int `gorm:"default:0" json:"verified_count"`
	LikelyValidCount int `gorm:"default:0" json:"likely_valid_count"`
	CatchAllCount    int `gorm:"default:0" json:"catch_all_count"`
	InvalidCount     int `gorm:"default:0" json:"invalid_count"`
	UnknownCount     int `gorm:"default:0" json:"unknown_count"`

	// Relations
	Rows []JobRow `gorm:"foreignKey:JobID" json:"-"`
}

// JobRow is one input line of a job and, once processed, its outcome.
type JobRow struct {
	gorm.Model
	JobID    uint `gorm:"not null;index" json:"job_id"`
	RowIndex int  `gorm:"not null" json:"row"`

	// Input
	Email     string `json:"email"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Domain    string `json:"domain,omitempty"`

	// Outcome
	Done       bool    `gorm:"default:false;index" json:"done"`
	Status     string  `gorm:"size:32;default:'pending'" json:"status"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
	Error      string  `json:"error,omitempty"`
	Details    string  `gorm:"type:text" json:"-"` // JSON of the full result
}

// Percent is the share of processed rows, 0..100.
func (j *VerificationJob) Percent() int {
	if j.Total == 0 {
		if j.Status == JobCompleted {
			return 100
		}
		return 0
	}
	return j.Processed * 100 / j.Total
}

// Found reports whether a row status names a usable address.
func Found(status string) bool {
	switch status {
	case "verified", "likely_valid", "catch_all":
		return true
	}
	return false
}

func (j *VerificationJob) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// Record counts a finished row.
func (j *VerificationJob) Record(row *JobRow) {
	j.Processed++
	if row.Error != "" {
		j.ErrorCount++
	} else {
		j.SuccessCount++
	}
	switch row.Status {
	case "verified":
		j.VerifiedCount++
	case "likely_valid":
		j.LikelyValidCount++
	case "catch_all":
		j.CatchAllCount++
	case "invalid", "invalid_syntax", RowMissingFields:
		j.InvalidCount++
	default:
		j.UnknownCount++
	}
}

func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&VerificationJob{},
		&JobRow{},
	)
}
