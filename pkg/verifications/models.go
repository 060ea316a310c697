// Package verifications records provider verification results against pact
// content and maintains the latest-verification index, a derived mapping from
// (pact version, provider version) to the verification currently considered
// authoritative for that pair.
package verifications

import "time"

// Verification is one provider run against a pact version.
type Verification struct {
	ID                int64     `gorm:"primaryKey;column:id;autoIncrement"`
	Number            int64     `gorm:"column:number;uniqueIndex:idx_verification_number;not null"`
	PactVersionID     int64     `gorm:"column:pact_version_id;index:idx_verification_pact_version;not null"`
	ConsumerID        int64     `gorm:"column:consumer_id;index:idx_verification_consumer;not null"`
	ProviderID        int64     `gorm:"column:provider_id;index:idx_verification_provider;not null"`
	ProviderVersionID int64     `gorm:"column:provider_version_id;index:idx_verification_provider_version;not null"`
	Success           bool      `gorm:"column:success;not null"`
	ExecutionDate     time.Time `gorm:"column:execution_date;index:idx_verification_execution_date;not null"`
	BuildURL          string    `gorm:"column:build_url;size:1024"`
	Log               string    `gorm:"column:log;type:text"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (Verification) TableName() string { return "verifications" }

// LatestVerification is a row of the latest-verification index. It is a
// cache: RebuildLatestIndex re-derives it from the verifications table.
type LatestVerification struct {
	PactVersionID      int64     `gorm:"primaryKey;column:pact_version_id;autoIncrement:false"`
	ProviderVersionID  int64     `gorm:"primaryKey;column:provider_version_id;autoIncrement:false;index:idx_latest_provider_version"`
	ProviderID         int64     `gorm:"column:provider_id;index:idx_latest_provider;not null"`
	VerificationID     int64     `gorm:"column:verification_id;not null"`
	VerificationNumber int64     `gorm:"column:verification_number;not null"`
	UpdatedAt          time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (LatestVerification) TableName() string { return "latest_verifications" }

// sequenceRecord is the single-row counter issuing verification numbers.
type sequenceRecord struct {
	ID    int   `gorm:"primaryKey;column:id;autoIncrement:false"`
	Value int64 `gorm:"column:value;not null"`
}

func (sequenceRecord) TableName() string { return "verification_sequence" }

// RecordInput carries the outcome of a verification run.
type RecordInput struct {
	Success       bool
	ExecutionDate time.Time
	BuildURL      string
	Log           string
}
