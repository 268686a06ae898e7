package models

import (
	"fmt"
	"time"
)

// Run statuses
const (
	RunStatusSucceeded = "succeeded"
	RunStatusPartial   = "partial"
	RunStatusFailed    = "failed"
)

// DataTypeResult is the per data type outcome of an ingestion run.
type DataTypeResult struct {
	DataType      DataType `json:"data_type"`
	Fetched       int      `json:"fetched"`
	Staged        int      `json:"staged"`
	FailedBatches int      `json:"failed_batches"`
	Error         string   `json:"error,omitempty"`
}

func (r DataTypeResult) Failed() bool { return r.Error != "" }

type IngestionReport struct {
	TenantID   string           `json:"tenant_id"`
	Platform   Platform         `json:"platform"`
	Status     string           `json:"status"`
	Success    bool             `json:"success"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Results    []DataTypeResult `json:"results"`
	Error      string           `json:"error,omitempty"`
}

// Result returns the result for dt, if that type was attempted.
func (r *IngestionReport) Result(dt DataType) (DataTypeResult, bool) {
	for _, res := range r.Results {
		if res.DataType == dt {
			return res, true
		}
	}
	return DataTypeResult{}, false
}

// Finalize derives Status and Success from the per-type results.
func (r *IngestionReport) Finalize() {
	r.FinishedAt = time.Now().UTC()
	failed := 0
	for _, res := range r.Results {
		if res.Failed() {
			failed++
		}
	}
	switch {
	case r.Error != "" && len(r.Results) == 0:
		r.Status = RunStatusFailed
	case failed == 0 && r.Error == "":
		r.Status = RunStatusSucceeded
	case failed == len(r.Results):
		r.Status = RunStatusFailed
	default:
		r.Status = RunStatusPartial
	}
	r.Success = r.Status == RunStatusSucceeded
}

type TransformReport struct {
	TenantID      string    `json:"tenant_id"`
	Platform      Platform  `json:"platform"`
	Success       bool      `json:"success"`
	Scanned       int       `json:"scanned"`
	Inserted      int       `json:"inserted"`
	Duplicates    int       `json:"duplicates"`
	Upserted      int       `json:"upserted"`
	Invalid       int       `json:"invalid"`
	Skipped       int       `json:"skipped"`
	FailedBatches int       `json:"failed_batches"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Errors        []string  `json:"errors,omitempty"`
}

type MetricsReport struct {
	TenantID string         `json:"tenant_id"`
	Date     string         `json:"date"`
	Success  bool           `json:"success"`
	Rows     []DailyMetrics `json:"rows,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type BackfillReport struct {
	TenantID    string   `json:"tenant_id"`
	Start       string   `json:"start"`
	End         string   `json:"end"`
	Success     bool     `json:"success"`
	Succeeded   int      `json:"succeeded"`
	FailedDates []string `json:"failed_dates,omitempty"`
	Errors      []string `json:"errors,omitempty"`
}

// SyncReport bundles ingestion and transform for one tenant and platform.
type SyncReport struct {
	TenantID  string           `json:"tenant_id"`
	Platform  Platform         `json:"platform"`
	Success   bool             `json:"success"`
	Ingestion *IngestionReport `json:"ingestion,omitempty"`
	Transform *TransformReport `json:"transform,omitempty"`
	Error     string           `json:"error,omitempty"`
}

// FanoutReport summarizes one scheduled occurrence across tenants.
type FanoutReport struct {
	Job       string       `json:"job"`
	Attempted int          `json:"attempted"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Syncs     []SyncReport `json:"syncs,omitempty"`
	Errors    []string     `json:"errors,omitempty"`
}

// Err returns a non-nil error when any tenant failed.
func (f *FanoutReport) Err() error {
	if f.Failed == 0 {
		return nil
	}
	return &FanoutError{Job: f.Job, Failed: f.Failed, Attempted: f.Attempted}
}

type FanoutError struct {
	Job       string
	Failed    int
	Attempted int
}

func (e *FanoutError) Error() string {
	return fmt.Sprintf("%s: %d of %d units failed", e.Job, e.Failed, e.Attempted)
}
