package domain

import (
	"encoding/json"
	"time"
)

// JobStatus enumerates queue job states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether s is a terminal job status.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobType enumerates known job types. Unknown types are logged and skipped
// by the worker loop.
type JobType string

const (
	JobFetchSubscriptions JobType = "fetch-subscriptions"
	JobClassifyTweets     JobType = "classify-tweets"
	JobClassifyTweetsLLM  JobType = "classify-tweets-llm"
	JobReportProfile      JobType = "report-profile"
)

// Job is one durable background queue entry.
type Job struct {
	ID          string
	Type        JobType
	Payload     json.RawMessage
	Status      JobStatus
	ScheduledAt time.Time
	LockedAt    *time.Time
	LockedBy    string
	Attempts    int
	MaxAttempts int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClassifyLLMPayload is the payload of a classify-tweets-llm job: one claimed
// chunk of post external ids plus the routing tag they were claimed under.
type ClassifyLLMPayload struct {
	PostIDs []string `json:"postIds"`
	Tag     string   `json:"tag"`
}

// ReportProfilePayload is the payload of a report-profile job.
type ReportProfilePayload struct {
	ProfileID string    `json:"profileId"`
	Notify    bool      `json:"notify"`
	WindowEnd time.Time `json:"windowEnd"`
}
