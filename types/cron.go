package types

import (
	"context"
	"time"
)

// CronManager schedules the engine's periodic work (background sync, push reconcile).
type CronManager interface {
	LifecycleManager
	Add(jobName, spec string, job CronJob) error
	Remove(jobName string) error
	Run(jobName string) error
	Jobs() []JobEntry
}

// CronJob receives a context bounded by the manager's job timeout and cancelled on Stop.
type CronJob func(ctx context.Context) error

// JobEntry is a point-in-time view of a scheduled job.
type JobEntry struct {
	Name      string        `json:"name"`
	Spec      string        `json:"spec"`
	NextRun   time.Time     `json:"next_run"`
	LastRun   time.Time     `json:"last_run"`
	LastTook  time.Duration `json:"last_took"`
	Runs      int64         `json:"runs"`
	Failures  int64         `json:"failures"`
	LastError string        `json:"last_error,omitempty"`
}
