package orchestrator

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/veymar/trackgate/meta"
)

type Status int

const (
	StatusNotStarted Status = iota
	StatusInProgress
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInProgress:
		return "in_progress"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Record is the mutable state of one download attempt, owned by the
// orchestrator for the attempt's lifetime. A BackupPath is only carried
// while an upgrade is in flight: it is removed on success and renamed
// back on failure, never surviving a terminal state.
type Record struct {
	ID           string
	Ref          meta.TrackRef
	Status       Status
	LocalPath    *string
	Quality      *string
	ErrorMessage *string
	// Cause is the original failure, kept alongside its rendered
	// message so waiters sharing the outcome can match sentinels.
	Cause       error
	BackupPath  *string
	StartedAt   time.Time
	CompletedAt *time.Time
}

func (r *Record) ToDict() *zerolog.Event {
	d := zerolog.
		Dict().
		Str("id", r.ID).
		Dict("ref", r.Ref.ToDict()).
		Str("status", r.Status.String()).
		Time("started_at", r.StartedAt)
	if nil != r.LocalPath {
		d = d.Str("local_path", *r.LocalPath)
	}
	if nil != r.Quality {
		d = d.Str("quality", *r.Quality)
	}
	if nil != r.ErrorMessage {
		d = d.Str("error", *r.ErrorMessage)
	}
	if nil != r.BackupPath {
		d = d.Str("backup_path", *r.BackupPath)
	}

	return d
}

// clone returns a shallow copy safe to hand out of the records lock.
func (r *Record) clone() *Record {
	out := *r

	return &out
}
