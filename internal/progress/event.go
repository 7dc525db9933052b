package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart     Stage = "RUN_START"
	StageRunDone      Stage = "RUN_DONE"
	StageRunError     Stage = "RUN_ERROR"
	StageFetchDone    Stage = "FETCH_DONE"
	StageFetchFailed  Stage = "FETCH_FAILED"
	StageRecordStored Stage = "RECORD_STORED"
	StageUnitDropped  Stage = "UNIT_DROPPED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for fetch completions.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone in a crawl run.
type Event struct {
	// RunID identifies the run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle or unit milestone occurred.
	Stage Stage
	// Host scopes fetch and record events to the unit's host label.
	Host string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// Depth is the link distance of the unit from its seed.
	Depth int
	// Bytes carries the response size for fetch completions.
	Bytes int64
	// Attempts counts fetch tries, including the one that settled the unit.
	Attempts int
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Dur captures latency for fetches and wall time for run completions.
	Dur time.Duration
	// Reason carries low-volume context such as drop reasons or error text.
	Reason string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageRunError:
	case StageFetchDone:
		if e.Host == "" {
			return errors.New("fetch done requires host")
		}
		if e.StatusClass == "" {
			return errors.New("fetch done requires status class")
		}
	case StageFetchFailed:
		if e.Host == "" {
			return errors.New("fetch failed requires host")
		}
		if e.Reason == "" {
			return errors.New("fetch failed requires reason")
		}
	case StageRecordStored:
		if e.Host == "" {
			return errors.New("record stored requires host")
		}
	case StageUnitDropped:
		if e.Reason == "" {
			return errors.New("unit dropped requires reason")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// ClassifyStatus groups HTTP status codes for fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
