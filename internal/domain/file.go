package domain

import (
	"fmt"
	"time"
)

type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusConverting Status = "converting"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// transitions lists the allowed status changes. converting -> converting is the
// hand-off from a queued request to the worker that claims it.
var transitions = map[Status][]Status{
	StatusWaiting:    {StatusConverting},
	StatusError:      {StatusConverting},
	StatusDone:       {StatusConverting},
	StatusConverting: {StatusConverting, StatusDone, StatusError},
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// AllowsFormatChange reports whether the target format may be edited in s.
func (s Status) AllowsFormatChange() bool {
	return s != StatusConverting
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

type FileRecord struct {
	ID                   string    `json:"id"`
	OriginalName         string    `json:"original_name"`
	OriginalSize         int64     `json:"original_size"`
	SourceKey            string    `json:"source_key"`
	TargetFormat         Format    `json:"target_format"`
	Status               Status    `json:"status"`
	ConvertedKey         string    `json:"converted_key,omitempty"`
	ConvertedSize        int64     `json:"converted_size,omitempty"`
	ConvertedExtension   string    `json:"converted_extension,omitempty"`
	ConvertedFormat      Format    `json:"converted_format,omitempty"`
	ConvertedContentType string    `json:"converted_content_type,omitempty"`
	Error                string    `json:"error,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (r FileRecord) HasOutput() bool {
	return r.ConvertedKey != ""
}

// Transition moves the record to status to, stamping UpdatedAt.
func (r *FileRecord) Transition(to Status, now time.Time) error {
	if !r.Status.CanTransition(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}
