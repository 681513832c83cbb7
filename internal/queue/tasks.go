package queue

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dunamismax/pixelconvert/internal/domain"
	"github.com/hibiken/asynq"
)

const (
	TypeConvertFile = "file:convert"
	TypeExpireFiles = "files:expire"
)

type ConvertFilePayload struct {
	FileID      string                `json:"file_id"`
	Request     domain.ConvertRequest `json:"request"`
	RequestedAt time.Time             `json:"requested_at"`
}

type ExpireFilesPayload struct {
	MaxAgeSeconds int64 `json:"max_age_seconds"`
}

func (p ExpireFilesPayload) MaxAge() time.Duration {
	return time.Duration(p.MaxAgeSeconds) * time.Second
}

func NewConvertFileTask(payload ConvertFilePayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal convert payload: %w", err)
	}
	return asynq.NewTask(TypeConvertFile, body), nil
}

func ParseConvertFilePayload(task *asynq.Task) (ConvertFilePayload, error) {
	var payload ConvertFilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ConvertFilePayload{}, fmt.Errorf("unmarshal convert payload: %w", err)
	}
	if payload.FileID == "" {
		return ConvertFilePayload{}, fmt.Errorf("convert payload has no file_id")
	}
	return payload, nil
}

func NewExpireFilesTask(maxAge time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(ExpireFilesPayload{MaxAgeSeconds: int64(maxAge / time.Second)})
	if err != nil {
		return nil, fmt.Errorf("marshal expire payload: %w", err)
	}
	return asynq.NewTask(TypeExpireFiles, body), nil
}

func ParseExpireFilesPayload(task *asynq.Task) (ExpireFilesPayload, error) {
	var payload ExpireFilesPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return ExpireFilesPayload{}, fmt.Errorf("unmarshal expire payload: %w", err)
	}
	if payload.MaxAgeSeconds <= 0 {
		return ExpireFilesPayload{}, fmt.Errorf("expire payload needs a positive max age")
	}
	return payload, nil
}
