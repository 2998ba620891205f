package supervisor

import (
	"time"

	"wanistream/app/model"
)

// EventType 守护事件类型
type EventType string

const (
	EventStarted  EventType = "started"
	EventExited   EventType = "exited"
	EventRetrying EventType = "retrying"
	EventFallback EventType = "fallback"
	EventFailed   EventType = "failed"
	EventStopped  EventType = "stopped"
)

// Event 推送给订阅方的状态变化
type Event struct {
	Type    EventType          `json:"type"`
	JobID   uint               `json:"job_id"`
	RunID   string             `json:"run_id,omitempty"`
	Status  model.StreamStatus `json:"status,omitempty"`
	Mode    model.EncodeMode   `json:"mode,omitempty"`
	Retries int                `json:"retries"`
	Delay   time.Duration      `json:"delay,omitempty"`
	Message string             `json:"message,omitempty"`
	Time    time.Time          `json:"time"`
}

// EventSink 事件接收方
type EventSink interface {
	Publish(ev Event)
}
