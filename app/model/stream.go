package model

import (
	"strings"
	"time"
)

// StreamStatus 推流任务状态
type StreamStatus string

const (
	StreamStatusScheduled   StreamStatus = "scheduled"   // 等待定时开播
	StreamStatusActive      StreamStatus = "active"      // 应当正在推流
	StreamStatusCompleted   StreamStatus = "completed"   // 手动结束
	StreamStatusFailed      StreamStatus = "failed"      // 终止失败，不再重试
	StreamStatusInterrupted StreamStatus = "interrupted" // 服务正常关闭时被中断
)

// TerminalStatuses 终态集合，保留期过后可被清理
var TerminalStatuses = []StreamStatus{StreamStatusCompleted, StreamStatusFailed, StreamStatusInterrupted}

// IsTerminal 是否为终态
func (s StreamStatus) IsTerminal() bool {
	for _, t := range TerminalStatuses {
		if s == t {
			return true
		}
	}
	return false
}

// StreamType 推流来源类型
type StreamType string

const (
	StreamTypeManual    StreamType = "manual"
	StreamTypeAuto      StreamType = "auto"       // 通过直播平台 API 创建的直播间
	StreamTypeManualKey StreamType = "manual_key" // 直接使用推流码
)

// EncodeMode 编码模式
type EncodeMode string

const (
	EncodeModeCopy     EncodeMode = "copy"      // 视频流直接透传
	EncodeModeReencode EncodeMode = "re-encode" // 按目标码率重新编码
)

// Stream 推流任务模型，即任务目录中的一行
type Stream struct {
	ID                 uint         `json:"id" gorm:"primarykey"`
	BroadcastAccountID *uint        `json:"broadcast_account_id" gorm:"index;comment:直播平台账号ID"`
	Type               StreamType   `json:"type" gorm:"size:20;not null;default:manual"`
	Status             StreamStatus `json:"status" gorm:"size:20;not null;default:scheduled;index"`
	Title              string       `json:"title" gorm:"not null"`
	Description        string       `json:"description" gorm:"type:text"`
	VideoPath          string       `json:"video_path" gorm:"comment:输入视频路径"`
	BroadcastID        string       `json:"broadcast_id" gorm:"comment:直播平台直播间ID"`
	RTMPURL            string       `json:"rtmp_url" gorm:"comment:推流地址"`
	StreamKey          string       `json:"-" gorm:"comment:推流码"`
	ScheduledStart     *time.Time   `json:"scheduled_start" gorm:"index"`
	ScheduledEnd       *time.Time   `json:"scheduled_end"`
	ActualStart        *time.Time   `json:"actual_start"`
	ActualEnd          *time.Time   `json:"actual_end"`
	DurationSeconds    int64        `json:"duration_seconds" gorm:"default:0"`
	EncodeMode         EncodeMode   `json:"encode_mode" gorm:"size:20"`
	Bitrate            int          `json:"bitrate" gorm:"default:0;comment:最近一次使用的视频码率(kbps)"`
	ForceReencode      bool         `json:"force_reencode" gorm:"default:false;comment:透传不稳定后永久改为重编码"`
	RetryCount         int          `json:"retry_count" gorm:"default:0"`
	ErrorMessage       string       `json:"error_message" gorm:"type:text"`
	CreatedAt          time.Time    `json:"created_at" gorm:"index"`
	UpdatedAt          time.Time    `json:"updated_at"`

	// 关联关系
	BroadcastAccount *BroadcastAccount `json:"broadcast_account,omitempty" gorm:"foreignKey:BroadcastAccountID"`
}

// TableName 指定表名
func (Stream) TableName() string {
	return "streams"
}

// IngestURL 推流地址与推流码拼接后的完整地址
func (s *Stream) IngestURL() string {
	base := strings.TrimRight(s.RTMPURL, "/")
	if s.StreamKey == "" {
		return base
	}
	// 兼容推流地址中已包含推流码的旧数据
	if strings.HasSuffix(base, "/"+s.StreamKey) {
		return base
	}
	return base + "/" + s.StreamKey
}

// HasEndpoint 是否配置了推流地址和推流码
func (s *Stream) HasEndpoint() bool {
	return s.RTMPURL != "" && s.StreamKey != ""
}

// HasBroadcast 是否关联了直播平台直播间
func (s *Stream) HasBroadcast() bool {
	return s.BroadcastID != "" && s.BroadcastAccountID != nil
}
