package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wanistream/app/logger"
	"wanistream/app/middleware"
	"wanistream/app/model"
	"wanistream/app/store"
	"wanistream/app/supervisor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// StreamSupervisor 处理器使用的守护器操作
type StreamSupervisor interface {
	Start(ctx context.Context, job *model.Stream) error
	Stop(ctx context.Context, id uint) error
	ForceCleanup(ctx context.Context) (int64, error)
	Status() supervisor.Snapshot
	IsSupervised(id uint) bool
}

// StreamHandler 推流任务接口
type StreamHandler struct {
	streams *store.StreamStore
	sup     StreamSupervisor
	logger  *logger.Logger
}

func NewStreamHandler(streams *store.StreamStore, sup StreamSupervisor, log *logger.Logger) *StreamHandler {
	return &StreamHandler{streams: streams, sup: sup, logger: log}
}

// CreateStreamRequest 创建推流请求
type CreateStreamRequest struct {
	Title              string           `json:"title" binding:"required"`
	Description        string           `json:"description"`
	Type               model.StreamType `json:"type"`
	VideoPath          string           `json:"video_path" binding:"required"`
	RTMPURL            string           `json:"rtmp_url" binding:"required"`
	StreamKey          string           `json:"stream_key" binding:"required"`
	BroadcastID        string           `json:"broadcast_id"`
	BroadcastAccountID *uint            `json:"broadcast_account_id"`
	ScheduledStart     *time.Time       `json:"scheduled_start"`
	ScheduledEnd       *time.Time       `json:"scheduled_end"`
}

// Create 创建推流；未指定或已过开播时间的立即启动
func (h *StreamHandler) Create(c *gin.Context) {
	var req CreateStreamRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		failure(c, http.StatusBadRequest, "请求参数错误: "+err.Error())
		return
	}

	now := time.Now()
	start := now
	if req.ScheduledStart != nil {
		start = *req.ScheduledStart
	}
	if req.ScheduledEnd != nil && !req.ScheduledEnd.After(start) {
		failure(c, http.StatusBadRequest, "结束时间必须晚于开始时间")
		return
	}
	if req.Type == "" {
		req.Type = model.StreamTypeManualKey
	}

	stream := &model.Stream{
		BroadcastAccountID: req.BroadcastAccountID,
		Type:               req.Type,
		Status:             model.StreamStatusScheduled,
		Title:              strings.TrimSpace(req.Title),
		Description:        req.Description,
		VideoPath:          req.VideoPath,
		BroadcastID:        req.BroadcastID,
		RTMPURL:            strings.TrimSpace(req.RTMPURL),
		StreamKey:          strings.TrimSpace(req.StreamKey),
		ScheduledStart:     &start,
		ScheduledEnd:       req.ScheduledEnd,
	}
	if err := h.streams.Create(c.Request.Context(), stream); err != nil {
		failure(c, http.StatusInternalServerError, "创建推流失败")
		return
	}

	if start.After(now) {
		success(c, stream, "推流已计划")
		return
	}

	// 准入被拒绝时任务保持 scheduled，由调度器下次重试
	if err := h.sup.Start(c.Request.Context(), stream); err != nil {
		supervisorError(c, err)
		return
	}
	h.respondStream(c, stream.ID, "推流已启动")
}

// List 按状态分页列出推流
func (h *StreamHandler) List(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}

	status := model.StreamStatus(c.Query("status"))
	streams, total, err := h.streams.List(c.Request.Context(), status, (page-1)*pageSize, pageSize)
	if err != nil {
		failure(c, http.StatusInternalServerError, "获取推流列表失败")
		return
	}

	success(c, gin.H{
		"list":     streams,
		"total":    total,
		"current":  page,
		"pageSize": pageSize,
	}, "获取推流列表成功")
}

// Get 获取单个推流
func (h *StreamHandler) Get(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	h.respondStream(c, id, "获取推流成功")
}

// StartStream 手动启动已有推流
func (h *StreamHandler) StartStream(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	stream, err := h.streams.GetJob(c.Request.Context(), id)
	if err != nil {
		supervisorError(c, err)
		return
	}
	if stream.Status.IsTerminal() {
		failure(c, http.StatusConflict, "推流已结束，请重新创建")
		return
	}

	if err := h.sup.Start(c.Request.Context(), stream); err != nil {
		supervisorError(c, err)
		return
	}
	h.respondStream(c, id, "推流已启动")
}

// End 结束推流
func (h *StreamHandler) End(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if err := h.sup.Stop(c.Request.Context(), id); err != nil {
		supervisorError(c, err)
		return
	}
	h.respondStream(c, id, "推流已结束")
}

// Delete 删除推流，仍在运行的先停止
func (h *StreamHandler) Delete(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	stream, err := h.streams.GetJob(c.Request.Context(), id)
	if err != nil {
		supervisorError(c, err)
		return
	}
	if stream.Status == model.StreamStatusActive || h.sup.IsSupervised(id) {
		if err := h.sup.Stop(c.Request.Context(), id); err != nil {
			h.logger.Warn("删除前停止推流失败", zap.Uint("stream_id", id), zap.Error(err))
		}
	}

	if err := h.streams.Delete(c.Request.Context(), id); err != nil {
		supervisorError(c, err)
		return
	}
	success(c, nil, "删除推流成功")
}

// Stats 各状态推流数量与当前进程
func (h *StreamHandler) Stats(c *gin.Context) {
	counts, err := h.streams.CountByStatus(c.Request.Context())
	if err != nil {
		failure(c, http.StatusInternalServerError, "统计推流失败")
		return
	}
	success(c, gin.H{
		"by_status":  counts,
		"supervisor": h.sup.Status(),
	}, "success")
}

// EmergencyClear 强制结束所有推流
func (h *StreamHandler) EmergencyClear(c *gin.Context) {
	n, err := h.sup.ForceCleanup(c.Request.Context())
	if err != nil {
		failure(c, http.StatusInternalServerError, err.Error())
		return
	}
	h.logger.Warn("控制台执行了紧急清理", zap.String("operator", c.GetString(middleware.ContextUsername)), zap.Int64("rows", n))
	success(c, gin.H{"cleared": n}, "已强制结束所有推流")
}

func (h *StreamHandler) respondStream(c *gin.Context, id uint, message string) {
	stream, err := h.streams.GetJob(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			failure(c, http.StatusNotFound, "推流任务不存在")
			return
		}
		failure(c, http.StatusInternalServerError, "获取推流失败")
		return
	}
	success(c, stream, message)
}
