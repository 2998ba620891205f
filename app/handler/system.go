package handler

import (
	"net/http"

	"wanistream/app/events"
	"wanistream/app/hostmetrics"
	"wanistream/app/logger"
	"wanistream/app/supervisor"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SystemHandler 主机负载、守护器状态与事件订阅
type SystemHandler struct {
	sup      *supervisor.Supervisor
	metrics  *hostmetrics.Reader
	hub      *events.Hub
	upgrader websocket.Upgrader
	logger   *logger.Logger
}

func NewSystemHandler(sup *supervisor.Supervisor, metrics *hostmetrics.Reader, hub *events.Hub, log *logger.Logger) *SystemHandler {
	return &SystemHandler{
		sup:     sup,
		metrics: metrics,
		hub:     hub,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: log,
	}
}

// Stats 主机负载、准入预判与运行中的进程
func (h *SystemHandler) Stats(c *gin.Context) {
	data := gin.H{
		"supervisor":  h.sup.Status(),
		"admission":   h.sup.Advisor().Admit(h.sup.Registry().Len()),
		"subscribers": h.hub.ClientCount(),
	}

	load, err := h.metrics.CurrentLoad()
	if err != nil {
		data["load_error"] = err.Error()
	} else {
		data["load"] = load
	}
	if capacity, err := h.metrics.Capacity(); err == nil {
		data["capacity"] = capacity
	}

	success(c, data, "success")
}

// Events 升级为 WebSocket 并推送守护事件
func (h *SystemHandler) Events(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("WebSocket 升级失败", zap.Error(err))
		return
	}
	h.hub.AddClient(conn)
}
