package broadcast

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"wanistream/app/config"
	"wanistream/app/logger"
	"wanistream/app/model"

	"go.uber.org/zap"
	"resty.dev/v3"
)

const (
	statusLive     = "live"
	statusComplete = "complete"
)

// ErrNoBroadcast 任务没有关联直播间
var ErrNoBroadcast = errors.New("任务未关联直播间")

// AccountSource 读取直播平台账号
type AccountSource interface {
	GetAccount(ctx context.Context, id uint) (*model.BroadcastAccount, error)
}

// YouTubeNotifier 通过 liveBroadcasts.transition 切换直播间状态
type YouTubeNotifier struct {
	client   *resty.Client
	accounts AccountSource
	logger   *logger.Logger
}

// NewYouTubeNotifier 创建直播状态通知器
func NewYouTubeNotifier(cfg config.BroadcastConfig, accounts AccountSource, log *logger.Logger) *YouTubeNotifier {
	client := resty.New()
	client.SetBaseURL(cfg.BaseURL)
	client.SetTimeout(cfg.Timeout)
	client.SetHeader("Accept", "application/json")

	return &YouTubeNotifier{
		client:   client,
		accounts: accounts,
		logger:   log,
	}
}

// Close 释放底层连接
func (n *YouTubeNotifier) Close() error {
	return n.client.Close()
}

// NotifyLive 直播间切换为直播中
func (n *YouTubeNotifier) NotifyLive(ctx context.Context, job *model.Stream) error {
	return n.transition(ctx, job, statusLive)
}

// NotifyComplete 直播间切换为已结束
func (n *YouTubeNotifier) NotifyComplete(ctx context.Context, job *model.Stream) error {
	return n.transition(ctx, job, statusComplete)
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (n *YouTubeNotifier) transition(ctx context.Context, job *model.Stream, status string) error {
	if !job.HasBroadcast() {
		return ErrNoBroadcast
	}

	account, err := n.accounts.GetAccount(ctx, *job.BroadcastAccountID)
	if err != nil {
		return fmt.Errorf("读取直播账号失败: %w", err)
	}
	if !account.IsActive {
		return fmt.Errorf("直播账号 %s 已停用", account.ChannelTitle)
	}
	if account.IsTokenExpired() {
		n.logger.Warn("直播账号令牌已过期，仍尝试请求", zap.Uint("account_id", account.ID))
	}

	var failure apiError
	resp, err := n.client.R().
		SetContext(ctx).
		SetAuthToken(account.AccessToken).
		SetQueryParams(map[string]string{
			"broadcastStatus": status,
			"id":              job.BroadcastID,
			"part":            "status",
		}).
		SetError(&failure).
		Post("/liveBroadcasts/transition")
	if err != nil {
		return fmt.Errorf("请求直播状态切换失败: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		msg := failure.Error.Message
		if msg == "" {
			msg = resp.String()
		}
		return fmt.Errorf("直播状态切换为 %s 失败，状态码: %d, 响应: %s", status, resp.StatusCode(), msg)
	}

	n.logger.Info("直播间状态已切换",
		zap.Uint("stream_id", job.ID),
		zap.String("broadcast_id", job.BroadcastID),
		zap.String("status", status),
	)
	return nil
}
