package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"wanistream/app/auth"
	"wanistream/app/broadcast"
	"wanistream/app/config"
	"wanistream/app/database"
	"wanistream/app/encoder"
	"wanistream/app/events"
	"wanistream/app/handler"
	"wanistream/app/hostmetrics"
	"wanistream/app/logger"
	"wanistream/app/media"
	"wanistream/app/middleware"
	"wanistream/app/model"
	"wanistream/app/scheduler"
	"wanistream/app/store"
	"wanistream/app/supervisor"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Server HTTP 服务以及推流守护相关的后台服务
type Server struct {
	Config *config.Config
	Logger *logger.Logger
	gin    *gin.Engine
	http   *http.Server

	db         *gorm.DB
	streams    *store.StreamStore
	metrics    *hostmetrics.Reader
	jwt        *auth.JWTService
	hub        *events.Hub
	notifier   *broadcast.YouTubeNotifier
	watcher    *media.Watcher
	supervisor *supervisor.Supervisor
	reconciler *supervisor.Reconciler
	resumer    *supervisor.Resumer
	scheduler  *scheduler.Scheduler

	resumeCtx    context.Context
	cancelResume context.CancelFunc
	resumeDone   chan struct{}
	started      atomic.Bool
}

// New 组装所有组件，数据库需已初始化
func New(cfg *config.Config, log *logger.Logger) (*Server, error) {
	db := database.GetDB()
	if db == nil {
		return nil, errors.New("数据库未初始化")
	}

	streams := store.NewStreamStore(db)
	accounts := store.NewAccountStore(db)
	metrics := hostmetrics.NewReader()
	prober := media.NewFFProbe(cfg.Encoder.FFprobePath, cfg.Media.ProbeCacheTTL)
	hub := events.NewHub(log)
	notifier := broadcast.NewYouTubeNotifier(cfg.Broadcast, accounts, log)
	advisor := supervisor.NewAdvisor(cfg.Quality, metrics)

	sup := supervisor.New(supervisor.Deps{
		Config:    cfg,
		Log:       log,
		Advisor:   advisor,
		Catalogue: streams,
		Prober:    prober,
		Launcher:  encoder.NewExecLauncher(cfg.Encoder),
		Notifier:  notifier,
		Events:    hub,
	})
	reconciler := supervisor.NewReconciler(sup, streams, cfg.Supervisor.ReconcileInterval, log)

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(log))

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		Config: cfg,
		Logger: log,
		gin:    router,
		http: &http.Server{
			Addr:    ":" + cfg.Server.Port,
			Handler: router,
		},
		db:           db,
		streams:      streams,
		metrics:      metrics,
		jwt:          auth.NewJWTService(cfg.JWT),
		hub:          hub,
		notifier:     notifier,
		watcher:      media.NewWatcher(cfg.Media.WatchDir, prober, log),
		supervisor:   sup,
		reconciler:   reconciler,
		resumer:      supervisor.NewResumer(streams, prober, sup, reconciler, cfg.Supervisor.ResumeDelay, log),
		scheduler:    scheduler.New(cfg.Scheduler, streams, sup, log),
		resumeCtx:    ctx,
		cancelResume: cancel,
		resumeDone:   make(chan struct{}),
	}

	s.setupRoutes()

	log.Infof("并发推流上限: %d", advisor.Ceiling())
	return s, nil
}

// Start 启动后台服务，异步恢复上次未结束的推流，然后开始监听
func (s *Server) Start() error {
	if err := s.startBackground(); err != nil {
		return err
	}
	s.Logger.Infof("在端口 %s 启动服务器", s.http.Addr)
	return s.http.ListenAndServe()
}

func (s *Server) startBackground() error {
	if err := s.watcher.Start(); err != nil {
		s.Logger.Warnf("视频目录监听启动失败: %v", err)
	}
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("启动调度器失败: %w", err)
	}

	s.started.Store(true)
	if !s.Config.Supervisor.ResumeOnBoot {
		close(s.resumeDone)
		n, err := s.streams.MarkAllActive(s.resumeCtx, model.StreamStatusInterrupted, map[string]any{"actual_end": time.Now()})
		if err != nil {
			s.Logger.Errorf("标记遗留推流失败: %v", err)
		} else if n > 0 {
			s.Logger.Infof("已跳过启动恢复，%d 个遗留推流标记为中断", n)
		}
		s.reconciler.Start()
		return nil
	}

	go func() {
		defer close(s.resumeDone)
		s.resumer.Resume(s.resumeCtx)
	}()
	return nil
}

// Shutdown 先停止接收请求和定时任务，再结束所有推流
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.http.Shutdown(ctx)

	s.cancelResume()
	if s.started.Load() {
		select {
		case <-s.resumeDone:
		case <-ctx.Done():
		}
	}

	s.scheduler.Stop()
	s.reconciler.Stop()
	s.watcher.Stop()
	s.supervisor.StopAll(ctx)
	s.hub.Close()
	if cerr := s.notifier.Close(); cerr != nil {
		s.Logger.Warnf("关闭直播接口客户端失败: %v", cerr)
	}

	if cerr := database.Close(); cerr != nil {
		s.Logger.Errorf("关闭数据库连接失败: %v", cerr)
	}
	return err
}

// setupRoutes 设置API路由
func (s *Server) setupRoutes() {
	authHandler := handler.NewAuthHandler(s.db, s.jwt)
	streamHandler := handler.NewStreamHandler(s.streams, s.supervisor, s.Logger)
	systemHandler := handler.NewSystemHandler(s.supervisor, s.metrics, s.hub, s.Logger)

	api := s.gin.Group("/api")

	// 认证相关路由（不需要JWT验证）
	authGroup := api.Group("/auth")
	{
		authGroup.POST("/login", authHandler.Login)
		authGroup.POST("/refresh", authHandler.RefreshToken)
	}

	protected := api.Group("/")
	protected.Use(middleware.JWTAuth(s.jwt))
	{
		protected.GET("/me", authHandler.Me)

		streams := protected.Group("/streams")
		{
			streams.POST("", streamHandler.Create)
			streams.GET("", streamHandler.List)
			streams.GET("/stats", streamHandler.Stats)
			streams.POST("/emergency-clear", streamHandler.EmergencyClear)
			streams.GET("/:id", streamHandler.Get)
			streams.POST("/:id/start", streamHandler.StartStream)
			streams.PUT("/:id/end", streamHandler.End)
			streams.DELETE("/:id", streamHandler.Delete)
		}

		system := protected.Group("/system")
		{
			system.GET("/stats", systemHandler.Stats)
		}

		protected.GET("/events", systemHandler.Events)
	}
}
