package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wanistream/app/config"
	"wanistream/app/database"
	"wanistream/app/logger"
	"wanistream/app/server"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "启动推流服务",
	Long:  "启动 HTTP 接口、调度器与健康巡检，并恢复上次退出时仍在推流的任务",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()

		log := logger.New(cfg.Log)
		defer log.Close()

		if err := database.Init(cfg, log); err != nil {
			log.Fatalf("数据库初始化失败: %v", err)
		}

		srv, err := server.New(cfg, log)
		if err != nil {
			log.Fatalf("创建服务失败: %v", err)
		}
		if !cfg.Supervisor.ResumeOnBoot {
			log.Warn("已禁用启动恢复，遗留的推流任务将标记为中断")
		}

		go func() {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("启动服务器失败: %v", err)
			}
		}()

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		log.Infof("收到关闭信号 %s，正在停止推流进程...", sig)

		// 编码进程收到 SIGTERM 后有 stop_grace 的退出时间
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("服务器关闭失败: %v", err)
		}
		log.Info("服务器已退出")
	},
}

func shutdownTimeout(cfg *config.Config) time.Duration {
	return cfg.Supervisor.StopGrace + 5*time.Second
}

func init() {
	serverCmd.Flags().StringP("port", "p", "", "监听端口，覆盖 server.port")
	serverCmd.Flags().Bool("no-resume", false, "启动时不恢复遗留推流，直接标记为中断")

	_ = viper.BindPFlag("server.port", serverCmd.Flags().Lookup("port"))
	serverCmd.PreRun = func(cmd *cobra.Command, args []string) {
		if noResume, _ := cmd.Flags().GetBool("no-resume"); noResume {
			viper.Set("supervisor.resume_on_boot", false)
		}
	}

	rootCmd.AddCommand(serverCmd)
}
