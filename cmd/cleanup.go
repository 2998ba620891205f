package cmd

import (
	"context"
	"time"

	"wanistream/app/config"
	"wanistream/app/database"
	"wanistream/app/logger"
	"wanistream/app/model"
	"wanistream/app/store"

	"github.com/spf13/cobra"
)

// cleanupCmd 服务未运行时清理目录：遗留的 active 任务标记为中断，并按保留天数删除已结束的任务
var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "离线清理推流目录",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := config.Load()
		log := logger.New(cfg.Log)
		defer log.Close()

		if err := database.Init(cfg, log); err != nil {
			log.Fatalf("数据库初始化失败: %v", err)
		}
		defer database.Close()

		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		marked, deleted, err := cleanupCatalogue(ctx, store.NewStreamStore(database.GetDB()), cfg.Scheduler.RetentionDays, time.Now())
		if err != nil {
			log.Fatalf("清理失败: %v", err)
		}
		log.Infof("清理完成: %d 个遗留推流标记为中断，删除 %d 条过期记录", marked, deleted)
	},
}

func cleanupCatalogue(ctx context.Context, streams *store.StreamStore, retentionDays int, now time.Time) (int64, int64, error) {
	marked, err := streams.MarkAllActive(ctx, model.StreamStatusInterrupted, map[string]any{"actual_end": now})
	if err != nil {
		return 0, 0, err
	}
	if retentionDays <= 0 {
		return marked, 0, nil
	}
	deleted, err := streams.DeleteTerminalBefore(ctx, now.AddDate(0, 0, -retentionDays))
	if err != nil {
		return marked, 0, err
	}
	return marked, deleted, nil
}

func init() {
	rootCmd.AddCommand(cleanupCmd)
}
