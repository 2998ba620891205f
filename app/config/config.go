package config

import (
	"fmt"
	"log"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	JWT        JWTConfig        `mapstructure:"jwt"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Encoder    EncoderConfig    `mapstructure:"encoder"`
	Quality    QualityConfig    `mapstructure:"quality"`
	Supervisor SupervisorConfig `mapstructure:"supervisor"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Media      MediaConfig      `mapstructure:"media"`
	Broadcast  BroadcastConfig  `mapstructure:"broadcast"`
}

type ServerConfig struct {
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`      // json 或 text
	Output     string `mapstructure:"output"`      // stdout 或 file
	Dir        string `mapstructure:"dir"`         // 文件输出目录
	MaxSize    int    `mapstructure:"max_size"`    // 兆字节
	MaxBackups int    `mapstructure:"max_backups"` // 备份数量
	MaxAge     int    `mapstructure:"max_age"`     // 天数
	Compress   bool   `mapstructure:"compress"`    // 是否压缩旧文件
}

type JWTConfig struct {
	Secret     string `mapstructure:"secret"`      // JWT 密钥
	ExpireTime int    `mapstructure:"expire_time"` // 过期时间（小时）
	Issuer     string `mapstructure:"issuer"`      // 签发者
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// EncoderConfig 编码进程（ffmpeg）相关配置
type EncoderConfig struct {
	FFmpegPath    string   `mapstructure:"ffmpeg_path"`
	FFprobePath   string   `mapstructure:"ffprobe_path"`
	LogDir        string   `mapstructure:"log_dir"`         // 每个推流任务的 ffmpeg 输出日志目录
	LogMaxSize    int      `mapstructure:"log_max_size"`    // 兆字节
	LogMaxBackups int      `mapstructure:"log_max_backups"` // 备份数量
	AudioBitrate  string   `mapstructure:"audio_bitrate"`
	GOP           int      `mapstructure:"gop"`
	CopyCodecs    []string `mapstructure:"copy_codecs"`    // 允许直接透传的源视频编码
	ReconnectArgs []string `mapstructure:"reconnect_args"` // http(s) 输入的断线重连参数，本地文件不使用
}

// QualityConfig 资源准入与画质档位配置
type QualityConfig struct {
	MaxConcurrent       int     `mapstructure:"max_concurrent"` // 0 表示按主机 CPU/内存自动计算
	CriticalCPUPercent  float64 `mapstructure:"critical_cpu_percent"`
	CriticalMemPercent  float64 `mapstructure:"critical_mem_percent"`
	MinFreeMemMB        uint64  `mapstructure:"min_free_mem_mb"`
	ElevatedCPUPercent  float64 `mapstructure:"elevated_cpu_percent"`
	ElevatedMemPercent  float64 `mapstructure:"elevated_mem_percent"`
	FastPresetCPU       float64 `mapstructure:"fast_preset_cpu"` // 超过该 CPU 占用时强制 ultrafast
	BitrateCapKbps      int     `mapstructure:"bitrate_cap_kbps"`
	SourceBitrateFactor float64 `mapstructure:"source_bitrate_factor"`
}

// SupervisorConfig 进程守护配置
type SupervisorConfig struct {
	MaxRetries           int           `mapstructure:"max_retries"`
	BaseDelay            time.Duration `mapstructure:"base_delay"`
	MaxDelay             time.Duration `mapstructure:"max_delay"`
	FallbackGrace        time.Duration `mapstructure:"fallback_grace"`        // 透传模式在此时间内崩溃则永久改为重编码
	FallbackForgiveness  int           `mapstructure:"fallback_forgiveness"`  // 切换重编码时回退的重试次数
	StableAfter          time.Duration `mapstructure:"stable_after"`          // 稳定运行超过该时长后清零重试计数
	StopGrace            time.Duration `mapstructure:"stop_grace"`            // SIGTERM 后等待多久再 SIGKILL
	LiveNotifyDelay      time.Duration `mapstructure:"live_notify_delay"`     // 启动后多久通知直播平台开播
	ReconcileInterval    time.Duration `mapstructure:"reconcile_interval"`    // 健康巡检间隔
	ReconcileMaxRestarts int           `mapstructure:"reconcile_max_restarts"` // 巡检复活的重试上限
	ResumeDelay          time.Duration `mapstructure:"resume_delay"`          // 启动恢复时任务之间的间隔
	ResumeOnBoot         bool          `mapstructure:"resume_on_boot"`        // false 时启动时把遗留的 active 任务标记为 interrupted
}

type SchedulerConfig struct {
	TickSpec      string `mapstructure:"tick_spec"`
	CleanupSpec   string `mapstructure:"cleanup_spec"`
	RetentionDays int    `mapstructure:"retention_days"`
}

type MediaConfig struct {
	WatchDir      string        `mapstructure:"watch_dir"`
	ProbeCacheTTL time.Duration `mapstructure:"probe_cache_ttl"`
}

type BroadcastConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Default 返回内置默认配置
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "5000"},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			Dir:        "data/logs",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		},
		JWT: JWTConfig{
			Secret:     "your-secret-key-change-in-production",
			ExpireTime: 24,
			Issuer:     "wanistream",
		},
		Database: DatabaseConfig{Path: "data/wanistream.db"},
		Encoder: EncoderConfig{
			FFmpegPath:    "ffmpeg",
			FFprobePath:   "ffprobe",
			LogDir:        "logs",
			LogMaxSize:    20,
			LogMaxBackups: 2,
			AudioBitrate:  "128k",
			GOP:           60,
			CopyCodecs:    []string{"h264"},
			ReconnectArgs: []string{"-reconnect", "1", "-reconnect_streamed", "1", "-reconnect_delay_max", "5"},
		},
		Quality: QualityConfig{
			MaxConcurrent:       0,
			CriticalCPUPercent:  90,
			CriticalMemPercent:  90,
			MinFreeMemMB:        200,
			ElevatedCPUPercent:  80,
			ElevatedMemPercent:  85,
			FastPresetCPU:       70,
			BitrateCapKbps:      3000,
			SourceBitrateFactor: 1.1,
		},
		Supervisor: SupervisorConfig{
			MaxRetries:           10,
			BaseDelay:            2 * time.Second,
			MaxDelay:             60 * time.Second,
			FallbackGrace:        60 * time.Second,
			FallbackForgiveness:  2,
			StableAfter:          10 * time.Minute,
			StopGrace:            2 * time.Second,
			LiveNotifyDelay:      15 * time.Second,
			ReconcileInterval:    60 * time.Second,
			ReconcileMaxRestarts: 5,
			ResumeDelay:          2 * time.Second,
			ResumeOnBoot:         true,
		},
		Scheduler: SchedulerConfig{
			TickSpec:      "@every 1m",
			CleanupSpec:   "0 0 * * *",
			RetentionDays: 30,
		},
		Media: MediaConfig{
			WatchDir:      "uploads",
			ProbeCacheTTL: 30 * time.Minute,
		},
		Broadcast: BroadcastConfig{
			BaseURL: "https://www.googleapis.com/youtube/v3",
			Timeout: 30 * time.Second,
		},
	}
}

func Load() *Config {
	setDefaults()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		log.Fatalf("无法解码配置: %v", err)
	}

	// 验证配置
	if err := validateConfig(&config); err != nil {
		log.Fatalf("配置验证失败: %v", err)
	}

	return &config
}

// setDefaults 设置默认配置
func setDefaults() {
	d := Default()

	viper.SetDefault("server.port", d.Server.Port)

	// 日志默认配置
	viper.SetDefault("log.level", d.Log.Level)
	viper.SetDefault("log.format", d.Log.Format)
	viper.SetDefault("log.output", d.Log.Output)
	viper.SetDefault("log.dir", d.Log.Dir)
	viper.SetDefault("log.max_size", d.Log.MaxSize)
	viper.SetDefault("log.max_backups", d.Log.MaxBackups)
	viper.SetDefault("log.max_age", d.Log.MaxAge)
	viper.SetDefault("log.compress", d.Log.Compress)

	// JWT默认配置
	viper.SetDefault("jwt.secret", d.JWT.Secret)
	viper.SetDefault("jwt.expire_time", d.JWT.ExpireTime) // 24小时
	viper.SetDefault("jwt.issuer", d.JWT.Issuer)

	viper.SetDefault("database.path", d.Database.Path)

	viper.SetDefault("encoder.ffmpeg_path", d.Encoder.FFmpegPath)
	viper.SetDefault("encoder.ffprobe_path", d.Encoder.FFprobePath)
	viper.SetDefault("encoder.log_dir", d.Encoder.LogDir)
	viper.SetDefault("encoder.log_max_size", d.Encoder.LogMaxSize)
	viper.SetDefault("encoder.log_max_backups", d.Encoder.LogMaxBackups)
	viper.SetDefault("encoder.audio_bitrate", d.Encoder.AudioBitrate)
	viper.SetDefault("encoder.gop", d.Encoder.GOP)
	viper.SetDefault("encoder.copy_codecs", d.Encoder.CopyCodecs)
	viper.SetDefault("encoder.reconnect_args", d.Encoder.ReconnectArgs)

	viper.SetDefault("quality.max_concurrent", d.Quality.MaxConcurrent)
	viper.SetDefault("quality.critical_cpu_percent", d.Quality.CriticalCPUPercent)
	viper.SetDefault("quality.critical_mem_percent", d.Quality.CriticalMemPercent)
	viper.SetDefault("quality.min_free_mem_mb", d.Quality.MinFreeMemMB)
	viper.SetDefault("quality.elevated_cpu_percent", d.Quality.ElevatedCPUPercent)
	viper.SetDefault("quality.elevated_mem_percent", d.Quality.ElevatedMemPercent)
	viper.SetDefault("quality.fast_preset_cpu", d.Quality.FastPresetCPU)
	viper.SetDefault("quality.bitrate_cap_kbps", d.Quality.BitrateCapKbps)
	viper.SetDefault("quality.source_bitrate_factor", d.Quality.SourceBitrateFactor)

	viper.SetDefault("supervisor.max_retries", d.Supervisor.MaxRetries)
	viper.SetDefault("supervisor.base_delay", d.Supervisor.BaseDelay)
	viper.SetDefault("supervisor.max_delay", d.Supervisor.MaxDelay)
	viper.SetDefault("supervisor.fallback_grace", d.Supervisor.FallbackGrace)
	viper.SetDefault("supervisor.fallback_forgiveness", d.Supervisor.FallbackForgiveness)
	viper.SetDefault("supervisor.stable_after", d.Supervisor.StableAfter)
	viper.SetDefault("supervisor.stop_grace", d.Supervisor.StopGrace)
	viper.SetDefault("supervisor.live_notify_delay", d.Supervisor.LiveNotifyDelay)
	viper.SetDefault("supervisor.reconcile_interval", d.Supervisor.ReconcileInterval)
	viper.SetDefault("supervisor.reconcile_max_restarts", d.Supervisor.ReconcileMaxRestarts)
	viper.SetDefault("supervisor.resume_delay", d.Supervisor.ResumeDelay)
	viper.SetDefault("supervisor.resume_on_boot", d.Supervisor.ResumeOnBoot)

	viper.SetDefault("scheduler.tick_spec", d.Scheduler.TickSpec)
	viper.SetDefault("scheduler.cleanup_spec", d.Scheduler.CleanupSpec)
	viper.SetDefault("scheduler.retention_days", d.Scheduler.RetentionDays)

	viper.SetDefault("media.watch_dir", d.Media.WatchDir)
	viper.SetDefault("media.probe_cache_ttl", d.Media.ProbeCacheTTL)

	viper.SetDefault("broadcast.base_url", d.Broadcast.BaseURL)
	viper.SetDefault("broadcast.timeout", d.Broadcast.Timeout)
}

// validateConfig 验证配置的有效性
func validateConfig(config *Config) error {
	if config.Server.Port == "" {
		return fmt.Errorf("服务器端口未设置")
	}
	if config.JWT.Secret == "" {
		return fmt.Errorf("JWT密钥未设置")
	}
	if config.Supervisor.MaxRetries < 0 {
		return fmt.Errorf("supervisor.max_retries 不能为负数")
	}
	if config.Supervisor.BaseDelay <= 0 || config.Supervisor.MaxDelay < config.Supervisor.BaseDelay {
		return fmt.Errorf("supervisor.base_delay 必须大于0且不大于 max_delay")
	}
	if config.Supervisor.ReconcileInterval <= 0 {
		return fmt.Errorf("supervisor.reconcile_interval 必须大于0")
	}
	if config.Quality.BitrateCapKbps <= 0 {
		return fmt.Errorf("quality.bitrate_cap_kbps 必须大于0")
	}
	return nil
}
