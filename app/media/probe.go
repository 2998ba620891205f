package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
)

// Metadata 输入视频首条视频流的信息
type Metadata struct {
	Codec       string `json:"codec"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	BitrateKbps int    `json:"bitrate_kbps"` // 0 表示源文件未提供码率
}

type probeEntry struct {
	meta    *Metadata
	modTime time.Time
	size    int64
}

// FFProbe 调用 ffprobe 读取视频信息，结果按文件路径缓存
type FFProbe struct {
	bin   string
	cache *cache.Cache
}

// NewFFProbe 创建探测器，ttl 为缓存有效期
func NewFFProbe(bin string, ttl time.Duration) *FFProbe {
	if bin == "" {
		bin = "ffprobe"
	}
	return &FFProbe{
		bin:   bin,
		cache: cache.New(ttl, 10*time.Minute),
	}
}

// Exists 判断输入文件是否存在且不是目录
func Exists(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Exists 见包级函数 Exists
func (p *FFProbe) Exists(path string) bool {
	return Exists(path)
}

// Probe 读取视频信息；文件被修改后缓存自动失效
func (p *FFProbe) Probe(ctx context.Context, path string) (*Metadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}

	if cached, found := p.cache.Get(path); found {
		entry := cached.(probeEntry)
		if entry.modTime.Equal(info.ModTime()) && entry.size == info.Size() {
			return entry.meta, nil
		}
	}

	cmd := exec.CommandContext(ctx, p.bin,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,bit_rate",
		"-of", "json",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe 执行失败: %w: %s", err, strings.TrimSpace(stderr.String()))
	}

	meta, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return nil, err
	}

	p.cache.Set(path, probeEntry{meta: meta, modTime: info.ModTime(), size: info.Size()}, cache.DefaultExpiration)
	return meta, nil
}

// Invalidate 删除某个文件的缓存
func (p *FFProbe) Invalidate(path string) {
	p.cache.Delete(path)
}

// CachedCount 当前缓存条目数
func (p *FFProbe) CachedCount() int {
	return p.cache.ItemCount()
}

type probeOutput struct {
	Streams []struct {
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
		BitRate   string `json:"bit_rate"`
	} `json:"streams"`
}

func parseProbeOutput(raw []byte) (*Metadata, error) {
	var out probeOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("解析 ffprobe 输出失败: %w", err)
	}
	if len(out.Streams) == 0 {
		return nil, fmt.Errorf("输入文件中没有视频流")
	}

	s := out.Streams[0]
	meta := &Metadata{
		Codec:  s.CodecName,
		Width:  s.Width,
		Height: s.Height,
	}
	if s.BitRate != "" {
		if bps, err := strconv.ParseFloat(s.BitRate, 64); err == nil && bps > 0 {
			meta.BitrateKbps = int(math.Round(bps / 1000))
		}
	}
	return meta, nil
}
