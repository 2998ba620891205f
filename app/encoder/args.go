package encoder

import (
	"strconv"
	"strings"

	"wanistream/app/config"
	"wanistream/app/model"
)

// Params 单次编码进程的参数
type Params struct {
	Input       string
	IngestURL   string
	Mode        model.EncodeMode
	BitrateKbps int
	BufsizeKbps int
	Preset      string
}

// BuildArgs 构造 ffmpeg 参数：循环读取输入，透传或重编码视频，固定 AAC 音频，以 flv 推送
func BuildArgs(cfg config.EncoderConfig, p Params) []string {
	args := []string{"-re", "-stream_loop", "-1"}
	if isHTTPInput(p.Input) {
		args = append(args, cfg.ReconnectArgs...)
	}
	args = append(args, "-i", p.Input)

	audioBitrate := cfg.AudioBitrate
	if audioBitrate == "" {
		audioBitrate = "128k"
	}

	if p.Mode == model.EncodeModeCopy {
		args = append(args,
			"-c:v", "copy",
			"-c:a", "aac", "-b:a", audioBitrate,
		)
	} else {
		gop := cfg.GOP
		if gop <= 0 {
			gop = 60
		}
		bufsize := p.BufsizeKbps
		if bufsize <= 0 {
			bufsize = p.BitrateKbps * 2
		}
		bitrate := kbps(p.BitrateKbps)
		args = append(args,
			"-c:v", "libx264",
			"-b:v", bitrate,
			"-maxrate", bitrate,
			"-bufsize", kbps(bufsize),
			"-preset", p.Preset,
			"-tune", "zerolatency",
			"-pix_fmt", "yuv420p",
			"-g", strconv.Itoa(gop), "-keyint_min", strconv.Itoa(gop), "-sc_threshold", "0",
			"-c:a", "aac", "-b:a", audioBitrate, "-ar", "44100", "-ac", "2",
			"-err_detect", "ignore_err", "-fflags", "+genpts+discardcorrupt",
			"-avoid_negative_ts", "make_zero",
		)
	}

	return append(args,
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		p.IngestURL,
	)
}

func kbps(v int) string {
	return strconv.Itoa(v) + "k"
}

// isHTTPInput 重连参数是 http 协议选项，只能用于网络输入
func isHTTPInput(input string) bool {
	lower := strings.ToLower(input)
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}
