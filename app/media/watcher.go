package media

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"wanistream/app/logger"

	"github.com/fsnotify/fsnotify"
)

// Invalidator 接收文件变动通知
type Invalidator interface {
	Invalidate(path string)
}

// Watcher 监控视频目录，文件被改写、删除或重命名时让探测缓存失效
type Watcher struct {
	dir      string
	target   Invalidator
	logger   *logger.Logger
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	watching bool
}

// NewWatcher 创建目录监控器
func NewWatcher(dir string, target Invalidator, log *logger.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		target: target,
		logger: log,
	}
}

// Start 启动目录监控，目录不存在时跳过
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.watching {
		return nil
	}
	if _, err := os.Stat(w.dir); os.IsNotExist(err) {
		w.logger.Warnf("视频目录不存在，跳过文件监控: %s", w.dir)
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("创建文件监控器失败: %w", err)
	}

	// fsnotify 不递归，逐个添加子目录
	err = filepath.WalkDir(w.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fw.Add(path)
		}
		return nil
	})
	if err != nil {
		fw.Close()
		return fmt.Errorf("添加监控路径失败: %w", err)
	}

	w.watcher = fw
	w.stopCh = make(chan struct{})
	w.watching = true
	w.wg.Add(1)
	go w.loop()

	w.logger.Infof("视频目录监控已启动: %s", w.dir)
	return nil
}

// Stop 停止目录监控
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.watching {
		return
	}
	close(w.stopCh)
	w.watcher.Close()
	w.wg.Wait()
	w.watching = false
	w.logger.Info("视频目录监控已停止")
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Errorf("视频目录监控错误: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	switch {
	case event.Has(fsnotify.Create):
		// 新建的子目录也需要监控
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warnf("添加子目录监控失败: %s, %v", event.Name, err)
			}
			return
		}
		w.target.Invalidate(event.Name)
	case event.Has(fsnotify.Write), event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		w.logger.Debugf("视频文件变动，清除探测缓存: %s (%s)", event.Name, event.Op)
		w.target.Invalidate(event.Name)
	}
}
