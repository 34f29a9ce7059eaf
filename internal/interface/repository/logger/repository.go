package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cacheproxy/internal/domain"
)

// Repository はロガーのリポジトリ実装.
// slogのJSONハンドラでローテーションするファイルに書き込む.
type Repository struct {
	mu       sync.Mutex
	file     *os.File
	config   *RotationConfig
	dir      string
	filename string
	slog     *slog.Logger
	done     chan struct{}
	once     sync.Once
}

// Verify interface implementation.
var _ domain.Logger = (*Repository)(nil)

// New は新しいRepositoryインスタンスを作成.
func New(directory, filename string, level LogLevel, config *RotationConfig) (
	*Repository, error,
) {
	if err := os.MkdirAll(directory, 0755); err != nil {
		return nil, err
	}

	if config == nil {
		config = DefaultRotationConfig()
	}

	path := filepath.Join(directory, filename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	logger := &Repository{
		file:     file,
		config:   config,
		dir:      directory,
		filename: filename,
		done:     make(chan struct{}),
	}
	logger.slog = slog.New(slog.NewJSONHandler(logger, &slog.HandlerOptions{
		Level: level.slogLevel(),
	}))

	// ログクリーンアップを定期的に実行
	go logger.periodicCleanup()

	return logger, nil
}

// NewWriter は任意のWriterに書き込むロガーを作成 (ローテーションなし).
func NewWriter(w io.Writer, level LogLevel) *Repository {
	return &Repository{
		slog: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level: level.slogLevel(),
		})),
		done: make(chan struct{}),
	}
}

// Info はINFOレベルのログを記録.
func (r *Repository) Info(msg string, fields map[string]interface{}) {
	r.log(slog.LevelInfo, msg, nil, fields)
}

// Warn はWARNレベルのログを記録.
func (r *Repository) Warn(msg string, fields map[string]interface{}) {
	r.log(slog.LevelWarn, msg, nil, fields)
}

// Error はERRORレベルのログを記録.
func (r *Repository) Error(
	msg string, err error, fields map[string]interface{},
) {
	r.log(slog.LevelError, msg, err, fields)
}

// Debug はDEBUGレベルのログを記録.
func (r *Repository) Debug(msg string, fields map[string]interface{}) {
	r.log(slog.LevelDebug, msg, nil, fields)
}

func (r *Repository) log(level slog.Level, msg string, err error, fields map[string]interface{}) {
	r.slog.LogAttrs(context.Background(), level, msg, fieldsToAttrs(err, fields)...)
}

// Write はハンドラからの出力をファイルに書き込む.
func (r *Repository) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// ローテーションのチェック.
	if needs, err := needsRotation(r.file.Name(), r.config.MaxSize); err == nil && needs {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to rotate log: %v\n", err)
		}
	}

	n, err := r.file.Write(p)
	if err != nil {
		// エラーが発生した場合は標準エラー出力に書き込み.
		fmt.Fprintf(os.Stderr, "Failed to write log: %v\n", err)
	}
	return n, err
}

// rotate はログファイルをローテーション.
func (r *Repository) rotate() error {
	if err := r.file.Close(); err != nil {
		return err
	}

	if err := rotateFile(r.file.Name()); err != nil {
		return err
	}

	file, err := os.OpenFile(filepath.Join(r.dir, r.filename), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}

	r.file = file
	return nil
}

// periodicCleanup は定期的に古いログファイルを削除.
func (r *Repository) periodicCleanup() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := cleanOldLogs(r.dir, r.filename, r.config); err != nil {
				r.Error("Failed to clean old logs", err, nil)
			}
		case <-r.done:
			return
		}
	}
}

// Close はロガーのリソースを解放.
func (r *Repository) Close() error {
	r.once.Do(func() { close(r.done) })

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Close()
}
