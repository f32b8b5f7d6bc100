// Package nativelog writes the process log to stdout and to one file per day.
package nativelog

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLogDir overrides the log directory when none is configured.
const EnvLogDir = "DIYMOD_LOG_DIR"

const (
	filePerm = 0o644
	dirPerm  = 0o755
)

// ResolveDir picks the log directory: explicit, $DIYMOD_LOG_DIR, an existing
// ~/.diy-mod/log, then ./logs.
func ResolveDir(explicit string) string {
	for _, dir := range []string{explicit, os.Getenv(EnvLogDir)} {
		if dir = strings.TrimSpace(dir); dir != "" {
			return dir
		}
	}
	if home, err := os.UserHomeDir(); err == nil {
		dir := filepath.Join(home, ".diy-mod", "log")
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
	}
	return "logs"
}

// TodayFilename names the log file for the day of now.
func TodayFilename(now time.Time) string {
	return "stdout_" + now.Format("1-2-06") + ".log"
}

// Writer keeps the current day's file open and switches files when the date
// changes.
type Writer struct {
	dir string
	now func() time.Time

	mu   sync.Mutex
	name string
	f    *os.File
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, err
	}
	return &Writer{dir: dir, now: time.Now}, nil
}

func (w *Writer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotate(); err != nil {
		return 0, err
	}
	return w.f.Write(p)
}

// rotate opens the file for today unless it is already open.
func (w *Writer) rotate() error {
	name := TodayFilename(w.now())
	if w.f != nil && name == w.name {
		return nil
	}
	f, err := os.OpenFile(filepath.Join(w.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePerm)
	if err != nil {
		return err
	}
	if w.f != nil {
		_ = w.f.Close()
	}
	w.f, w.name = f, name
	return nil
}

func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// NewZapLogger tees a console encoder to stdout and the daily file. debug
// lowers the level to Debug.
func NewZapLogger(dir string, debug bool) (*zap.Logger, error) {
	file, err := NewWriter(ResolveDir(dir))
	if err != nil {
		return nil, err
	}

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	enc := zap.NewProductionEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encoder := zapcore.NewConsoleEncoder(enc)

	logger := zap.New(zapcore.NewTee(
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
		zapcore.NewCore(encoder, file, level),
	), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	zap.RedirectStdLog(logger)
	return logger, nil
}
