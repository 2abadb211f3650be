package build

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrick/logrotate/rotator"
	"github.com/klauspost/compress/zstd"
)

// RotatingLogWriter writes log lines into a size-bounded set of files, rolling
// and compressing old files as the active one fills up.
type RotatingLogWriter struct {
	mu sync.Mutex

	// pipe is the write-end pipe feeding the rotator goroutine.
	pipe *io.PipeWriter

	rotator *rotator.Rotator
	done    chan struct{}
}

// NewRotatingLogWriter creates a new file rotating log writer.
//
// NOTE: InitLogRotator must be called to set up log rotation after creating
// the writer. Until then, writes are discarded.
func NewRotatingLogWriter() *RotatingLogWriter {
	return &RotatingLogWriter{}
}

// InitLogRotator initializes the log file rotator to write logs to logFile and
// create roll files in the same directory. It must be closed on shutdown by
// calling Close.
func (r *RotatingLogWriter) InitLogRotator(cfg *FileLoggerConfig,
	logFile string) error {

	if !SupportedLogCompressor(cfg.Compressor) {
		return fmt.Errorf("unknown log compressor: %v", cfg.Compressor)
	}

	logDir, _ := filepath.Split(logFile)
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0700); err != nil {
			return fmt.Errorf("failed to create log directory: %w",
				err)
		}
	}

	rot, err := rotator.New(
		logFile, int64(cfg.MaxLogFileSize*1024), false, cfg.MaxLogFiles,
	)
	if err != nil {
		return fmt.Errorf("failed to create file rotator: %w", err)
	}

	var c rotator.Compressor
	switch cfg.Compressor {
	case Gzip:
		c = gzip.NewWriter(nil)

	case Zstd:
		c, err = zstd.NewWriter(nil)
		if err != nil {
			return fmt.Errorf("failed to create zstd compressor: "+
				"%w", err)
		}
	}
	rot.SetCompressor(c, logCompressors[cfg.Compressor])

	// The rotator consumes a pipe in its own goroutine. Errors there,
	// such as a full disk, are reported on stderr since the logger itself
	// is what failed.
	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)

		if err := rot.Run(pr); err != nil {
			_, _ = fmt.Fprintf(os.Stderr,
				"failed to run file rotator: %v\n", err)
		}
	}()

	r.mu.Lock()
	r.rotator = rot
	r.pipe = pw
	r.done = done
	r.mu.Unlock()

	return nil
}

// Write writes the byte slice to the log rotator, if present.
func (r *RotatingLogWriter) Write(b []byte) (int, error) {
	r.mu.Lock()
	pipe := r.pipe
	r.mu.Unlock()

	if pipe == nil {
		return len(b), nil
	}

	return pipe.Write(b)
}

// Close flushes pending lines and closes the underlying rotator if it has been
// created.
func (r *RotatingLogWriter) Close() error {
	r.mu.Lock()
	pipe, done := r.pipe, r.done
	r.pipe = nil
	r.mu.Unlock()

	if pipe == nil {
		return nil
	}

	err := pipe.Close()
	<-done

	return err
}
