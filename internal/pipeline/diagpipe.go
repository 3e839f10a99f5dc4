package pipeline

import (
	"errors"
	"io/fs"
	"os"
	"sync"
	"syscall"

	"github.com/rs/zerolog"
)

// DiagnosticPipe copies every assembled unit to an existing named pipe, so
// an external reader can record the stream. Writes never block and every
// failure is logged and otherwise ignored.
type DiagnosticPipe struct {
	log  zerolog.Logger
	path string

	mu       sync.Mutex
	fd       int
	open     bool
	failures int
}

// NewDiagnosticPipe creates a pipe writer for path. An empty path disables it.
func NewDiagnosticPipe(log zerolog.Logger, path string) *DiagnosticPipe {
	return &DiagnosticPipe{log: log, path: path, fd: -1}
}

// Open opens the FIFO at path for non-blocking writes. A missing path or
// anything other than a FIFO leaves the pipe disabled; nothing is created.
// Opening also fails while no reader is attached.
func (d *DiagnosticPipe) Open() {
	if d.path == "" {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.open {
		return
	}

	st, err := os.Stat(d.path)
	if err != nil {
		d.log.Debug().Err(err).Str("path", d.path).Msg("Diagnostic pipe disabled")
		return
	}
	if st.Mode()&fs.ModeNamedPipe == 0 {
		d.log.Warn().Str("path", d.path).Msg("Diagnostic pipe path is not a FIFO, disabled")
		return
	}

	fd, err := syscall.Open(d.path, syscall.O_WRONLY|syscall.O_NONBLOCK|syscall.O_CLOEXEC, 0)
	if err != nil {
		d.log.Warn().Err(err).Str("path", d.path).Msg("Diagnostic pipe unavailable")
		return
	}
	d.fd = fd
	d.open = true
	d.log.Debug().Str("path", d.path).Msg("Diagnostic pipe opened")
}

// Write copies one unit. Short or failed writes are logged.
func (d *DiagnosticPipe) Write(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.open {
		return
	}

	n, err := syscall.Write(d.fd, buf)
	if err == nil && n == len(buf) {
		return
	}
	if n < 0 {
		n = 0
	}

	d.failures++
	ev := d.log.Debug()
	if d.failures == 1 {
		ev = d.log.Warn()
	}
	if errors.Is(err, syscall.EPIPE) {
		// reader went away; stop trying
		d.closeLocked()
	}
	ev.Err(err).Int("written", n).Int("size", len(buf)).Int("failures", d.failures).
		Msg("Diagnostic pipe write failed")
}

// Close closes the pipe. It is safe to call more than once.
func (d *DiagnosticPipe) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.closeLocked()
}

func (d *DiagnosticPipe) closeLocked() {
	if !d.open {
		return
	}
	if err := syscall.Close(d.fd); err != nil {
		d.log.Debug().Err(err).Msg("Diagnostic pipe close failed")
	}
	d.fd = -1
	d.open = false
}
