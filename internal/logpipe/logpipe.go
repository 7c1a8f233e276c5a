// Package logpipe implements the Log Pipe (spec §4.3): a background writer
// that drains a pipe file descriptor (the supervised child's redirected
// stdout/stderr) into a rotatable log file under a mutex.
package logpipe

import (
	"bufio"
	"os"
	"sync"
)

// Pipe owns (pipe-read-end, log-file-handle, mutex, stop-flag) exactly as
// spec §4.3 describes. The write end is handed to the Program Supervisor as
// the child's stdout/stderr.
type Pipe struct {
	mu   sync.Mutex
	path string
	perm os.FileMode
	fout *os.File

	r *os.File
	w *os.File

	stopped chan struct{}
	done    chan struct{}
	once    sync.Once
}

// New opens path for append and creates the OS pipe the child will write
// into.
func New(path string, perm os.FileMode) (*Pipe, error) {
	fout, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, perm)
	if err != nil {
		return nil, err
	}
	r, w, err := os.Pipe()
	if err != nil {
		fout.Close()
		return nil, err
	}
	p := &Pipe{
		path:    path,
		perm:    perm,
		fout:    fout,
		r:       r,
		w:       w,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// WriteEnd is the opaque handle passed to the Program Supervisor as the
// child process's standard output/error.
func (p *Pipe) WriteEnd() *os.File {
	return p.w
}

func (p *Pipe) run() {
	defer close(p.done)
	sc := bufio.NewScanner(p.r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		select {
		case <-p.stopped:
			return
		default:
		}
		p.appendLine(sc.Text())
	}
}

func (p *Pipe) appendLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fout == nil {
		return
	}
	p.fout.WriteString(line)
	p.fout.WriteString("\n")
}

// LogLine writes a line directly under the mutex, used for synchronous
// banner messages (e.g. "starting program X") that aren't flowing through
// the child's stdout.
func (p *Pipe) LogLine(text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fout == nil {
		return os.ErrClosed
	}
	if _, err := p.fout.WriteString(text); err != nil {
		return err
	}
	_, err := p.fout.WriteString("\n")
	return err
}

// Rotate closes and reopens the log file under the mutex, used to respond
// to logrotate(8) / SIGUSR1 renaming the file out from under the daemon.
func (p *Pipe) Rotate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fout != nil {
		p.fout.Close()
	}
	f, err := os.OpenFile(p.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, p.perm)
	if err != nil {
		p.fout = nil
		return err
	}
	p.fout = f
	return nil
}

// Stop sets the stop flag, writes a single newline into the pipe to unblock
// the reader goroutine, joins it, and closes both ends.
func (p *Pipe) Stop() error {
	p.once.Do(func() {
		close(p.stopped)
		p.w.WriteString("\n")
		p.w.Close()
		<-p.done
		p.r.Close()
		p.mu.Lock()
		if p.fout != nil {
			p.fout.Close()
			p.fout = nil
		}
		p.mu.Unlock()
	})
	return nil
}
