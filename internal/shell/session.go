package shell

import (
	"bytes"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

const (
	readChunk = 4096

	// exitWait is how long close waits for "exit" before killing; killWait
	// bounds the wait after the kill, which can fail against a setuid su.
	exitWait = 100 * time.Millisecond
	killWait = time.Second
)

// session is one running shell process with its pipes.
type session struct {
	id      string
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *os.File
	chunks  chan []byte
	exited  chan struct{}
	pending bytes.Buffer

	errMu   sync.Mutex
	readErr error
	once    sync.Once
}

func startSession(argv []string) (*session, error) {
	cmd := exec.Command(argv[0], argv[1:]...)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = w
	stdin, err := cmd.StdinPipe()
	if err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return nil, err
	}
	// The child holds its own copy of the write end.
	w.Close()

	s := &session{
		id:     ulid.Make().String(),
		cmd:    cmd,
		stdin:  stdin,
		stdout: r,
		chunks: make(chan []byte, 64),
		exited: make(chan struct{}),
	}
	go s.pump()
	go func() {
		_ = cmd.Wait()
		close(s.exited)
	}()
	return s, nil
}

// pump forwards stdout to chunks until the pipe fails.
func (s *session) pump() {
	defer close(s.chunks)
	buf := make([]byte, readChunk)
	for {
		n, err := s.stdout.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			s.chunks <- chunk
		}
		if err != nil {
			s.errMu.Lock()
			s.readErr = err
			s.errMu.Unlock()
			return
		}
	}
}

func (s *session) readError() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.readErr == nil {
		return io.ErrUnexpectedEOF
	}
	return s.readErr
}

func (s *session) alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

func (s *session) pid() int {
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *session) write(text string) error {
	_, err := io.WriteString(s.stdin, text)
	return err
}

// discardPending drops output that arrived after the previous command
// finished. Anything up to and including an old marker line is stale.
func (s *session) discardPending(sentinel string) {
drain:
	for {
		select {
		case chunk, ok := <-s.chunks:
			if !ok {
				break drain
			}
			s.pending.Write(chunk)
		default:
			break drain
		}
	}
	text := s.pending.String()
	if i := strings.LastIndex(text, sentinel); i >= 0 {
		rest := text[i:]
		if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
			s.pending.Reset()
			s.pending.WriteString(rest[nl+1:])
			return
		}
	}
	// Output with no trailing marker belongs to a command that is still
	// running from an earlier timeout; keep it so takeUntil can strip it.
}

// close asks the shell to exit, then kills it if it lingers.
func (s *session) close() {
	s.once.Do(func() {
		_ = s.write("exit\n")
		_ = s.stdin.Close()
		select {
		case <-s.exited:
		case <-time.After(exitWait):
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
			select {
			case <-s.exited:
			case <-time.After(killWait):
			}
		}
		_ = s.stdout.Close()
		// Unblock pump if it is parked on a full channel.
		go func() {
			for range s.chunks {
			}
		}()
	})
}
