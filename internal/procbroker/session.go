package procbroker

import (
	"bufio"
	"io"
	"net/url"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/exthost/internal/framing"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/logging"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/exthost/internal/shared/errs"
	"github.com/GriffinCanCode/exthost/internal/shared/types"
)

// session is one running protocol server.
type session struct {
	info    types.Session
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  io.ReadCloser
	stderr  io.ReadCloser
	attempt *resilience.Attempt
	logger  *logging.Logger
	done    chan struct{}

	writeMu sync.Mutex

	mu       sync.Mutex
	stopping bool
	exited   bool
}

func newSession(cmd *exec.Cmd) (*session, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, err
	}
	return &session{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
		stderr: stderr,
		done:   make(chan struct{}),
	}, nil
}

func (s *session) closePipes() {
	s.stdin.Close()
	s.stdout.Close()
	s.stderr.Close()
}

func (s *session) snapshot() types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := s.info
	info.Args = append([]string(nil), s.info.Args...)
	info.Languages = append([]string(nil), s.info.Languages...)
	info.DocumentVersions = make(map[string]int, len(s.info.DocumentVersions))
	for k, v := range s.info.DocumentVersions {
		info.DocumentVersions[k] = v
	}
	return info
}

func (s *session) write(payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := framing.Write(s.stdin, payload); err != nil {
		return errs.Wrap(errs.CodeProcessExited, err, "session %s is not accepting input", s.info.SessionID)
	}
	return nil
}

// requestStop marks the session as stopping. It returns false when a stop
// is already in progress or the child has exited.
func (s *session) requestStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping || s.exited {
		return false
	}
	s.stopping = true
	return true
}

// markExited records the exit and reports whether it was requested.
func (s *session) markExited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exited = true
	return s.stopping
}

func (s *session) kill() {
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if !exited && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
}

// pipeStderr forwards the child's stderr to the session logger line by
// line.
func (s *session) pipeStderr() {
	scanner := bufio.NewScanner(s.stderr)
	scanner.Buffer(make([]byte, 0, 4096), 64*1024)
	for scanner.Scan() {
		s.logger.Debug("stderr", zap.String("line", scanner.Text()))
	}
	// Keep draining past an overlong line.
	_, _ = io.Copy(io.Discard, s.stderr)
}

type documentNotification struct {
	Method string `json:"method"`
	Params struct {
		TextDocument struct {
			URI     string `json:"uri"`
			Version *int   `json:"version"`
		} `json:"textDocument"`
	} `json:"params"`
}

// trackDocument updates DocumentVersions for textDocument lifecycle
// notifications. Other payloads are ignored.
func (s *session) trackDocument(payload []byte) {
	if s.info.Protocol != types.ProtocolLSP {
		return
	}
	var n documentNotification
	if err := sonic.Unmarshal(payload, &n); err != nil {
		return
	}
	if !strings.HasPrefix(n.Method, "textDocument/did") || n.Params.TextDocument.URI == "" {
		return
	}
	key := DocumentKey(n.Params.TextDocument.URI)

	s.mu.Lock()
	defer s.mu.Unlock()

	switch n.Method {
	case "textDocument/didOpen", "textDocument/didChange":
		if v := n.Params.TextDocument.Version; v != nil {
			s.info.DocumentVersions[key] = *v
		} else {
			s.info.DocumentVersions[key]++
		}
	case "textDocument/didSave":
		if _, ok := s.info.DocumentVersions[key]; !ok {
			s.info.DocumentVersions[key] = 1
		}
	case "textDocument/didClose":
		delete(s.info.DocumentVersions, key)
	}
}

// DocumentKey maps a document URI to the key used in DocumentVersions: the
// file path for file URIs, the URI itself otherwise.
func DocumentKey(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return uri
	}
	return filepath.FromSlash(u.Path)
}

// FileURI is the inverse of DocumentKey for absolute paths.
func FileURI(path string) string {
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(path)}).String()
}
