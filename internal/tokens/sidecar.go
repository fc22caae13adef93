package tokens

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"time"
)

// DefaultSidecarTimeout bounds one sidecar round trip. The estimator must
// never hold up the agent loop longer than this.
const DefaultSidecarTimeout = 2 * time.Second

const sidecarCacheTTL = 5 * time.Minute

// Sidecar counts tokens via a JSON-RPC-over-stdio helper process. Any
// failure (absent binary, crash, timeout, malformed reply) falls through
// to the heuristic. Results are cached by text hash.
type Sidecar struct {
	command []string
	timeout time.Duration
	logger  *slog.Logger
	cache   *lruCache

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	reader *bufio.Reader
	nextID int64
}

// SidecarOption configures the sidecar estimator.
type SidecarOption func(*Sidecar)

// WithSidecarTimeout sets the per-request timeout.
func WithSidecarTimeout(d time.Duration) SidecarOption {
	return func(s *Sidecar) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithSidecarLogger sets the logger.
func WithSidecarLogger(logger *slog.Logger) SidecarOption {
	return func(s *Sidecar) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSidecar creates a sidecar estimator running the given command line.
func NewSidecar(command []string, opts ...SidecarOption) *Sidecar {
	s := &Sidecar{
		command: command,
		timeout: DefaultSidecarTimeout,
		logger:  slog.Default(),
		cache:   newLRUCache(1024, sidecarCacheTTL),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Text string `json:"text"`
}

type rpcResponse struct {
	ID     int64 `json:"id"`
	Result *struct {
		Tokens int `json:"tokens"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Estimate implements Estimator.
func (s *Sidecar) Estimate(text string) int {
	if text == "" {
		return 0
	}
	key := hashText(text)
	if count, ok := s.cache.get(key); ok {
		return count
	}
	count, err := s.roundTrip(text)
	if err != nil {
		s.logger.Debug("sidecar estimate failed, using heuristic", "error", err)
		return Heuristic{}.Estimate(text)
	}
	s.cache.put(key, count)
	return count
}

func (s *Sidecar) roundTrip(text string) (int, error) {
	if len(s.command) == 0 {
		return 0, fmt.Errorf("no sidecar command configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureProcess(); err != nil {
		return 0, err
	}

	s.nextID++
	req := rpcRequest{JSONRPC: "2.0", ID: s.nextID, Method: "count_tokens", Params: rpcParams{Text: text}}
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, err
	}

	type result struct {
		count int
		err   error
	}
	done := make(chan result, 1)
	go func() {
		if _, err := s.stdin.Write(append(payload, '\n')); err != nil {
			done <- result{err: err}
			return
		}
		line, err := s.reader.ReadBytes('\n')
		if err != nil {
			done <- result{err: err}
			return
		}
		var resp rpcResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			done <- result{err: err}
			return
		}
		if resp.Error != nil {
			done <- result{err: fmt.Errorf("sidecar error %d: %s", resp.Error.Code, resp.Error.Message)}
			return
		}
		if resp.Result == nil {
			done <- result{err: fmt.Errorf("sidecar returned no result")}
			return
		}
		done <- result{count: resp.Result.Tokens}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			s.teardown()
			return 0, res.err
		}
		return res.count, nil
	case <-time.After(s.timeout):
		s.teardown()
		return 0, fmt.Errorf("sidecar timed out after %s", s.timeout)
	}
}

func (s *Sidecar) ensureProcess() error {
	if s.cmd != nil && s.cmd.ProcessState == nil {
		return nil
	}
	cmd := exec.Command(s.command[0], s.command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	s.cmd = cmd
	s.stdin = stdin
	s.reader = bufio.NewReader(stdout)
	return nil
}

func (s *Sidecar) teardown() {
	if s.stdin != nil {
		_ = s.stdin.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
		_ = s.cmd.Wait()
	}
	s.cmd = nil
	s.stdin = nil
	s.reader = nil
}

// Close terminates the sidecar process if running.
func (s *Sidecar) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teardown()
}
