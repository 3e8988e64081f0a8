// Package supervisor implements the agent-side controller connection
// lifecycle: dial, re-advertise installed models, run the RPC peer until
// the transport closes, and reconnect with exponential backoff. Close
// codes 1001/1008 are terminal; anything else is transient.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/0xlynett/piercer/internal/agentsvc"
	"github.com/0xlynett/piercer/pkg/rpc"
	"github.com/0xlynett/piercer/pkg/rpc/wsduplex"
)

const (
	backoffInitial         = 1 * time.Second
	backoffMax             = 60 * time.Second
	maxConsecutiveFailures = 10
)

// ExitError signals the agent process should exit with Code rather than
// keep reconnecting (auth failure or deliberate eviction).
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("supervisor: terminal exit, code %d", e.Code)
}

// Config configures a Supervisor.
type Config struct {
	ControllerURL string
	Secret        string
	AgentName     string
	DataDir       string
	Service       *agentsvc.Service
	Log           *slog.Logger
}

// Supervisor owns exactly one live RPC peer to the controller at a time.
type Supervisor struct {
	cfg     Config
	agentID string
}

// New creates a Supervisor, loading (or minting and persisting) the agent's
// stable id from <data-dir>/agent-id.txt.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	id, err := loadOrCreateAgentID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	return &Supervisor{cfg: cfg, agentID: id}, nil
}

// AgentID returns the supervisor's stable agent id.
func (s *Supervisor) AgentID() string { return s.agentID }

// Run dials, re-dials, and serves the agent's controller connection until
// ctx is canceled or a terminal close code is received. Returns *ExitError
// for a terminal close (code carries the process exit status the caller
// should use), ctx.Err() on cancellation, or a plain error after
// maxConsecutiveFailures transient failures in a row.
func (s *Supervisor) Run(ctx context.Context) error {
	attempts := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		code, reason, runErr := s.runOnce(ctx, &attempts)
		if runErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempts++
			s.cfg.Log.Warn("supervisor: connection attempt failed", "error", runErr, "attempt", attempts)
			if attempts >= maxConsecutiveFailures {
				return fmt.Errorf("supervisor: exceeded %d consecutive failed attempts", maxConsecutiveFailures)
			}
			if !sleepCtx(ctx, backoffForAttempt(attempts-1)) {
				return ctx.Err()
			}
			continue
		}

		switch code {
		case rpc.CloseEvicted:
			s.cfg.Log.Info("supervisor: evicted by controller, exiting")
			return &ExitError{Code: 0}
		case rpc.CloseAuthFail:
			s.cfg.Log.Error("supervisor: authentication failed, exiting")
			return &ExitError{Code: 1}
		default:
			attempts++
			s.cfg.Log.Info("supervisor: disconnected, reconnecting", "close_code", code, "reason", reason, "attempt", attempts)
			if attempts >= maxConsecutiveFailures {
				return fmt.Errorf("supervisor: exceeded %d consecutive failed attempts", maxConsecutiveFailures)
			}
			if !sleepCtx(ctx, backoffForAttempt(attempts-1)) {
				return ctx.Err()
			}
		}
	}
}

// runOnce dials the controller, serves the connection until it closes, and
// reports the close code/reason it ended on. attempts is reset to 0 on a
// successful open, so a connection that opens and later drops starts its
// next backoff sequence from scratch.
func (s *Supervisor) runOnce(ctx context.Context, attempts *int) (closeCode int, closeReason string, err error) {
	models, err := s.cfg.Service.InstalledModels()
	if err != nil {
		return 0, "", err
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.cfg.Secret)
	header.Set("agent-id", s.agentID)
	header.Set("agent-name", s.cfg.AgentName)
	header.Set("agent-installed-models", strings.Join(models, ","))

	transport, err := wsduplex.Dial(ctx, s.cfg.ControllerURL, header)
	if err != nil {
		return 0, "", fmt.Errorf("supervisor: dial controller: %w", err)
	}

	peer := rpc.New(transport, s.cfg.Log)
	s.cfg.Service.Register(peer)
	s.cfg.Service.SetController(peer.Remote(""))

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- peer.Serve(connCtx) }()

	for evt := range peer.Events() {
		switch evt.Kind {
		case rpc.EventOpen:
			*attempts = 0
			s.cfg.Log.Info("supervisor: connected to controller", "agent_id", s.agentID)
		case rpc.EventClose:
			cancel()
			<-serveErr
			return evt.CloseCode, evt.Reason, nil
		case rpc.EventError:
			s.cfg.Log.Warn("supervisor: transport error", "error", evt.Err)
		}
	}

	// Events channel closed without an EventClose: Serve's context was
	// canceled out from under it (process shutdown).
	<-serveErr
	return 0, "", ctx.Err()
}

// backoffForAttempt returns the exact reconnect delay for the nth (0-based)
// consecutive failure: min(1000*2^n, 60000)ms, no jitter.
func backoffForAttempt(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if n > 20 { // guards the bit shift; backoffMax caps long before this matters
		return backoffMax
	}
	d := backoffInitial << uint(n)
	if d <= 0 || d > backoffMax {
		return backoffMax
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func agentIDPath(dataDir string) string {
	return filepath.Join(dataDir, "agent-id.txt")
}

// loadOrCreateAgentID reads <data-dir>/agent-id.txt, or mints a new UUID and
// persists it via temp-file-then-rename if the file does not yet exist.
func loadOrCreateAgentID(dataDir string) (string, error) {
	path := agentIDPath(dataDir)
	data, err := os.ReadFile(path)
	if err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	} else if !os.IsNotExist(err) {
		return "", fmt.Errorf("supervisor: read agent id: %w", err)
	}

	id := uuid.NewString()
	if err := writeFileAtomic(dataDir, path, []byte(id)); err != nil {
		return "", err
	}
	return id, nil
}

func writeFileAtomic(dir, path string, data []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("supervisor: create data dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".agent-id-*.tmp")
	if err != nil {
		return fmt.Errorf("supervisor: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("supervisor: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("supervisor: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("supervisor: rename into place: %w", err)
	}
	return nil
}
