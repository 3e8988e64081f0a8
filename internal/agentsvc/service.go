// Package agentsvc wires the agent-side RPC method set onto internal/pool,
// and implements pool.Callbacks to forward worker chunks to the controller
// with no buffering: the agent stays thin, each chunk goes out as it
// arrives.
package agentsvc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/0xlynett/piercer/internal/hardware"
	"github.com/0xlynett/piercer/internal/pool"
	"github.com/0xlynett/piercer/pkg/piercer"
	"github.com/0xlynett/piercer/pkg/rpc"
)

var modelExtensions = []string{".gguf", ".ggml"}

// Service answers the controller's agent-side RPC calls and bridges pool
// events back to it. One Service is reused across reconnects; SetController
// is called each time the supervisor establishes a new peer.
type Service struct {
	Pool      *pool.Pool
	ModelsDir string
	AgentID   string
	Sampler   *hardware.Sampler
	Log       *slog.Logger

	mu         sync.RWMutex
	controller *piercer.ControllerClient
}

// New creates a Service. log defaults to slog.Default if nil.
func New(p *pool.Pool, modelsDir, agentID string, sampler *hardware.Sampler, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{Pool: p, ModelsDir: modelsDir, AgentID: agentID, Sampler: sampler, Log: log}
}

// SetController installs the client used to call back into the controller
// on remote's connection. Called once per (re)connect, before Register's
// handlers can be invoked by the controller.
func (s *Service) SetController(remote *rpc.RemoteProxy) {
	s.mu.Lock()
	s.controller = piercer.NewControllerClient(remote)
	s.mu.Unlock()
}

func (s *Service) controllerClient() *piercer.ControllerClient {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controller
}

// Register installs every agent-side method on peer.
func (s *Service) Register(peer *rpc.Peer) {
	peer.Register(piercer.MethodCompletion, s.handleCompletion)
	peer.Register(piercer.MethodChat, s.handleChat)
	peer.Register(piercer.MethodListModels, s.handleListModels)
	peer.Register(piercer.MethodCurrentModels, s.handleCurrentModels)
	peer.Register(piercer.MethodStartModel, s.handleStartModel)
	peer.Register(piercer.MethodDownloadModel, s.handleDownloadModel)
	peer.Register(piercer.MethodStatus, s.handleStatus)
}

func (s *Service) handleCompletion(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	return s.runInference(ctx, raw, false)
}

func (s *Service) handleChat(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	return s.runInference(ctx, raw, true)
}

// runInference hands the request to the worker and returns {} immediately;
// it is not the carrier of the stream. A model the controller dispatched
// here that is not yet loaded gets loaded on first use.
func (s *Service) runInference(ctx context.Context, raw json.RawMessage, chat bool) (any, error) {
	var params piercer.CompletionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("agentsvc: decode params: %w", err)
	}
	bodyJSON, err := json.Marshal(params.Body)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: encode body: %w", err)
	}

	if s.Pool.State(params.Model) != pool.StateReady {
		path := filepath.Join(s.ModelsDir, params.Model)
		if err := s.Pool.LoadModel(ctx, path, params.Model); err != nil {
			return nil, err
		}
	}

	var runErr error
	if chat {
		runErr = s.Pool.RunChat(params.Model, params.RequestID, bodyJSON)
	} else {
		runErr = s.Pool.RunCompletion(params.Model, params.RequestID, bodyJSON)
	}
	if runErr != nil {
		return nil, runErr
	}
	return piercer.MapAny{}, nil
}

func (s *Service) handleListModels(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	return s.listInstalledModels()
}

func (s *Service) handleCurrentModels(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	loaded := s.Pool.Loaded()
	sort.Strings(loaded)
	return loaded, nil
}

func (s *Service) handleStartModel(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	var params piercer.StartModelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("agentsvc: decode params: %w", err)
	}
	path := filepath.Join(s.ModelsDir, params.Model)
	if err := s.Pool.LoadModel(ctx, path, params.Model); err != nil {
		return nil, err
	}
	return piercer.MapAny{}, nil
}

func (s *Service) handleDownloadModel(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	var params piercer.DownloadModelParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, fmt.Errorf("agentsvc: decode params: %w", err)
	}
	if err := s.downloadModel(ctx, params.ModelURL, params.Filename); err != nil {
		return nil, err
	}

	go s.reportInstalledModels(context.Background())
	return piercer.MapAny{}, nil
}

func (s *Service) handleStatus(ctx context.Context, connID string, raw json.RawMessage) (any, error) {
	installed, err := s.listInstalledModels()
	if err != nil {
		return nil, err
	}
	loaded := s.Pool.Loaded()
	sort.Strings(loaded)

	var metrics *piercer.HardwareSnapshot
	if s.Sampler != nil {
		metrics = s.Sampler.Latest()
	}
	return piercer.StatusResult{
		Status:          "ok",
		InstalledModels: installed,
		LoadedModels:    loaded,
		Metrics:         metrics,
	}, nil
}

// InstalledModels exposes the installed-model scan to callers outside the
// package, namely the supervisor's upgrade-header construction.
func (s *Service) InstalledModels() ([]string, error) {
	return s.listInstalledModels()
}

// listInstalledModels scans ModelsDir for model files; the directory is the
// source of truth for installed models.
func (s *Service) listInstalledModels() ([]string, error) {
	entries, err := os.ReadDir(s.ModelsDir)
	if err != nil {
		return nil, fmt.Errorf("agentsvc: read models dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if hasModelExtension(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func hasModelExtension(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	for _, e := range modelExtensions {
		if ext == e {
			return true
		}
	}
	return false
}

// downloadModel fetches modelURL and writes it to <ModelsDir>/filename via
// temp-file-then-rename, the same durability idiom internal/mapping uses
// for its JSON store.
func (s *Service) downloadModel(ctx context.Context, modelURL, filename string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelURL, nil)
	if err != nil {
		return fmt.Errorf("agentsvc: build download request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agentsvc: download %s: %w", modelURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agentsvc: download %s: unexpected status %s", modelURL, resp.Status)
	}

	dest := filepath.Join(s.ModelsDir, filename)
	tmp, err := os.CreateTemp(s.ModelsDir, ".download-*.tmp")
	if err != nil {
		return fmt.Errorf("agentsvc: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("agentsvc: write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("agentsvc: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("agentsvc: rename into place: %w", err)
	}
	return nil
}

func (s *Service) reportInstalledModels(ctx context.Context) {
	client := s.controllerClient()
	if client == nil {
		return
	}
	models, err := s.listInstalledModels()
	if err != nil {
		s.Log.Warn("agentsvc: failed to list models after download", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.UpdateModels(ctx, piercer.UpdateModelsParams{AgentID: s.AgentID, Models: models}); err != nil {
		s.Log.Warn("agentsvc: failed to report updated models", "error", err)
	}
}

// Pool callbacks: forwarded synchronously from the pool's per-worker read
// loop, which keeps chunk order for a given request_id intact end to end
// with no agent-side buffering.

const doneSentinel = `"[DONE]"`

func (s *Service) ReceiveChunk(requestID string, data json.RawMessage) {
	s.forward(requestID, data)
}

func (s *Service) ReceiveComplete(requestID string, data json.RawMessage) {
	if len(data) > 0 {
		s.forward(requestID, data)
	}
	s.forward(requestID, json.RawMessage(doneSentinel))
}

func (s *Service) ReceiveError(requestID string, errMsg string) {
	client := s.controllerClient()
	if client == nil {
		s.Log.Warn("agentsvc: dropping error, no controller connection", "request_id", requestID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	params := piercer.ErrorParams{Error: errMsg, AgentID: s.AgentID, Context: piercer.ErrorContext{RequestID: requestID}}
	if err := client.Error(ctx, params); err != nil {
		s.Log.Warn("agentsvc: failed to report inference error", "request_id", requestID, "error", err)
	}
}

func (s *Service) forward(requestID string, data json.RawMessage) {
	client := s.controllerClient()
	if client == nil {
		s.Log.Warn("agentsvc: dropping chunk, no controller connection", "request_id", requestID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	params := piercer.ReceiveCompletionParams{AgentID: s.AgentID, RequestID: requestID, Data: data}
	if err := client.ReceiveCompletion(ctx, params); err != nil {
		s.Log.Warn("agentsvc: failed to forward chunk", "request_id", requestID, "error", err)
	}
}
