package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskwright/taskwright/pkg/config"
	"github.com/taskwright/taskwright/pkg/events"
	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/scheduler"
	"github.com/taskwright/taskwright/pkg/storage"
	"github.com/taskwright/taskwright/pkg/types"
)

// maxFrameBytes bounds one inbound request line
const maxFrameBytes = 16 << 20

// request is one inbound tool invocation frame
type request struct {
	ID        any             `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// response answers a request with exactly one of result or error
type response struct {
	ID     any        `json:"id,omitempty"`
	Result any        `json:"result,omitempty"`
	Error  *wireError `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// eventFrame is an unsolicited server-to-client frame
type eventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Server speaks line-delimited JSON frames over a reader/writer pair,
// normally stdin/stdout. Requests dispatch concurrently; all writes
// serialize through one mutex so responses and event frames interleave
// cleanly.
type Server struct {
	cfg     *config.Config
	store   *storage.Store
	repos   *repository.Repositories
	engine  *scheduler.Engine
	broker  *events.Broker
	logger  zerolog.Logger
	version string
	started time.Time

	writeMu sync.Mutex
	out     io.Writer
}

// New creates a server over the assembled components
func New(cfg *config.Config, store *storage.Store, repos *repository.Repositories, engine *scheduler.Engine, broker *events.Broker, version string) *Server {
	return &Server{
		cfg:     cfg,
		store:   store,
		repos:   repos,
		engine:  engine,
		broker:  broker,
		logger:  log.WithComponent("server"),
		version: version,
		started: time.Now(),
	}
}

// Serve reads frames until EOF or ctx cancellation. Each request runs
// in its own goroutine; Serve returns once the reader is drained and
// in-flight requests have answered.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	s.out = out

	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)
	forwardCtx, stopForward := context.WithCancel(ctx)
	defer stopForward()
	go s.forwardLogs(forwardCtx, sub)

	var wg sync.WaitGroup
	defer wg.Wait()

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeError(nil, types.WrapError(types.KindInvalidInput, err, "malformed request frame"))
			continue
		}

		wg.Add(1)
		go func(req request) {
			defer wg.Done()
			s.dispatch(ctx, req)
		}(req)
	}
	if err := sc.Err(); err != nil {
		return err
	}
	return ctx.Err()
}

func (s *Server) dispatch(ctx context.Context, req request) {
	logger := s.logger.With().Str("tool", req.Name).Logger()
	logger.Debug().Msg("Dispatching tool call")

	var (
		result any
		err    error
	)
	switch req.Name {
	case "health":
		result, err = s.handleHealth(ctx)
	case "convert_task_markdown":
		result, err = s.handleConvert(ctx, req.Arguments)
	case "claude_code":
		result, err = s.handleClaudeCode(ctx, req.Arguments)
	default:
		err = types.NewError(types.KindUnknownTool, "unknown tool %q", req.Name)
	}

	if err != nil {
		logger.Warn().Err(err).Msg("Tool call failed")
		s.writeError(req.ID, err)
		return
	}
	s.write(response{ID: req.ID, Result: result})
}

// forwardLogs streams task_log events to the client while work is
// pending
func (s *Server) forwardLogs(ctx context.Context, sub events.Subscriber) {
	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.EventTaskLog || ev.Log == nil {
				continue
			}
			s.write(eventFrame{Event: "task_log", Payload: ev.Log})
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) write(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to marshal frame")
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.out.Write(data)
	s.out.Write([]byte("\n"))
}

func (s *Server) writeError(id any, err error) {
	s.write(response{ID: id, Error: &wireError{
		Code:    types.WireCode(types.KindOf(err)),
		Message: err.Error(),
	}})
}
