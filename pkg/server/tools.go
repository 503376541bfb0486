package server

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskwright/taskwright/pkg/parser"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/types"
)

// summaryLimit bounds claude_code output in summary return mode
const summaryLimit = 4096

type healthResult struct {
	Status   string       `json:"status"`
	Version  string       `json:"version"`
	UptimeMs int64        `json:"uptimeMs"`
	Config   healthConfig `json:"config"`
	Pool     healthPool   `json:"pool"`
}

type healthConfig struct {
	HeartbeatIntervalMs int64 `json:"heartbeatIntervalMs"`
	ExecutionTimeoutMs  int64 `json:"executionTimeoutMs"`
	MaxRetries          int   `json:"maxRetries"`
	RetryDelayMs        int64 `json:"retryDelayMs"`
}

type healthPool struct {
	Size int `json:"size"`
	Idle int `json:"idle"`
	Busy int `json:"busy"`
}

func (s *Server) handleHealth(_ context.Context) (any, error) {
	stats := s.store.Stats()
	return healthResult{
		Status:   "ok",
		Version:  s.version,
		UptimeMs: time.Since(s.started).Milliseconds(),
		Config: healthConfig{
			HeartbeatIntervalMs: s.cfg.HeartbeatIntervalMs,
			ExecutionTimeoutMs:  s.cfg.ExecutionTimeoutMs,
			MaxRetries:          s.cfg.MaxRetries,
			RetryDelayMs:        s.cfg.RetryDelayMs,
		},
		Pool: healthPool{Size: stats.Size, Idle: stats.Idle, Busy: stats.Busy},
	}, nil
}

type convertArgs struct {
	MarkdownPath string `json:"markdownPath"`
	OutputPath   string `json:"outputPath,omitempty"`
}

type convertResult struct {
	RootID       string        `json:"rootId"`
	SubtaskCount int           `json:"subtaskCount"`
	Graph        *parser.Graph `json:"graph,omitempty"`
}

func (s *Server) handleConvert(_ context.Context, raw json.RawMessage) (any, error) {
	var args convertArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}
	if args.MarkdownPath == "" {
		return nil, types.NewError(types.KindInvalidInput, "markdownPath is required")
	}

	data, err := os.ReadFile(args.MarkdownPath)
	if err != nil {
		return nil, types.WrapError(types.KindInvalidInput, err, "failed to read %s", args.MarkdownPath)
	}
	graph, err := parser.Parse(data)
	if err != nil {
		return nil, err
	}

	res := convertResult{RootID: graph.Root.ID, SubtaskCount: len(graph.SubTasks)}
	if args.OutputPath != "" {
		out, err := json.MarshalIndent(graph, "", "  ")
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(args.OutputPath, out, 0644); err != nil {
			return nil, types.WrapError(types.KindInternal, err, "failed to write %s", args.OutputPath)
		}
	} else {
		res.Graph = graph
	}
	return res, nil
}

type claudeCodeArgs struct {
	Prompt          string `json:"prompt"`
	WorkFolder      string `json:"workFolder,omitempty"`
	ParentTaskID    string `json:"parentTaskId,omitempty"`
	ReturnMode      string `json:"returnMode,omitempty"`
	TaskDescription string `json:"taskDescription,omitempty"`
	Mode            string `json:"mode,omitempty"`
	Timeout         int64  `json:"timeout,omitempty"`
}

type claudeCodeResult struct {
	TaskID          string `json:"taskId"`
	Status          string `json:"status"`
	Output          string `json:"output"`
	Error           string `json:"error,omitempty"`
	ExecutionTimeMs int64  `json:"executionTimeMs"`
}

func (s *Server) handleClaudeCode(ctx context.Context, raw json.RawMessage) (any, error) {
	var args claudeCodeArgs
	if err := unmarshalArgs(raw, &args); err != nil {
		return nil, err
	}

	// Attach to a persisted graph by id
	if args.ParentTaskID != "" {
		result, err := s.engine.Resume(ctx, args.ParentTaskID)
		if err != nil {
			return nil, err
		}
		return s.claudeCodeResult(result, args.ReturnMode), nil
	}

	if args.Prompt == "" {
		return nil, types.NewError(types.KindInvalidInput, "prompt is required")
	}

	// A prompt that is exactly a known root task id resumes that graph
	if id := strings.TrimSpace(args.Prompt); !strings.ContainsAny(id, " \t\n") {
		if t, err := s.repos.Tasks.GetByID(ctx, id); err == nil && t.ParentID == "" {
			result, err := s.engine.Resume(ctx, id)
			if err != nil {
				return nil, err
			}
			return s.claudeCodeResult(result, args.ReturnMode), nil
		} else if err != nil && !repository.IsNotFound(err) {
			return nil, err
		}
	}

	mode := types.ExecutionModeSequential
	if args.Mode != "" {
		switch strings.ToLower(args.Mode) {
		case "sequential":
			mode = types.ExecutionModeSequential
		case "parallel":
			mode = types.ExecutionModeParallel
		default:
			return nil, types.NewError(types.KindInvalidInput, "unknown mode %q", args.Mode)
		}
	}
	if args.Timeout < 0 {
		return nil, types.NewError(types.KindInvalidInput, "timeout must not be negative")
	}

	name := args.TaskDescription
	if name == "" {
		name = firstLine(args.Prompt)
	}
	root := &types.Task{
		ID:            uuid.New().String(),
		Name:          name,
		Description:   args.TaskDescription,
		Prompt:        args.Prompt,
		WorkDir:       args.WorkFolder,
		ExecutionMode: mode,
		ReturnMode:    types.ReturnMode(args.ReturnMode),
		TimeoutMs:     args.Timeout,
	}

	result, err := s.engine.Execute(ctx, &parser.Graph{Root: root})
	if err != nil {
		return nil, err
	}
	return s.claudeCodeResult(result, args.ReturnMode), nil
}

func (s *Server) claudeCodeResult(result *types.TaskResult, returnMode string) claudeCodeResult {
	output := result.Output
	if returnMode == string(types.ReturnModeSummary) && len(output) > summaryLimit {
		output = output[:summaryLimit]
	}
	return claudeCodeResult{
		TaskID:          result.TaskID,
		Status:          string(result.Status),
		Output:          output,
		Error:           result.Error,
		ExecutionTimeMs: result.ExecutionTimeMs,
	}
}

func unmarshalArgs(raw json.RawMessage, dest any) error {
	if len(raw) == 0 {
		return types.NewError(types.KindInvalidInput, "missing arguments")
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return types.WrapError(types.KindInvalidInput, err, "malformed arguments")
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return strings.TrimSpace(s)
}
