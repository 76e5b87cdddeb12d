package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/isitobservable/netcheck/pkg/report"
	"github.com/isitobservable/netcheck/pkg/telemetry"
	"github.com/isitobservable/netcheck/pkg/types"
	"github.com/isitobservable/netcheck/pkg/verifier"
)

const (
	mcpProtocolVersion = "2025-03-26"
	maxResultAttrLen   = 1024

	// ToolName is the single tool this server exposes.
	ToolName = "verify_cluster_connectivity"
)

const toolDescription = "Verify node-to-node reachability and control-plane API server to etcd connectivity " +
	"in the cluster. Deploys a temporary privileged agent on every node and removes it afterwards. " +
	"Returns the per-node and per-control-plane results with an overall success verdict."

const inputSchema = `{
  "type": "object",
  "properties": {
    "nodes": {"type": "boolean", "description": "Test that every node reaches every other node"},
    "control_planes": {"type": "boolean", "description": "Test that each control plane's API server reaches its etcd"},
    "seeds": {"type": "array", "items": {"type": "string"}, "description": "Restrict control-plane checks to these namespaces"}
  }
}`

// Runner runs one verification pass.
type Runner interface {
	Run(ctx context.Context, scope verifier.Scope) (report.RunResult, error)
}

type Server struct {
	mcpServer  *mcp.Server
	httpServer *http.Server
	runner     Runner
	meters     *telemetry.Meters

	// running admits one run at a time; the agent DaemonSet is a cluster singleton.
	running sync.Mutex
}

func NewServer(runner Runner, meters *telemetry.Meters, version string) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    telemetry.ServiceName,
		Version: version,
	}, nil)

	s := &Server{
		mcpServer: mcpServer,
		runner:    runner,
		meters:    meters,
	}
	s.mcpServer.AddTool(buildMCPTool(), s.handleVerify)
	return s
}

// Handler returns the Streamable HTTP handler mounted at /mcp.
func (s *Server) Handler() http.Handler {
	handler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.mcpServer
	}, nil)

	mux := http.NewServeMux()
	mux.Handle("/mcp", handler)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	return mux
}

func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("mcp: starting Streamable HTTP server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func buildMCPTool() *mcp.Tool {
	tool := &mcp.Tool{
		Name:        ToolName,
		Description: toolDescription,
	}
	if err := json.Unmarshal([]byte(inputSchema), &tool.InputSchema); err != nil {
		slog.Warn("mcp: failed to parse input schema", "tool", ToolName, "error", err)
	}
	return tool
}

// handleVerify runs the verifier with OTel spans, metrics and context
// propagation per GenAI + MCP semantic conventions.
func (s *Server) handleVerify(ctx context.Context, request *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if meta := request.Params.GetMeta(); meta != nil {
		carrier := propagation.MapCarrier{}
		for k, v := range meta {
			if str, ok := v.(string); ok {
				carrier.Set(k, str)
			}
		}
		ctx = otel.GetTextMapPropagator().Extract(ctx, carrier)
	}

	sessionID := ""
	if request.Session != nil {
		sessionID = request.Session.ID()
	}

	ctx, span := telemetry.Tracer().Start(ctx, "execute_tool "+ToolName,
		trace.WithSpanKind(trace.SpanKindServer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("gen_ai.operation.name", "execute_tool"),
		attribute.String("gen_ai.tool.name", ToolName),
		attribute.String("mcp.method.name", "tools/call"),
		attribute.String("mcp.protocol.version", mcpProtocolVersion),
		attribute.String("mcp.session.id", sessionID),
	)

	var scope verifier.Scope
	if len(request.Params.Arguments) > 0 {
		if err := json.Unmarshal(request.Params.Arguments, &scope); err != nil {
			return s.errorResult(ctx, span, 0, types.Wrap(types.ErrCodeInvalidInput, "", "failed to parse arguments", err)), nil
		}
	}
	span.SetAttributes(attribute.String("gen_ai.tool.call.arguments", string(request.Params.Arguments)))

	if !s.running.TryLock() {
		return s.errorResult(ctx, span, 0, types.Errorf(types.ErrCodeRunInProgress, "", "a verification run is already in progress")), nil
	}
	defer s.running.Unlock()

	start := time.Now()
	result, err := s.runner.Run(ctx, scope)
	duration := time.Since(start).Seconds()
	if err != nil {
		return s.errorResult(ctx, span, duration, err), nil
	}

	s.recordMetrics(ctx, "", duration)
	if result.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "connectivity checks failed")
	}

	jsonBytes, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return s.errorResult(ctx, span, duration, fmt.Errorf("failed to marshal result: %w", err)), nil
	}

	resultStr := string(jsonBytes)
	if len(resultStr) > maxResultAttrLen {
		resultStr = resultStr[:maxResultAttrLen]
	}
	span.SetAttributes(attribute.String("gen_ai.tool.call.result", resultStr))

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(jsonBytes)}},
	}, nil
}

// errorResult records err and renders it as a tool error. CheckErrors are
// returned as JSON so callers can read the code.
func (s *Server) errorResult(ctx context.Context, span trace.Span, duration float64, err error) *mcp.CallToolResult {
	errType := types.CodeOf(err)
	if errType == "" {
		errType = "tool_error"
	}
	s.recordMetrics(ctx, errType, duration)
	s.recordError(ctx, span, errType, err)

	text := err.Error()
	var ce *types.CheckError
	if errors.As(err, &ce) {
		if b, mErr := json.MarshalIndent(ce, "", "  "); mErr == nil {
			text = string(b)
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: true,
	}
}

// recordMetrics records GenAI request duration and count metrics.
func (s *Server) recordMetrics(ctx context.Context, errType string, duration float64) {
	if s.meters == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("gen_ai.tool.name", ToolName),
	}
	if errType != "" {
		attrs = append(attrs, attribute.String("error.type", errType))
	}
	s.meters.RequestDuration.Record(ctx, duration, telemetry.WithAttrs(attrs...))
	s.meters.RequestCount.Add(ctx, 1, telemetry.WithAttrs(attrs...))
}

// recordError records error metrics and sets span error status.
func (s *Server) recordError(ctx context.Context, span trace.Span, errType string, err error) {
	span.SetStatus(codes.Error, err.Error())
	span.SetAttributes(attribute.String("error.type", errType))
	span.RecordError(err)

	s.meters.RecordError(ctx, errType)
}
