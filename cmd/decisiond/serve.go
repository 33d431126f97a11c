package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/decisiond/internal/config"
	"github.com/fyrsmithlabs/decisiond/internal/decision"
	"github.com/fyrsmithlabs/decisiond/internal/embeddings"
	"github.com/fyrsmithlabs/decisiond/internal/events"
	"github.com/fyrsmithlabs/decisiond/internal/knowledge"
	"github.com/fyrsmithlabs/decisiond/internal/logging"
	"github.com/fyrsmithlabs/decisiond/internal/loop"
	"github.com/fyrsmithlabs/decisiond/internal/pattern"
	"github.com/fyrsmithlabs/decisiond/internal/persistence"
	"github.com/fyrsmithlabs/decisiond/internal/rules"
	"github.com/fyrsmithlabs/decisiond/internal/synthesis"
)

var metricsAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the decision loop over stdin/stdout",
	Long: `Serve reads JSON requests line-by-line from stdin and writes JSON
responses to stdout. Two request types are supported:

  {"type":"observe","context":{"page_state":"login"}}
  {"type":"outcome","event_id":"<id>","outcome":"success","detail":""}

An observe request returns either a recommendation or an explicit
no-decision. Action execution is external: the caller performs the
recommended action and reports the result with an outcome request, which
also serves as the human feedback channel for corrections.

Shutdown on SIGINT/SIGTERM or stdin EOF writes a final snapshot.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "address for the Prometheus /metrics endpoint (disabled when empty)")
}

// request is one stdin line.
type request struct {
	Type    string            `json:"type"`
	Context map[string]string `json:"context,omitempty"`
	EventID string            `json:"event_id,omitempty"`
	Outcome events.Outcome    `json:"outcome,omitempty"`
	Detail  string            `json:"detail,omitempty"`
}

// response is one stdout line.
type response struct {
	EventID       string        `json:"event_id,omitempty"`
	Action        *rules.Action `json:"action,omitempty"`
	Source        string        `json:"source,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
	MemoryDerived bool          `json:"memory_derived,omitempty"`
	NoDecision    bool          `json:"no_decision,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	OK            bool          `json:"ok,omitempty"`
	Error         string        `json:"error,omitempty"`
}

// pendingExecutor records every execution as neutral: the real executor is
// the external caller, which reports the true result via an outcome request.
type pendingExecutor struct{}

func (pendingExecutor) Execute(ctx context.Context, action rules.Action) (*loop.ExecutionResult, error) {
	return &loop.ExecutionResult{Outcome: events.OutcomeNeutral, Detail: "pending"}, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer func() { _ = logging.Sync(logger) }()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	return serve(ctx, cfg, logger)
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	provider, err := embeddings.NewProvider(embeddings.ProviderConfig{
		Provider:  cfg.Embeddings.Provider,
		Model:     cfg.Embeddings.Model,
		BaseURL:   cfg.Embeddings.BaseURL,
		Dimension: cfg.Embeddings.Dimension,
	})
	if err != nil {
		return fmt.Errorf("creating embedding provider: %w", err)
	}

	ruleStore := rules.NewStore(rules.StoreConfig{
		MaxRules:              cfg.Rules.MaxRules,
		RetireConfidenceFloor: cfg.Rules.RetireConfidenceFloor,
		RetireFailureStreak:   cfg.Rules.RetireFailureStreak,
		IdleDecayAge:          cfg.Rules.IdleDecayAge,
		IdleDecayDelta:        cfg.Rules.IdleDecayDelta,
	}, logger)

	graph, err := knowledge.NewGraph(knowledge.GraphConfig{
		Dimension:  cfg.Embeddings.Dimension,
		MaxNodes:   cfg.Knowledge.MaxNodes,
		DecayRate:  cfg.Knowledge.DecayRate,
		DecayFloor: cfg.Knowledge.DecayFloor,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating knowledge graph: %w", err)
	}

	eventLog := events.NewLog(cfg.Learning.EventRetention, 0)

	dbPath, err := config.ExpandPath(cfg.Persistence.Path)
	if err != nil {
		return fmt.Errorf("resolving database path: %w", err)
	}
	docStore, err := persistence.NewStore(dbPath, logger)
	if err != nil {
		return fmt.Errorf("opening persistence store: %w", err)
	}
	defer docStore.Close()

	snapshotter, err := persistence.NewSnapshotter(docStore, ruleStore, graph, eventLog, persistence.SnapshotConfig{
		MaxRetries:   cfg.Persistence.MaxRetries,
		RetryBackoff: cfg.Persistence.RetryBackoff,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating snapshotter: %w", err)
	}
	if err := snapshotter.Restore(ctx); err != nil {
		return fmt.Errorf("restoring state: %w", err)
	}

	engine, err := decision.NewEngine(ruleStore, graph, provider, decision.Config{
		AcceptanceThreshold: cfg.Learning.AcceptanceThreshold,
		MemoryThreshold:     cfg.Learning.MemoryThreshold,
		SimilarityK:         cfg.Learning.SimilarityK,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating decision engine: %w", err)
	}

	detector, err := pattern.NewDetector(pattern.Config{
		SignatureKeys: cfg.Learning.SignatureKeys,
		MinSupport:    cfg.Learning.MinSupport,
		MinConfidence: cfg.Learning.MinConfidence,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating pattern detector: %w", err)
	}

	synthesizer, err := synthesis.NewSynthesizer(ruleStore, synthesis.Config{
		TrustFactor:   cfg.Learning.TrustFactor,
		ConflictFloor: cfg.Learning.AcceptanceThreshold,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating rule synthesizer: %w", err)
	}

	l, err := loop.New(loop.Deps{
		Engine:      engine,
		Detector:    detector,
		Synthesizer: synthesizer,
		Rules:       ruleStore,
		Graph:       graph,
		Provider:    provider,
		Events:      eventLog,
		Snapshotter: snapshotter,
		Executor:    pendingExecutor{},
	}, loop.Config{
		WindowSize:          cfg.Learning.WindowSize,
		LearnInterval:       cfg.Learning.LearnInterval,
		MaintenanceInterval: cfg.Learning.MaintenanceInterval,
		SnapshotInterval:    cfg.Persistence.SnapshotInterval,
		ExecutorTimeout:     cfg.Learning.ExecutorTimeout,
		UtilityThreshold:    cfg.Learning.UtilityThreshold,
		MinEvents:           cfg.Learning.MinEvents,
		PassTimeout:         cfg.Learning.PassTimeout,
	}, logger)
	if err != nil {
		return fmt.Errorf("creating learning loop: %w", err)
	}

	if err := l.Start(); err != nil {
		return fmt.Errorf("starting learning loop: %w", err)
	}
	defer func() {
		if err := l.Stop(); err != nil {
			logger.Error("stopping learning loop", zap.Error(err))
		}
	}()

	if metricsAddr != "" {
		startMetricsServer(ctx, metricsAddr, logger)
	}

	logger.Info("decisiond serving",
		zap.String("db", dbPath),
		zap.Int("rules", ruleStore.Len()),
		zap.Int("nodes", graph.Len()),
	)
	return runStdio(ctx, l, logger)
}

// runStdio processes requests line-by-line until EOF or cancellation.
func runStdio(ctx context.Context, l *loop.Loop, logger *zap.Logger) error {
	lines := make(chan []byte)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("reading stdin", zap.Error(err))
		}
	}()

	encoder := json.NewEncoder(os.Stdout)
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				logger.Info("stdin closed, shutting down")
				return nil
			}
			if len(line) == 0 {
				continue
			}
			resp := handleRequest(ctx, l, line)
			if err := encoder.Encode(resp); err != nil {
				return fmt.Errorf("writing response: %w", err)
			}
		}
	}
}

func handleRequest(ctx context.Context, l *loop.Loop, line []byte) response {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		return response{Error: fmt.Sprintf("invalid request: %v", err)}
	}

	switch req.Type {
	case "observe":
		rec, eventID, err := l.Observe(ctx, req.Context)
		if errors.Is(err, decision.ErrNoDecision) {
			return response{EventID: eventID, NoDecision: true, Reason: err.Error()}
		}
		if err != nil {
			return response{Error: err.Error()}
		}
		action := rec.Action
		return response{
			EventID:       eventID,
			Action:        &action,
			Source:        rec.Source,
			Confidence:    rec.Confidence,
			MemoryDerived: rec.MemoryDerived,
		}

	case "outcome":
		if err := l.Feedback(req.EventID, req.Outcome, req.Detail); err != nil {
			return response{EventID: req.EventID, Error: err.Error()}
		}
		return response{EventID: req.EventID, OK: true}

	default:
		return response{Error: fmt.Sprintf("unknown request type %q", req.Type)}
	}
}

// startMetricsServer exposes /metrics on its own listener.
func startMetricsServer(ctx context.Context, addr string, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}
