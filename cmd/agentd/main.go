// Command agentd is the long-running agent process: it pulls job instance
// IDs off the intake queue, runs each through the JobRunner pipeline, and
// serves the admin/status HTTP surface alongside it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/forgehq/agentrunner/internal/agent"
	"github.com/forgehq/agentrunner/internal/agent/cmdbuilder"
	"github.com/forgehq/agentrunner/internal/agent/launcher"
	"github.com/forgehq/agentrunner/internal/agent/pool"
	"github.com/forgehq/agentrunner/internal/agent/runner"
	"github.com/forgehq/agentrunner/internal/component"
	"github.com/forgehq/agentrunner/internal/config"
	"github.com/forgehq/agentrunner/internal/db"
	"github.com/forgehq/agentrunner/internal/db/repository"
	"github.com/forgehq/agentrunner/internal/logger"
	"github.com/forgehq/agentrunner/internal/policy"
	"github.com/forgehq/agentrunner/internal/postprocess"
	"github.com/forgehq/agentrunner/internal/resolver"
	"github.com/forgehq/agentrunner/internal/telemetry"
	"github.com/forgehq/agentrunner/internal/web"
	"github.com/forgehq/agentrunner/internal/web/middleware"
)

func main() {
	configPath := flag.String("config", "", "path to an optional YAML config overlay")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("agentd: loading config: %v", err)
	}

	logger.Init(cfg.ServiceName)
	shutdownTelemetry := telemetry.Init(context.Background(), cfg.ServiceName, cfg.TraceURL)
	defer shutdownTelemetry()

	q, err := component.GetQueue(cfg)
	if err != nil {
		log.Fatalf("agentd: queue setup: %v", err)
	}
	defer q.Shutdown()

	c, err := component.GetCache(context.Background(), cfg)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("agentd: cache disabled")
	}

	store, err := component.GetStorage(cfg)
	if err != nil {
		logger.Log.Warn().Err(err).Msg("agentd: object storage disabled")
	}

	var runs *repository.RunRepository
	if pgDB, err := db.New(); err != nil {
		logger.Log.Warn().Err(err).Msg("agentd: run-history persistence disabled")
	} else {
		defer pgDB.Close()
		runs = repository.NewRunRepository(pgDB)
	}

	var postProcessors []runner.PostProcessor
	if store != nil {
		postProcessors = append(postProcessors, postprocess.AttachmentUploader{Storage: store})
	}
	if c != nil {
		postProcessors = append(postProcessors, postprocess.OutputHashRecorder{Cache: c})
	}

	r := cfg.Runner
	cmdOpts := cmdbuilder.Options{
		JavaPath:           r.JavaPath,
		RunnerPath:         r.RunnerPath,
		DependencyListDir:  r.DependencyListDir,
		DependencyCacheDir: r.DependencyCacheDir,
		SecurityManagerOn:  r.RunnerSecurityManagerOn,
		TempDir:            r.TempDir,
		DockerHost:         r.DockerHost,
	}
	launchOpts := launcher.Options{
		TempDir:    r.TempDir,
		DockerHost: r.DockerHost,
	}

	jobRunner := runner.New(
		pool.New(r.MaxPreforkAge, r.MaxPreforkCount),
		resolver.New(r.DependencyCacheDir),
		policy.Factory,
		cmdOpts,
		launchOpts,
		r.TempDir,
		postProcessors...,
	)

	intakeDir := filepath.Join(r.TempDir, "intake")
	if err := q.Consume(func(instanceID string) error {
		return handleJob(jobRunner, runs, intakeDir, instanceID)
	}); err != nil {
		log.Fatalf("agentd: queue consume: %v", err)
	}

	limiter := middleware.NewLimiter(256, 32)
	server := web.NewServer(jobRunner, jobRunner.Pool, runs, limiter.Limit)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Log.Info().Str("addr", cfg.HTTPAddr).Msg("agentd: admin http server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("agentd: http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Log.Info().Msg("agentd: shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Error().Err(err).Msg("agentd: graceful http shutdown failed")
	}
	jobRunner.Pool.Shutdown()
	logger.Log.Info().Msg("agentd: stopped")
}

// handleJob materializes the job request for a queued instance ID and runs
// it to completion. The queue carries only instance IDs (spec.md's request
// arrival mechanics beyond this are an explicit non-goal); the payload and
// job config are expected pre-staged under intakeDir/<instanceID> by
// whatever control plane enqueued the job.
func handleJob(r *runner.Runner, runs *repository.RunRepository, intakeDir, instanceID string) error {
	payloadDir := filepath.Join(intakeDir, instanceID)
	cfg, debug := loadJobConfig(payloadDir)

	req := agent.JobRequest{
		InstanceID: instanceID,
		PayloadDir: payloadDir,
		Cfg:        cfg,
		DebugMode:  debug,
		Log:        agent.NopLog{},
	}

	result := r.Exec(context.Background(), req)
	if result.Err != nil {
		logger.Log.Warn().Err(result.Err).Str("instance_id", instanceID).Msg("agentd: job finished with error")
	}

	if runs != nil {
		rec := repository.RunRecord{
			InstanceID:  result.InstanceID,
			UsedPrefork: result.UsedPrefork,
			ExitCode:    result.ExitCode,
			Cancelled:   result.Cancelled,
			StartedAt:   result.StartedAt,
			FinishedAt:  result.FinishedAt,
		}
		if result.Err != nil {
			rec.ErrorKind = result.Err.Error()
		}
		if err := runs.Insert(context.Background(), rec); err != nil {
			logger.Log.Warn().Err(err).Str("instance_id", instanceID).Msg("agentd: failed to persist run record")
		}
	}

	// Once the process has run, its outcome lives in the run record; only
	// setup failures are returned, so only they nak the message.
	if errors.Is(result.Err, agent.ErrNonZeroExit) ||
		errors.Is(result.Err, agent.ErrExecutionInterrupted) ||
		errors.Is(result.Err, agent.ErrPostProcessingFailure) {
		return nil
	}
	return result.Err
}

// requestFileName holds the job's Cfg/debug flag as staged by whatever
// control plane enqueued the job - distinct from agent.AgentParamsFileName,
// which signals custom JVM/agent parameters and disqualifies prefork reuse.
const requestFileName = "_request.json"

type jobConfigFile struct {
	Cfg   map[string]interface{} `json:"cfg"`
	Debug bool                   `json:"debug"`
}

func loadJobConfig(payloadDir string) (map[string]interface{}, bool) {
	b, err := os.ReadFile(filepath.Join(payloadDir, requestFileName))
	if err != nil {
		return map[string]interface{}{}, false
	}
	var jc jobConfigFile
	if err := json.Unmarshal(b, &jc); err != nil {
		return map[string]interface{}{}, false
	}
	if jc.Cfg == nil {
		jc.Cfg = map[string]interface{}{}
	}
	return jc.Cfg, jc.Debug
}
