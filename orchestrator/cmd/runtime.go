package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/minio/minio-go/v7"
	"golang.org/x/oauth2"

	"github.com/animus-labs/animus-deploy/internal/artifacts"
	"github.com/animus-labs/animus-deploy/internal/pipeline/approval"
	"github.com/animus-labs/animus-deploy/internal/pipeline/runner"
	"github.com/animus-labs/animus-deploy/internal/pipeline/stages"
	"github.com/animus-labs/animus-deploy/internal/platform/env"
	"github.com/animus-labs/animus-deploy/internal/platform/httpserver"
	platformstore "github.com/animus-labs/animus-deploy/internal/platform/objectstore"
	"github.com/animus-labs/animus-deploy/internal/platform/postgres"
	"github.com/animus-labs/animus-deploy/internal/platform/tracing"
	"github.com/animus-labs/animus-deploy/internal/repo"
	"github.com/animus-labs/animus-deploy/internal/repo/memory"
	repopg "github.com/animus-labs/animus-deploy/internal/repo/postgres"
	"github.com/animus-labs/animus-deploy/internal/runtimeexec"
	"github.com/animus-labs/animus-deploy/internal/storage/objectstore"
)

const (
	backendMemory   = "memory"
	backendPostgres = "postgres"
	backendMinIO    = "minio"

	memoryArtifactsBucket = "deploy-artifacts"
)

// runtimeConfig selects the persistence backends of a run or serve process.
type runtimeConfig struct {
	Store         string
	Artifacts     string
	WorkspaceRoot string
	KeepWorkspace bool
	AutoMigrate   bool
}

func runtimeConfigFromEnv() (runtimeConfig, error) {
	store, err := env.OneOf("ANIMUS_DEPLOY_STORE", backendMemory, backendMemory, backendPostgres)
	if err != nil {
		return runtimeConfig{}, err
	}
	arts, err := env.OneOf("ANIMUS_DEPLOY_ARTIFACT_STORE", backendMemory, backendMemory, backendMinIO)
	if err != nil {
		return runtimeConfig{}, err
	}
	keep, err := env.Bool("ANIMUS_DEPLOY_KEEP_WORKSPACE", false)
	if err != nil {
		return runtimeConfig{}, err
	}
	autoMigrate, err := env.Bool("ANIMUS_DEPLOY_AUTO_MIGRATE", false)
	if err != nil {
		return runtimeConfig{}, err
	}
	return runtimeConfig{
		Store:         store,
		Artifacts:     arts,
		WorkspaceRoot: env.String("ANIMUS_DEPLOY_WORKSPACE", ""),
		KeepWorkspace: keep,
		AutoMigrate:   autoMigrate,
	}, nil
}

// pipelineRuntime is everything a process needs to trigger runs.
type pipelineRuntime struct {
	logger    *slog.Logger
	store     repo.Store
	board     *approval.Board
	runner    *runner.Runner
	tracing   *tracing.Provider
	db        *sql.DB
	readiness []httpserver.ReadinessCheck
}

func newRuntime(ctx context.Context, logger *slog.Logger, cfg runtimeConfig) (_ *pipelineRuntime, err error) {
	rt := &pipelineRuntime{logger: logger}
	defer func() {
		if err != nil {
			rt.Close(context.Background())
		}
	}()

	tracingCfg, err := tracing.ConfigFromEnv()
	if err != nil {
		return nil, fmt.Errorf("invalid tracing config: %w", err)
	}
	rt.tracing, err = tracing.NewProvider(ctx, tracingCfg, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	switch cfg.Store {
	case backendPostgres:
		pgCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("invalid database config: %w", err)
		}
		rt.db, err = postgres.Open(ctx, pgCfg)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		if cfg.AutoMigrate {
			version, err := repopg.Migrate(ctx, rt.db)
			if err != nil {
				return nil, err
			}
			logger.Info("schema migrated", "version", version)
		}
		rt.store = repopg.NewStore(rt.db)
		rt.readiness = append(rt.readiness, httpserver.ReadinessCheck{
			Name:  "postgres",
			Check: httpserver.WithTimeout(pgCfg.PingTimeout, postgres.Ping(rt.db)),
		})
	default:
		rt.store = memory.New()
	}

	var (
		objects     objectstore.Store
		bucket      = memoryArtifactsBucket
		definitions runner.DefinitionStore
	)
	switch cfg.Artifacts {
	case backendMinIO:
		storeCfg, err := platformstore.ConfigFromEnv()
		if err != nil {
			return nil, fmt.Errorf("invalid object store config: %w", err)
		}
		client, err := platformstore.NewMinIOClient(storeCfg)
		if err != nil {
			return nil, fmt.Errorf("object store client: %w", err)
		}
		if err := platformstore.EnsureBuckets(ctx, client, storeCfg); err != nil {
			return nil, fmt.Errorf("object store buckets: %w", err)
		}
		minioStore, err := objectstore.NewMinioStoreWithClient(client)
		if err != nil {
			return nil, err
		}
		objects = minioStore
		bucket = storeCfg.BucketArtifacts
		definitions = &runner.MirroredDefinitions{
			Store:   runner.NewDefinitionStore(rt.store),
			Objects: minioStore,
			Bucket:  storeCfg.BucketDefinitions,
		}
		rt.readiness = append(rt.readiness, httpserver.ReadinessCheck{
			Name:  "objectstore",
			Check: httpserver.WithTimeout(2*time.Second, bucketCheck(client, storeCfg)),
		})
	default:
		objects = objectstore.NewMemoryStore()
	}
	arts, err := artifacts.NewStore(objects, bucket)
	if err != nil {
		return nil, err
	}

	executors, err := newExecutors(ctx, logger)
	if err != nil {
		return nil, err
	}
	rt.board = approval.NewBoard(repo.NewApprovalRecorder(rt.store), logger)
	executors.Approval = &stages.ApprovalExecutor{Gates: rt.board}

	rt.runner, err = runner.New(runner.Config{
		Executors:     executors,
		Artifacts:     arts,
		Store:         rt.store,
		Definitions:   definitions,
		Tracer:        rt.tracing.Tracer(),
		Logger:        logger,
		WorkspaceRoot: cfg.WorkspaceRoot,
		KeepWorkspace: cfg.KeepWorkspace,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func bucketCheck(client *minio.Client, cfg platformstore.Config) func(context.Context) error {
	return func(ctx context.Context) error {
		return platformstore.CheckBuckets(ctx, client, cfg)
	}
}

// newExecutors wires the git, docker and shell backed executors. The
// approval executor is attached by the caller.
func newExecutors(ctx context.Context, logger *slog.Logger) (stages.Executors, error) {
	cfg, err := runtimeexec.ConfigFromEnv()
	if err != nil {
		return stages.Executors{}, fmt.Errorf("invalid runtime config: %w", err)
	}
	connections, err := runtimeexec.LoadConnections(cfg.ConnectionsFile)
	if err != nil {
		return stages.Executors{}, err
	}
	source, err := runtimeexec.NewGitSource(cfg.GitBin, cfg.GitBaseURL, connections)
	if err != nil {
		return stages.Executors{}, err
	}
	var registryTokens oauth2.TokenSource
	if cfg.RegistryConnection != "" {
		registryTokens, err = connections.TokenSource(ctx, cfg.RegistryConnection)
		if err != nil {
			return stages.Executors{}, fmt.Errorf("registry connection: %w", err)
		}
	}
	registry, err := runtimeexec.NewDockerRegistry(cfg.DockerBin, cfg.RegistryUsername, registryTokens)
	if err != nil {
		return stages.Executors{}, err
	}
	shell, err := runtimeexec.NewShellRunner(cfg.Shell, logger)
	if err != nil {
		return stages.Executors{}, err
	}
	return stages.Executors{
		Source: &stages.SourceExecutor{Source: source},
		Build:  &stages.BuildExecutor{Registry: registry, Shell: shell},
		Deploy: &stages.DeployExecutor{Shell: shell},
		Synth:  &stages.SynthExecutor{Shell: shell},
	}, nil
}

func (rt *pipelineRuntime) Close(ctx context.Context) {
	if rt == nil {
		return
	}
	if rt.tracing != nil {
		if err := rt.tracing.Shutdown(ctx); err != nil {
			rt.logger.Warn("tracing shutdown failed", "error", err)
		}
	}
	if rt.db != nil {
		if err := rt.db.Close(); err != nil {
			rt.logger.Warn("database close failed", "error", err)
		}
	}
}
