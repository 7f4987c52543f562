package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/animus-labs/animus-deploy/internal/platform/auth"
	"github.com/animus-labs/animus-deploy/internal/platform/httpserver"
)

var serveBootstrap bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the run and approval API",
	Long: `Serve the HTTP API:

  GET  /healthz
  GET  /readyz
  POST /pipelines/{env}/runs
  GET  /runs/{runID}
  POST /runs/{runID}/stages/{stage}/approval

Reads need the viewer role, approval decisions the approver role and every
other write the operator role.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveBootstrap, "bootstrap", true,
		"build the graph from the context document for environments with no stored definition")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpCfg, err := httpserver.ConfigFromEnv(service)
	if err != nil {
		return fmt.Errorf("invalid http config: %w", err)
	}
	authCfg, err := auth.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid auth config: %w", err)
	}
	runtimeCfg, err := runtimeConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid runtime config: %w", err)
	}

	wrap, err := authWrapper(ctx, authCfg)
	if err != nil {
		return err
	}

	rt, err := newRuntime(ctx, logger, runtimeCfg)
	if err != nil {
		return err
	}
	defer rt.Close(context.WithoutCancel(ctx))

	a := newAPI(ctx, logger, rt)
	if serveBootstrap {
		a.bootstrap = loadGraph
	}

	logger.Info("serving", "auth_mode", string(authCfg.Mode), "store", runtimeCfg.Store, "artifacts", runtimeCfg.Artifacts)
	err = httpserver.Run(ctx, logger, httpCfg, a.handler(wrap))
	stop()
	a.wait()
	return err
}

// authWrapper returns the middleware guarding the API for the configured
// mode. Disabled auth leaves the API open.
func authWrapper(ctx context.Context, cfg auth.Config) (func(http.Handler) http.Handler, error) {
	var authenticator auth.Authenticator
	switch cfg.Mode {
	case auth.ModeDev:
		authenticator = auth.NewDevAuthenticator(cfg)
	case auth.ModeOIDC:
		oidcAuth, err := auth.NewOIDCAuthenticator(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("oidc: %w", err)
		}
		authenticator = oidcAuth
	case auth.ModeDisabled:
		logger.Warn("auth disabled")
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode: %q", cfg.Mode)
	}
	mw := auth.Middleware{
		Logger:        logger,
		Authenticator: authenticator,
		Authorize:     auth.MethodRoleAuthorizer(),
	}
	return mw.Wrap, nil
}
