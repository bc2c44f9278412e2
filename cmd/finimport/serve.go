package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/rumor-ml/commons.systems/finimport/internal/config"
	"github.com/rumor-ml/commons.systems/finimport/internal/handlers"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/middleware"
	"github.com/rumor-ml/commons.systems/finimport/internal/pipeline"
	"github.com/rumor-ml/commons.systems/finimport/internal/server"
)

const shutdownTimeout = 10 * time.Second

type serveOptions struct {
	addr      string
	auth      string
	localUser string
	rulesFile string
	store     config.StoreConfig
}

func newServeCommand(g *globals) *cobra.Command {
	opts := &serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the upload API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), g.cfg, opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.addr, "addr", ":8080", "listen address")
	f.StringVar(&opts.auth, "auth", "none", "authentication: none or firebase")
	f.StringVar(&opts.localUser, "local-user", "local", "user id for every request when --auth=none")
	f.StringVar(&opts.rulesFile, "rules", "", "import rules YAML file (default: built-in rules)")
	f.StringVar((*string)(&opts.store.Kind), "store", "", "key store: none, state, sqlite or firestore")
	f.StringVar(&opts.store.Path, "store-path", "", "state file or SQLite database path")
	f.StringVar(&opts.store.ProjectID, "project", "", "Firestore project id")

	return cmd
}

func runServe(ctx context.Context, cfg *config.Config, opts *serveOptions) error {
	log := logger.FromContext(ctx)

	storeCfg := cfg.Store
	if opts.store.Kind != "" {
		storeCfg.Kind = opts.store.Kind
	}
	overrideString(&storeCfg.Path, opts.store.Path)
	overrideString(&storeCfg.ProjectID, opts.store.ProjectID)
	rulesFile := cfg.RulesFile
	overrideString(&rulesFile, opts.rulesFile)

	engine, err := loadRules(rulesFile)
	if err != nil {
		return err
	}

	store, err := openStore(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("failed to open %s store: %w", storeCfg.Kind, err)
	}

	importerOpts := []pipeline.Option{
		pipeline.WithRules(engine),
		pipeline.WithMaxUploadBytes(cfg.MaxUploadBytes),
	}
	var api *handlers.APIHandler
	if store != nil {
		defer store.close()
		importerOpts = append(importerOpts, pipeline.WithKeyLookup(store))
		var sessions handlers.SessionStore
		if store.sessions != nil {
			sessions = store.sessions
		}
		api = handlers.NewAPIHandler(pipeline.NewImporter(importerOpts...), store, sessions, cfg.MaxUploadBytes)
	} else {
		api = handlers.NewAPIHandler(pipeline.NewImporter(importerOpts...), nil, nil, cfg.MaxUploadBytes)
	}

	var auth func(http.Handler) http.Handler
	switch opts.auth {
	case "none":
		auth = middleware.LocalUser(opts.localUser)
	case "firebase":
		if store == nil || store.sessions == nil {
			return fmt.Errorf("--auth=firebase requires the firestore store")
		}
		authClient, err := store.sessions.Auth(ctx)
		if err != nil {
			return err
		}
		auth = middleware.NewAuthMiddleware(authClient).RequireAuth
	default:
		return fmt.Errorf("unknown auth mode %q", opts.auth)
	}

	srv := &http.Server{
		Addr:         opts.addr,
		Handler:      server.New(api, auth, log).Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", opts.addr).Str("auth", opts.auth).Str("store", string(storeCfg.Kind)).Msg("starting API server")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down API server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
