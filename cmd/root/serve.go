package root

import (
	"context"
	"errors"
	"net"

	"github.com/spf13/cobra"

	"github.com/parleyhq/parley/pkg/agent"
	"github.com/parleyhq/parley/pkg/funcs"
	"github.com/parleyhq/parley/pkg/httpapi"
	"github.com/parleyhq/parley/pkg/hub"
	"github.com/parleyhq/parley/pkg/relay"
	"github.com/parleyhq/parley/pkg/session"
	"github.com/parleyhq/parley/pkg/store"
	"github.com/parleyhq/parley/pkg/token"
	"github.com/parleyhq/parley/pkg/tools"
)

// Registries are the domain collaborators of the engine. Embedding binaries
// register their agents, tools and functions before Execute; the bare binary
// starts empty.
var (
	agentRegistry agent.Registry = agent.NewMapRegistry()
	toolRegistry  tools.Registry = tools.NewMapRegistry()
	funcRegistry  funcs.Registry = funcs.NewMapRegistry()
)

// SetRegistries installs the domain registries used by serve.
func SetRegistries(a agent.Registry, t tools.Registry, f funcs.Registry) {
	if a != nil {
		agentRegistry = a
	}
	if t != nil {
		toolRegistry = t
	}
	if f != nil {
		funcRegistry = f
	}
}

type serveFlags struct {
	root       *rootFlags
	listenAddr string
}

func newServeCmd(root *rootFlags) *cobra.Command {
	flags := serveFlags{root: root}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the parley daemon",
		Long:  "Start the websocket and HTTP API server hosting agent sessions",
		Args:  cobra.NoArgs,
		RunE:  flags.run,
	}
	cmd.Flags().StringVarP(&flags.listenAddr, "listen", "l", "", "Address to listen on (overrides config)")
	return cmd
}

func (f *serveFlags) run(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := f.root.cfg
	log := f.root.log

	if f.listenAddr != "" {
		cfg.ListenAddr = f.listenAddr
	}
	if cfg.EncryptionKey == "" {
		return errors.New("encryption_key is required to serve")
	}
	sealer, err := token.NewSealer(cfg.EncryptionKey)
	if err != nil {
		return err
	}

	stores, closeStores, err := openStores(cfg.DatabaseResource)
	if err != nil {
		return err
	}
	defer closeStores()
	if cfg.DatabaseResource == "" {
		log.Warn("no database_resource configured, sessions are in-memory only")
	}

	manager := hub.NewManager(ctx, log, relay.Deps{
		Log:     log,
		Config:  cfg,
		Stores:  stores,
		Uploads: store.NewMemoryUploads(),
		Auth:    &session.OwnerAuthorizer{RequiredScope: cfg.SessionSecurityScope},
		Agents:  agentRegistry,
		Tools:   toolRegistry,
		Funcs:   funcRegistry,
		Sealer:  sealer,
	})

	srv, err := httpapi.New(log, cfg, stores, manager)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return err
	}
	log.Info("listening", "addr", ln.Addr().String())

	serveErr := srv.Serve(ctx, ln)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.CancelTimeout)
	defer cancel()
	manager.Shutdown(shutdownCtx)

	return serveErr
}

func openStores(resource string) (store.Store, func(), error) {
	if resource == "" {
		return store.NewMemory().Stores(), func() {}, nil
	}
	db, err := store.OpenSQLite(resource)
	if err != nil {
		return store.Store{}, nil, err
	}
	return db.Stores(), func() { _ = db.Close() }, nil
}
