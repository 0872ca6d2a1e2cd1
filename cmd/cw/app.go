package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/daviddao/clockwork/pkg/config"
	"github.com/daviddao/clockwork/pkg/logger"
	"github.com/daviddao/clockwork/pkg/store"
)

// app holds shared state for all CLI subcommands.
type app struct {
	configPath string
	cfg        config.Config
	log        *slog.Logger
	out        io.Writer
	errOut     io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	a := &app{out: out, errOut: errOut}
	root := &cobra.Command{
		Use:           "cw",
		Short:         "Timestamp selection and frontier tracking for a streaming SQL controller",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "TOML config file (CLOCKWORK_* env vars override it)")

	root.AddCommand(
		newExplainCmd(a),
		newReplayCmd(a),
		newFrontiersCmd(a),
		newServeCmd(a),
		newVersionCmd(a),
	)
	return root
}

// init loads configuration and sets up logging to the command's stderr.
func (a *app) init() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	lc := cfg.Log.Logger()
	lc.Output = a.errOut
	a.log = logger.New(lc)
	logger.Init(lc)
	return nil
}

// openStore opens the introspection database, creating its directory.
func (a *app) openStore() (store.StoreInterface, error) {
	if a.cfg.DBPath == "" {
		return nil, errors.New("no introspection database: set db_path or CLOCKWORK_DB_PATH")
	}
	if dir := filepath.Dir(a.cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "cannot create %s", dir)
		}
	}
	s, err := store.New(a.cfg.DBPath)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open database %q", a.cfg.DBPath)
	}
	return s, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
