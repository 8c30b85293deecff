package main

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/sukryu/pStore/internal/config"
	"github.com/sukryu/pStore/internal/logging"
	"github.com/sukryu/pStore/pkg/controllers"
	"github.com/sukryu/pStore/pkg/store/factory"
)

var usageError = errs.Class("usage")

// app holds what a command needs once configuration is loaded.
type app struct {
	configPath string
	asUser     string
	roles      []string

	log     *zap.Logger
	stores  factory.StoreFactory
	db      controllers.DatabaseController
	schemas *controllers.SchemaController
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "pstore",
		Short:         "Inspect and edit a schema-governed object store",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.open(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "config file (default ./config.yaml)")
	flags.StringVar(&a.asUser, "as", "", "act as this user id instead of the master key")
	flags.StringSliceVar(&a.roles, "role", nil, "role names of the --as user")

	root.AddCommand(
		newClassesCmd(a),
		newSchemaCmd(a),
		newFindCmd(a),
		newCountCmd(a),
		newCreateCmd(a),
		newUpdateCmd(a),
		newDestroyCmd(a),
		newInitCmd(a),
	)
	return root, a
}

func (a *app) open(cmd *cobra.Command) error {
	cfg, err := config.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	a.log, err = logging.New(cfg.Log)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a.stores = factory.NewStoreFactory(a.log)
	adapter, err := a.stores.NewAdapter(ctx, cfg.Database)
	if err != nil {
		return err
	}
	schemaCache, err := a.stores.NewSchemaCache(ctx, cfg.Cache)
	if err != nil {
		return err
	}
	a.schemas = controllers.NewSchemaController(a.log, adapter, schemaCache, controllers.SchemaConfig{
		ProtectedFields:     cfg.Schema.ProtectedFieldsByClass(),
		AllowCustomObjectID: cfg.Schema.AllowCustomObjectID,
	})
	a.db = controllers.NewDatabaseController(a.log, adapter, a.schemas)
	return nil
}

func (a *app) close() error {
	if a.stores == nil {
		return nil
	}
	err := a.stores.Close()
	a.stores = nil
	_ = a.log.Sync()
	return err
}

// aclGroup is the caller's ACL group; nil means the master key.
func (a *app) aclGroup() []string {
	if a.asUser == "" {
		return nil
	}
	group := []string{"*", a.asUser}
	for _, r := range a.roles {
		group = append(group, "role:"+strings.TrimPrefix(r, "role:"))
	}
	return group
}

func (a *app) findOptions() controllers.FindOptions {
	group := a.aclGroup()
	return controllers.FindOptions{ACL: group, IsMaster: group == nil}
}

func (a *app) writeOptions() controllers.WriteOptions {
	group := a.aclGroup()
	return controllers.WriteOptions{ACL: group, IsMaster: group == nil}
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// decodeObject parses a JSON object flag. An empty string is an empty object.
func decodeObject(flag, raw string) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, usageError.New("--%s must be a JSON object: %v", flag, err)
	}
	return out, nil
}
