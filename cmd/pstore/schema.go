package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sukryu/pStore/pkg/controllers"
	"github.com/sukryu/pStore/pkg/store/schema"
)

func newClassesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classes",
		Short: "List every stored class",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			all, err := a.schemas.GetAllClasses(cmd.Context(), controllers.SchemaOptions{ClearCache: true})
			if err != nil {
				return err
			}
			for _, s := range all {
				fmt.Fprintln(cmd.OutOrStdout(), s.ClassName)
			}
			return nil
		},
	}
}

// schemaFlags are the JSON documents accepted by schema create and update.
type schemaFlags struct {
	fields  string
	clp     string
	indexes string
}

func (f *schemaFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.fields, "fields", "", `fields as JSON, e.g. {"name":{"type":"String"}}`)
	cmd.Flags().StringVar(&f.clp, "clp", "", `class level permissions as JSON, e.g. {"find":{"*":true}}`)
	cmd.Flags().StringVar(&f.indexes, "indexes", "", `indexes as JSON, e.g. {"name_1":{"name":1}}`)
}

func (f *schemaFlags) decode() (map[string]schema.FieldType, schema.CLP, map[string]schema.Index, error) {
	var (
		fields  map[string]schema.FieldType
		clp     schema.CLP
		indexes map[string]schema.Index
	)
	for _, in := range []struct {
		name string
		raw  string
		into interface{}
	}{
		{"fields", f.fields, &fields},
		{"clp", f.clp, &clp},
		{"indexes", f.indexes, &indexes},
	} {
		if in.raw == "" {
			continue
		}
		if err := json.Unmarshal([]byte(in.raw), in.into); err != nil {
			return nil, nil, nil, usageError.New("--%s must be a JSON object: %v", in.name, err)
		}
	}
	return fields, clp, indexes, nil
}

func newSchemaCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Read and change class schemas",
	}

	get := &cobra.Command{
		Use:   "get <class>",
		Short: "Print the schema of a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.schemas.GetOneSchema(cmd.Context(), args[0], false, controllers.SchemaOptions{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}

	var createFlags schemaFlags
	create := &cobra.Command{
		Use:   "create <class>",
		Short: "Create a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, clp, indexes, err := createFlags.decode()
			if err != nil {
				return err
			}
			if _, err := a.schemas.AddClassIfNotExists(cmd.Context(), args[0], fields, clp, indexes); err != nil {
				return err
			}
			s, err := a.schemas.GetOneSchema(cmd.Context(), args[0], false, controllers.SchemaOptions{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	createFlags.register(create)

	var updateFlags schemaFlags
	update := &cobra.Command{
		Use:   "update <class>",
		Short: "Add or delete fields, permissions and indexes of a class",
		Long: `Fields and indexes given with "__op":"Delete" are removed, the rest are added.
Permissions, when given, replace the stored ones.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, clp, indexes, err := updateFlags.decode()
			if err != nil {
				return err
			}
			if err := a.schemas.ReloadData(cmd.Context(), controllers.SchemaOptions{}); err != nil {
				return err
			}
			s, err := a.schemas.UpdateClass(cmd.Context(), args[0], fields, clp, indexes)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
	updateFlags.register(update)

	del := &cobra.Command{
		Use:   "delete <class>",
		Short: "Drop an empty class and its relation tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.db.DeleteSchema(cmd.Context(), args[0])
		},
	}

	purge := &cobra.Command{
		Use:   "purge <class>",
		Short: "Delete every object of a class and keep its schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.db.PurgeCollection(cmd.Context(), args[0])
		},
	}

	cmd.AddCommand(get, create, update, del, purge)
	return cmd
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the system classes and their unique indexes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.db.PerformInitialization(cmd.Context())
		},
	}
}
