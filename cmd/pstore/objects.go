package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sukryu/pStore/pkg/store/dynamic"
)

// parseOrder turns "-score,name" into sort fields.
func parseOrder(order string) []dynamic.SortField {
	var out []dynamic.SortField
	for _, part := range strings.Split(order, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.HasPrefix(part, "-") {
			out = append(out, dynamic.SortField{Field: part[1:], Desc: true})
			continue
		}
		out = append(out, dynamic.SortField{Field: part})
	}
	return out
}

func newFindCmd(a *app) *cobra.Command {
	var (
		where string
		order string
		keys  []string
		skip  int
		limit int
	)
	cmd := &cobra.Command{
		Use:   "find <class>",
		Short: "Query objects of a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := decodeObject("where", where)
			if err != nil {
				return err
			}
			opts := a.findOptions()
			opts.Sort = parseOrder(order)
			opts.Keys = keys
			opts.Skip = skip
			opts.Limit = limit
			rows, err := a.db.Find(cmd.Context(), args[0], query, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), rows)
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "query as JSON")
	cmd.Flags().StringVar(&order, "order", "", `comma separated sort fields, "-" for descending`)
	cmd.Flags().StringSliceVar(&keys, "keys", nil, "fields to return")
	cmd.Flags().IntVar(&skip, "skip", 0, "objects to skip")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum objects to return, 0 for all")
	return cmd
}

func newCountCmd(a *app) *cobra.Command {
	var where string
	cmd := &cobra.Command{
		Use:   "count <class>",
		Short: "Count objects of a class",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := decodeObject("where", where)
			if err != nil {
				return err
			}
			n, err := a.db.Count(cmd.Context(), args[0], query, a.findOptions())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "query as JSON")
	return cmd
}

func newCreateCmd(a *app) *cobra.Command {
	var data string
	cmd := &cobra.Command{
		Use:   "create <class>",
		Short: "Create an object",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			object, err := decodeObject("data", data)
			if err != nil {
				return err
			}
			res, err := a.db.Create(cmd.Context(), args[0], object, a.writeOptions())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&data, "data", "", "object as JSON")
	return cmd
}

func newUpdateCmd(a *app) *cobra.Command {
	var (
		where  string
		data   string
		many   bool
		upsert bool
	)
	cmd := &cobra.Command{
		Use:   "update <class> [objectId]",
		Short: "Update the object with objectId, or the objects matching --where",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := decodeObject("where", where)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				query["objectId"] = args[1]
			}
			update, err := decodeObject("data", data)
			if err != nil {
				return err
			}
			opts := a.writeOptions()
			opts.Many = many
			opts.Upsert = upsert
			res, err := a.db.Update(cmd.Context(), args[0], query, update, opts)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "query as JSON")
	cmd.Flags().StringVar(&data, "data", "", "update as JSON, with __op objects for atomic operations")
	cmd.Flags().BoolVar(&many, "many", false, "update every match")
	cmd.Flags().BoolVar(&upsert, "upsert", false, "insert when nothing matches")
	return cmd
}

func newDestroyCmd(a *app) *cobra.Command {
	var where string
	cmd := &cobra.Command{
		Use:   "destroy <class> [objectId]",
		Short: "Delete the object with objectId, or the objects matching --where",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := decodeObject("where", where)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				query["objectId"] = args[1]
			}
			if len(query) == 0 {
				return usageError.New("refusing to destroy every object of %s; use schema purge", args[0])
			}
			return a.db.Destroy(cmd.Context(), args[0], query, a.writeOptions())
		},
	}
	cmd.Flags().StringVar(&where, "where", "", "query as JSON")
	return cmd
}
