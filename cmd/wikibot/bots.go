package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func botsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "bots", Short: "Inspect and run bots"}
	cmd.AddCommand(botsListCmd(), botsRunCmd())
	return cmd
}

func botsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Discover bots and list them with any load errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			fw, client, err := env.newFramework()
			if err != nil {
				return err
			}
			defer client.Close()
			if _, err := fw.Discover(cmd.Context()); err != nil {
				return err
			}

			st := fw.Status()
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"Name", "Kind", "Source", "Disabled", "Schedule"})
			for _, b := range st.Bots {
				tw.AppendRow(table.Row{b.Name, b.Kind, b.Source, env.cfg.Bots.IsDisabled(b.Name), env.cfg.Bots.Schedules[b.Name]})
			}
			tw.AppendFooter(table.Row{"", "", "Total", st.Total})
			tw.Render()

			if len(st.LoadErrors) > 0 {
				et := table.NewWriter()
				et.SetOutputMirror(os.Stdout)
				et.SetTitle("Load errors")
				et.AppendHeader(table.Row{"Path", "Error"})
				for _, le := range st.LoadErrors {
					et.AppendRow(table.Row{le.Path, le.Err})
				}
				et.Render()
			}
			return nil
		},
	}
}

func botsRunCmd() *cobra.Command {
	var params []string
	cmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run one bot once and print its result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			override, err := parseParams(params)
			if err != nil {
				return err
			}
			env, err := loadEnv()
			if err != nil {
				return err
			}
			defer env.Close()
			fw, client, err := env.newFramework()
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = fw.Shutdown(sctx)
			}()

			ctx := cmd.Context()
			if _, err := fw.Discover(ctx); err != nil {
				return err
			}
			if id := env.cfg.API.Identifier; id != "" {
				if err := client.Authenticate(ctx, id, env.cfg.API.ResolvedSecret()); err != nil {
					return err
				}
			}

			res, err := fw.StartBot(ctx, args[0], override)
			if err != nil {
				return err
			}

			keys := make([]string, 0, len(res))
			for k := range res {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.SetTitle(args[0])
			tw.AppendHeader(table.Row{"Key", "Value"})
			for _, k := range keys {
				b, err := json.Marshal(res[k])
				if err != nil {
					b = []byte(fmt.Sprint(res[k]))
				}
				tw.AppendRow(table.Row{k, string(b)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&params, "param", "p", nil, "bot param as key=value (repeatable); a JSON value is decoded")
	return cmd
}

// parseParams turns key=value pairs into run params. Values that parse as JSON
// keep their type; anything else stays a string.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q (want key=value)", p)
		}
		var decoded any
		if err := json.Unmarshal([]byte(v), &decoded); err == nil {
			out[k] = decoded
		} else {
			out[k] = v
		}
	}
	return out, nil
}
