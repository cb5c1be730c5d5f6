package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"taskdialog/internal/catalog"
	"taskdialog/internal/slots"
	"taskdialog/internal/store/memstore"
	"taskdialog/internal/store/yamlstore"
)

var supportedSchemes = map[string]bool{"http": true, "https": true, "mqtt": true}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file...]",
		Short: "Check intent catalog files",
		Long: `Loads each catalog file, compiles every active intent's slot graph
and reports unknown references, dependency cycles and unusable endpoints.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				if err := validateFile(cmd.Context(), path, cmd.OutOrStdout()); err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "FAIL %s\n%s\n", path, indent(err.Error()))
					failed++
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d catalog files failed validation", failed, len(args))
			}
			return nil
		},
	}
}

func validateFile(ctx context.Context, path string, out io.Writer) error {
	file, err := yamlstore.Load(path)
	if err != nil {
		return err
	}
	store := memstore.NewConfigStore()
	file.Fill(store)

	cat := catalog.New(store, nil, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := cat.Validate(ctx); err != nil {
		return err
	}
	for _, fc := range file.FunctionCalls {
		u, err := url.Parse(fc.Endpoint)
		if err != nil || !supportedSchemes[strings.ToLower(u.Scheme)] {
			return fmt.Errorf("function call for intent %q: unsupported endpoint %q", fc.Intent, fc.Endpoint)
		}
	}

	fmt.Fprintf(out, "OK   %s\n", path)
	for _, in := range file.Intents {
		if !in.Active {
			fmt.Fprintf(out, "  %s (inactive)\n", in.Name)
			continue
		}
		order, err := slots.Plan(in)
		if err != nil {
			return err
		}
		if len(order) == 0 {
			fmt.Fprintf(out, "  %s: no slots\n", in.Name)
			continue
		}
		names := make([]string, len(order))
		for i, s := range order {
			names[i] = s.Name
		}
		fmt.Fprintf(out, "  %s: %s\n", in.Name, strings.Join(names, " -> "))
	}
	return nil
}

func indent(s string) string {
	return "  " + strings.ReplaceAll(s, "\n", "\n  ")
}
