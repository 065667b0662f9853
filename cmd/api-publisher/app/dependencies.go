package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/api-publisher/internal/config"
	"github.com/stacklok/api-publisher/internal/dependencies"
	"github.com/stacklok/api-publisher/internal/resources"
)

// dependencyEntry is one resource of the publishing order
type dependencyEntry struct {
	Resource     string   `json:"resource"`
	Dependencies []string `json:"dependencies"`
}

func newDependenciesCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(config.EnvPrefix)
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   "dependencies",
		Short: "Print the order in which resources are published",
		Long: `Print the order in which resources are published, after applying the configured
descriptor, selection and authorization failure handling options. Dependency metadata is
read from the target connection unless --from source is given.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDependencies(cmd.Context(), v, cmd.OutOrStdout())
		},
	}

	flags := cmd.Flags()
	flags.String("config", "", "Path to configuration file (YAML format, required)")
	flags.String("from", "target", "Connection providing the dependency metadata (source or target)")
	flags.String("format", "table", "Output format (table or json)")
	flags.String(config.KeyInclude, "", "Comma-separated resources to publish with their dependencies")
	flags.String(config.KeyIncludeOnly, "", "Comma-separated resources to publish without their dependencies")
	flags.String(config.KeyExclude, "", "Comma-separated resources to skip with their dependents")
	flags.String(config.KeyExcludeOnly, "", "Comma-separated resources to skip, keeping their dependents")

	for _, key := range []string{
		"config", "from", "format",
		config.KeyInclude, config.KeyIncludeOnly, config.KeyExclude, config.KeyExcludeOnly,
	} {
		_ = v.BindPFlag(key, flags.Lookup(key))
	}

	return cmd
}

func runDependencies(ctx context.Context, v *viper.Viper, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}

	conn := cfg.Connections.Target
	switch from := v.GetString("from"); from {
	case "target", "":
	case "source":
		conn = cfg.Connections.Source
	default:
		return fmt.Errorf("invalid --from value '%s': must be source or target", from)
	}

	client, err := newClient(ctx, conn)
	if err != nil {
		return err
	}

	entries, err := publishingOrder(ctx, dependencies.NewMetadataProvider(client), cfg)
	if err != nil {
		return err
	}
	return writeDependencies(out, v.GetString("format"), entries)
}

// publishingOrder loads the dependency graph and returns the upsert order for cfg
func publishingOrder(
	ctx context.Context,
	provider dependencies.Provider,
	cfg *config.Config,
) ([]dependencyEntry, error) {
	graph, err := provider.Dependencies(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load resource dependencies: %w", err)
	}

	opts := buildOptions(cfg)
	if !opts.IncludeDescriptors {
		graph = dependencies.WithoutDescriptors(graph, resources.IsDescriptor)
	}
	graph, err = opts.Selection.Apply(graph)
	if err != nil {
		return nil, fmt.Errorf("failed to apply resource selection: %w", err)
	}
	graph = dependencies.ApplyAuthorizationRetry(graph, opts.AuthorizationRules)

	order, err := graph.Order()
	if err != nil {
		return nil, fmt.Errorf("failed to order resources: %w", err)
	}

	entries := make([]dependencyEntry, 0, len(order))
	for _, key := range order {
		deps := graph.Dependencies(key)
		if deps == nil {
			deps = []string{}
		}
		entries = append(entries, dependencyEntry{Resource: key, Dependencies: deps})
	}
	return entries, nil
}

func writeDependencies(out io.Writer, format string, entries []dependencyEntry) error {
	switch format {
	case "json":
		data, err := json.MarshalIndent(entries, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to format dependencies as JSON: %w", err)
		}
		_, err = fmt.Fprintln(out, string(data))
		return err
	case "table", "":
		rows := make([][]string, 0, len(entries))
		for i, entry := range entries {
			rows = append(rows, []string{
				strconv.Itoa(i + 1),
				entry.Resource,
				strings.Join(entry.Dependencies, ", "),
			})
		}
		table := tablewriter.NewWriter(out)
		table.Header("#", "Resource", "Depends on")
		if err := table.Bulk(rows); err != nil {
			return fmt.Errorf("failed to build dependency table: %w", err)
		}
		return table.Render()
	default:
		return fmt.Errorf("unsupported format '%s': must be table or json", format)
	}
}
