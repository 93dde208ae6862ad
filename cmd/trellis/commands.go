package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hylla/trellis/internal/adapters/server"
	"github.com/hylla/trellis/internal/adapters/server/common"
	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/domain"
	"github.com/hylla/trellis/internal/telemetry"
)

func newServeCommand(opts *globalOptions) *cobra.Command {
	var (
		addr       string
		disableMCP bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, MCP endpoint, health and metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(opts, "serve", func(rt *runtimeEnv) error {
				ctx := cmd.Context()
				if addr != "" {
					rt.cfg.Server.Addr = addr
				}

				provider, err := telemetry.NewProvider(rt.cfg.Tracing.Telemetry(opts.appName))
				if err != nil {
					return fmt.Errorf("configure tracing: %w", err)
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					if err := provider.Shutdown(shutdownCtx); err != nil {
						rt.logger.Warn("tracer shutdown failed", "err", err)
					}
				}()

				reg := prometheus.NewRegistry()
				reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
				metrics := telemetry.InitMetrics(reg)

				svc, err := rt.service(ctx, serviceTelemetry{tracer: provider.Tracer(), metrics: metrics})
				if err != nil {
					return err
				}

				return server.Run(ctx, server.Config{
					HTTPBind:        rt.cfg.Server.Addr,
					APIEndpoint:     rt.cfg.Server.APIPrefix,
					MCPEndpoint:     rt.cfg.Server.MCPPath,
					ServerName:      opts.appName,
					ServerVersion:   version,
					DisableMCP:      disableMCP || !rt.cfg.Server.EnableMCP,
					ReadTimeout:     rt.cfg.Server.ReadTimeoutDuration(),
					WriteTimeout:    rt.cfg.Server.WriteTimeoutDuration(),
					ShutdownTimeout: rt.cfg.Server.ShutdownTimeoutDuration(),
				}, server.Dependencies{
					Service: svc,
					Identity: common.IdentityConfig{
						JWTSecret:   rt.cfg.Auth.JWTSecret,
						JWTIssuer:   rt.cfg.Auth.JWTIssuer,
						AllowHeader: rt.cfg.Auth.AllowHeaderIdentity,
					},
					Ready:    rt.repo.Ping,
					Metrics:  metrics,
					Gatherer: reg,
					Logger:   rt.logger.Component("http"),
				})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&disableMCP, "no-mcp", false, "disable the MCP endpoint")
	return cmd
}

func newMigrateCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations and print the schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRuntime(opts, "migrate", func(rt *runtimeEnv) error {
				v, dirty, err := rt.repo.SchemaVersion(cmd.Context())
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(opts.stdout, "db: %s\n", rt.cfg.Database.Path)
				_, _ = fmt.Fprintf(opts.stdout, "schema_version: %d\n", v)
				_, _ = fmt.Fprintf(opts.stdout, "dirty: %t\n", dirty)
				return nil
			})
		},
	}
}

func newPathsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "paths",
		Short: "Print resolved config, data and log paths",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			rt, err := loadRuntime(opts, "paths")
			if err != nil {
				return err
			}
			defer rt.Close()
			_, _ = fmt.Fprintf(opts.stdout, "app: %s\n", opts.appName)
			_, _ = fmt.Fprintf(opts.stdout, "dev_mode: %t\n", opts.devMode)
			_, _ = fmt.Fprintf(opts.stdout, "config: %s\n", rt.configPath)
			_, _ = fmt.Fprintf(opts.stdout, "data_dir: %s\n", rt.paths.DataDir)
			_, _ = fmt.Fprintf(opts.stdout, "db: %s\n", rt.cfg.Database.Path)
			_, _ = fmt.Fprintf(opts.stdout, "log_dir: %s\n", rt.paths.LogDir)
			return nil
		},
	}
}

func newStageCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stage",
		Short: "Manage system stages",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List system stages",
			Args:  cobra.NoArgs,
			RunE: func(c *cobra.Command, _ []string) error {
				return withRuntime(opts, "stage list", func(rt *runtimeEnv) error {
					svc, err := rt.service(c.Context(), serviceTelemetry{})
					if err != nil {
						return err
					}
					stages, err := svc.ListSystemStages(c.Context())
					if err != nil {
						return err
					}
					return writeJSON(opts.stdout, map[string]any{"stages": common.FromStages(stages)})
				})
			},
		},
		&cobra.Command{
			Use:   "ensure CODE...",
			Short: "Create system stages that do not exist yet",
			Args:  cobra.MinimumNArgs(1),
			RunE: func(c *cobra.Command, args []string) error {
				return withRuntime(opts, "stage ensure", func(rt *runtimeEnv) error {
					svc, err := rt.service(c.Context(), serviceTelemetry{})
					if err != nil {
						return err
					}
					stages, err := svc.EnsureSystemStages(c.Context(), args...)
					if err != nil {
						return err
					}
					return writeJSON(opts.stdout, map[string]any{"stages": common.FromStages(stages)})
				})
			},
		},
	)
	return cmd
}

func newWorkflowCommand(opts *globalOptions) *cobra.Command {
	var (
		owner         string
		includeCommon bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List workflows of an owner",
		Args:  cobra.NoArgs,
		RunE: func(c *cobra.Command, _ []string) error {
			return withRuntime(opts, "workflow list", func(rt *runtimeEnv) error {
				svc, err := rt.service(c.Context(), serviceTelemetry{})
				if err != nil {
					return err
				}
				rows, err := svc.ListWorkflows(c.Context(), owner, includeCommon)
				if err != nil {
					return err
				}
				return writeJSON(opts.stdout, map[string]any{"workflows": common.FromWorkflows(rows)})
			})
		},
	}
	list.Flags().StringVar(&owner, "owner", "", "personal workflow owner")
	list.Flags().BoolVar(&includeCommon, "common", true, "include common workflows")

	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Inspect workflows",
	}
	cmd.AddCommand(list)
	return cmd
}

func newViewCommand(opts *globalOptions) *cobra.Command {
	var (
		root       string
		as         string
		groupBy    string
		groupField string
		page       int
		pageSize   int
		filters    []string
	)
	cmd := &cobra.Command{
		Use:       "view board|gantt|list",
		Short:     "Print one view of the folder tree under a root folder",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"board", "gantt", "list"},
		RunE: func(c *cobra.Command, args []string) error {
			values, err := parseFilters(filters)
			if err != nil {
				return err
			}
			values.Set("root", root)
			if groupBy != "" {
				values.Set("groupBy", groupBy)
			}
			if groupField != "" {
				values.Set("groupField", groupField)
			}
			if page > 0 {
				values.Set("page", fmt.Sprint(page))
			}
			if pageSize > 0 {
				values.Set("pageSize", fmt.Sprint(pageSize))
			}
			q, err := common.ParseViewQuery(args[0], common.URLValues(values))
			if err != nil {
				return err
			}
			kind, req, err := q.Request(as)
			if err != nil {
				return err
			}
			return withRuntime(opts, "view", func(rt *runtimeEnv) error {
				ctx := app.WithCaller(c.Context(), app.Caller{UserID: as, Source: "cli"})
				svc, err := rt.service(ctx, serviceTelemetry{})
				if err != nil {
					return err
				}
				out, err := svc.View(ctx, kind, req)
				if err != nil {
					return err
				}
				return writeJSON(opts.stdout, out)
			})
		},
	}
	cmd.Flags().StringVar(&root, "root", "", "root folder id")
	cmd.Flags().StringVar(&as, "as", "", "user id the view is built for")
	cmd.Flags().StringVar(&groupBy, "group-by", "", "secondary grouping")
	cmd.Flags().StringVar(&groupField, "group-field", "", "custom field key for customFields grouping")
	cmd.Flags().IntVar(&page, "page", 0, "1-based page")
	cmd.Flags().IntVar(&pageSize, "page-size", 0, "page size")
	cmd.Flags().StringArrayVar(&filters, "filter", nil, "filter as key=value, repeatable (e.g. importance=high)")
	_ = cmd.MarkFlagRequired("root")
	_ = cmd.MarkFlagRequired("as")
	return cmd
}

// parseFilters turns key=value pairs into query values.
func parseFilters(raw []string) (url.Values, error) {
	values := url.Values{}
	for _, pair := range raw {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid filter %q: want key=value", pair)
		}
		values.Add(key, strings.TrimSpace(value))
	}
	return values, nil
}

func newGrantCommand(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Grant access levels and permissions",
	}

	var entityType, entityID string
	permission := &cobra.Command{
		Use:   "permission USER ACTION",
		Short: "Grant an action permission (purge, manage_stages, manage_workflow)",
		Args:  cobra.ExactArgs(2),
		RunE: func(c *cobra.Command, args []string) error {
			action, err := domain.ParseAction(args[1])
			if err != nil {
				return fmt.Errorf("unknown action %q: %w", args[1], err)
			}
			et := action.EntityType()
			if c.Flags().Changed("entity-type") {
				if et, err = domain.ParseEntityType(entityType); err != nil {
					return err
				}
			}
			return withRuntime(opts, "grant permission", func(rt *runtimeEnv) error {
				if err := rt.repo.GrantPermission(c.Context(), strings.TrimSpace(args[0]), action, et, entityID); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(opts.stdout, "granted %s on %s %s to %s\n", action, et, entityID, args[0])
				return nil
			})
		},
	}
	permission.Flags().StringVar(&entityType, "entity-type", "", "entity type (folder, task, workflow, stage); defaults by action")
	permission.Flags().StringVar(&entityID, "entity-id", domain.AnyEntity, "entity id or * for any")

	var accessType string
	access := &cobra.Command{
		Use:   "access USER ENTITY_ID LEVEL",
		Short: "Grant FULL, EDITOR or READONLY access on an entity",
		Args:  cobra.ExactArgs(3),
		RunE: func(c *cobra.Command, args []string) error {
			level, err := domain.ParseAccessLevel(args[2])
			if err != nil {
				return err
			}
			entry, err := domain.NewACLEntry(args[0], domain.EntityType(strings.ToLower(strings.TrimSpace(accessType))), args[1], level)
			if err != nil {
				return err
			}
			return withRuntime(opts, "grant access", func(rt *runtimeEnv) error {
				if err := rt.repo.GrantAccess(c.Context(), entry); err != nil {
					return err
				}
				_, _ = fmt.Fprintf(opts.stdout, "granted %s on %s %s to %s\n", entry.Level, entry.EntityType, entry.EntityID, entry.UserID)
				return nil
			})
		},
	}
	access.Flags().StringVar(&accessType, "entity-type", string(domain.EntityFolder), "entity type (folder, task, workflow)")

	cmd.AddCommand(permission, access)
	return cmd
}

func newTokenCommand(opts *globalOptions) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USER",
		Short: "Mint a bearer token for a user with the configured JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			rt, err := loadRuntime(opts, "token")
			if err != nil {
				return err
			}
			defer rt.Close()
			if rt.cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}
			token, err := common.SignSubject(common.IdentityConfig{
				JWTSecret: rt.cfg.Auth.JWTSecret,
				JWTIssuer: rt.cfg.Auth.JWTIssuer,
			}, strings.TrimSpace(args[0]), ttl, time.Now())
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			_, _ = fmt.Fprintln(opts.stdout, token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
