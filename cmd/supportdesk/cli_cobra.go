package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/dotsetgreg/supportdesk/pkg/config"
	"github.com/dotsetgreg/supportdesk/pkg/memory"
	"github.com/dotsetgreg/supportdesk/pkg/tenant"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

type globalOptions struct {
	configPath string
	debug      bool
}

func executeCLI() error {
	root := buildRootCommand(true)
	if err := root.Execute(); err != nil {
		return err
	}
	return nil
}

func buildRootCommand(includeDocsCommand bool) *cobra.Command {
	var showVersion bool
	opts := &globalOptions{}

	root := &cobra.Command{
		Use:   "supportdesk",
		Short: "Inspect and maintain tenant-isolated support conversation memory",
		Long: strings.TrimSpace(`supportdesk operates the conversation memory behind the support agent.

Every read and write is scoped to a tenant. Use the commands below to inspect
history, profiles and summaries, erase a customer's data, apply retention,
and audit or repair tenant isolation.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion(cmd.OutOrStdout())
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Config file (default ~/.supportdesk/config.json or $SUPPORTDESK_CONFIG)")
	root.PersistentFlags().BoolVarP(&opts.debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newRecordCommand(opts))
	root.AddCommand(newHistoryCommand(opts))
	root.AddCommand(newSearchCommand(opts))
	root.AddCommand(newProfileCommand(opts))
	root.AddCommand(newSummaryCommand(opts))
	root.AddCommand(newForgetCommand(opts))
	root.AddCommand(newCleanupCommand(opts))
	root.AddCommand(newStatsCommand(opts))
	root.AddCommand(newAuditCommand(opts))
	root.AddCommand(newRepairCommand(opts))
	root.AddCommand(newJanitorCommand(opts))
	root.AddCommand(newVersionCommand())

	if includeDocsCommand {
		docsCmd := newDocsCommand(func() *cobra.Command { return buildRootCommand(false) })
		root.AddCommand(docsCmd)
	}

	return root
}

// withMemory loads config, opens the memory service and closes it after fn.
func withMemory(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, cfg *config.Config, svc *memory.Service) error) error {
	cfg, err := loadConfig(opts.configPath, opts.debug)
	if err != nil {
		return err
	}
	svc, err := openMemory(cfg)
	if err != nil {
		return err
	}
	defer svc.Close()
	return fn(cmd.Context(), cfg, svc)
}

type threadFlags struct {
	tenantID       string
	conversationID string
	participantID  string
}

func (f *threadFlags) bind(cmd *cobra.Command, withConversation bool) {
	cmd.Flags().StringVarP(&f.tenantID, "tenant", "t", "", "Tenant id (required)")
	if withConversation {
		cmd.Flags().StringVar(&f.conversationID, "conversation", "", "Conversation id")
	}
	cmd.Flags().StringVarP(&f.participantID, "participant", "p", "", "Participant (customer) id")
}

type scopeFlags struct {
	tenantID string
	all      bool
}

func (f *scopeFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.tenantID, "tenant", "t", "", "Restrict to one tenant")
	cmd.Flags().BoolVar(&f.all, "all", false, "Operate across every tenant")
}

// scope requires an explicit choice between one tenant and all tenants.
func (f *scopeFlags) scope() (tenant.Scope, error) {
	if f.all {
		if strings.TrimSpace(f.tenantID) != "" {
			return tenant.Scope{}, fmt.Errorf("use either --tenant or --all, not both")
		}
		return tenant.Global(), nil
	}
	s, err := tenant.Only(f.tenantID)
	if err != nil {
		return tenant.Scope{}, fmt.Errorf("--tenant or --all is required: %w", err)
	}
	return s, nil
}

func newRecordCommand(opts *globalOptions) *cobra.Command {
	var (
		thread    threadFlags
		message   string
		response  string
		intent    string
		sentiment string
		asJSON    bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record one interaction",
		Long:  "Persist one user message and agent response in both memory tiers.",
		Example: strings.Join([]string{
			"  supportdesk record -t acme --conversation c1 -p cust-9 -m \"where is my order?\" -r \"it ships today\"",
			"  supportdesk record -t acme --conversation c1 -p cust-9 --json -m '{\"text\":\"hi\",\"attachments\":2}'",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any = message
			if asJSON {
				if err := json.Unmarshal([]byte(message), &payload); err != nil {
					return fmt.Errorf("--message is not valid JSON: %w", err)
				}
			}
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				in, err := svc.SaveInteraction(ctx, memory.SaveRequest{
					TenantID:       thread.tenantID,
					ConversationID: thread.conversationID,
					ParticipantID:  thread.participantID,
					UserMessage:    payload,
					AgentResponse:  response,
					Intent:         intent,
					Sentiment:      sentiment,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Recorded %s for %s\n", in.ID, in.Key())
				return nil
			})
		},
	}
	thread.bind(cmd, true)
	cmd.Flags().StringVarP(&message, "message", "m", "", "User message")
	cmd.Flags().StringVarP(&response, "response", "r", "", "Agent response")
	cmd.Flags().StringVar(&intent, "intent", "", "Intent label")
	cmd.Flags().StringVar(&sentiment, "sentiment", "", "Sentiment label (positive, neutral, negative)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Treat --message as a structured JSON payload")
	return cmd
}

func newHistoryCommand(opts *globalOptions) *cobra.Command {
	var (
		thread threadFlags
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "Show recent interactions of one conversation",
		Example: "  supportdesk history -t acme --conversation c1 -p cust-9 --limit 5",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				items, err := svc.GetConversationMemory(ctx, thread.tenantID, thread.conversationID, thread.participantID, limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No history.")
					return nil
				}
				for _, in := range items {
					printInteraction(out, in)
				}
				return nil
			})
		},
	}
	thread.bind(cmd, true)
	cmd.Flags().IntVarP(&limit, "limit", "n", memory.DefaultHistoryLimit, "Maximum interactions to show")
	return cmd
}

func newSearchCommand(opts *globalOptions) *cobra.Command {
	var (
		thread threadFlags
		limit  int
	)

	cmd := &cobra.Command{
		Use:     "search <text>",
		Short:   "Search one conversation for a substring",
		Args:    cobra.ExactArgs(1),
		Example: "  supportdesk search -t acme --conversation c1 -p cust-9 refund",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				items, err := svc.SearchMemories(ctx, thread.tenantID, thread.conversationID, thread.participantID, args[0], limit)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(items) == 0 {
					fmt.Fprintln(out, "No matches.")
					return nil
				}
				for _, in := range items {
					printInteraction(out, in)
				}
				return nil
			})
		},
	}
	thread.bind(cmd, true)
	cmd.Flags().IntVarP(&limit, "limit", "n", 5, "Maximum matches to show")
	return cmd
}

func newProfileCommand(opts *globalOptions) *cobra.Command {
	var thread threadFlags

	cmd := &cobra.Command{
		Use:     "profile",
		Short:   "Show a customer's derived profile within a tenant",
		Example: "  supportdesk profile -t acme -p cust-9",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				p, err := svc.GetCustomerProfile(ctx, thread.tenantID, thread.participantID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if p == nil {
					fmt.Fprintln(out, "No history for this customer.")
					return nil
				}
				fmt.Fprintf(out, "Customer %s (tenant %s)\n", p.ParticipantID, p.TenantID)
				fmt.Fprintf(out, "  Tier:          %s\n", p.Tier)
				fmt.Fprintf(out, "  Interactions:  %s\n", humanize.Comma(int64(p.TotalInteractions)))
				fmt.Fprintf(out, "  Per day:       %.2f\n", p.InteractionFrequency)
				fmt.Fprintf(out, "  Top intent:    %s\n", p.DominantIntent)
				fmt.Fprintf(out, "  Sentiment:     %s\n", p.DominantSentiment)
				fmt.Fprintf(out, "  Preferred hour: %02d:00\n", p.PreferredHour)
				fmt.Fprintf(out, "  First seen:    %s\n", humanize.Time(p.FirstSeen))
				fmt.Fprintf(out, "  Last seen:     %s\n", humanize.Time(p.LastSeen))
				return nil
			})
		},
	}
	thread.bind(cmd, false)
	return cmd
}

func newSummaryCommand(opts *globalOptions) *cobra.Command {
	var thread threadFlags

	cmd := &cobra.Command{
		Use:     "summary",
		Short:   "Summarize one conversation",
		Example: "  supportdesk summary -t acme --conversation c1 -p cust-9",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				s, err := svc.GetConversationSummary(ctx, thread.tenantID, thread.conversationID, thread.participantID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if s == nil {
					fmt.Fprintln(out, "No history.")
					return nil
				}
				fmt.Fprintf(out, "Conversation %s\n", s.ConversationID)
				fmt.Fprintf(out, "  Messages:   %s\n", humanize.Comma(int64(s.MessageCount)))
				fmt.Fprintf(out, "  Duration:   %s\n", s.Duration)
				fmt.Fprintf(out, "  Topics:     %s\n", strings.Join(s.Topics, ", "))
				fmt.Fprintf(out, "  Sentiment:  %s (%.2f)\n", s.Sentiment, s.SentimentScore)
				fmt.Fprintf(out, "  Resolution: %s\n", s.Resolution)
				return nil
			})
		},
	}
	thread.bind(cmd, true)
	return cmd
}

func newForgetCommand(opts *globalOptions) *cobra.Command {
	var thread threadFlags

	cmd := &cobra.Command{
		Use:     "forget",
		Short:   "Erase a customer's interactions within one tenant",
		Example: "  supportdesk forget -t acme -p cust-9",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				n, err := svc.ClearCustomerMemory(ctx, thread.tenantID, thread.participantID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s interaction(s)\n", humanize.Comma(n))
				return nil
			})
		},
	}
	thread.bind(cmd, false)
	return cmd
}

func newCleanupCommand(opts *globalOptions) *cobra.Command {
	var scope scopeFlags

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Apply the retention window now",
		Example: strings.Join([]string{
			"  supportdesk cleanup --all",
			"  supportdesk cleanup -t acme",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scope.scope()
			if err != nil {
				return err
			}
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				report, err := svc.CleanupOldMemories(ctx, s)
				printCleanup(cmd.OutOrStdout(), s, report)
				return err
			})
		},
	}
	scope.bind(cmd)
	return cmd
}

func printCleanup(out io.Writer, s tenant.Scope, report memory.CleanupReport) {
	fmt.Fprintf(out, "Cleanup (%s)\n", s)
	fmt.Fprintf(out, "  Persistent deleted: %s\n", humanize.Comma(report.PersistentDeleted))
	fmt.Fprintf(out, "  Cache evicted:      %s\n", humanize.Comma(int64(report.CacheEvicted)))
	fmt.Fprintf(out, "  Total:              %s\n", humanize.Comma(report.Total))
}

func newStatsCommand(opts *globalOptions) *cobra.Command {
	var scope scopeFlags

	cmd := &cobra.Command{
		Use:     "stats",
		Short:   "Show memory usage for one tenant or all tenants",
		Example: "  supportdesk stats --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scope.scope()
			if err != nil {
				return err
			}
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				stats, err := svc.GetMemoryStats(ctx, s)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Memory stats (%s, isolated=%t)\n", stats.Scope, stats.Isolated)
				fmt.Fprintf(out, "  Interactions:  %s\n", humanize.Comma(stats.Persistent.Interactions))
				fmt.Fprintf(out, "  Conversations: %s\n", humanize.Comma(stats.Persistent.Conversations))
				fmt.Fprintf(out, "  Participants:  %s\n", humanize.Comma(stats.Persistent.Participants))
				fmt.Fprintf(out, "  Cache entries: %s (%s interactions)\n",
					humanize.Comma(int64(stats.CacheEntries)), humanize.Comma(int64(stats.CachedInteractions)))
				printDistribution(out, "Intents", stats.IntentDistribution)
				printDistribution(out, "Tenants", stats.TenantDistribution)
				return nil
			})
		},
	}
	scope.bind(cmd)
	return cmd
}

// printDistribution lists counts largest first, ties by name.
func printDistribution(out io.Writer, title string, dist map[string]int64) {
	if len(dist) == 0 {
		return
	}
	names := make([]string, 0, len(dist))
	for name := range dist {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		if dist[names[i]] != dist[names[j]] {
			return dist[names[i]] > dist[names[j]]
		}
		return names[i] < names[j]
	})
	fmt.Fprintf(out, "  %s:\n", title)
	for _, name := range names {
		fmt.Fprintf(out, "    %-20s %s\n", name, humanize.Comma(dist[name]))
	}
}

func newAuditCommand(opts *globalOptions) *cobra.Command {
	var strict bool

	cmd := &cobra.Command{
		Use:     "audit",
		Short:   "Check both memory tiers for data without a tenant",
		Example: "  supportdesk audit --strict",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, opts, func(ctx context.Context, _ *config.Config, svc *memory.Service) error {
				report, err := svc.AuditMemoryIsolation(ctx)
				printAudit(cmd.OutOrStdout(), report)
				if err != nil {
					return err
				}
				if strict && !report.Clean() {
					return fmt.Errorf("isolation audit found %d violation(s)", len(report.Violations))
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when violations are found")
	return cmd
}

func printAudit(out io.Writer, report memory.AuditReport) {
	fmt.Fprintf(out, "Isolation audit at %s (%s cache keys)\n", report.CheckedAt.Format("2006-01-02 15:04:05"), humanize.Comma(int64(report.CacheKeys)))
	if len(report.Violations) == 0 {
		fmt.Fprintln(out, "  No violations.")
	}
	for _, v := range report.Violations {
		fmt.Fprintf(out, "  [%s] %s (%s): %s\n", v.Severity, v.Type, v.Status, v.Description)
		for _, k := range v.Keys {
			fmt.Fprintf(out, "      %s\n", k)
		}
	}
	for _, r := range report.Recommendations {
		fmt.Fprintf(out, "  - %s\n", r)
	}
}

func newRepairCommand(opts *globalOptions) *cobra.Command {
	var defaultTenant string

	cmd := &cobra.Command{
		Use:     "repair",
		Short:   "Assign a default tenant to data that has none",
		Long:    "Move every untenanted record and cache entry under the given tenant. The tenant is never inferred from content.",
		Example: "  supportdesk repair --default-tenant acme",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(cmd, opts, func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				target := defaultTenant
				if strings.TrimSpace(target) == "" {
					target = cfg.Tenancy.DefaultTenantID
				}
				report, err := svc.FixIsolationViolations(ctx, target)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Repaired under tenant %s\n", report.DefaultTenantID)
				fmt.Fprintf(out, "  Records fixed:    %s\n", humanize.Comma(report.PersistentFixed))
				fmt.Fprintf(out, "  Cache keys fixed: %s\n", humanize.Comma(int64(report.CacheKeysFixed)))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&defaultTenant, "default-tenant", "", "Tenant that receives untenanted data (default tenancy.default_tenant_id)")
	return cmd
}

func newJanitorCommand(opts *globalOptions) *cobra.Command {
	var (
		scope    scopeFlags
		schedule string
		once     bool
	)

	cmd := &cobra.Command{
		Use:   "janitor",
		Short: "Run retention cleanup on a cron schedule until interrupted",
		Example: strings.Join([]string{
			"  supportdesk janitor --all",
			"  supportdesk janitor --all --schedule '*/30 * * * *'",
			"  supportdesk janitor -t acme --once",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := scope.scope()
			if err != nil {
				return err
			}
			return withMemory(cmd, opts, func(ctx context.Context, cfg *config.Config, svc *memory.Service) error {
				if once {
					report, err := svc.Janitor().Run(ctx, s)
					printCleanup(cmd.OutOrStdout(), s, report)
					return err
				}
				expr := schedule
				if strings.TrimSpace(expr) == "" {
					expr = cfg.Memory.JanitorSchedule
				}
				if err := svc.Janitor().Start(expr, s); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Janitor running on %q (%s). Press Ctrl+C to stop.\n", expr, s)

				sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
				defer stop()
				<-sigCtx.Done()
				svc.Janitor().Stop()
				return nil
			})
		},
	}
	scope.bind(cmd)
	cmd.Flags().StringVar(&schedule, "schedule", "", "Cron expression (default memory.janitor_schedule)")
	cmd.Flags().BoolVar(&once, "once", false, "Run one pass and exit")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "version",
		Short:   "Show build/version metadata",
		Example: "  supportdesk version",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion(cmd.OutOrStdout())
			return nil
		},
	}
}

func printInteraction(out io.Writer, in memory.Interaction) {
	fmt.Fprintf(out, "[%s] %s\n", humanize.Time(in.Timestamp), in.UserMessage)
	if in.AgentResponse != "" {
		fmt.Fprintf(out, "    agent: %s\n", in.AgentResponse)
	}
	if in.Intent != "" || in.Sentiment != "" {
		fmt.Fprintf(out, "    intent=%s sentiment=%s\n", in.Intent, in.Sentiment)
	}
}
