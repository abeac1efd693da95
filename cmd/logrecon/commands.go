package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/logflow/logrecon/internal/model"
	"github.com/logflow/logrecon/pkg/checkpoint"
	"github.com/logflow/logrecon/pkg/config"
	"github.com/logflow/logrecon/pkg/lifecycle"
	"github.com/logflow/logrecon/pkg/search"
	"github.com/logflow/logrecon/pkg/sink"
	s3store "github.com/logflow/logrecon/pkg/storage/s3"
)

var (
	queryPod    string
	queryStart  string
	queryEnd    string
	queryCursor int64
	listAll     bool
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Print the search body sent for a pod",
	Long: `Render the query body the downloader sends to the search backend.

Examples:
  logrecon query --pod codex-1 --start 1h
  logrecon query --pod codex-1 --start 1h --cursor 1714557600000`,
	RunE: runQuery,
}

var containsCmd = &cobra.Command{
	Use:   "contains <log> <text>...",
	Short: "Check that a downloaded log contains every given text",
	Long: `Read a downloaded log (a local path or an s3:// URL) and report every text no
line contains. Exits non-zero when something is missing.

Examples:
  logrecon contains logs/codex-1.log "block processed" "count=100"
  logrecon contains s3://test-logs/run-7/codex-1.log "peer connected"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runContains,
}

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage download checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored checkpoints",
	RunE:  runCheckpointsList,
}

var checkpointsDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete checkpoints",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheckpointsDelete,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or save the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the merged configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write the effective configuration to a file (default ~/.logrecon/config.yaml)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

func init() {
	queryCmd.Flags().StringVarP(&queryPod, "pod", "p", "", "Pod name (required)")
	queryCmd.Flags().StringVar(&queryStart, "start", "", "Start of the time range (required)")
	queryCmd.Flags().StringVar(&queryEnd, "end", "now", "End of the time range")
	queryCmd.Flags().Int64Var(&queryCursor, "cursor", 0, "search_after value")
	queryCmd.MarkFlagRequired("pod")
	queryCmd.MarkFlagRequired("start")

	checkpointsListCmd.Flags().BoolVar(&listAll, "all", false, "Include completed checkpoints")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsDeleteCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	now := time.Now().UTC()
	start, err := parseTime(queryStart, now)
	if err != nil {
		return err
	}
	end, err := parseTime(queryEnd, now)
	if err != nil {
		return err
	}

	var cursor model.Cursor
	if cmd.Flags().Changed("cursor") {
		cursor = model.At(queryCursor)
	}

	body := search.NewPodQuery(queryPod, start, end).Render(cfg.Search.PageSize, cursor)
	printer.Section("query")
	printer.Field("Backend", cfg.Search.URL)
	printer.Field("Index", cfg.Search.Index)
	printer.Code(body)
	return nil
}

func runContains(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	target, want := args[0], args[1:]

	var (
		log *sink.DownloadedLog
		err error
	)
	if s3store.IsURL(target) {
		log, err = openS3Log(ctx, target)
	} else {
		log, err = sink.OpenLog(target)
	}
	if err != nil {
		return err
	}

	missing := log.Missing(want...)
	for _, s := range want {
		if contains(missing, s) {
			printer.Failure(strconv.Quote(s))
		} else {
			printer.Success(strconv.Quote(s))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s: %d of %d texts not found", log.Name(), len(missing), len(want))
	}
	return nil
}

func openS3Log(ctx context.Context, url string) (*sink.DownloadedLog, error) {
	bucket, key, err := s3store.ParseURL(url)
	if err != nil {
		return nil, err
	}
	sc := cfg.Output.S3
	sc.Bucket = bucket
	client, err := s3store.Connect(ctx, s3Config(sc))
	if err != nil {
		return nil, err
	}
	return sink.OpenS3Log(ctx, client, key)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func checkpointStore(ctx context.Context) (checkpoint.Backend, func(), error) {
	c := cfg.Checkpoint
	if c.Backend == "" || c.Backend == "none" {
		c.Backend = "file"
		c.Secondary = ""
	}
	shutdown := lifecycle.NewShutdownManager(lifecycle.ShutdownConfig{Logger: logger})
	b, err := newCheckpointBackend(ctx, c, shutdown)
	if err != nil {
		shutdown.Shutdown(context.Background())
		return nil, nil, err
	}
	release := func() {
		if err := shutdown.Shutdown(context.Background()); err != nil {
			logger.Warn("failed to close checkpoint backend", "error", err)
		}
	}
	return b, release, nil
}

func runCheckpointsList(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, release, err := checkpointStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	var all []*checkpoint.Checkpoint
	if listAll {
		all, err = b.List(ctx)
	} else {
		all, err = checkpoint.ListIncomplete(ctx, b)
	}
	if err != nil {
		return err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPOD\tPHASE\tLINES\tNEXT\tPENDING\tUPDATED\tDURATION\tOUTPUT")
	for _, cp := range all {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\n",
			cp.ID, cp.Pod, cp.Phase, cp.Emitted, cp.Next, len(cp.Pending),
			cp.UpdatedAt.Format(time.RFC3339), cp.Duration().Round(time.Second), cp.OutputPath)
	}
	w.Flush()

	if len(all) == 0 {
		fmt.Fprintf(cmd.ErrOrStderr(), "no checkpoints in %s\n", b.Name())
	}
	return nil
}

func runCheckpointsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	b, release, err := checkpointStore(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, id := range args {
		if err := b.Delete(ctx, id); err != nil {
			return err
		}
		printer.Success("deleted " + id)
	}
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := config.UserPath()
	if len(args) == 1 {
		path = args[0]
	}

	m := config.NewManager(config.WithSearchPaths())
	*m.Get() = *cfg
	if err := m.Save(path); err != nil {
		return err
	}
	printer.Success("wrote " + path)
	return nil
}
