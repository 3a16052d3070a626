package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/runbroker/runbroker"
	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds the persistent flags shared by all subcommands.
type GlobalFlags struct {
	ConfigPath string
}

// buildRoot creates the root command with all subcommands attached.
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	infoFlags := &InfoFlags{}
	documentsFlags := &DocumentsFlags{}
	partitionsFlags := &PartitionsFlags{}
	historyFlags := &HistoryFlags{}
	shiftFlags := &ShiftRootFlags{}
	correctFlags := &CorrectRootFlags{}
	moveFlags := &MoveFilesFlags{}

	brokerCommand := command{out: os.Stdout}

	root := createRootCommand(globalFlags)
	root.AddCommand(
		createInfoCommand(brokerCommand, globalFlags, infoFlags),
		createDocumentsCommand(brokerCommand, globalFlags, documentsFlags),
		createPartitionsCommand(brokerCommand, globalFlags, partitionsFlags),
		createHistoryCommand(brokerCommand, globalFlags, historyFlags),
		createShiftRootCommand(brokerCommand, globalFlags, shiftFlags),
		createCorrectRootCommand(brokerCommand, globalFlags, correctFlags),
		createMoveFilesCommand(brokerCommand, globalFlags, moveFlags),
		createServeCommand(globalFlags),
	)

	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "runbroker",
		Short: "Run-centric access to experiment documents",
		Long: `Runbroker inspects and serves runs: time-ordered document streams with
external references resolved through registered handlers.

Examples:
  runbroker --config=runbroker.toml info --run=42
  runbroker --config=runbroker.toml documents --run=-1 --fill
  runbroker --config=runbroker.toml serve`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file")

	return root
}

// createInfoCommand creates the info subcommand
func createInfoCommand(brokerCommand command, globalFlags *GlobalFlags, infoFlags *InfoFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show a run summary",
		Long: `Show one run's start and stop documents, stream names and resources.
The run key may be a scan id, a negative relative index (-1 is the most
recent run), a run uid, or a unique uid prefix.

Examples:
  runbroker --config=runbroker.toml info --run=42
  runbroker --config=runbroker.toml info --run=-1
  runbroker --config=runbroker.toml info --run=3f2a`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return brokerCommand.Info(InfoFlags{
				Run: infoFlags.Run,
			}, globalFlags.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&infoFlags.Run, "run", "", "run key: scan id, -N, uid or uid prefix (required)")

	if err := cmd.MarkFlagRequired("run"); err != nil {
		panic(err)
	}

	return cmd
}

// createDocumentsCommand creates the documents subcommand
func createDocumentsCommand(brokerCommand command, globalFlags *GlobalFlags, documentsFlags *DocumentsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Dump a run's documents as JSON lines",
		Long: `Dump one run's documents in canonical order, one {"name","doc"} pair per
line. The output is the format the [runs] config section loads at startup,
so dumps round-trip.

Examples:
  runbroker --config=runbroker.toml documents --run=42 > run42.jsonl
  runbroker --config=runbroker.toml documents --run=-1 --fill`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return brokerCommand.Documents(DocumentsFlags{
				Run:  documentsFlags.Run,
				Fill: documentsFlags.Fill,
			}, globalFlags.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&documentsFlags.Run, "run", "", "run key: scan id, -N, uid or uid prefix (required)")
	cmd.Flags().BoolVar(&documentsFlags.Fill, "fill", false, "resolve external references through registered handlers")

	if err := cmd.MarkFlagRequired("run"); err != nil {
		panic(err)
	}

	return cmd
}

// createPartitionsCommand creates the partitions subcommand
func createPartitionsCommand(brokerCommand command, globalFlags *GlobalFlags, partitionsFlags *PartitionsFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "partitions",
		Short: "Show a run's partitions",
		Long: `Show how many fixed-size partitions a run splits into, or print one
partition's documents. Partition size comes from the [partition] config
section.

Examples:
  runbroker --config=runbroker.toml partitions --run=42
  runbroker --config=runbroker.toml partitions --run=42 --index=0
  runbroker --config=runbroker.toml partitions --run=42 --index=2 --fill`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return brokerCommand.Partitions(PartitionsFlags{
				Run:   partitionsFlags.Run,
				Index: partitionsFlags.Index,
				Fill:  partitionsFlags.Fill,
			}, globalFlags.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&partitionsFlags.Run, "run", "", "run key: scan id, -N, uid or uid prefix (required)")
	cmd.Flags().IntVar(&partitionsFlags.Index, "index", -1, "partition index to print; omit for the count")
	cmd.Flags().BoolVar(&partitionsFlags.Fill, "fill", false, "resolve external references through registered handlers")

	if err := cmd.MarkFlagRequired("run"); err != nil {
		panic(err)
	}

	return cmd
}

// createHistoryCommand creates the history subcommand
func createHistoryCommand(brokerCommand command, globalFlags *GlobalFlags, historyFlags *HistoryFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show a resource's audit trail",
		Long: `Show every recorded revision of a resource, oldest first. Each entry
carries the old and new snapshots and the command that produced the change.

Examples:
  runbroker --config=runbroker.toml history --uid=res-1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return brokerCommand.History(HistoryFlags{
				UID: historyFlags.UID,
			}, globalFlags.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&historyFlags.UID, "uid", "", "resource uid (required)")

	if err := cmd.MarkFlagRequired("uid"); err != nil {
		panic(err)
	}

	return cmd
}

// createShiftRootCommand creates the shift-root subcommand
func createShiftRootCommand(brokerCommand command, globalFlags *GlobalFlags, shiftFlags *ShiftRootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "shift-root",
		Short: "Move path segments between a resource's root and path",
		Long: `Move path segments between a resource's root and resource_path without
changing the joined absolute location. A positive shift moves segments from
resource_path into root; a negative shift moves them back.

Examples:
  runbroker --config=runbroker.toml shift-root --uid=res-1 --shift=1
  runbroker --config=runbroker.toml shift-root --uid=res-1 --shift=-2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return brokerCommand.ShiftRoot(ShiftRootFlags{
				UID:   shiftFlags.UID,
				Shift: shiftFlags.Shift,
			}, globalFlags.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&shiftFlags.UID, "uid", "", "resource uid (required)")
	cmd.Flags().IntVar(&shiftFlags.Shift, "shift", 0, "segments to move; positive grows root (required)")

	if err := cmd.MarkFlagRequired("uid"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("shift"); err != nil {
		panic(err)
	}

	return cmd
}

// createCorrectRootCommand creates the correct-root subcommand
func createCorrectRootCommand(brokerCommand command, globalFlags *GlobalFlags, correctFlags *CorrectRootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "correct-root",
		Short: "Replace a resource's root",
		Long: `Replace a resource's root outright, recording the revision in the audit
history. Use this after data has moved; file contents are not touched.

Examples:
  runbroker --config=runbroker.toml correct-root --uid=res-1 --root=/mnt/archive`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return brokerCommand.CorrectRoot(CorrectRootFlags{
				UID:  correctFlags.UID,
				Root: correctFlags.Root,
			}, globalFlags.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&correctFlags.UID, "uid", "", "resource uid (required)")
	cmd.Flags().StringVar(&correctFlags.Root, "root", "", "new root path (required)")

	if err := cmd.MarkFlagRequired("uid"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("root"); err != nil {
		panic(err)
	}

	return cmd
}

// createMoveFilesCommand creates the move-files subcommand
func createMoveFilesCommand(brokerCommand command, globalFlags *GlobalFlags, moveFlags *MoveFilesFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "move-files",
		Short: "Relocate a resource's files under a new root",
		Long: `Copy every file a resource's datums reference to the analogous path under
a new root, update the stored root, and optionally delete the originals.
Requires the resource's handler spec to be registered with file listing
support, so this command only works against a broker embedded in a program
that registers handlers.

Examples:
  runbroker --config=runbroker.toml move-files --uid=res-1 --dest=/mnt/archive
  runbroker --config=runbroker.toml move-files --uid=res-1 --dest=/mnt/archive --remove-origin`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return brokerCommand.MoveFiles(MoveFilesFlags{
				UID:          moveFlags.UID,
				Dest:         moveFlags.Dest,
				RemoveOrigin: moveFlags.RemoveOrigin,
			}, globalFlags.ConfigPath)
		},
	}

	cmd.Flags().StringVar(&moveFlags.UID, "uid", "", "resource uid (required)")
	cmd.Flags().StringVar(&moveFlags.Dest, "dest", "", "destination root (required)")
	cmd.Flags().BoolVar(&moveFlags.RemoveOrigin, "remove-origin", false, "delete source files after a successful copy")

	if err := cmd.MarkFlagRequired("uid"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("dest"); err != nil {
		panic(err)
	}

	return cmd
}

// createServeCommand creates the serve subcommand
func createServeCommand(globalFlags *GlobalFlags) *cobra.Command {
	serveFlags := &ServeFlags{}

	cmd := &cobra.Command{
		Use:   "serve [config.toml]",
		Short: "Start the runbroker document service",
		Long: `Start the HTTP document service. Storage, run files, partition size and
the listen address are loaded from the config file.

Examples:
  runbroker serve runbroker.toml
  runbroker --config=runbroker.toml serve
  runbroker --config=runbroker.toml serve --metrics-listen=:9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath := globalFlags.ConfigPath
			if len(args) > 0 {
				configPath = args[0]
			}
			serveFlags.ConfigPath = configPath
			return runServeCommand(serveFlags)
		},
	}

	cmd.Flags().StringVar(&serveFlags.MetricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")

	return cmd
}

func runServeCommand(flags *ServeFlags) error {
	if flags.ConfigPath == "" {
		return fmt.Errorf("config file required for serve command. Use --config=runbroker.toml or provide as argument")
	}

	fc, err := runbroker.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if fc.Server.Listen == "" {
		return fmt.Errorf("server.listen must be configured to run serve command")
	}

	ctx := context.Background()
	b, err := runbroker.OpenFromConfig(ctx, fc)
	if err != nil {
		return err
	}
	defer func() { _ = b.Close() }()

	warnUnregisteredSpecs(b, fc)

	if flags.MetricsListen != "" {
		if err := runbroker.RegisterMetricsDefault(); err != nil {
			fmt.Printf("Warning: failed to register metrics: %v\n", err)
		}
		go func() {
			if err := runbroker.ServeMetrics(flags.MetricsListen); err != nil {
				fmt.Printf("Metrics server error: %v\n", err)
			}
		}()
	}

	server, err := runbroker.NewHTTPServer(fc.Server.Listen, fc.Server.BasePath, b.Catalog)
	if err != nil {
		return fmt.Errorf("failed to create HTTP server: %w", err)
	}

	fmt.Printf("Starting runbroker server on %s%s\n", fc.Server.Listen, fc.Server.BasePath)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	return server.Close()
}

// warnUnregisteredSpecs reports configured handler specs nothing has
// registered. The CLI itself registers none, so retrievals for these specs
// fail until an embedding program provides them.
func warnUnregisteredSpecs(b *runbroker.Broker, fc *runbroker.Config) {
	registered := make(map[string]bool)
	for _, s := range b.Registry.HandlerSpecs() {
		registered[s] = true
	}
	for spec := range fc.Registry.Specs {
		if !registered[spec] {
			fmt.Printf("Warning: handler spec %q is not registered; fills for it will fail\n", spec)
		}
	}
}
