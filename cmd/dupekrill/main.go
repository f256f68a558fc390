// Command dupekrill walks one or more paths and hardlinks (or reflinks)
// together every group of files it finds with identical content, using the
// single-threaded core in internal/engine driven by internal/scanner.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kornelski/dupe-krill/internal/engine"
	"github.com/kornelski/dupe-krill/internal/linker"
	"github.com/kornelski/dupe-krill/internal/report"
	"github.com/kornelski/dupe-krill/internal/scanner"
	"github.com/spf13/cobra"
)

var (
	flagDryRun            bool
	flagSmall             bool
	flagReflink           bool
	flagReflinkOrHardlink bool
	flagJSON              bool
	flagVerbose           bool
)

// fallbackBlockSize is used when the platform's Statfs binding is
// unavailable or fails; see blocksize_unix.go and blocksize_other.go.
const fallbackBlockSize = 4096

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	root := newRootCmd()
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "dupekrill PATH...",
		Short:        "Find duplicate files and replace them with hardlinks or reflinks",
		SilenceUsage: true,
		Args:         cobra.MinimumNArgs(1),
		RunE:         runRoot,
	}
	cmd.Flags().BoolVarP(&flagDryRun, "dry-run", "d", false, "skip the link operation; still compute duplicates and report")
	cmd.Flags().BoolVarP(&flagSmall, "small", "s", false, "override the one-filesystem-block minimum size skip")
	cmd.Flags().BoolVar(&flagReflink, "reflink", false, "use reflink clones; error if unsupported on a given file")
	cmd.Flags().BoolVar(&flagReflinkOrHardlink, "reflink-or-hardlink", false, "try reflink, falling back to hardlink per file")
	cmd.Flags().BoolVar(&flagJSON, "json", false, "emit a machine-readable event stream on stdout")
	cmd.Flags().BoolVarP(&flagVerbose, "verbose", "v", false, "log unique and skipped files too, not just merges and links")
	return cmd
}

func runRoot(cmd *cobra.Command, paths []string) error {
	mode, err := resolveMode()
	if err != nil {
		return fmt.Errorf("dupekrill: %w", err)
	}

	minSize := int64(blockSize(paths[0]))
	ctx, err := engine.NewContext(engine.Config{
		Mode:       mode,
		DryRun:     flagDryRun,
		AllowSmall: flagSmall,
		MinSize:    minSize,
	})
	if err != nil {
		return fmt.Errorf("dupekrill: %w", err)
	}
	eng := engine.New(ctx)

	var (
		rep      scanner.Reporter
		humanRep *report.Human
	)
	if flagJSON {
		rep = report.NewJSON(cmd.OutOrStdout())
	} else {
		humanRep = report.NewHuman(cmd.ErrOrStderr(), flagVerbose)
		rep = humanRep
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sig:
			ctx.Cancel()
		case <-done:
		}
	}()

	s := scanner.New(eng, rep)
	if err := s.Run(paths); err != nil {
		return fmt.Errorf("dupekrill: %w", err)
	}

	if humanRep != nil {
		humanRep.Summary(scanner.Progress{
			UniqueBodies: ctx.Counters.UniqueBodies,
			LinksMade:    ctx.Counters.ExistingHardlinksResolved + ctx.Counters.NewDupesLinked,
			FilesScanned: ctx.Counters.FilesScanned,
			FilesSkipped: ctx.Counters.FilesSkipped,
		})
	}
	return nil
}

func resolveMode() (linker.Mode, error) {
	switch {
	case flagReflink && flagReflinkOrHardlink:
		return 0, fmt.Errorf("--reflink and --reflink-or-hardlink are mutually exclusive")
	case flagReflink:
		return linker.Reflink, nil
	case flagReflinkOrHardlink:
		return linker.ReflinkOrHardlink, nil
	default:
		return linker.Hardlink, nil
	}
}
