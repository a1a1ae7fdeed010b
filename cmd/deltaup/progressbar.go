package main

import (
	"fmt"
	"os"

	"github.com/deltaup/deltaup/internal/workspace"
	"github.com/mattn/go-isatty"
)

// progressReporter renders update progress on a TTY and stays quiet
// otherwise (logs already narrate the run).
func progressReporter() workspace.ProgressFunc {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return nil
	}
	return func(ev workspace.Event) {
		switch ev.Stage {
		case workspace.StageUptodate:
			fmt.Printf("\r\x1b[Kup to date (%s)\n", ev.Goal)
			return
		case workspace.StageFailed:
			fmt.Printf("\r\x1b[Kupdate to %s failed (%d files)\n", ev.Goal, ev.Totals.FailedFiles)
			return
		}
		fmt.Printf("\r\x1b[K%s %s [%d/%d] dl %s/%s (%s/s) apply %s/%s (%s/s)",
			ev.Stage, ev.Package,
			ev.PackageIdx+1, ev.PackageCount,
			formatBytes(ev.Totals.DownloadedBytes), formatBytes(ev.DownloadBytes),
			formatBytes(uint64(ev.Speed.DownloadedBytes)),
			formatBytes(ev.Totals.AppliedOutputBytes), formatBytes(ev.ApplyBytes),
			formatBytes(uint64(ev.Speed.AppliedBytes)))
	}
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
