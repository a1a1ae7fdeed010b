package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/env"
	"github.com/deltaup/deltaup/internal/repo"
	"github.com/deltaup/deltaup/internal/workspace"
	"golang.org/x/xerrors"
)

const updateHelp = `deltaup update [-flags] [<revision>]

Bring the workspace to the requested revision (default: the
repository's current revision), downloading the cheapest chain of
complete and patch packages. Interrupted updates resume where they
left off; files that fail to apply are repaired from a standalone
package afterwards.

Example:
  % deltaup update -repo https://updates.example.com/app
  % deltaup update -repo /srv/repo v42
`

func update(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("update", flag.ExitOnError)
	var (
		workspaceDir = fset.String("workspace", env.DefaultWorkspace, "workspace directory to update")
		repoLocation = fset.String("repo", env.DefaultRepository, "repository URL (http(s)://, file://) or path")
		checkFiles   = fset.Bool("check", false, "verify existing files instead of trusting recorded state")
		strictMeta   = fset.Bool("strict_meta", true, "treat metadata warnings as errors")
		strictFS     = fset.Bool("strict_fs", false, "treat file system warnings as errors")
		saveInterval = fset.Duration("save_state_interval", 5*time.Second, "minimum duration between state.json writes")
	)
	fset.Usage = usage(fset, updateHelp)
	fset.Parse(args)
	if *repoLocation == "" {
		return xerrors.Errorf("no repository configured (use -repo or DELTAUP_REPOSITORY)")
	}
	var goal deltaup.CleanName
	if fset.NArg() > 0 {
		var err error
		if goal, err = deltaup.NewCleanName(fset.Arg(0)); err != nil {
			return err
		}
	}

	link, err := repo.New(*repoLocation)
	if err != nil {
		return err
	}
	w, err := workspace.Open(*workspaceDir)
	if err != nil {
		return err
	}
	opts := workspace.UpdateOptions{
		Check:             *checkFiles,
		StrictMeta:        *strictMeta,
		StrictFS:          *strictFS,
		SaveStateInterval: *saveInterval,
	}
	start := time.Now()
	if err := w.Update(ctx, link, goal, opts, progressReporter()); err != nil {
		return err
	}
	fmt.Printf("workspace updated in %v\n", time.Since(start).Round(time.Millisecond))
	return nil
}
