package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/deltaup/deltaup/internal/env"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/workspace"
)

const checkHelp = `deltaup check [-flags]

Verify every byte of the workspace against the recorded manifest.
Mismatches mark the workspace corrupted; the next update repairs the
affected files only.

Example:
  % deltaup check
`

func check(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("check", flag.ExitOnError)
	workspaceDir := fset.String("workspace", env.DefaultWorkspace, "workspace directory to check")
	fset.Usage = usage(fset, checkHelp)
	fset.Parse(args)

	w, err := workspace.Open(*workspaceDir)
	if err != nil {
		return err
	}
	if err := w.Check(progressReporter()); err != nil {
		return err
	}
	fmt.Println("workspace ok")
	return nil
}

const statusHelp = `deltaup status [-flags]

Show the workspace state.

Example:
  % deltaup status
`

func status(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("status", flag.ExitOnError)
	workspaceDir := fset.String("workspace", env.DefaultWorkspace, "workspace directory")
	fset.Usage = usage(fset, statusHelp)
	fset.Parse(args)

	w, err := workspace.Open(*workspaceDir)
	if err != nil {
		return err
	}
	state := w.State()
	switch state.Kind {
	case metadata.StateNew:
		fmt.Println("new workspace, nothing installed")
	case metadata.StateStable:
		fmt.Printf("stable at %s\n", state.Version)
	case metadata.StateCorrupted:
		fmt.Printf("corrupted at %s (%d files):\n", state.Version, len(state.Failures))
		for _, f := range state.Failures {
			fmt.Printf("\t%s\n", f)
		}
	case metadata.StateUpdating:
		u := state.Update
		if u.From != "" {
			fmt.Printf("updating %s -> %s", u.From, u.To)
		} else {
			fmt.Printf("installing %s", u.To)
		}
		fmt.Printf(" (operation %d available, %d applied)\n", u.Available.OperationIdx, u.Applied.OperationIdx)
		for _, f := range u.Failures {
			fmt.Printf("\tfailed: %s\n", f)
		}
	}
	return nil
}

const clearHelp = `deltaup clear [-flags]

Drop scratch downloads, decoded outputs and recorded update progress.
The next update starts from the beginning of its package chain.

Example:
  % deltaup clear
`

func cmdclear(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("clear", flag.ExitOnError)
	workspaceDir := fset.String("workspace", env.DefaultWorkspace, "workspace directory")
	fset.Usage = usage(fset, clearHelp)
	fset.Parse(args)

	w, err := workspace.Open(*workspaceDir)
	if err != nil {
		return err
	}
	return w.ClearUpdateState()
}

const envHelp = `deltaup env

Print the deltaup environment.
`

func printenv(ctx context.Context, args []string) error {
	fmt.Printf("DELTAUP_REPOSITORY=%s\n", env.DefaultRepository)
	fmt.Printf("DELTAUP_WORKSPACE=%s\n", env.DefaultWorkspace)
	return nil
}
