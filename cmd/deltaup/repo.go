package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/repository"
	"golang.org/x/xerrors"
)

func versionEntry(revision deltaup.CleanName, description string) metadata.Version {
	return metadata.Version{Revision: revision, Description: description}
}

const initHelp = `deltaup init -repo <dir>

Create empty versions and packages indexes in a repository directory.
`

func repoInit(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("init", flag.ExitOnError)
	repoDir := fset.String("repo", "", "repository directory")
	fset.Usage = usage(fset, initHelp)
	fset.Parse(args)
	if *repoDir == "" {
		return xerrors.Errorf("syntax: init -repo <dir>")
	}
	return repository.New(*repoDir).Init()
}

const registerHelp = `deltaup register [-flags] <package-metadata-name>

Register an already present package in the packages index, e.g. after
copying complete_v2 and complete_v2.metadata into the repository.

Example:
  % deltaup register -repo /srv/repo complete_v2.metadata
`

func register(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("register", flag.ExitOnError)
	repoDir := fset.String("repo", "", "repository directory")
	description := fset.String("description", "", "version description to register alongside")
	fset.Usage = usage(fset, registerHelp)
	fset.Parse(args)
	if *repoDir == "" || fset.NArg() != 1 {
		return xerrors.Errorf("syntax: register -repo <dir> <package-metadata-name>")
	}
	repo := repository.New(*repoDir)
	name := fset.Arg(0)
	if err := repo.RegisterPackage(name); err != nil {
		return err
	}
	meta, err := repo.PackageMetadata(name)
	if err != nil {
		return err
	}
	return repo.RegisterVersion(versionEntry(meta.Package.To, *description))
}

const unregisterHelp = `deltaup unregister [-flags] <package-metadata-name>

Remove a package from the packages index. The data and metadata files
stay in place.
`

func unregister(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("unregister", flag.ExitOnError)
	repoDir := fset.String("repo", "", "repository directory")
	fset.Usage = usage(fset, unregisterHelp)
	fset.Parse(args)
	if *repoDir == "" || fset.NArg() != 1 {
		return xerrors.Errorf("syntax: unregister -repo <dir> <package-metadata-name>")
	}
	return repository.New(*repoDir).UnregisterPackage(fset.Arg(0))
}

const setCurrentHelp = `deltaup set-current [-flags] <revision>

Point the repository's current pointer at a registered version.
`

func setCurrent(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("set-current", flag.ExitOnError)
	repoDir := fset.String("repo", "", "repository directory")
	fset.Usage = usage(fset, setCurrentHelp)
	fset.Parse(args)
	if *repoDir == "" || fset.NArg() != 1 {
		return xerrors.Errorf("syntax: set-current -repo <dir> <revision>")
	}
	revision, err := deltaup.NewCleanName(fset.Arg(0))
	if err != nil {
		return err
	}
	return repository.New(*repoDir).SetCurrentVersion(revision)
}

const versionsHelp = `deltaup versions -repo <dir>

List repository versions in chronological order.
`

func versions(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("versions", flag.ExitOnError)
	repoDir := fset.String("repo", "", "repository directory")
	fset.Usage = usage(fset, versionsHelp)
	fset.Parse(args)
	if *repoDir == "" {
		return xerrors.Errorf("syntax: versions -repo <dir>")
	}
	repo := repository.New(*repoDir)
	versions, err := repo.Versions()
	if err != nil {
		return err
	}
	current, err := repo.CurrentVersion()
	haveCurrent := err == nil
	for _, v := range versions.Versions {
		marker := " "
		if haveCurrent && v.Revision == current.Current.Revision {
			marker = "*"
		}
		fmt.Printf("%s %s\t%s\n", marker, v.Revision, v.Description)
	}
	return nil
}

const packagesHelp = `deltaup packages -repo <dir>

List repository packages (the edges of the update graph).
`

func packages(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("packages", flag.ExitOnError)
	repoDir := fset.String("repo", "", "repository directory")
	fset.Usage = usage(fset, packagesHelp)
	fset.Parse(args)
	if *repoDir == "" {
		return xerrors.Errorf("syntax: packages -repo <dir>")
	}
	packages, err := repository.New(*repoDir).Packages()
	if err != nil {
		return err
	}
	for _, p := range packages.Packages {
		from := "(none)"
		if p.From != "" {
			from = string(p.From)
		}
		fmt.Printf("%s\t%s -> %s\t%d bytes\n", p.DataName(), from, p.To, p.Size)
	}
	return nil
}
