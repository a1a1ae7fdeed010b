package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/codec"
	"github.com/deltaup/deltaup/internal/pack"
	"github.com/deltaup/deltaup/internal/repository"
	"golang.org/x/xerrors"
)

const packHelp = `deltaup pack [-flags] <revision> <source-dir>

Build a package that brings a workspace to <source-dir>'s content. With
-from/-from-dir, build a patch package from that previous revision;
otherwise build a complete (standalone) package.

Each changed file is encoded with every configured compressor (and,
for patches, every patcher) and the smallest result wins. Coders take
options: "zstd:level=19;minratio=95", "brotli:quality=9;lgwin=24".

Example:
  % deltaup pack -repo /srv/repo -register v2 ./build/v2
  % deltaup pack -repo /srv/repo -register -from v1 -from-dir ./build/v1 v2 ./build/v2
`

func cmdpack(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("pack", flag.ExitOnError)
	var (
		repoDir     = fset.String("repo", "", "repository directory to add the package to")
		buildDir    = fset.String("build-dir", "build", "scratch directory for package assembly")
		from        = fset.String("from", "", "previous revision (patch packages)")
		fromDir     = fset.String("from-dir", "", "directory holding the previous revision's content")
		compressors = fset.String("compressors", "brotli,zstd,raw", "comma-separated compressors to try")
		patchers    = fset.String("patchers", "zstd,bsdiff,raw", "comma-separated patchers to try")
		sliceSize   = fset.String("slice-size", "0", "split files larger than this into independently patchable slices (0 = off)")
		workers     = fset.Int("workers", 0, "build parallelism (default: number of CPUs)")
		register    = fset.Bool("register", false, "move the package into the repository and register it")
		description = fset.String("description", "", "version description to register")
	)
	fset.Usage = usage(fset, packHelp)
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: pack <revision> <source-dir>")
	}
	version, err := deltaup.NewCleanName(fset.Arg(0))
	if err != nil {
		return err
	}
	sourceDir := fset.Arg(1)

	options, err := parseCoders(*compressors, *patchers)
	if err != nil {
		return err
	}
	sliceBytes, err := codec.ParseSize(*sliceSize)
	if err != nil {
		return err
	}

	b := &pack.Builder{
		BuildDir:   *buildDir,
		Version:    version,
		SourceDir:  sourceDir,
		NumWorkers: *workers,
		SliceSize:  sliceBytes,
		Options:    options,
	}
	if *from != "" {
		if *fromDir == "" {
			return xerrors.Errorf("-from requires -from-dir")
		}
		if b.PreviousVersion, err = deltaup.NewCleanName(*from); err != nil {
			return err
		}
		b.PreviousDir = *fromDir
	}

	pkg := b.Package()
	log.Printf("building %s from %s", pkg.DataName(), sourceDir)
	if err := b.Build(ctx, func(done, total int, name string) {
		log.Printf("[%d/%d] %s", done, total, name)
	}); err != nil {
		return err
	}
	fmt.Printf("built %s\n", b.DataPath())

	if *register {
		if *repoDir == "" {
			return xerrors.Errorf("-register requires -repo")
		}
		repo := repository.New(*repoDir)
		if err := repo.Init(); err != nil {
			return err
		}
		if err := repo.AddBuiltPackage(*buildDir, pkg); err != nil {
			return err
		}
		if err := repo.RegisterVersion(versionEntry(version, *description)); err != nil {
			return err
		}
		fmt.Printf("registered %s in %s\n", pkg.DataName(), *repoDir)
	}
	return nil
}

func parseCoders(compressors, patchers string) (pack.Options, error) {
	var options pack.Options
	for _, s := range strings.Split(compressors, ",") {
		if s == "" {
			continue
		}
		opts, err := codec.ParseOptions(s)
		if err != nil {
			return options, err
		}
		options.Compressors = append(options.Compressors, opts)
	}
	for _, s := range strings.Split(patchers, ",") {
		if s == "" {
			continue
		}
		opts, err := codec.ParseOptions(s)
		if err != nil {
			return options, err
		}
		options.Patchers = append(options.Patchers, opts)
	}
	return options, nil
}
