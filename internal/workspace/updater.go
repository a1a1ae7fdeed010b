package workspace

import (
	"context"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/progress"
	"github.com/deltaup/deltaup/internal/repo"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ErrNoPath reports that the planner cannot reach the goal revision
// with the repository's packages.
var ErrNoPath = xerrors.New("no update path found")

// UpdateFailedError reports files still failing after the repair pass.
type UpdateFailedError struct {
	Files int
}

func (e *UpdateFailedError) Error() string {
	return fmt.Sprintf("update failed for %d files", e.Files)
}

// UpdateOptions tunes an update run.
type UpdateOptions struct {
	// Check verifies existing files instead of trusting their
	// recorded state.
	Check bool
	// StrictMeta turns metadata-level warnings (e.g. a slice operation
	// that cannot apply in the current mode) into errors.
	StrictMeta bool
	// StrictFS turns file system warnings (e.g. rmdir on a missing
	// directory) into errors.
	StrictFS bool
	// SaveStateInterval is the minimum duration between two state.json
	// writes while an update is running.
	SaveStateInterval time.Duration
}

// DefaultUpdateOptions returns the documented defaults.
func DefaultUpdateOptions() UpdateOptions {
	return UpdateOptions{
		Check:             false,
		StrictMeta:        true,
		StrictFS:          false,
		SaveStateInterval: 5 * time.Second,
	}
}

// Stage describes what an update run is currently doing.
type Stage string

const (
	StageUpdating  Stage = "updating"
	StageRepairing Stage = "repairing"
	StageUptodate  Stage = "uptodate"
	StageFailed    Stage = "failed"
)

// Event is one progress snapshot handed to the caller's report
// function.
type Event struct {
	Stage        Stage
	Goal         deltaup.CleanName
	Package      deltaup.CleanName
	PackageIdx   int // 0-based within the current pass
	PackageCount int
	// Objectives for the current pass, pre-summed over the filtered
	// operations.
	DownloadBytes uint64
	ApplyBytes    uint64
	CheckBytes    uint64
	Totals        progress.Counters
	Speed         progress.Rate
}

// ProgressFunc receives progress events; nil disables reporting.
type ProgressFunc func(Event)

// Update brings the workspace to goal (or the repository's current
// revision when goal is empty), downloading and applying the cheapest
// package chain, then repairing any per-file failures from a
// standalone package. See the package documentation for the layout of
// the scratch state that makes interrupted runs resumable.
func (w *Workspace) Update(ctx context.Context, link repo.Link, goal deltaup.CleanName, opts UpdateOptions, report ProgressFunc) error {
	if goal == "" {
		current, err := link.CurrentVersion(ctx)
		if err != nil {
			return err
		}
		goal = current.Current.Revision
	}
	log.Printf("updating workspace %s to %s", w.fm.Dir(), goal)

	if err := w.fm.createUpdateDirs(); err != nil {
		return err
	}
	if err := w.ReloadState(); err != nil {
		log.Printf("unable to load workspace state: %v", err)
	}

	if w.state.Kind == metadata.StateStable && w.state.Version == goal && !opts.Check {
		return nil
	}

	// Failures inherited from a corrupted or interrupted state seed
	// the repair pass.
	var failures []metadata.Failure
	initialState := w.state
	switch w.state.Kind {
	case metadata.StateCorrupted:
		failures = w.state.Failures
	case metadata.StateUpdating:
		w.state.Update.DedupFailures()
		failures = w.state.Update.Failures
		w.state.Update.Failures = nil
	}

	u := &updater{
		workspace: w,
		link:      link,
		opts:      opts,
		goal:      goal,
		report:    report,
		shared:    metadata.NewUpdateState("", goal, failures),
		histogram: progress.NewDefault(),
		lastSave:  time.Now(),
	}

	// 1. the normal pass
	if err := u.runPass(ctx, initialState, updateFilter{}, StageUpdating); err != nil {
		u.persistAfterError()
		return err
	}

	// 2. the repair pass: retry failed files from scratch, forced onto
	// a standalone package chain.
	u.shared.PreviousFailures = metadata.SortFailures(u.shared.Failures)
	u.shared.Failures = nil
	if len(u.shared.PreviousFailures) > 0 {
		log.Printf("repairing %d files", len(u.shared.PreviousFailures))
		filter := updateFilter{failures: u.shared.PreviousFailures}
		if err := u.runPass(ctx, metadata.New(), filter, StageRepairing); err != nil {
			u.persistAfterError()
			return err
		}
	}

	// 3. commit
	u.shared.PreviousFailures = nil
	if err := u.writeState(true); err != nil {
		return err
	}
	if n := len(u.shared.Failures); n > 0 {
		log.Printf("update to %s failed for %d files", goal, n)
		u.emit(StageFailed)
		return &UpdateFailedError{Files: n}
	}
	log.Printf("update to %s succeeded", goal)
	u.emit(StageUptodate)
	return nil
}

type updater struct {
	workspace *Workspace
	link      repo.Link
	opts      UpdateOptions
	goal      deltaup.CleanName
	report    ProgressFunc
	shared    *metadata.UpdateState
	histogram *progress.Histogram
	lastSave  time.Time

	stage         Stage
	packageName   deltaup.CleanName
	packageIdx    int
	packageCount  int
	applied       int // fully applied packages of the current pass
	downloadBytes uint64
	applyBytes    uint64
	checkBytes    uint64
}

func (u *updater) emit(stage Stage) {
	if u.report == nil {
		return
	}
	u.report(Event{
		Stage:         stage,
		Goal:          u.goal,
		Package:       u.packageName,
		PackageIdx:    u.packageIdx,
		PackageCount:  u.packageCount,
		DownloadBytes: u.downloadBytes,
		ApplyBytes:    u.applyBytes,
		CheckBytes:    u.checkBytes,
		Totals:        u.histogram.Total(),
		Speed:         u.histogram.Speed(),
	})
}

// writeState persists state.json: Stable once everything applied
// cleanly, Updating otherwise. Verify-only runs touch nothing.
func (u *updater) writeState(final bool) error {
	if u.shared.CheckOnly {
		return nil
	}
	state := u.shared
	if len(state.Failures) == 0 && len(state.PreviousFailures) == 0 && u.applied == u.packageCount && final {
		return u.workspace.setState(metadata.Stable(state.To))
	}
	copied := *state
	return u.workspace.setState(metadata.Updating(&copied))
}

// persistAfterError records whatever progress a failed pass made.
// Passes that never started a package (e.g. planning failed) leave
// state.json untouched.
func (u *updater) persistAfterError() {
	if u.packageCount == 0 {
		return
	}
	if err := u.writeState(false); err != nil {
		log.Printf("unable to persist state: %v", err)
	}
}

func (u *updater) maybeSaveState() {
	if time.Since(u.lastSave) < u.opts.SaveStateInterval {
		return
	}
	u.lastSave = time.Now()
	if err := u.writeState(false); err != nil {
		log.Printf("unable to save state: %v", err)
	}
}

// runPass plans a chain from initialState to the goal and applies it
// package by package.
func (u *updater) runPass(ctx context.Context, initialState metadata.State, filter updateFilter, stage Stage) error {
	packages, err := u.link.Packages(ctx)
	if err != nil {
		return err
	}
	chain, firstState, err := planChain(initialState, packages.Packages, u.goal, u.opts.Check)
	if err != nil {
		return err
	}
	if len(chain) == 0 {
		return nil
	}

	metas := make([]metadata.PackageMetadata, len(chain))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, pkg := range chain {
		i, pkg := i, pkg
		g.Go(func() error {
			meta, err := u.link.PackageMetadata(gctx, pkg.MetadataName())
			if err != nil {
				return err
			}
			metas[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	log.Printf("found update path with %d packages", len(chain))

	u.shared.UpdateWith(firstState)
	u.stage = stage
	u.packageCount = len(metas)
	u.applied = 0
	u.downloadBytes, u.applyBytes, u.checkBytes = 0, 0, 0
	for i := range metas {
		for j := range metas[i].Operations {
			op := &metas[i].Operations[j]
			if op.HasData() && filter.admits(op) {
				u.downloadBytes += op.DataSize
				u.applyBytes += op.FinalSize
			}
			if u.opts.Check {
				u.checkBytes += op.FinalSize + op.CheckSize()
			}
		}
	}

	for i := range metas {
		meta := &metas[i]
		u.packageIdx = i
		u.packageName = meta.Package.DataName()
		u.shared.From = meta.Package.From
		u.shared.To = meta.Package.To

		operations := buildOperations(meta, filter, u.shared.CheckOnly, u.opts.Check)

		// Persist the canonical check set before touching anything, so
		// a later integrity check knows what this package promised.
		checks := metadata.Checks{}
		for j := range meta.Operations {
			if check, ok := meta.Operations[j].AsCheck(); ok {
				checks.Operations = append(checks.Operations, check)
			}
		}
		if err := u.workspace.fm.writeChecks(checks); err != nil {
			return xerrors.Errorf("write check.json: %w", err)
		}

		if err := u.runPackage(ctx, meta, operations); err != nil {
			return err
		}
		u.shared.ClearProgress()
		u.applied = i + 1
	}
	return nil
}

// buildOperations selects and rewrites the package operations for this
// pass: the repair filter drops or converts operations, a verify-only
// pass runs the whole package in Check form, and Check additionally
// verifies operations the filter skipped.
func buildOperations(meta *metadata.PackageMetadata, filter updateFilter, checkOnly, check bool) []indexedOperation {
	var out []indexedOperation
	for idx := range meta.Operations {
		op := &meta.Operations[idx]
		if !checkOnly {
			if mapped, ok := filter.filterMap(op); ok {
				out = append(out, indexedOperation{idx: idx, op: mapped})
				continue
			}
		}
		if check {
			if converted, ok := op.AsCheck(); ok {
				converted := converted
				out = append(out, indexedOperation{idx: idx, op: &converted})
			}
		}
	}
	return out
}

// runPackage drives the downloader and the applier in parallel over
// one package and folds their event streams into shared progress.
func (u *updater) runPackage(ctx context.Context, meta *metadata.PackageMetadata, operations []indexedOperation) error {
	avail := newAvailable(u.shared.Available)

	var downloadOps, applyOps []indexedOperation
	for _, iop := range operations {
		if iop.idx >= u.shared.Available.OperationIdx {
			downloadOps = append(downloadOps, iop)
		}
		if iop.idx >= u.shared.Applied.OperationIdx {
			applyOps = append(applyOps, iop)
		}
	}
	log.Printf("begin package %s (available %d/%d, applied %d/%d)",
		u.packageName,
		u.shared.Available.OperationIdx, len(meta.Operations),
		u.shared.Applied.OperationIdx, len(meta.Operations))

	downloadEvents := make(chan downloadEvent, 64)
	applyEvents := make(chan applyEvent, 64)

	downloadErr := make(chan error, 1)
	go func() {
		defer close(downloadEvents)
		downloadErr <- downloadPackage(ctx, u.workspace.fm, u.link, meta.Package.DataName(), downloadOps, u.shared.Available, downloadEvents)
	}()
	go applyPackage(u.opts, u.workspace.fm, string(meta.Package.DataName()), applyOps, avail, applyEvents)

	var firstErr error
	for downloadEvents != nil || applyEvents != nil {
		select {
		case ev, ok := <-downloadEvents:
			if !ok {
				downloadEvents = nil
				if err := <-downloadErr; err != nil {
					if firstErr == nil {
						firstErr = err
					}
					// Downloader failure wakes and stops the applier.
					avail.Cancel()
				}
				continue
			}
			u.shared.Available = ev.available
			avail.Notify(ev.available)
			u.histogram.Inc(progress.Counters{
				DownloadedFiles: ev.deltaFiles,
				DownloadedBytes: ev.deltaBytes,
			})

		case ev, ok := <-applyEvents:
			if !ok {
				applyEvents = nil
				continue
			}
			if ev.failure != nil {
				u.shared.Failures = append(u.shared.Failures, *ev.failure)
				u.histogram.Inc(progress.Counters{FailedFiles: 1})
			} else {
				u.shared.Applied = ev.applied
				u.histogram.Inc(progress.Counters{
					AppliedFiles:       ev.deltaFiles,
					AppliedInputBytes:  ev.deltaInput,
					AppliedOutputBytes: ev.deltaOutput,
					CheckedBytes:       ev.deltaChecked,
				})
			}
		}
		u.maybeSaveState()
		u.emit(u.stage)
	}
	return firstErr
}

// updateFilter admits only the operations whose path (or exact slice)
// previously failed; the zero filter admits everything.
type updateFilter struct {
	failures []metadata.Failure // sorted
}

func (f *updateFilter) pathFailed(path deltaup.CleanPath) bool {
	i := sort.Search(len(f.failures), func(i int) bool {
		return f.failures[i].Path >= path
	})
	return i < len(f.failures) && f.failures[i].Path == path
}

func (f *updateFilter) sliceFailed(path, slice deltaup.CleanPath) bool {
	for i := sort.Search(len(f.failures), func(i int) bool {
		return f.failures[i].Path >= path
	}); i < len(f.failures) && f.failures[i].Path == path; i++ {
		if f.failures[i].Slice == slice {
			return true
		}
	}
	return false
}

// admits reports whether the operation's path is part of this pass at
// all (used for progress objectives).
func (f *updateFilter) admits(op *metadata.Operation) bool {
	return len(f.failures) == 0 || f.pathFailed(op.Path)
}

// filterMap returns the operation to run for op, if any. Exact
// failures re-run as-is; intact slices of a failed path convert to
// checks so the sliced handler still produces a coherent file.
func (f *updateFilter) filterMap(op *metadata.Operation) (*metadata.Operation, bool) {
	if len(f.failures) == 0 || f.sliceFailed(op.Path, op.Slice) {
		return op, true
	}
	if op.Slice != "" && f.pathFailed(op.Path) {
		if converted, ok := op.AsCheck(); ok {
			return &converted, true
		}
	}
	return nil, false
}

// planChain decides the package chain for one pass, honoring a resumed
// edge and synthesizing a verify-only step when the workspace is
// already at the goal but a check was requested.
func planChain(state metadata.State, packages []metadata.Package, goal deltaup.CleanName, check bool) ([]*metadata.Package, *metadata.UpdateState, error) {
	var (
		chain []*metadata.Package
		start deltaup.CleanName
		prior *metadata.UpdateState
	)
	switch state.Kind {
	case metadata.StateNew:
	case metadata.StateStable, metadata.StateCorrupted:
		start = state.Version
	case metadata.StateUpdating:
		for i := range packages {
			p := &packages[i]
			if p.From == state.Update.From && p.To == state.Update.To {
				// Resume the interrupted edge before continuing.
				chain = append(chain, p)
				start = state.Update.To
				prior = state.Update
				break
			}
		}
		// If the edge is gone, plan from no version at all.
	}
	if start != goal {
		rest := metadata.ShortestPath(start, goal, packages)
		if rest == nil {
			return nil, nil, ErrNoPath
		}
		chain = append(chain, rest...)
	}
	if len(chain) > 0 {
		first := chain[0]
		if prior != nil {
			prior.From = first.From
			prior.To = first.To
			return chain, prior, nil
		}
		return chain, metadata.NewUpdateState(first.From, first.To, nil), nil
	}
	if check {
		for i := range packages {
			p := &packages[i]
			if p.To == goal {
				st := metadata.NewUpdateState(goal, goal, nil)
				st.CheckOnly = true
				return []*metadata.Package{p}, st, nil
			}
		}
		return nil, nil, ErrNoPath
	}
	return nil, nil, nil
}
