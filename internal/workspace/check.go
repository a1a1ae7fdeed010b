package workspace

import (
	"fmt"
	"log"

	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/progress"
	"golang.org/x/xerrors"
)

// ErrNewWorkspace reports a check on a workspace with nothing
// installed.
var ErrNewWorkspace = xerrors.New("cannot check a new workspace")

// CheckFailedError reports mismatching files found by Check.
type CheckFailedError struct {
	Files int
}

func (e *CheckFailedError) Error() string {
	return fmt.Sprintf("check failed for %d files", e.Files)
}

// Check verifies every byte of the workspace against the recorded
// check.json manifest. On mismatches, a Stable workspace transitions
// to Corrupted and an Updating workspace collects the failures; both
// make the next Update repair the damage.
func (w *Workspace) Check(report ProgressFunc) error {
	if w.state.Kind == metadata.StateNew {
		return ErrNewWorkspace
	}
	checks, err := w.fm.readChecks()
	if err != nil {
		return xerrors.Errorf("read check.json: %v", err)
	}

	var operations []indexedOperation
	var checkBytes uint64
	for idx := range checks.Operations {
		if op, ok := checks.Operations[idx].AsCheck(); ok {
			op := op
			operations = append(operations, indexedOperation{idx: idx, op: &op})
			checkBytes += op.CheckSize()
		}
	}

	// No bytes will be downloaded: pre-satisfy the watermark so the
	// applier never blocks.
	avail := newAvailable(metadata.UpdatePosition{OperationIdx: len(checks.Operations) + 1})

	opts := DefaultUpdateOptions()
	opts.Check = true

	events := make(chan applyEvent, 64)
	go applyPackage(opts, w.fm, "local", operations, avail, events)

	histogram := progress.NewDefault()
	var failures []metadata.Failure
	for ev := range events {
		if ev.failure != nil {
			failures = append(failures, *ev.failure)
			histogram.Inc(progress.Counters{FailedFiles: 1})
		} else {
			histogram.Inc(progress.Counters{
				CheckedFiles: ev.deltaFiles,
				CheckedBytes: ev.deltaChecked,
			})
		}
		if report != nil {
			report(Event{
				Stage:      StageUpdating,
				CheckBytes: checkBytes,
				Totals:     histogram.Total(),
				Speed:      histogram.Speed(),
			})
		}
	}
	failures = metadata.SortFailures(failures)

	switch {
	case w.state.Kind == metadata.StateStable && len(failures) > 0:
		log.Printf("check found %d corrupted files", len(failures))
		if err := w.setState(metadata.Corrupted(w.state.Version, failures)); err != nil {
			return err
		}
	case w.state.Kind == metadata.StateUpdating:
		w.state.Update.Failures = metadata.SortFailures(append(w.state.Update.Failures, failures...))
		if err := w.writeState(); err != nil {
			return err
		}
	}
	if len(failures) > 0 {
		return &CheckFailedError{Files: len(failures)}
	}
	return nil
}
