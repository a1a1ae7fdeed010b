// Package workspace manages an installed application directory: its
// persisted update state, the update execution engine (downloader and
// applier), and integrity checking.
//
// All bookkeeping lives under <dir>/.update/:
//
//	state.json   workspace state (tagged union)
//	check.json   Check-form operations of the last applied package
//	dl/          per-operation scratch downloads
//	tmp/         per-operation decoded outputs
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/google/renameio"
)

// fileManager computes the paths of all workspace bookkeeping files.
type fileManager struct {
	dir string
}

func (fm fileManager) Dir() string         { return fm.dir }
func (fm fileManager) metadataDir() string { return filepath.Join(fm.dir, ".update") }
func (fm fileManager) statePath() string   { return filepath.Join(fm.metadataDir(), "state.json") }
func (fm fileManager) checkPath() string   { return filepath.Join(fm.metadataDir(), "check.json") }
func (fm fileManager) tmpDir() string      { return filepath.Join(fm.metadataDir(), "tmp") }
func (fm fileManager) downloadDir() string { return filepath.Join(fm.metadataDir(), "dl") }

func (fm fileManager) downloadOperationPath(packageName string, operationIdx int) string {
	return filepath.Join(fm.downloadDir(), fmt.Sprintf("%s-%d.data", packageName, operationIdx))
}

func (fm fileManager) tmpOperationPath(packageName string, operationIdx int) string {
	return filepath.Join(fm.tmpDir(), fmt.Sprintf("%s-%d.tmp", packageName, operationIdx))
}

func (fm fileManager) finalPath(path deltaup.CleanPath) string {
	return filepath.Join(fm.dir, filepath.FromSlash(string(path)))
}

func (fm fileManager) createUpdateDirs() error {
	if err := os.MkdirAll(fm.downloadDir(), 0755); err != nil {
		return err
	}
	return os.MkdirAll(fm.tmpDir(), 0755)
}

func clearDirContents(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func (fm fileManager) readChecks() (metadata.Checks, error) {
	var checks metadata.Checks
	b, err := os.ReadFile(fm.checkPath())
	if err != nil {
		return checks, err
	}
	err = json.Unmarshal(b, &checks)
	return checks, err
}

func (fm fileManager) writeChecks(checks metadata.Checks) error {
	return atomicWriteJSON(fm.checkPath(), checks)
}

// atomicWriteJSON writes v as pretty JSON via a temp file and rename,
// so readers never observe a torn file.
func atomicWriteJSON(path string, v interface{}) error {
	f, err := renameio.TempFile("", path)
	if err != nil {
		return err
	}
	defer f.Cleanup()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return f.CloseAtomicallyReplace()
}

// Workspace is an application directory plus its cached update state.
type Workspace struct {
	fm    fileManager
	state metadata.State
}

// Open loads the workspace at dir. A missing state.json means a fresh
// workspace.
func Open(dir string) (*Workspace, error) {
	w := &Workspace{
		fm:    fileManager{dir: dir},
		state: metadata.New(),
	}
	if err := w.ReloadState(); err != nil {
		return nil, err
	}
	return w, nil
}

// State returns the cached workspace state.
func (w *Workspace) State() metadata.State { return w.state }

// ReloadState re-reads state.json from disk.
func (w *Workspace) ReloadState() error {
	b, err := os.ReadFile(w.fm.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(b, &w.state)
}

func (w *Workspace) setState(state metadata.State) error {
	w.state = state
	return w.writeState()
}

func (w *Workspace) writeState() error {
	return atomicWriteJSON(w.fm.statePath(), w.state)
}

// ClearUpdateState removes scratch downloads and decoded outputs and
// resets any recorded update progress so the next update starts from
// the package beginning.
func (w *Workspace) ClearUpdateState() error {
	if err := clearDirContents(w.fm.downloadDir()); err != nil {
		return err
	}
	if err := clearDirContents(w.fm.tmpDir()); err != nil {
		return err
	}
	if w.state.Kind == metadata.StateUpdating {
		w.state.Update.ClearProgress()
		return w.writeState()
	}
	return nil
}

// RemoveMetadata deletes the whole .update directory. The workspace
// must be re-Opened afterwards.
func (w *Workspace) RemoveMetadata() error {
	return os.RemoveAll(w.fm.metadataDir())
}
