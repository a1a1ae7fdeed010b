package workspace

import (
	"context"
	"io"
	"log"
	"os"

	"github.com/deltaup/deltaup"
	"github.com/deltaup/deltaup/internal/metadata"
	"github.com/deltaup/deltaup/internal/repo"
	"golang.org/x/xerrors"
)

// bufferSize is the I/O chunk size used throughout the engine.
const bufferSize = 128 * 1024

// mergeDistance is the largest gap (bytes carried by operations we do
// not need, or already have) worth downloading to avoid an extra range
// request.
const mergeDistance = 500 * 1024

// indexedOperation pairs an operation with its index in the package's
// full operation list; scratch file names and positions use the
// original index even when the list applied is filtered.
type indexedOperation struct {
	idx int
	op  *metadata.Operation
}

type byteRange struct {
	start, end uint64
}

// coalesceRanges turns the data-carrying operations into a minimal
// list of byte ranges to fetch. offset skips the bytes of the first
// carrying operation already downloaded (resume); adjacent ranges
// separated by at most mergeDistance collapse into one request.
func coalesceRanges(operations []indexedOperation, startPosition metadata.UpdatePosition, mergeDistance uint64) []byteRange {
	var ranges []byteRange
	offset := startPosition.ByteIdx
	for _, iop := range operations {
		start, end, ok := iop.op.Range()
		if !ok || start == end {
			continue
		}
		if iop.idx == startPosition.OperationIdx {
			start += offset
		}
		if n := len(ranges); n > 0 && ranges[n-1].end+mergeDistance >= start {
			ranges[n-1].end = end
			continue
		}
		ranges = append(ranges, byteRange{start: start, end: end})
	}
	return ranges
}

// downloadEvent advances the available watermark; deltas feed the
// progress counters.
type downloadEvent struct {
	available  metadata.UpdatePosition
	deltaFiles uint64
	deltaBytes uint64
}

// downloadPackage fetches the byte ranges needed by operations from
// the repository and demultiplexes them into per-operation scratch
// files, emitting an advancing watermark on events. A final synthetic
// event positions the watermark past the last operation so the applier
// can finish operations that carry no bytes.
func downloadPackage(ctx context.Context, fm fileManager, link repo.Link, packageName deltaup.CleanName, operations []indexedOperation, startPosition metadata.UpdatePosition, events chan<- downloadEvent) error {
	ranges := coalesceRanges(operations, startPosition, mergeDistance)

	endPosition := startPosition
	if n := len(operations); n > 0 {
		endPosition = metadata.UpdatePosition{OperationIdx: operations[n-1].idx + 1}
	}

	// The carrying operations, consumed in order as range bytes arrive.
	// Zero-size data operations need no scratch file at all.
	var pending []indexedOperation
	for _, iop := range operations {
		if iop.op.HasData() && iop.op.DataSize > 0 {
			pending = append(pending, iop)
		}
	}

	position := startPosition
	var (
		current     *indexedOperation
		currentEnd  uint64
		currentFile *os.File
		pos         uint64 // absolute position within the package blob
	)
	defer func() {
		if currentFile != nil {
			currentFile.Close()
		}
	}()

	// openNext prepares the scratch file of the next carrying
	// operation, truncating and seeking to its resume offset.
	openNext := func() error {
		next := pending[0]
		pending = pending[1:]
		_, end, _ := next.op.Range()
		path := fm.downloadOperationPath(string(packageName), next.idx)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
		if err != nil {
			return xerrors.Errorf("open %s: %v", path, err)
		}
		resume := uint64(0)
		if next.idx == startPosition.OperationIdx {
			resume = startPosition.ByteIdx
		}
		if err := f.Truncate(int64(resume)); err != nil {
			f.Close()
			return xerrors.Errorf("truncate %s: %v", path, err)
		}
		if _, err := f.Seek(int64(resume), io.SeekStart); err != nil {
			f.Close()
			return xerrors.Errorf("seek %s: %v", path, err)
		}
		current, currentEnd, currentFile = &next, end, f
		position = metadata.UpdatePosition{OperationIdx: next.idx, ByteIdx: resume}
		return nil
	}

	buffer := make([]byte, bufferSize)
	for _, rng := range ranges {
		stream, err := link.PackageRange(ctx, packageName, rng.start, rng.end)
		if err != nil {
			return err
		}
		if pos < rng.start {
			pos = rng.start
		}
		for remaining := rng.end - rng.start; remaining > 0; {
			max := uint64(len(buffer))
			if remaining < max {
				max = remaining
			}
			n, err := stream.Read(buffer[:max])
			if n == 0 {
				if err == io.EOF {
					err = io.ErrUnexpectedEOF
				}
				stream.Close()
				return xerrors.Errorf("download %s: %v", packageName, err)
			}
			remaining -= uint64(n)

			ev := downloadEvent{}
			chunk := buffer[:n]
			for len(chunk) > 0 {
				if currentFile == nil {
					if len(pending) == 0 {
						// trailing merged-gap bytes
						pos += uint64(len(chunk))
						break
					}
					if err := openNext(); err != nil {
						stream.Close()
						return err
					}
				}
				start, _, _ := current.op.Range()
				if start > pos {
					// skip merged-gap bytes between operations
					skip := start - pos
					if skip > uint64(len(chunk)) {
						skip = uint64(len(chunk))
					}
					chunk = chunk[skip:]
					pos += skip
					continue
				}
				want := currentEnd - pos
				take := uint64(len(chunk))
				if want < take {
					take = want
				}
				if _, err := currentFile.Write(chunk[:take]); err != nil {
					stream.Close()
					return xerrors.Errorf("write scratch for operation %d: %v", current.idx, err)
				}
				chunk = chunk[take:]
				pos += take
				position.ByteIdx += take
				ev.deltaBytes += take

				if take == want {
					if err := currentFile.Close(); err != nil {
						stream.Close()
						return err
					}
					currentFile = nil
					ev.deltaFiles++
					position = metadata.UpdatePosition{OperationIdx: current.idx + 1}
				}
			}
			ev.available = position
			select {
			case events <- ev:
			case <-ctx.Done():
				stream.Close()
				return ctx.Err()
			}
			if err == io.EOF && remaining > 0 {
				stream.Close()
				return xerrors.Errorf("download %s: truncated stream (%d bytes short)", packageName, remaining)
			}
		}
		if err := stream.Close(); err != nil {
			log.Printf("close download stream: %v", err)
		}
	}

	select {
	case events <- downloadEvent{available: endPosition}:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}
