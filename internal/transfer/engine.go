// Package transfer implements the per-worker Transfer Engine (C6,
// §4.6): connect, iterate a TJD's files, stream each through block-size
// chunks under the rate limiter, archive or unlink the source, and
// report a structured summary — the common loop every worker process
// runs regardless of destination protocol.
package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/fdcore/dispatcher/internal/afderrors"
	"github.com/fdcore/dispatcher/internal/archive"
	"github.com/fdcore/dispatcher/internal/dedup"
	"github.com/fdcore/dispatcher/internal/listdiff"
	"github.com/fdcore/dispatcher/internal/model"
	"github.com/fdcore/dispatcher/internal/retrievelist"
	"github.com/fdcore/dispatcher/internal/transport"
)

// Progress is the live per-file counters a worker publishes, §4.6 step
// 4b "file_size_in_use = size, file_name_in_use = name".
type Progress struct {
	FileName     string
	FileSize     int64
	BytesDone    int64
	FilesDone    uint32
	FilesRemain  int
}

// ProgressSink receives Progress updates. Progress is published only
// when Engine.Progress is set; afd-worker leaves it nil.
type ProgressSink interface {
	Publish(Progress)
}

// FileResult is one emitted output-log record, §4.6 step 4g.
type FileResult struct {
	Name         string
	Size         int64
	ArchivePath  string
	TransferTime time.Duration
	Retries      int
	Outcome      archive.Outcome
}

// Summary is the "what done" record emitted at worker exit, §4.6 step 7.
type Summary struct {
	FilesDone    uint32
	BytesDone    int64
	Results      []FileResult
	ExitCode     afderrors.ExitCode
	BurstCount   int // number of burst continuations folded into this run, §4.6 step 6 / S5 "[BURST * N]"
}

// BurstCoordinator implements the worker/Dispatcher handshake behind
// §4.6 step 6's burst-wait primitive: Enter announces that this worker
// finished its file list but is staying connected until `until`; Wait
// then blocks for either the next TJD addressed to this worker's host/
// job slot (YES: returns it) or the deadline elapsing (NO: ok=false).
// Engine.Burst is nil for workers that never burst (KeepConnected==0).
type BurstCoordinator interface {
	Enter(until time.Time) error
	Wait(ctx context.Context, until time.Time) (*model.TransferJobDescriptor, bool)
}

// Engine runs one worker's send loop against a Codec.
type Engine struct {
	Codec     transport.Codec
	Dedup     *dedup.Store
	DedupMode dedup.Action
	Archive   *archive.Sink
	Limiter   *rate.Limiter
	Progress  ProgressSink
	Log       *logrus.Entry
	Burst     BurstCoordinator

	BlockSize       int
	TransferTimeout time.Duration
	ArchiveRetain   time.Duration
	ArchiveHost     string
	ArchiveJobID    string
	ArchiveUnique   string
	KeepConnected   time.Duration
}

// firstSuccess is called once, on the first file a worker delivers
// successfully, §4.6 step 4h "Recovery side-effect".
type firstSuccess func()

// Run drives §4.6 steps 3-6 over job, and every burst continuation the
// Dispatcher folds in afterward: once job's Files are exhausted
// cleanly, if KeepConnected allows connection reuse, Run calls the
// burst-wait primitive (e.Burst) instead of returning immediately. A
// YES loops back to step 4 with the newly delivered TJD's files,
// without reconnecting; a NO/NEITHER (no coordinator, no KeepConnected,
// or a timed-out Wait) ends the run. onFirstSuccess still fires exactly
// once across the whole chain, on the very first successful file.
func (e *Engine) Run(ctx context.Context, job *model.TransferJobDescriptor, onFirstSuccess firstSuccess) Summary {
	summary := Summary{ExitCode: afderrors.Success}
	firstSuccessFired := false

	for {
		if fatal := e.runFiles(ctx, job, &summary, &firstSuccessFired, onFirstSuccess); fatal {
			return summary
		}
		if summary.ExitCode != afderrors.Success {
			return summary
		}
		if e.Burst == nil || e.KeepConnected <= 0 {
			return summary
		}

		until := time.Now().Add(e.KeepConnected)
		if err := e.Burst.Enter(until); err != nil {
			e.Log.WithError(err).Warn("burst enter failed")
			return summary
		}
		next, ok := e.Burst.Wait(ctx, until)
		if !ok {
			return summary
		}
		summary.BurstCount++
		e.Log.WithField("burst_count", summary.BurstCount).Info("burst continuation")
		job = next
	}
}

// runFiles implements §4.6 steps 3-5 over every file in job, mutating
// summary in place. It reports whether the caller must stop outright
// (context cancellation, or a non-retryable per-file error) rather than
// consider a burst continuation.
func (e *Engine) runFiles(ctx context.Context, job *model.TransferJobDescriptor, summary *Summary, firstSuccessFired *bool, onFirstSuccess firstSuccess) bool {
	mkdirDone := false

	for i, file := range job.Files {
		if ctx.Err() != nil {
			summary.ExitCode = afderrors.GotKilled
			return true
		}

		e.publishProgress(file, summary.FilesDone, len(job.Files)-i)

		if dup, skip := e.checkDuplicate(file); dup {
			if skip {
				continue
			}
		}

		result, code, err := e.sendOne(ctx, job, file, &mkdirDone)
		if err != nil {
			e.Log.WithError(err).WithField("file", file.Name).Warn("file transfer failed")
			summary.ExitCode = code
			if code == afderrors.StillFilesToSend {
				continue
			}
			return true
		}

		summary.FilesDone++
		summary.BytesDone += result.Size
		summary.Results = append(summary.Results, result)

		if !*firstSuccessFired {
			*firstSuccessFired = true
			if onFirstSuccess != nil {
				onFirstSuccess()
			}
		}
	}
	return false
}

// RunPull drives the pull-mode counterpart of Run, §4.6 "pull is
// symmetric with C5 replacing the for-each-file-in-TJD loop": list the
// DSE's source directory, hand the listing to the Listing Differencer
// (C5) against rl, and fetch whatever it assigns this scan into
// localDir. The returned listdiff.Result carries more_files_in_list
// for the caller's requeue decision (§4.6 step 5).
func (e *Engine) RunPull(ctx context.Context, rl *retrievelist.List, opt listdiff.Options, localDir string, onFirstSuccess firstSuccess) (Summary, listdiff.Result) {
	summary := Summary{ExitCode: afderrors.Success}

	remote, err := e.Codec.List(opt.DSE.URLTarget)
	if err != nil {
		e.Log.WithError(err).Error("list remote directory")
		summary.ExitCode = afderrors.ListError
		return summary, listdiff.Result{}
	}

	listing := make([]listdiff.ListingEntry, 0, len(remote))
	for _, le := range remote {
		listing = append(listing, listdiff.ListingEntry{
			Name:      le.Name,
			Size:      le.Size,
			Mtime:     le.Mtime.Unix(),
			ExactSize: le.ExactSize,
			ExactDate: le.ExactDate,
		})
	}
	if refresher, ok := e.Codec.(transport.MtimeRefresher); ok && opt.Refine == nil {
		opt.Refine = func(name string) (int64, error) {
			t, rerr := refresher.RefineMtime(name)
			if rerr != nil {
				return 0, rerr
			}
			return t.Unix(), nil
		}
	}
	if opt.Deleter == nil {
		opt.Deleter = e.Codec
	}

	res, err := listdiff.Scan(rl, listing, opt)
	if err != nil {
		e.Log.WithError(err).Error("listing differencer scan")
		summary.ExitCode = afderrors.ReadLocalError
		return summary, res
	}

	firstSuccessFired := false
	for i, af := range res.Assigned {
		if ctx.Err() != nil {
			summary.ExitCode = afderrors.GotKilled
			return summary, res
		}
		e.publishProgress(model.FileToSend{Name: af.Entry.FileName, Size: af.Entry.Size}, summary.FilesDone, len(res.Assigned)-i)

		result, code, ferr := e.fetchOne(ctx, rl, af, localDir)
		if ferr != nil {
			e.Log.WithError(ferr).WithField("file", af.Entry.FileName).Warn("file fetch failed")
			summary.ExitCode = code
			continue
		}

		summary.FilesDone++
		summary.BytesDone += result.Size
		summary.Results = append(summary.Results, result)

		if !firstSuccessFired {
			firstSuccessFired = true
			if onFirstSuccess != nil {
				onFirstSuccess()
			}
		}
	}
	return summary, res
}

// fetchOne implements one assigned RLE's fetch: remote read, local
// write, then MarkRetrieved under the RL's per-entry update, §4.5
// "ASSIGNED→RETRIEVED when C6 completes the fetch".
func (e *Engine) fetchOne(ctx context.Context, rl *retrievelist.List, af listdiff.AssignedFile, localDir string) (FileResult, afderrors.ExitCode, error) {
	start := time.Now()
	in, err := e.Codec.OpenRead(af.Entry.FileName)
	if err != nil {
		return FileResult{}, afderrors.OpenRemoteError, fmt.Errorf("transfer: open remote %s: %w", af.Entry.FileName, err)
	}
	defer in.Close()

	localPath := filepath.Join(localDir, baseName(af.Entry.FileName))
	out, err := os.Create(localPath)
	if err != nil {
		return FileResult{}, afderrors.ReadLocalError, fmt.Errorf("transfer: create local %s: %w", localPath, err)
	}

	written, err := e.streamBlocks(ctx, in, out, af.Entry.Size)
	closeErr := out.Close()
	if err != nil {
		return FileResult{}, err.(streamError).code, fmt.Errorf("transfer: fetch %s: %w", af.Entry.FileName, err)
	}
	if closeErr != nil {
		return FileResult{}, afderrors.CloseRemoteError, fmt.Errorf("transfer: close local %s: %w", localPath, closeErr)
	}

	if err := rl.Update(af.Index, func(e *model.RetrieveListEntry) { e.MarkRetrieved() }); err != nil {
		return FileResult{}, afderrors.RemoveLockfileError, fmt.Errorf("transfer: mark retrieved %s: %w", af.Entry.FileName, err)
	}

	return FileResult{Name: af.Entry.FileName, Size: written, TransferTime: time.Since(start)}, afderrors.Success, nil
}

func (e *Engine) publishProgress(file model.FileToSend, filesDone uint32, filesRemain int) {
	if e.Progress == nil {
		return
	}
	e.Progress.Publish(Progress{
		FileName:    file.Name,
		FileSize:    file.Size,
		FilesDone:   filesDone,
		FilesRemain: filesRemain,
	})
}

// checkDuplicate implements §4.6 step 4a. dup reports whether the file
// was already seen; skip reports whether the caller should skip sending
// it (true for ActionSkip, and for ActionDeleteSource after it has
// removed the source itself; false for ActionLogOnly, which only logs
// the duplicate and lets it be sent).
func (e *Engine) checkDuplicate(file model.FileToSend) (dup bool, skip bool) {
	if e.Dedup == nil {
		return false, false
	}
	seen, err := e.Dedup.Seen(dedup.Candidate{Name: file.Name, Size: file.Size, Mtime: file.Mtime.Unix(), LocalPath: file.Name})
	if err != nil || !seen {
		return false, false
	}
	switch e.DedupMode {
	case dedup.ActionDeleteSource:
		_ = os.Remove(file.Name)
		return true, true
	case dedup.ActionLogOnly:
		e.Log.WithField("file", file.Name).Info("duplicate file (log-only)")
		return true, false
	default:
		return true, true
	}
}

// sendOne implements §4.6 step 4b-4g for a single file.
func (e *Engine) sendOne(ctx context.Context, job *model.TransferJobDescriptor, file model.FileToSend, mkdirDone *bool) (FileResult, afderrors.ExitCode, error) {
	start := time.Now()
	in, err := os.Open(file.Name)
	if err != nil {
		return FileResult{}, afderrors.ReadLocalError, fmt.Errorf("transfer: open local %s: %w", file.Name, err)
	}
	defer in.Close()

	out, err := e.Codec.OpenWrite(remoteName(file.Name, job), file.Size)
	if err != nil {
		return FileResult{}, afderrors.OpenRemoteError, fmt.Errorf("transfer: open remote %s: %w", file.Name, err)
	}

	written, err := e.streamBlocks(ctx, in, out, file.Size)
	closeErr := out.Close()
	if err != nil {
		return FileResult{}, err.(streamError).code, fmt.Errorf("transfer: write %s: %w", file.Name, err)
	}
	if closeErr != nil {
		return FileResult{}, afderrors.CloseRemoteError, fmt.Errorf("transfer: close remote %s: %w", file.Name, closeErr)
	}
	if written != file.Size {
		e.Log.WithFields(logrus.Fields{"file": file.Name, "expected": file.Size, "written": written}).Debug("byte count mismatch")
	}

	result := FileResult{Name: file.Name, Size: written, TransferTime: time.Since(start)}
	e.recordDelivered(file)
	if err := e.disposeSource(job, file, mkdirDone, &result); err != nil {
		return result, afderrors.RemoveLockfileError, err
	}
	return result, afderrors.Success, nil
}

// recordDelivered marks file as seen in the dedup store, §4.8. Must run
// before the source is archived/unlinked, since content-hash keying
// needs to read the still-present local file.
func (e *Engine) recordDelivered(file model.FileToSend) {
	if e.Dedup == nil {
		return
	}
	_, _ = e.Dedup.Record(dedup.Candidate{Name: file.Name, Size: file.Size, Mtime: file.Mtime.Unix(), LocalPath: file.Name})
}

// streamError lets streamBlocks carry the exit-code classification of
// an I/O failure back through a plain error return.
type streamError struct {
	code afderrors.ExitCode
	err  error
}

func (s streamError) Error() string { return s.err.Error() }

// streamBlocks implements §4.6 step 4d: read(local) -> protocol-write
// in BlockSize chunks, enforcing the rate limiter and transfer_timeout.
func (e *Engine) streamBlocks(ctx context.Context, in io.Reader, out io.Writer, expected int64) (int64, error) {
	blockSize := e.BlockSize
	if blockSize <= 0 {
		blockSize = 4096
	}
	deadline := time.Now().Add(e.TransferTimeout)
	buf := make([]byte, blockSize)
	var written int64
	for {
		if e.TransferTimeout > 0 && time.Now().After(deadline) {
			return written, streamError{code: afderrors.StillFilesToSend, err: fmt.Errorf("transfer_timeout exceeded")}
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if e.Limiter != nil {
				if werr := e.Limiter.WaitN(ctx, n); werr != nil {
					return written, streamError{code: afderrors.TimeoutError, err: werr}
				}
			}
			if _, werr := out.Write(buf[:n]); werr != nil {
				return written, streamError{code: afderrors.WriteRemoteError, err: werr}
			}
			written += int64(n)
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, streamError{code: afderrors.ReadLocalError, err: rerr}
		}
	}
}

// disposeSource implements §4.6 step 4f: archive or unlink the source.
func (e *Engine) disposeSource(job *model.TransferJobDescriptor, file model.FileToSend, mkdirDone *bool, result *FileResult) error {
	if e.Archive == nil || job.ArchiveRetain == 0 {
		if e.Archive != nil {
			return e.Archive.Unlink(file.Name)
		}
		return os.Remove(file.Name)
	}
	dst := e.Archive.Target(e.ArchiveHost, time.Now(), e.ArchiveJobID, e.ArchiveUnique, baseName(file.Name))
	outcome, err := e.Archive.Archive(file.Name, dst, *mkdirDone)
	if err != nil {
		return err
	}
	*mkdirDone = true
	result.ArchivePath = dst
	result.Outcome = outcome
	return nil
}

func remoteName(localPath string, job *model.TransferJobDescriptor) string {
	return baseName(localPath)
}

func baseName(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}
