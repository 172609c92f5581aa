// Package listdiff implements the Listing Differencer (C5, §4.5): given
// a freshly fetched remote listing, the directory's DSE filters and the
// existing Retrieve List, it decides which files are new or changed,
// assigns job slots within the configured budget, and folds the RL back
// into a compacted, persisted state for the next scan.
package listdiff

import (
	"strings"
	"time"

	"github.com/fdcore/dispatcher/internal/lock"
	"github.com/fdcore/dispatcher/internal/model"
	"github.com/fdcore/dispatcher/internal/retrievelist"
)

// ListingEntry is one parsed remote-listing row, §4.5 "L = {(name,
// size?, mtime?, exact_size?, exact_date?)}".
type ListingEntry struct {
	Name      string
	Size      int64 // -1 if unknown
	Mtime     int64 // unix seconds, -1 if unknown
	ExactSize bool
	ExactDate bool
}

// RemoteDeleter is the subset of a protocol codec needed to remove
// entries matched by delete_files_flag, §4.5 step 3d and step 5.
type RemoteDeleter interface {
	Delete(name string) error
}

// RefineMtime performs the HEAD/MDTM-equivalent lookup of §4.5 step 3c
// when the listing didn't carry an exact date.
type RefineMtime func(name string) (int64, error)

// Result is the outcome of one scan, §4.5 "Outputs".
type Result struct {
	Assigned         []AssignedFile
	Count            int
	ByteSum          int64
	Ignored          []string
	MoreFilesInList  bool
}

// AssignedFile names one RLE selected for retrieval this scan, with the
// RL index the worker will update under LOCK_RETR_FILE+i.
type AssignedFile struct {
	Index uint32
	Entry model.RetrieveListEntry
}

// Options controls one scan, bundling the DSE-derived policy knobs and
// the job-slot claiming this caller performs assignment for.
type Options struct {
	DSE                  *model.DirectoryStatusEntry
	JobNo                uint32 // job_no+1 written into assigned; 0 always hands off to the fetcher
	DistributedHelperJob bool   // TJD FlagDistributedHelperJob: still claim entries in one-process-just-scanning mode
	OldErrorJobExclusive bool   // try exclusive LOCK_RETR_FILE+i before claiming
	AppendOnly           bool
	Now                  time.Time
	Deleter              RemoteDeleter
	Refine               RefineMtime
	BackoffSleep         func(time.Duration)
}

const (
	rlBackoffInterval = 100 * time.Millisecond
	rlBackoffRetries  = 30
)

// Scan runs one differencer pass, §4.5 steps 1-5.
func Scan(rl *retrievelist.List, listing []ListingEntry, opt Options) (Result, error) {
	var res Result
	dse := opt.DSE

	if dse.IsVolatile() {
		if err := attachVolatile(rl, opt); err != nil {
			return res, err
		}
	}

	var keep []uint32

	existing, err := rl.All()
	if err != nil {
		return res, err
	}

	for _, le := range listing {
		if !matchesMasks(dse.FileMasks, le.Name) {
			if maybeDeleteUnknown(opt, le) {
				res.Ignored = append(res.Ignored, le.Name)
			}
			continue
		}
		if !dse.Policy.Has(model.PolicyAcceptDotFiles) && strings.HasPrefix(le.Name, ".") {
			continue
		}
		if !sizeGatePasses(dse, le) {
			continue
		}
		mtime := le.Mtime
		if !le.ExactDate && !dse.Policy.Has(model.PolicyDontGetDirList) && opt.Refine != nil {
			if refined, rerr := opt.Refine(le.Name); rerr == nil {
				mtime = refined
			}
		}
		if !timeGatePasses(dse, mtime, opt.Now) {
			continue
		}

		idx, entry, found := findByName(existing, le.Name)
		if found {
			entry.InList = true
			if opt.OldErrorJobExclusive {
				if err := rl.TryClaim(idx); err != nil {
					if err == lock.ErrWouldBlock {
						continue
					}
					return res, err
				}
			}
			prevSize := entry.Size
			changed := entry.ResetOnChange(le.Size, mtime)
			assignEntry(rl, idx, &entry, opt, &res, changed, prevSize)
			existing[idx] = entry
			if opt.OldErrorJobExclusive {
				if err := rl.ReleaseClaim(idx); err != nil {
					return res, err
				}
			}
			keep = append(keep, idx)
			continue
		}

		newEntry := model.RetrieveListEntry{FileName: le.Name, Size: le.Size, FileMtime: mtime, InList: true}
		newIdx, err := rl.Append(newEntry)
		if err != nil {
			return res, err
		}
		assignEntry(rl, newIdx, &newEntry, opt, &res, true, 0)
		existing = append(existing, newEntry)
		keep = append(keep, newIdx)
	}

	if !dse.IsVolatile() {
		sweepLockedAndDotfiles(existing, dse, opt)
		if err := rl.WithProcLock(func() error { return rl.Compact(keep) }); err != nil {
			return res, err
		}
	}

	return res, nil
}

func attachVolatile(rl *retrievelist.List, opt Options) error {
	for i := 0; i < rlBackoffRetries; i++ {
		err := rl.TryProcLock()
		if err == nil {
			rl.ResetVolatile()
			return rl.ReleaseProcLock()
		}
		if err != lock.ErrWouldBlock {
			return err
		}
		if opt.BackoffSleep != nil {
			opt.BackoffSleep(rlBackoffInterval)
		} else {
			time.Sleep(rlBackoffInterval)
		}
	}
	return nil
}

func findByName(existing []model.RetrieveListEntry, name string) (uint32, model.RetrieveListEntry, bool) {
	for i, e := range existing {
		if e.FileName == name {
			return uint32(i), e, true
		}
	}
	return 0, model.RetrieveListEntry{}, false
}

func assignEntry(rl *retrievelist.List, idx uint32, entry *model.RetrieveListEntry, opt Options, res *Result, sizeOrDateChanged bool, prevSize int64) {
	countExceeded := opt.DSE.MaxCopiedFiles > 0 && res.Count+1 > opt.DSE.MaxCopiedFiles
	sizeExceeded := opt.DSE.MaxCopiedFileSize > 0 && res.ByteSum+entry.Size > opt.DSE.MaxCopiedFileSize

	// §8 invariant 6: a lone file may overshoot MaxCopiedFileSize on its
	// own if and only if nothing has been selected yet this scan, so a
	// directory with one oversized file doesn't starve forever.
	overshootAllowed := res.Count == 0 && sizeExceeded && !countExceeded
	budgetExceeded := (countExceeded || sizeExceeded) && !overshootAllowed

	// §4.5 step 3: a one-process-just-scanning DSE hands every match off
	// to the fetcher instead of claiming it here, unless this caller is
	// itself the distributed helper job the fetcher spawned to do the
	// claiming (TJD FlagDistributedHelperJob).
	handsOffToFetcher := opt.JobNo == 0 ||
		(opt.DSE.Policy.Has(model.PolicyOneProcessJustScanning) && !opt.DistributedHelperJob)

	if budgetExceeded || handsOffToFetcher {
		res.MoreFilesInList = true
		_ = rl.Update(idx, func(e *model.RetrieveListEntry) { *e = *entry })
		return
	}

	entry.Assign(model.JobSlot(opt.JobNo - 1))
	_ = rl.Update(idx, func(e *model.RetrieveListEntry) { *e = *entry })

	res.Count++
	if opt.AppendOnly && !sizeOrDateChanged {
		res.ByteSum += entry.Size - prevSize
	} else {
		res.ByteSum += entry.Size
	}
	res.Assigned = append(res.Assigned, AssignedFile{Index: idx, Entry: *entry})
}

func sizeGatePasses(dse *model.DirectoryStatusEntry, le ListingEntry) bool {
	if dse.IgnoreSize.Size == 0 {
		return true
	}
	return !dse.IgnoreSize.Comparator.Apply(le.Size, dse.IgnoreSize.Size)
}

func timeGatePasses(dse *model.DirectoryStatusEntry, mtime int64, now time.Time) bool {
	if dse.IgnoreTime.Seconds == 0 || mtime < 0 {
		return true
	}
	age := now.Unix() - mtime
	return !dse.IgnoreTime.Comparator.Apply(age, dse.IgnoreTime.Seconds)
}

// matchesMasks applies first-match-wins file-mask group matching, §4.5
// step 3d: a "!"-prefixed mask is a negative match that short-circuits
// its group.
func matchesMasks(masks []string, name string) bool {
	if len(masks) == 0 {
		return true
	}
	for _, m := range masks {
		negative := strings.HasPrefix(m, "!")
		pattern := strings.TrimPrefix(m, "!")
		ok, err := matchGlob(pattern, name)
		if err != nil {
			continue
		}
		if ok {
			return !negative
		}
	}
	return false
}

func matchGlob(pattern, name string) (bool, error) {
	return filepathMatch(pattern, name)
}

func maybeDeleteUnknown(opt Options, le ListingEntry) bool {
	if opt.Deleter == nil || le.Mtime < 0 {
		return false
	}
	if !opt.DSE.DeleteFilesFlag.Has(model.DeleteUnknownFiles) {
		return false
	}
	threshold := opt.DSE.UnknownFileTime
	if threshold < model.DefaultTransferTimeout {
		threshold = model.DefaultTransferTimeout
	}
	age := opt.Now.Unix() - le.Mtime
	if time.Duration(age)*time.Second > threshold {
		_ = opt.Deleter.Delete(le.Name)
		return true
	}
	return false
}

// sweepLockedAndDotfiles implements §4.5 step 5: entries whose mtime
// exceeds locked_file_time are deleted remotely.
func sweepLockedAndDotfiles(existing []model.RetrieveListEntry, dse *model.DirectoryStatusEntry, opt Options) {
	if opt.Deleter == nil || !dse.DeleteFilesFlag.Has(model.DeleteLockedFiles) {
		return
	}
	threshold := dse.LockedFileTime
	if threshold < model.DefaultTransferTimeout {
		threshold = model.DefaultTransferTimeout
	}
	for _, e := range existing {
		age := opt.Now.Unix() - e.FileMtime
		if time.Duration(age)*time.Second > threshold {
			_ = opt.Deleter.Delete(e.FileName)
		}
	}
}
