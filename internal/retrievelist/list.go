package retrievelist

import (
	"fmt"

	"github.com/fdcore/dispatcher/internal/lock"
	"github.com/fdcore/dispatcher/internal/model"
	"github.com/fdcore/dispatcher/internal/shm"
)

// List is the attached handle for one directory's Retrieve List, §4.3.
type List struct {
	region *shm.Region[rlRecord]
	locks  *lock.Service
}

// Attach opens (creating if necessary) the RL file at dataPath and its
// companion lock file at lockPath, growing in steps of
// RetrieveListStepSize entries.
func Attach(dataPath, lockPath string) (*List, error) {
	region, err := shm.Attach(dataPath, rlRecord{}, decodeRLRecord, RetrieveListStepSize)
	if err != nil {
		return nil, fmt.Errorf("retrievelist: %w", err)
	}
	locks, err := lock.Open(lockPath)
	if err != nil {
		region.Detach()
		return nil, fmt.Errorf("retrievelist: %w", err)
	}
	return &List{region: region, locks: locks}, nil
}

// Detach releases the RL's locks and unmaps its region.
func (l *List) Detach() error {
	l.locks.Close()
	return l.region.Detach()
}

// Count returns the RL header count, §8 invariant 4.
func (l *List) Count() uint32 { return l.region.Count() }

// Get reads entry i under LOCK_RETR_FILE+i.
func (l *List) Get(i uint32) (model.RetrieveListEntry, error) {
	var entry model.RetrieveListEntry
	err := l.locks.WithLock(lock.RetrFileOffset(i), func() error {
		rec, err := l.region.Get(i)
		if err != nil {
			return err
		}
		entry = toEntry(rec)
		return nil
	})
	return entry, err
}

// TryClaim attempts to acquire LOCK_RETR_FILE+i without blocking, for the
// old-error-job exclusive-claim path of §4.5 step 3b. Returns
// lock.ErrWouldBlock if another scanner already holds it.
func (l *List) TryClaim(i uint32) error { return l.locks.TryLock(lock.RetrFileOffset(i)) }

// ReleaseClaim releases a lock acquired via TryClaim.
func (l *List) ReleaseClaim(i uint32) error { return l.locks.Unlock(lock.RetrFileOffset(i)) }

// Update mutates entry i under LOCK_RETR_FILE+i, §5 "single-writer under
// LOCK_RETR_FILE+i".
func (l *List) Update(i uint32, fn func(*model.RetrieveListEntry)) error {
	return l.locks.WithLock(lock.RetrFileOffset(i), func() error {
		return l.region.Update(i, func(rec *rlRecord) {
			entry := toEntry(*rec)
			fn(&entry)
			*rec = fromEntry(entry)
		})
	})
}

// Append adds a new RLE, growing the RL in RetrieveListStepSize
// increments, §4.5 step 3 "If no matching RLE exists, append a new RLE".
// Caller must already hold LOCK_RETR_PROC (the scanner owns growth).
func (l *List) Append(entry model.RetrieveListEntry) (uint32, error) {
	return l.region.Append(fromEntry(entry), RetrieveListStepSize)
}

// WithProcLock runs fn while holding LOCK_RETR_PROC exclusively, the
// bulk-operation lock for directory-wide reset/prune/compact, §4.2/§4.3.
func (l *List) WithProcLock(fn func() error) error {
	return l.locks.WithLock(lock.OffsetRetrProc, fn)
}

// TryProcLock attempts LOCK_RETR_PROC without blocking; used by a second
// scanner to detect a concurrent volatile-mode scan in progress, §4.5
// step 1 "If the RL is locked by another scanner in volatile mode".
func (l *List) TryProcLock() error { return l.locks.TryLock(lock.OffsetRetrProc) }

// ReleaseProcLock releases LOCK_RETR_PROC acquired via TryProcLock.
func (l *List) ReleaseProcLock() error { return l.locks.Unlock(lock.OffsetRetrProc) }

// ResetVolatile truncates the RL back to zero entries, §4.3 "in
// stupid_mode=YES or remove=YES the RL is treated as volatile
// (re-initialized each scan)". Caller holds LOCK_RETR_PROC.
func (l *List) ResetVolatile() { l.region.Reset() }

// Compact moves the slots named by keep to the front and truncates the
// rest, §4.3/§4.5 step 4. Caller holds LOCK_RETR_PROC.
func (l *List) Compact(keep []uint32) error { return l.region.Compact(keep) }

// All returns every live entry with its index, for scan/diff algorithms
// that need to walk the whole RL (§4.5 "linear scan from a cached hint").
func (l *List) All() ([]model.RetrieveListEntry, error) {
	n := l.Count()
	out := make([]model.RetrieveListEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		e, err := l.Get(i)
		if err != nil {
			return nil, fmt.Errorf("retrievelist: entry %d: %w", i, err)
		}
		out = append(out, e)
	}
	return out, nil
}
