// Package dispatcher implements the Dispatcher (C7, §4.7): the
// authoritative, single-threaded-cooperative scheduler that admits jobs
// onto hosts, spawns workers, reaps them, and drives retry/backoff.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fdcore/dispatcher/internal/afderrors"
	"github.com/fdcore/dispatcher/internal/lock"
	"github.com/fdcore/dispatcher/internal/model"
)

// WorkerLauncher spawns a worker process for one admitted job and
// returns a handle the Dispatcher can use to track it. Production code
// backs this with os/exec; tests substitute a fake.
type WorkerLauncher interface {
	Spawn(job *model.TransferJobDescriptor, host *model.HostStatusEntry) (WorkerHandle, error)
}

// WorkerHandle identifies one spawned worker for later correlation with
// its read_fin terminator record.
type WorkerHandle interface {
	PID() int
}

// FifoWriter is the msg_fifo handle the Dispatcher uses to feed a burst
// continuation TJD straight to an idle-but-connected worker instead of
// spawning a new process, §4.6 step 6. Backed by *internal/fifo.Fifo in
// production; left nil (via SetMsgFifo never being called) in tests
// that don't exercise burst continuation, in which case feedBurst falls
// back to ordinary queueing.
type FifoWriter interface {
	Write(model.FifoMessage) error
}

// hostState bundles one host's HSE with its admission queue and backoff
// pacer, §4.7 "within a single host, admission is FIFO by message arrival".
type hostState struct {
	hse         *model.HostStatusEntry
	queue       []*model.TransferJobDescriptor
	pausedUntil time.Time

	hostSlot int // this host's fifo-message host_slot, assigned at New()

	// burstUntil maps a job slot whose worker announced itself
	// idle-but-connected (HandleBurstWait) to the deadline it remains
	// claimable until, §4.6 step 6 / §4.7 step 7 "evict completed
	// burst-holders".
	burstUntil map[int]time.Time
}

// Dispatcher is the event-loop scheduler.
type Dispatcher struct {
	mu       sync.Mutex
	hosts    map[string]*hostState
	locks    *lock.Service
	launcher WorkerLauncher
	log      *logrus.Entry
	msgFifo  FifoWriter

	errorThreshold int // auto-pause threshold for an HSE whose MaxErrors is unset
	retryBase      time.Duration
}

// New creates a Dispatcher over the given hosts, keyed by host alias.
func New(hosts map[string]*model.HostStatusEntry, locks *lock.Service, launcher WorkerLauncher, log *logrus.Entry) *Dispatcher {
	hs := make(map[string]*hostState, len(hosts))
	slot := 0
	for alias, h := range hosts {
		hs[alias] = &hostState{hse: h, hostSlot: slot}
		slot++
	}
	return &Dispatcher{
		hosts:          hs,
		locks:          locks,
		launcher:       launcher,
		log:            log,
		errorThreshold: 5,
		retryBase:      time.Second,
	}
}

// SetMsgFifo wires the Command Fifo used to feed burst continuations.
// Called once by the daemon's serve() after opening the fifo set; the
// back-reference can't be supplied to New because the fifo set itself
// isn't open yet at that point.
func (d *Dispatcher) SetMsgFifo(f FifoWriter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.msgFifo = f
}

// HostSlot returns the host_slot assigned to alias at construction.
// Slots are assigned sequentially in New and held in the Dispatcher's
// own memory for its lifetime; the mapping is not stored in the HSE
// shared-memory region.
func (d *Dispatcher) HostSlot(alias string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.hosts[alias]
	if !ok {
		return 0, false
	}
	return hs.hostSlot, true
}

// AliasForSlot is HostSlot's inverse, resolving a fifo message's
// host_slot byte back to a configured alias.
func (d *Dispatcher) AliasForSlot(slot uint8) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for alias, hs := range d.hosts {
		if hs.hostSlot == int(slot) {
			return alias
		}
	}
	return ""
}

// Admit reports whether alias may take on a job right now, §4.7 step 2
// "check admission: active_transfers < allowed_transfers, host not
// paused, not in max-errors backoff". It never mutates the queue —
// callers decide what to do with a non-admission themselves.
func (d *Dispatcher) Admit(alias string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.hosts[alias]
	if !ok {
		return false, fmt.Errorf("dispatcher: unknown host %q", alias)
	}
	if hs.hse.Flags&model.FlagOffline != 0 || hs.hse.Flags&model.FlagAutoPaused != 0 {
		return false, nil
	}
	if !hs.pausedUntil.IsZero() && time.Now().Before(hs.pausedUntil) {
		return false, nil
	}
	if hs.hse.ActiveTransfers >= hs.hse.AllowedTransfers {
		return false, nil
	}
	return true, nil
}

// HandleNewJob implements §4.7 step 2: admit, feed a burst-holder, or
// enqueue.
func (d *Dispatcher) HandleNewJob(alias string, job *model.TransferJobDescriptor) error {
	admitted, err := d.Admit(alias)
	if err != nil {
		return err
	}
	if admitted {
		return d.spawn(alias, job)
	}
	if slot, ok := d.claimBurstSlot(alias); ok {
		return d.feedBurst(alias, slot, job)
	}
	d.mu.Lock()
	if hs, ok := d.hosts[alias]; ok {
		hs.queue = append(hs.queue, job)
	}
	d.mu.Unlock()
	d.log.WithFields(logrus.Fields{"host": alias}).Debug("job enqueued, admission deferred")
	return nil
}

// HandleBurstWait implements the Dispatcher side of §4.6 step 6: a
// worker on alias/jobSlot finished its file list but is staying
// connected until `until` instead of exiting. The slot becomes
// claimable by claimBurstSlot for as long as the deadline holds; Tick
// evicts it once that elapses unclaimed.
func (d *Dispatcher) HandleBurstWait(alias string, jobSlot uint8, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.hosts[alias]
	if !ok {
		return fmt.Errorf("dispatcher: unknown host %q", alias)
	}
	if hs.burstUntil == nil {
		hs.burstUntil = make(map[int]time.Time)
	}
	hs.burstUntil[int(jobSlot)] = until
	return nil
}

// claimBurstSlot removes and returns an unexpired burst-held job slot
// for alias, if one exists.
func (d *Dispatcher) claimBurstSlot(alias string) (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.hosts[alias]
	if !ok {
		return 0, false
	}
	now := time.Now()
	for slot, until := range hs.burstUntil {
		if now.Before(until) {
			delete(hs.burstUntil, slot)
			return slot, true
		}
	}
	return 0, false
}

// feedBurst delivers job directly to the worker holding jobSlot via
// msg_fifo, §4.6 step 6 "loop back to step 4 with the new file list"
// without spawning a new process. With no msg_fifo wired (tests that
// never call SetMsgFifo), it falls back to ordinary queueing.
func (d *Dispatcher) feedBurst(alias string, jobSlot int, job *model.TransferJobDescriptor) error {
	d.mu.Lock()
	hs, ok := d.hosts[alias]
	fifoWriter := d.msgFifo
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: unknown host %q", alias)
	}
	if fifoWriter == nil {
		d.mu.Lock()
		hs.queue = append(hs.queue, job)
		d.mu.Unlock()
		return nil
	}
	msg := model.FifoMessage{Kind: model.MsgNewJob, HostSlot: uint8(hs.hostSlot), JobSlot: uint8(jobSlot)}
	msg.SetName(job.MessageName)
	if err := fifoWriter.Write(msg); err != nil {
		return fmt.Errorf("dispatcher: feed burst continuation for %s: %w", alias, err)
	}
	d.log.WithFields(logrus.Fields{"host": alias, "job_slot": jobSlot}).Info("burst continuation fed")
	return nil
}

func (d *Dispatcher) spawn(alias string, job *model.TransferJobDescriptor) error {
	d.mu.Lock()
	hs := d.hosts[alias]
	d.mu.Unlock()

	_, err := d.launcher.Spawn(job, hs.hse)
	if err != nil {
		return fmt.Errorf("dispatcher: spawn worker for %s: %w", alias, err)
	}
	err = d.locks.WithLock(lock.OffsetCon, func() error {
		hs.hse.ActiveTransfers++
		return nil
	})
	return err
}

// HandleFinish implements §4.7 step 3: reap a worker and react to its
// exit code per afderrors.ExitCode.Policy().
func (d *Dispatcher) HandleFinish(alias string, job *model.TransferJobDescriptor, code afderrors.ExitCode) error {
	d.mu.Lock()
	hs, ok := d.hosts[alias]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: unknown host %q", alias)
	}

	if err := d.locks.WithLock(lock.OffsetCon, func() error {
		if hs.hse.ActiveTransfers > 0 {
			hs.hse.ActiveTransfers--
		}
		return nil
	}); err != nil {
		return err
	}

	switch code.Policy() {
	case afderrors.PolicyNone:
		if code == afderrors.Success {
			d.recordSuccess(hs)
		}
	case afderrors.PolicyRequeue:
		return d.HandleRetry(alias, job)
	case afderrors.PolicyCountError:
		return d.recordError(alias, hs, job)
	case afderrors.PolicyDropMessage:
		d.log.WithFields(logrus.Fields{"host": alias, "exit_code": code.String()}).Warn("dropping job, defective input")
	}
	d.promoteQueued(alias)
	return nil
}

func (d *Dispatcher) recordSuccess(hs *hostState) {
	_ = d.locks.WithLock(lock.OffsetEC, func() error {
		hs.hse.ErrorCounter = 0
		hs.hse.ErrorHistory = nil
		return nil
	})
	if hs.hse.Flags&model.FlagAutoPaused != 0 {
		_ = d.locks.WithLock(lock.OffsetHS, func() error {
			hs.hse.Flags &^= model.FlagAutoPaused
			return nil
		})
		d.log.WithField("host", hs.hse.HostAlias).Info("error-end")
	}
}

// recordError implements §4.7 step 3's error path and §7 "Transient
// network"/"Remote semantic" policy: increment under LOCK_EC, push error
// history, auto-pause past threshold, schedule a retry.
func (d *Dispatcher) recordError(alias string, hs *hostState, job *model.TransferJobDescriptor) error {
	err := d.locks.WithLock(lock.OffsetEC, func() error {
		hs.hse.ErrorCounter++
		hs.hse.ErrorHistory = append(hs.hse.ErrorHistory, time.Now())
		return nil
	})
	if err != nil {
		return err
	}
	threshold := d.errorThreshold
	if hs.hse.MaxErrors > 0 {
		threshold = hs.hse.MaxErrors
	}
	if hs.hse.ErrorCounter >= threshold && hs.hse.Flags&model.FlagAutoPaused == 0 {
		if err := d.locks.WithLock(lock.OffsetHS, func() error {
			hs.hse.Flags |= model.FlagAutoPaused
			return nil
		}); err != nil {
			return err
		}
		d.log.WithField("host", alias).Warn("error-start")
	}
	return d.HandleRetry(alias, job)
}

// HandleRetry implements §4.7 step 4: insert the job at a retry time
// computed from the retry count (bounded exponential).
func (d *Dispatcher) HandleRetry(alias string, job *model.TransferJobDescriptor) error {
	d.mu.Lock()
	hs, ok := d.hosts[alias]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: unknown host %q", alias)
	}
	job.RetryCount++
	delay := retryDelay(d.retryBase, job.RetryCount)
	d.mu.Lock()
	hs.pausedUntil = time.Now().Add(delay)
	hs.queue = append(hs.queue, job)
	d.mu.Unlock()
	return nil
}

func retryDelay(base time.Duration, retries int) time.Duration {
	const maxShift = 10
	shift := retries
	if shift > maxShift {
		shift = maxShift
	}
	return base * time.Duration(uint64(1)<<uint(shift))
}

// promoteQueued admits as many queued jobs on alias as current
// admission allows.
func (d *Dispatcher) promoteQueued(alias string) {
	d.mu.Lock()
	hs, ok := d.hosts[alias]
	d.mu.Unlock()
	if !ok {
		return
	}
	for {
		d.mu.Lock()
		if len(hs.queue) == 0 {
			d.mu.Unlock()
			return
		}
		job := hs.queue[0]
		d.mu.Unlock()

		admitted, err := d.Admit(alias)
		if err != nil || !admitted {
			return
		}
		d.mu.Lock()
		hs.queue = hs.queue[1:]
		d.mu.Unlock()
		if err := d.spawn(alias, job); err != nil {
			d.log.WithError(err).Error("failed to spawn queued job")
			return
		}
	}
}

// HandleDeleteJobs implements §4.7 step 5: mark pending jobs for
// cancellation on alias, matched by MessageName.
func (d *Dispatcher) HandleDeleteJobs(alias string, messageName string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	hs, ok := d.hosts[alias]
	if !ok {
		return 0
	}
	kept := hs.queue[:0]
	removed := 0
	for _, j := range hs.queue {
		if j.MessageName == messageName {
			removed++
			continue
		}
		kept = append(kept, j)
	}
	hs.queue = kept
	return removed
}

// Pause sets FlagAutoPaused on alias under LOCK_HS, for fd_cmd's
// "pause-host" command, §4.4/§4.7 step 6.
func (d *Dispatcher) Pause(alias string) error {
	d.mu.Lock()
	hs, ok := d.hosts[alias]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: unknown host %q", alias)
	}
	return d.locks.WithLock(lock.OffsetHS, func() error {
		hs.hse.Flags |= model.FlagAutoPaused
		return nil
	})
}

// Resume clears FlagAutoPaused on alias, for "resume-host".
func (d *Dispatcher) Resume(alias string) error {
	d.mu.Lock()
	hs, ok := d.hosts[alias]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("dispatcher: unknown host %q", alias)
	}
	if err := d.locks.WithLock(lock.OffsetHS, func() error {
		hs.hse.Flags &^= model.FlagAutoPaused
		return nil
	}); err != nil {
		return err
	}
	d.promoteQueued(alias)
	return nil
}

// Tick implements §4.7 step 7: evict completed burst-holders whose
// keep_connected elapsed, rotate error-history buckets.
func (d *Dispatcher) Tick(now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, hs := range d.hosts {
		if !hs.pausedUntil.IsZero() && now.After(hs.pausedUntil) {
			hs.pausedUntil = time.Time{}
		}
		for slot, until := range hs.burstUntil {
			if now.After(until) {
				delete(hs.burstUntil, slot)
			}
		}
		cutoff := now.Add(-time.Hour)
		pruned := hs.hse.ErrorHistory[:0]
		for _, t := range hs.hse.ErrorHistory {
			if t.After(cutoff) {
				pruned = append(pruned, t)
			}
		}
		hs.hse.ErrorHistory = pruned
	}
}

// Run drives the event loop until ctx is cancelled, §4.7 "select/poll...
// plus a periodic timer wake". Fifo/command dispatch is wired by the
// caller, which invokes the Handle*, Pause and Resume methods above; Run
// only owns the timer tick.
func (d *Dispatcher) Run(ctx context.Context, tickInterval time.Duration) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			d.Tick(now)
		}
	}
}
