// Command afd-dispatcherd is the long-running Dispatcher (C7) process:
// it loads host/directory configuration, opens the shared lock file,
// and drives the admission/retry event loop, spawning afd-worker per
// admitted job.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/fdcore/dispatcher/internal/afderrors"
	"github.com/fdcore/dispatcher/internal/config"
	"github.com/fdcore/dispatcher/internal/dispatcher"
	"github.com/fdcore/dispatcher/internal/fifo"
	"github.com/fdcore/dispatcher/internal/lock"
	"github.com/fdcore/dispatcher/internal/model"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "afd-dispatcherd",
		Short: "admission/retry scheduler for the transfer-dispatch core",
	}
	root.AddCommand(serveCmd())
	root.AddCommand(dumpStateCmd())
	root.AddCommand(reloadCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "print version and exit",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
	})

	if err := root.Execute(); err != nil {
		logrus.WithError(err).Fatal("afd-dispatcherd exited with error")
	}
}

func serveCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the event loop until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(workDir)
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "root directory holding etc/, spool, and the lock file")
	return cmd
}

func serve(workDir string) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	hosts, err := config.LoadHosts(filepath.Join(workDir, "etc", "hosts.cfg"))
	if err != nil {
		return fmt.Errorf("load hosts: %w", err)
	}
	locks, err := lock.Open(filepath.Join(workDir, "hosts.lock"))
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer locks.Close()

	fifos, err := fifo.OpenSet(filepath.Join(workDir, "fifo"))
	if err != nil {
		return fmt.Errorf("open fifo set: %w", err)
	}
	defer fifos.CloseAll()

	launcher := &execLauncher{workerBin: filepath.Join(workDir, "bin", "afd-worker"), workDir: workDir}
	d := dispatcher.New(hosts, locks, launcher, log)
	// launcher.reap needs to synthesize HandleFinish calls for
	// signal-killed workers, but it can't exist before d does — set the
	// back-reference once construction is done rather than threading it
	// through dispatcher.New.
	launcher.dispatcher = d
	// msg_fifo is also how the Dispatcher feeds a burst continuation
	// directly to an idle-but-connected worker, §4.6 step 6.
	d.SetMsgFifo(fifos.Get(fifo.FileMsg))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandlers(cancel, log)

	go pumpCommandFifo(ctx, d, fifos, log)
	go pumpReadFin(ctx, d, fifos, log)
	go pumpRetryFifo(ctx, d, fifos, log)

	log.WithField("hosts", len(hosts)).Info("dispatcher serving")
	return d.Run(ctx, time.Second)
}

// pumpFifo polls f in a loop until ctx is cancelled, handing each fully
// decoded message to handle. Shared by every fifo the daemon reads from,
// §4.4 "select/poll over the fifo set".
func pumpFifo(ctx context.Context, f *fifo.Fifo, log *logrus.Entry, handle func(model.FifoMessage)) {
	if f == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		msg, ok, err := f.Read()
		if err != nil {
			log.WithError(err).WithField("fifo", f.Name()).Warn("fifo read error")
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !ok {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		handle(msg)
	}
}

// pumpCommandFifo drains fd_cmd and routes each message to the
// Dispatcher, §4.4/§4.7.
func pumpCommandFifo(ctx context.Context, d *dispatcher.Dispatcher, fifos *fifo.Set, log *logrus.Entry) {
	pumpFifo(ctx, fifos.Get(fifo.FileCmd), log, func(msg model.FifoMessage) {
		routeCommand(d, msg, log)
	})
}

// pumpReadFin drains read_fin, which carries two distinct records: a
// worker's own process writes MsgFinished right before exiting normally
// (cmd/afd-worker's notifyFinished), reaped here through HandleFinish
// per §4.7 step 3 — a signal-killed worker never gets that chance, so
// execLauncher.reap synthesizes the same call from cmd.Wait's exit
// status instead. A worker that finishes its file list but stays
// connected writes MsgBurstWait instead, handled through
// HandleBurstWait so a later HandleNewJob can feed it directly, §4.6
// step 6.
func pumpReadFin(ctx context.Context, d *dispatcher.Dispatcher, fifos *fifo.Set, log *logrus.Entry) {
	pumpFifo(ctx, fifos.Get(fifo.FileReadFin), log, func(msg model.FifoMessage) {
		alias := d.AliasForSlot(msg.HostSlot)
		switch msg.Kind {
		case model.MsgFinished:
			job := &model.TransferJobDescriptor{MessageName: msg.NameString()}
			code := afderrors.ExitCode(msg.Flags)
			if err := d.HandleFinish(alias, job, code); err != nil {
				log.WithError(err).WithField("host", alias).Warn("handle finish failed")
			}
		case model.MsgBurstWait:
			until := time.Now().Add(time.Duration(msg.PayloadA) * time.Second)
			if err := d.HandleBurstWait(alias, msg.JobSlot, until); err != nil {
				log.WithError(err).WithField("host", alias).Warn("handle burst wait failed")
			}
		}
	})
}

// pumpRetryFifo drains retry_fifo, the channel an operator tool uses to
// force a requeue independent of the normal worker-exit path.
func pumpRetryFifo(ctx context.Context, d *dispatcher.Dispatcher, fifos *fifo.Set, log *logrus.Entry) {
	pumpFifo(ctx, fifos.Get(fifo.FileRetry), log, func(msg model.FifoMessage) {
		if msg.Kind != model.MsgRetry {
			return
		}
		alias := d.AliasForSlot(msg.HostSlot)
		job := &model.TransferJobDescriptor{MessageName: msg.NameString()}
		if err := d.HandleRetry(alias, job); err != nil {
			log.WithError(err).WithField("host", alias).Warn("handle retry failed")
		}
	})
}

// Command-subtype values carried in FifoMessage.Flags for MsgCommand
// records, §4.4's "shutdown, reload, pause-host, resume-host" list.
const (
	cmdPauseHost uint8 = iota
	cmdResumeHost
)

func routeCommand(d *dispatcher.Dispatcher, msg model.FifoMessage, log *logrus.Entry) {
	name := msg.NameString()
	alias := d.AliasForSlot(msg.HostSlot)
	switch msg.Kind {
	case model.MsgCommand:
		switch msg.Flags {
		case cmdPauseHost:
			if err := d.Pause(alias); err != nil {
				log.WithError(err).WithField("host", alias).Warn("pause failed")
			}
		case cmdResumeHost:
			if err := d.Resume(alias); err != nil {
				log.WithError(err).WithField("host", alias).Warn("resume failed")
			}
		}
	case model.MsgDeleteJob:
		removed := d.HandleDeleteJobs(alias, name)
		log.WithFields(logrus.Fields{"host": alias, "removed": removed}).Info("delete_jobs processed")
	case model.MsgNewJob:
		job := &model.TransferJobDescriptor{MessageName: name}
		if err := d.HandleNewJob(alias, job); err != nil {
			log.WithError(err).WithField("host", alias).Warn("new job admission failed")
		}
	}
}

func dumpStateCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "dump-state",
		Short: "print the current host configuration (debugging aid)",
		RunE: func(cmd *cobra.Command, args []string) error {
			hosts, err := config.LoadHosts(filepath.Join(workDir, "etc", "hosts.cfg"))
			if err != nil {
				return err
			}
			for alias, h := range hosts {
				fmt.Printf("%s: proto=%s active=%d/%d errors=%d flags=%d\n",
					alias, h.Protocol, h.ActiveTransfers, h.AllowedTransfers, h.ErrorCounter, h.Flags)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "root directory holding etc/")
	return cmd
}

func reloadCmd() *cobra.Command {
	var workDir string
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "validate etc/hosts.cfg and etc/directories.cfg without restarting",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.LoadHosts(filepath.Join(workDir, "etc", "hosts.cfg")); err != nil {
				return fmt.Errorf("hosts.cfg: %w", err)
			}
			if _, err := config.LoadDirectories(filepath.Join(workDir, "etc", "directories.cfg")); err != nil {
				return fmt.Errorf("directories.cfg: %w", err)
			}
			fmt.Println("configuration OK")
			return nil
		},
	}
	cmd.Flags().StringVar(&workDir, "work-dir", ".", "root directory holding etc/")
	return cmd
}

// execLauncher spawns afd-worker as a child process, §6 "Worker process
// surface (CLI)".
type execLauncher struct {
	workerBin  string
	workDir    string
	dispatcher *dispatcher.Dispatcher // set by serve() after construction

	mu      sync.Mutex
	tracked map[int]trackedJob
}

// trackedJob remembers which (alias, job) a spawned worker PID is
// running, so execLauncher.reap can still call HandleFinish for a
// worker that never got to write its own read_fin record, §4.7 S6
// "crash safety".
type trackedJob struct {
	alias string
	job   *model.TransferJobDescriptor
}

type procHandle struct{ pid int }

func (h procHandle) PID() int { return h.pid }

func (l *execLauncher) Spawn(job *model.TransferJobDescriptor, host *model.HostStatusEntry) (dispatcher.WorkerHandle, error) {
	hostSlot := 0
	if l.dispatcher != nil {
		if s, ok := l.dispatcher.HostSlot(host.HostAlias); ok {
			hostSlot = s
		}
	}
	args := []string{l.workDir, "0", host.HostAlias, strconv.Itoa(hostSlot), job.MessageName}
	cmd := exec.Command(l.workerBin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn worker for %s/%s: %w", host.HostAlias, job.MessageName, err)
	}

	pid := cmd.Process.Pid
	l.mu.Lock()
	if l.tracked == nil {
		l.tracked = make(map[int]trackedJob)
	}
	l.tracked[pid] = trackedJob{alias: host.HostAlias, job: job}
	l.mu.Unlock()

	go l.reap(pid, cmd)
	return procHandle{pid: pid}, nil
}

// reap waits for a spawned worker to exit. A normal exit means the
// worker's own process already wrote its read_fin terminator record
// (drained by pumpReadFin); a signal kill means it never got that
// chance, so reap calls HandleFinish itself with GotKilled rather than
// leaving the host's active_transfers count stuck.
func (l *execLauncher) reap(pid int, cmd *exec.Cmd) {
	waitErr := cmd.Wait()

	l.mu.Lock()
	tj, ok := l.tracked[pid]
	delete(l.tracked, pid)
	l.mu.Unlock()
	if !ok || l.dispatcher == nil {
		return
	}

	exitErr, isExitErr := waitErr.(*exec.ExitError)
	if !isExitErr {
		return
	}
	ws, isWaitStatus := exitErr.Sys().(syscall.WaitStatus)
	if !isWaitStatus || !ws.Signaled() {
		return
	}
	_ = l.dispatcher.HandleFinish(tj.alias, tj.job, afderrors.GotKilled)
}

func installSignalHandlers(cancel context.CancelFunc, log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()
}
