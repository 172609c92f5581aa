// Command afd-worker is the per-job worker process spawned by the
// Dispatcher (C7): it loads the addressed host's static configuration,
// dials the destination protocol, and runs the Transfer Engine (C6)
// for one TransferJobDescriptor, per §6 "Worker process surface (CLI)".
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/fdcore/dispatcher/internal/afderrors"
	"github.com/fdcore/dispatcher/internal/archive"
	"github.com/fdcore/dispatcher/internal/config"
	"github.com/fdcore/dispatcher/internal/fifo"
	"github.com/fdcore/dispatcher/internal/listdiff"
	"github.com/fdcore/dispatcher/internal/model"
	"github.com/fdcore/dispatcher/internal/retrievelist"
	"github.com/fdcore/dispatcher/internal/transfer"
	"github.com/fdcore/dispatcher/internal/transport"
	"github.com/fdcore/dispatcher/internal/transport/execcodec"
	"github.com/fdcore/dispatcher/internal/transport/faxcodec"
	"github.com/fdcore/dispatcher/internal/transport/ftpcodec"
	"github.com/fdcore/dispatcher/internal/transport/httpcodec"
	"github.com/fdcore/dispatcher/internal/transport/s3codec"
	"github.com/fdcore/dispatcher/internal/transport/sftpcodec"
	"github.com/fdcore/dispatcher/internal/transport/smtpcodec"
	"github.com/fdcore/dispatcher/internal/transport/wmocodec"
)

var version = "dev"

type options struct {
	ageLimit          time.Duration
	noArchive         bool
	retryOf           int
	resend            bool
	altToggle         bool
	pullDir           string
	distributedHelper bool
}

func main() {
	opts := &options{}
	showVersion := false
	root := &cobra.Command{
		Use:   "afd-worker <work_dir> <job_slot> <host_id> <host_slot> <message_name>",
		Short: "run one transfer job to completion and exit with the worker exit code (message_name is ignored with --pull-dir)",
		Args:  cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Println(version)
				return nil
			}
			return run(args, opts)
		},
	}
	flags := root.Flags()
	flags.DurationVarP(&opts.ageLimit, "age", "a", 0, "drop files older than this")
	flags.BoolVarP(&opts.noArchive, "no-archive", "A", false, "disable archiving")
	flags.IntVarP(&opts.retryOf, "retries", "o", 0, "this is a retry of a failed job")
	flags.BoolVarP(&opts.resend, "resend", "r", false, "resend from archive")
	flags.BoolVarP(&opts.altToggle, "alt-toggle", "t", false, "use alternate host toggle")
	flags.StringVarP(&opts.pullDir, "pull-dir", "d", "", "run in pull mode against this directory alias instead of sending message_name")
	flags.BoolVar(&opts.distributedHelper, "distributed-helper", false, "TJD distributed-helper-job: claim entries despite one-process-just-scanning")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")

	if err := root.Execute(); err != nil {
		os.Exit(int(afderrors.Incorrect))
	}
}

func run(args []string, opts *options) error {
	workDir := args[0]
	jobSlot, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("invalid job_slot %q: %w", args[1], err)
	}
	hostAlias := args[2] // host_id names the HSE's configured alias
	hostSlot, err := strconv.Atoi(args[3])
	if err != nil {
		return fmt.Errorf("invalid host_slot %q: %w", args[3], err)
	}
	messageName := args[4]

	log := logrus.NewEntry(logrus.StandardLogger())
	log = log.WithFields(logrus.Fields{
		"work_dir":     workDir,
		"job_slot":     jobSlot,
		"host_id":      hostAlias,
		"host_slot":    hostSlot,
		"message_name": messageName,
	})

	hosts, err := config.LoadHosts(workDir + "/etc/hosts.cfg")
	if err != nil {
		log.WithError(err).Error("load host config")
		return exitWith(afderrors.ConnectError)
	}
	host, ok := hosts[hostAlias]
	if !ok {
		log.Error("no host configured under this alias")
		return exitWith(afderrors.ConnectError)
	}
	if opts.altToggle {
		host.FlipToggle()
	}

	if opts.pullDir != "" {
		return runPull(workDir, jobSlot, hostSlot, host, opts, log)
	}

	job, err := loadJobDescriptor(workDir, messageName, opts)
	if err != nil {
		log.WithError(err).Error("load job descriptor")
		return exitWith(afderrors.ReadLocalError)
	}

	codec, err := dialCodec(host)
	if err != nil {
		log.WithError(err).Error("connect")
		return exitWith(afderrors.ConnectError)
	}
	defer codec.Quit()

	engine := &transfer.Engine{
		Codec:           codec,
		Log:             log,
		BlockSize:       host.BlockSize,
		TransferTimeout: host.TransferTimeout,
		Limiter:         rate.NewLimiter(rate.Inf, 0),
	}
	if host.RateLimitBytesSec > 0 {
		engine.Limiter = rate.NewLimiter(rate.Limit(host.RateLimitBytesSec), host.BlockSize)
	}
	if !opts.noArchive {
		engine.Archive = archive.New(workDir + "/archive")
		engine.ArchiveHost = host.HostAlias
		engine.ArchiveJobID = messageName
		engine.ArchiveUnique = uuid.NewString()
	}
	if host.KeepConnected > 0 {
		engine.KeepConnected = host.KeepConnected
		burst, berr := newFifoBurstCoordinator(workDir, hostSlot, jobSlot, opts, log)
		if berr != nil {
			log.WithError(berr).Warn("burst coordinator unavailable, running without burst continuation")
		} else {
			engine.Burst = burst
			defer burst.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandlers(cancel, log)

	summary := engine.Run(ctx, job, func() {
		log.Info("error-end: first successful delivery this worker")
	})

	doneLog := log.WithFields(logrus.Fields{
		"files_done": summary.FilesDone,
		"bytes_done": summary.BytesDone,
		"exit_code":  summary.ExitCode.String(),
	})
	if summary.BurstCount > 0 {
		doneLog.WithField("burst_count", summary.BurstCount).Infof("what done [BURST * %d]", summary.BurstCount)
	} else {
		doneLog.Info("what done")
	}

	notifyFinished(workDir, hostSlot, jobSlot, messageName, summary.ExitCode, log)
	return exitWith(summary.ExitCode)
}

// notifyFinished writes the read_fin terminator record a normally
// exiting worker owes the Dispatcher, §4.7 step 3: HandleFinish can
// then decrement the host's active_transfers and dispatch on the exit
// code's policy. A signal-killed worker never reaches this call;
// execLauncher.reap on the Dispatcher side synthesizes the same
// HandleFinish from the child's wait status instead.
func notifyFinished(workDir string, hostSlot, jobSlot int, name string, code afderrors.ExitCode, log *logrus.Entry) {
	f, err := fifo.Open(fifo.FileReadFin, workDir+"/fifo/"+fifo.FileReadFin)
	if err != nil {
		log.WithError(err).Error("open read_fin")
		return
	}
	defer f.Close()

	msg := model.FifoMessage{
		Kind:     model.MsgFinished,
		HostSlot: uint8(hostSlot),
		JobSlot:  uint8(jobSlot),
		Flags:    uint8(code),
	}
	msg.SetName(name)
	if err := f.Write(msg); err != nil {
		log.WithError(err).Error("write read_fin")
	}
}

// runPull drives pull-mode C6: it loads the addressed DSE, attaches its
// Retrieve List, connects the codec, and runs the Listing Differencer
// (C5) plus fetch loop through Engine.RunPull, §4.6 "pull is symmetric
// with C5 replacing the for-each-file-in-TJD loop".
func runPull(workDir string, jobSlot, hostSlot int, host *model.HostStatusEntry, opts *options, log *logrus.Entry) error {
	dirs, err := config.LoadDirectories(workDir + "/etc/directories.cfg")
	if err != nil {
		log.WithError(err).Error("load directory config")
		return exitWith(afderrors.ReadLocalError)
	}
	dse, ok := dirs[opts.pullDir]
	if !ok {
		log.Error("no directory configured under this alias")
		return exitWith(afderrors.ReadLocalError)
	}

	localDir := workDir + "/incoming/" + dse.DirAlias
	if err := os.MkdirAll(localDir, 0o755); err != nil {
		log.WithError(err).Error("create landing directory")
		return exitWith(afderrors.ReadLocalError)
	}

	rl, err := retrievelist.Attach(workDir+"/rl/"+dse.DirAlias+".dat", workDir+"/rl/"+dse.DirAlias+".lock")
	if err != nil {
		log.WithError(err).Error("attach retrieve list")
		return exitWith(afderrors.ReadLocalError)
	}
	defer rl.Detach()

	codec, err := dialCodec(host)
	if err != nil {
		log.WithError(err).Error("connect")
		return exitWith(afderrors.ConnectError)
	}
	defer codec.Quit()

	engine := &transfer.Engine{
		Codec:           codec,
		Log:             log,
		BlockSize:       host.BlockSize,
		TransferTimeout: host.TransferTimeout,
		Limiter:         rate.NewLimiter(rate.Inf, 0),
	}
	if host.RateLimitBytesSec > 0 {
		engine.Limiter = rate.NewLimiter(rate.Limit(host.RateLimitBytesSec), host.BlockSize)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	installSignalHandlers(cancel, log)

	opt := listdiff.Options{
		DSE:                  dse,
		JobNo:                uint32(jobSlot) + 1,
		DistributedHelperJob: opts.distributedHelper,
		OldErrorJobExclusive: opts.retryOf > 0,
		AppendOnly:           dse.Policy.Has(model.PolicyAppendOnly),
		Now:                  time.Now(),
	}

	summary, res := engine.RunPull(ctx, rl, opt, localDir, func() {
		log.Info("error-end: first successful fetch this worker")
	})

	log.WithFields(logrus.Fields{
		"files_done":         summary.FilesDone,
		"bytes_done":         summary.BytesDone,
		"more_files_in_list": res.MoreFilesInList,
		"exit_code":          summary.ExitCode.String(),
	}).Info("what done")

	finalCode := summary.ExitCode
	if finalCode == afderrors.Success && res.MoreFilesInList {
		finalCode = afderrors.StillFilesToSend
	}
	notifyFinished(workDir, hostSlot, jobSlot, dse.DirAlias, finalCode, log)
	return exitWith(finalCode)
}

// fifoBurstCoordinator implements transfer.BurstCoordinator over the
// Command Fifos, the worker side of §4.6 step 6's burst-wait primitive:
// Enter announces this host/job slot as idle-but-connected by writing a
// MsgBurstWait record to read_fin; Wait then polls msg_fifo for the
// next MsgNewJob addressed to the same host/job slot, loading its
// spooled file list the same way the initial job was loaded.
type fifoBurstCoordinator struct {
	workDir  string
	hostSlot int
	jobSlot  int
	opts     *options
	msg      *fifo.Fifo
	readFin  *fifo.Fifo
	log      *logrus.Entry
}

func newFifoBurstCoordinator(workDir string, hostSlot, jobSlot int, opts *options, log *logrus.Entry) (*fifoBurstCoordinator, error) {
	msg, err := fifo.Open(fifo.FileMsg, workDir+"/fifo/"+fifo.FileMsg)
	if err != nil {
		return nil, fmt.Errorf("burst coordinator: open msg_fifo: %w", err)
	}
	fin, err := fifo.Open(fifo.FileReadFin, workDir+"/fifo/"+fifo.FileReadFin)
	if err != nil {
		msg.Close()
		return nil, fmt.Errorf("burst coordinator: open read_fin: %w", err)
	}
	return &fifoBurstCoordinator{workDir: workDir, hostSlot: hostSlot, jobSlot: jobSlot, opts: opts, msg: msg, readFin: fin, log: log}, nil
}

func (b *fifoBurstCoordinator) Enter(until time.Time) error {
	msg := model.FifoMessage{
		Kind:     model.MsgBurstWait,
		HostSlot: uint8(b.hostSlot),
		JobSlot:  uint8(b.jobSlot),
		PayloadA: uint32(time.Until(until).Seconds()),
	}
	return b.readFin.Write(msg)
}

func (b *fifoBurstCoordinator) Wait(ctx context.Context, until time.Time) (*model.TransferJobDescriptor, bool) {
	for {
		if ctx.Err() != nil || !time.Now().Before(until) {
			return nil, false
		}
		msg, ok, err := b.msg.Read()
		if err != nil {
			b.log.WithError(err).Warn("burst wait: msg_fifo read error")
			return nil, false
		}
		if !ok {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		if msg.Kind != model.MsgNewJob || msg.HostSlot != uint8(b.hostSlot) || msg.JobSlot != uint8(b.jobSlot) {
			continue // addressed to a different worker sharing this fifo
		}
		job, err := loadJobDescriptor(b.workDir, msg.NameString(), b.opts)
		if err != nil {
			b.log.WithError(err).Error("burst wait: load continuation job")
			return nil, false
		}
		return job, true
	}
}

func (b *fifoBurstCoordinator) Close() {
	b.msg.Close()
	b.readFin.Close()
}

var _ transfer.BurstCoordinator = (*fifoBurstCoordinator)(nil)

// loadJobDescriptor reads the spooled file list for messageName from
// work_dir, per §6's on-disk job-descriptor convention.
func loadJobDescriptor(workDir, messageName string, opts *options) (*model.TransferJobDescriptor, error) {
	dir := workDir + "/outgoing/" + messageName
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read job spool %s: %w", dir, err)
	}
	job := &model.TransferJobDescriptor{
		WorkDir:     workDir,
		MessageName: messageName,
		RetryCount:  opts.retryOf,
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if opts.ageLimit > 0 && time.Since(info.ModTime()) > opts.ageLimit {
			continue
		}
		job.Files = append(job.Files, model.FileToSend{
			Name:  dir + "/" + e.Name(),
			Size:  info.Size(),
			Mtime: info.ModTime(),
		})
	}
	return job, nil
}

// dialCodec selects and connects the protocol codec named by the
// host's configured protocol. Credentials are read from the process
// environment (AFD_HOST_USER/AFD_HOST_PASS) rather than the HSE itself,
// which carries only the static fields durable across a Dispatcher
// restart (§3) — secrets are deliberately kept out of the shared region.
func dialCodec(host *model.HostStatusEntry) (transport.Codec, error) {
	var codec transport.Codec
	switch host.Protocol {
	case model.ProtoFTP, model.ProtoFTPS:
		codec = ftpcodec.New()
	case model.ProtoSFTP, model.ProtoSCP:
		codec = sftpcodec.New(sftpcodec.NewDialPool())
	case model.ProtoS3:
		codec = s3codec.New(os.Getenv("AFD_S3_BUCKET"), host.HostAlias)
	case model.ProtoHTTP, model.ProtoHTTPS:
		codec = httpcodec.New()
	case model.ProtoSMTP:
		codec = smtpcodec.New(os.Getenv("AFD_SMTP_FROM"), splitCSV(os.Getenv("AFD_SMTP_TO")), os.Getenv("AFD_SMTP_SUBJECT"))
	case model.ProtoWMO:
		codec = wmocodec.New(os.Getenv("AFD_WMO_FILE_NAME_IS_HEADER") == "1")
	case model.ProtoExec:
		codec = execcodec.New(os.Getenv("AFD_EXEC_COMMAND"), splitCSV(os.Getenv("AFD_EXEC_ARGS")), host.TransferTimeout, host.BlockSize)
	case model.ProtoFax:
		codec = faxcodec.New(os.Getenv("AFD_FAX_GATEWAY"), os.Getenv("AFD_FAX_RECIPIENT"))
	default:
		return nil, fmt.Errorf("unsupported protocol %v", host.Protocol)
	}
	auth := map[string]string{
		"user":              os.Getenv("AFD_HOST_USER"),
		"pass":              os.Getenv("AFD_HOST_PASS"),
		"key":               os.Getenv("AFD_HOST_KEY"),
		"recipient":         os.Getenv("AFD_FAX_RECIPIENT"),
		"access_key_id":     os.Getenv("AFD_S3_ACCESS_KEY_ID"),
		"secret_access_key": os.Getenv("AFD_S3_SECRET_ACCESS_KEY"),
		"region":            os.Getenv("AFD_HTTP_REGION"),
		"service":           os.Getenv("AFD_HTTP_SERVICE"),
	}
	if err := codec.Connect(host.Toggle(), host.Port, auth); err != nil {
		return nil, err
	}
	return codec, nil
}

// splitCSV splits a comma-separated environment value into its
// non-empty, trimmed fields.
func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func installSignalHandlers(cancel context.CancelFunc, log *logrus.Entry) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Warn("received termination signal")
		cancel()
	}()
}

func exitWith(code afderrors.ExitCode) error {
	if code == afderrors.Success {
		return nil
	}
	os.Exit(int(code))
	return nil
}
