package transfer

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fdcore/dispatcher/internal/afderrors"
	"github.com/fdcore/dispatcher/internal/archive"
	"github.com/fdcore/dispatcher/internal/dedup"
	"github.com/fdcore/dispatcher/internal/listdiff"
	"github.com/fdcore/dispatcher/internal/model"
	"github.com/fdcore/dispatcher/internal/retrievelist"
	"github.com/fdcore/dispatcher/internal/transport"
)

type fakeWriteCloser struct {
	bytes.Buffer
	failWrite bool
}

func (f *fakeWriteCloser) Write(p []byte) (int, error) {
	if f.failWrite {
		return 0, io.ErrClosedPipe
	}
	return f.Buffer.Write(p)
}

func (f *fakeWriteCloser) Close() error { return nil }

type fakeCodec struct {
	writes      map[string]*fakeWriteCloser
	remote      map[string][]byte
	listEntries []transport.ListEntry
	failOpen    bool
	failDelete  error
	deleted     []string
}

func newFakeCodec() *fakeCodec {
	return &fakeCodec{writes: make(map[string]*fakeWriteCloser), remote: make(map[string][]byte)}
}

func (f *fakeCodec) Connect(host string, port int, auth map[string]string) error { return nil }

func (f *fakeCodec) OpenWrite(name string, size int64) (io.WriteCloser, error) {
	if f.failOpen {
		return nil, io.ErrUnexpectedEOF
	}
	w := &fakeWriteCloser{}
	f.writes[name] = w
	return w, nil
}

func (f *fakeCodec) OpenRead(name string) (io.ReadCloser, error) {
	data, ok := f.remote[name]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeCodec) List(dir string) ([]transport.ListEntry, error) { return f.listEntries, nil }
func (f *fakeCodec) Delete(name string) error {
	f.deleted = append(f.deleted, name)
	return f.failDelete
}
func (f *fakeCodec) Quit() error { return nil }

func newTestEngine(t *testing.T, codec *fakeCodec) (*Engine, string) {
	t.Helper()
	dir := t.TempDir()
	e := &Engine{
		Codec:           codec,
		Log:             logrus.NewEntry(logrus.New()),
		BlockSize:       8,
		TransferTimeout: time.Minute,
	}
	return e, dir
}

func writeLocal(t *testing.T, dir, name, content string) model.FileToSend {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return model.FileToSend{Name: path, Size: int64(len(content)), Mtime: time.Now()}
}

func TestRunDeliversAllFilesAndUnlinksSource(t *testing.T) {
	codec := newFakeCodec()
	e, dir := newTestEngine(t, codec)
	f1 := writeLocal(t, dir, "a.txt", "hello world")
	f2 := writeLocal(t, dir, "b.txt", "goodbye")

	job := &model.TransferJobDescriptor{Files: []model.FileToSend{f1, f2}}
	summary := e.Run(context.Background(), job, nil)

	assert.Equal(t, afderrors.Success, summary.ExitCode)
	assert.Equal(t, uint32(2), summary.FilesDone)
	assert.Equal(t, "hello world", codec.writes["a.txt"].String())
	assert.Equal(t, "goodbye", codec.writes["b.txt"].String())
	_, err := os.Stat(f1.Name)
	assert.True(t, os.IsNotExist(err), "delivered source should be unlinked when no archive configured")
}

func TestRunInvokesFirstSuccessCallbackOnce(t *testing.T) {
	codec := newFakeCodec()
	e, dir := newTestEngine(t, codec)
	f1 := writeLocal(t, dir, "a.txt", "x")
	f2 := writeLocal(t, dir, "b.txt", "y")
	job := &model.TransferJobDescriptor{Files: []model.FileToSend{f1, f2}}

	calls := 0
	e.Run(context.Background(), job, func() { calls++ })
	assert.Equal(t, 1, calls)
}

func TestRunArchivesIntoTimestampedTree(t *testing.T) {
	codec := newFakeCodec()
	e, dir := newTestEngine(t, codec)
	archiveRoot := t.TempDir()
	e.Archive = archive.New(archiveRoot)
	e.ArchiveHost = "warehouse"
	e.ArchiveJobID = "job42"
	e.ArchiveUnique = "uniq1"

	f1 := writeLocal(t, dir, "a.txt", "payload")
	job := &model.TransferJobDescriptor{Files: []model.FileToSend{f1}, ArchiveRetain: time.Hour}

	summary := e.Run(context.Background(), job, nil)
	require.Equal(t, afderrors.Success, summary.ExitCode)
	require.Len(t, summary.Results, 1)
	assert.FileExists(t, summary.Results[0].ArchivePath)
	_, err := os.Stat(f1.Name)
	assert.True(t, os.IsNotExist(err))
}

func TestRunStopsOnOpenRemoteError(t *testing.T) {
	codec := newFakeCodec()
	codec.failOpen = true
	e, dir := newTestEngine(t, codec)
	f1 := writeLocal(t, dir, "a.txt", "x")
	job := &model.TransferJobDescriptor{Files: []model.FileToSend{f1}}

	summary := e.Run(context.Background(), job, nil)
	assert.Equal(t, afderrors.OpenRemoteError, summary.ExitCode)
	assert.Equal(t, uint32(0), summary.FilesDone)
	_, err := os.Stat(f1.Name)
	assert.NoError(t, err, "source must survive a failed remote open")
}

func TestRunSkipsDuplicateFileOnSecondDelivery(t *testing.T) {
	codec := newFakeCodec()
	e, dir := newTestEngine(t, codec)
	e.Dedup = dedup.New(dedup.KeyName|dedup.KeySize, time.Hour, time.Hour)

	f1 := writeLocal(t, dir, "a.txt", "hello")
	job1 := &model.TransferJobDescriptor{Files: []model.FileToSend{f1}}
	summary1 := e.Run(context.Background(), job1, nil)
	require.Equal(t, uint32(1), summary1.FilesDone)

	f1Again := writeLocal(t, dir, "a.txt", "hello")
	job2 := &model.TransferJobDescriptor{Files: []model.FileToSend{f1Again}}
	summary2 := e.Run(context.Background(), job2, nil)
	assert.Equal(t, uint32(0), summary2.FilesDone, "duplicate should be skipped, not resent")
}

func TestRunReturnsGotKilledWhenContextCancelled(t *testing.T) {
	codec := newFakeCodec()
	e, dir := newTestEngine(t, codec)
	f1 := writeLocal(t, dir, "a.txt", "x")
	job := &model.TransferJobDescriptor{Files: []model.FileToSend{f1}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	summary := e.Run(ctx, job, nil)
	assert.Equal(t, afderrors.GotKilled, summary.ExitCode)
	assert.Equal(t, uint32(0), summary.FilesDone)
}

type fakeBurst struct {
	entered  []time.Time
	jobs     []*model.TransferJobDescriptor
	next     int
}

func (b *fakeBurst) Enter(until time.Time) error {
	b.entered = append(b.entered, until)
	return nil
}

func (b *fakeBurst) Wait(ctx context.Context, until time.Time) (*model.TransferJobDescriptor, bool) {
	if b.next >= len(b.jobs) {
		return nil, false
	}
	job := b.jobs[b.next]
	b.next++
	return job, true
}

func TestRunFoldsBurstContinuationsWithoutReconnecting(t *testing.T) {
	codec := newFakeCodec()
	e, dir := newTestEngine(t, codec)
	e.KeepConnected = time.Minute

	f1 := writeLocal(t, dir, "a.txt", "hello")
	f2 := writeLocal(t, dir, "b.txt", "world!")
	burst := &fakeBurst{jobs: []*model.TransferJobDescriptor{
		{Files: []model.FileToSend{f2}},
	}}
	e.Burst = burst

	calls := 0
	job := &model.TransferJobDescriptor{Files: []model.FileToSend{f1}}
	summary := e.Run(context.Background(), job, func() { calls++ })

	assert.Equal(t, afderrors.Success, summary.ExitCode)
	assert.Equal(t, uint32(2), summary.FilesDone)
	assert.Equal(t, 1, summary.BurstCount)
	assert.Equal(t, 1, calls, "onFirstSuccess must fire once across the whole burst chain")
	assert.Len(t, burst.entered, 1)
	assert.Equal(t, "world!", codec.writes["b.txt"].String())
}

func TestRunStopsBurstingWhenWaitTimesOut(t *testing.T) {
	codec := newFakeCodec()
	e, dir := newTestEngine(t, codec)
	e.KeepConnected = time.Minute
	e.Burst = &fakeBurst{} // Wait always returns ok=false

	f1 := writeLocal(t, dir, "a.txt", "hello")
	job := &model.TransferJobDescriptor{Files: []model.FileToSend{f1}}
	summary := e.Run(context.Background(), job, nil)

	assert.Equal(t, afderrors.Success, summary.ExitCode)
	assert.Equal(t, uint32(1), summary.FilesDone)
	assert.Equal(t, 0, summary.BurstCount)
}

func openTestRL(t *testing.T) *retrievelist.List {
	t.Helper()
	dir := t.TempDir()
	l, err := retrievelist.Attach(filepath.Join(dir, "rl.dat"), filepath.Join(dir, "rl.lock"))
	require.NoError(t, err)
	t.Cleanup(func() { l.Detach() })
	return l
}

func TestRunPullFetchesAssignedFilesAndMarksRetrieved(t *testing.T) {
	codec := newFakeCodec()
	codec.remote["a.dat"] = []byte("hello")
	codec.remote["b.dat"] = []byte("world!")
	codec.listEntries = []transport.ListEntry{
		{Name: "a.dat", Size: 5, Mtime: time.Unix(1000, 0), ExactSize: true, ExactDate: true},
		{Name: "b.dat", Size: 6, Mtime: time.Unix(1000, 0), ExactSize: true, ExactDate: true},
	}
	e, _ := newTestEngine(t, codec)
	rl := openTestRL(t)
	localDir := t.TempDir()

	dse := &model.DirectoryStatusEntry{DirAlias: "incoming", FileMasks: []string{"*.dat"}}
	opt := listdiff.Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}

	summary, res := e.RunPull(context.Background(), rl, opt, localDir, nil)

	assert.Equal(t, afderrors.Success, summary.ExitCode)
	assert.Equal(t, uint32(2), summary.FilesDone)
	assert.False(t, res.MoreFilesInList)

	got, err := os.ReadFile(filepath.Join(localDir, "a.dat"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	e0, err := rl.Get(0)
	require.NoError(t, err)
	assert.True(t, e0.Retrieved)
	assert.EqualValues(t, 0, e0.Assigned)
}

func TestRunPullReportsMoreFilesInListUnderBudget(t *testing.T) {
	codec := newFakeCodec()
	codec.remote["a.dat"] = []byte("12345")
	codec.remote["b.dat"] = []byte("67890")
	codec.listEntries = []transport.ListEntry{
		{Name: "a.dat", Size: 5, Mtime: time.Unix(1000, 0), ExactSize: true, ExactDate: true},
		{Name: "b.dat", Size: 5, Mtime: time.Unix(1000, 0), ExactSize: true, ExactDate: true},
	}
	e, _ := newTestEngine(t, codec)
	rl := openTestRL(t)
	localDir := t.TempDir()

	dse := &model.DirectoryStatusEntry{DirAlias: "incoming", FileMasks: []string{"*.dat"}, MaxCopiedFiles: 1}
	opt := listdiff.Options{DSE: dse, JobNo: 1, Now: time.Unix(2000, 0)}

	summary, res := e.RunPull(context.Background(), rl, opt, localDir, nil)

	assert.Equal(t, afderrors.Success, summary.ExitCode)
	assert.Equal(t, uint32(1), summary.FilesDone)
	assert.True(t, res.MoreFilesInList)
}
