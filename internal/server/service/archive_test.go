package service

import (
	"archive/zip"
	"context"
	"os"
	"sort"
	"testing"
	"time"

	"canopy/internal/core"
	"canopy/internal/server/database"
	"canopy/internal/server/jobs"
	"canopy/internal/server/notify"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type archiveFixture struct {
	*testEnv
	broker  *ConflictBroker
	events  *JobNotifier
	archive *ArchiveService
	docs    *database.Folder
	sub     *database.Folder
}

// newArchiveFixture builds docs/a.txt and docs/sub/b.txt.
func newArchiveFixture(t *testing.T) *archiveFixture {
	t.Helper()
	env := newTestEnv(t)
	broker := NewConflictBroker(env.publisher, 10*time.Second)
	events := NewJobNotifier(env.publisher, broker)
	f := &archiveFixture{
		testEnv: env,
		broker:  broker,
		events:  events,
		archive: NewArchiveService(env.repo, env.store, env.stats, env.gate, broker, events, nil, time.Second),
	}
	f.docs = env.mkdir(t, "docs", nil)
	f.sub = env.mkdir(t, "sub", &f.docs.ID)
	env.putFile(t, "a.txt", "alpha", &f.docs.ID)
	env.putFile(t, "b.txt", "beta", &f.sub.ID)
	return f
}

func (f *archiveFixture) compressDocs(t *testing.T, format core.Format) *database.File {
	t.Helper()
	file, err := f.archive.Compress(context.Background(), CompressRequest{
		OwnerID:     owner,
		ItemIDs:     []string{f.docs.ID},
		ArchiveName: "bundle",
		Format:      format,
	}, nil)
	require.NoError(t, err)
	return file
}

func zipNames(t *testing.T, abs string) []string {
	t.Helper()
	zr, err := zip.OpenReader(abs)
	require.NoError(t, err)
	defer zr.Close()
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

func TestCompressDecompress_RoundTrip(t *testing.T) {
	for _, format := range []core.Format{core.FormatZip, core.FormatTarGz} {
		t.Run(string(format), func(t *testing.T) {
			f := newArchiveFixture(t)
			ctx := context.Background()

			var progress []int
			archive, err := f.archive.Compress(ctx, CompressRequest{
				OwnerID:     owner,
				ItemIDs:     []string{f.docs.ID},
				ArchiveName: "bundle",
				Format:      format,
			}, func(p int) { progress = append(progress, p) })
			require.NoError(t, err)
			assert.Equal(t, "alice/bundle"+format.Extension(), archive.Path)
			assert.Equal(t, format.MimeType(), archive.MimeType)
			assert.Nil(t, archive.ParentID)
			require.NotEmpty(t, progress)
			assert.Equal(t, 100, progress[len(progress)-1])

			info, err := os.Stat(f.abs(t, archive.Path))
			require.NoError(t, err)
			assert.Equal(t, info.Size(), archive.Size)

			out := f.mkdir(t, "out", nil)
			res, err := f.archive.Decompress(ctx, DecompressRequest{
				OwnerID:       owner,
				ArchiveID:     archive.ID,
				DestinationID: &out.ID,
			}, nil, nil)
			require.NoError(t, err)
			assert.Equal(t, "alice/out", res.Destination)
			assert.Equal(t, 4, res.Created)

			docs, err := f.repo.GetFolderByPath(ctx, owner, "alice/out/docs")
			require.NoError(t, err)
			assert.Equal(t, out.ID, *docs.ParentID)
			sub, err := f.repo.GetFolderByPath(ctx, owner, "alice/out/docs/sub")
			require.NoError(t, err)
			assert.Equal(t, docs.ID, *sub.ParentID)
			b, err := f.repo.GetFileByPath(ctx, owner, "alice/out/docs/sub/b.txt")
			require.NoError(t, err)
			assert.Equal(t, sub.ID, *b.ParentID)
			assert.Equal(t, int64(4), b.Size)
			assert.Equal(t, "beta", f.read(t, b.Path))

			gotOut := f.folder(t, out.ID)
			assert.Equal(t, int64(9), gotOut.Size)
			assert.Equal(t, 1, gotOut.FolderCount)
			assert.Equal(t, int64(9), f.folder(t, docs.ID).Size)
		})
	}
}

func TestCompress_IntoFolderRecalculatesStats(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	dest := f.mkdir(t, "archives", nil)

	file, err := f.archive.Compress(ctx, CompressRequest{
		OwnerID:       owner,
		ItemIDs:       []string{f.docs.ID},
		DestinationID: &dest.ID,
	}, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^compressed_\d+\.zip$`, file.Name)
	assert.Equal(t, dest.ID, *file.ParentID)

	got := f.folder(t, dest.ID)
	assert.Equal(t, 1, got.FileCount)
	assert.Equal(t, file.Size, got.Size)
}

func TestCompress_Errors(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()

	_, err := f.archive.Compress(ctx, CompressRequest{OwnerID: owner}, nil)
	assert.ErrorIs(t, err, ErrCompressionFailed)

	_, err = f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.docs.ID}, Format: "rar"}, nil)
	assert.ErrorIs(t, err, ErrCompressionFailed)

	_, err = f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{"missing"}}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.docs.ID}, DestinationID: ptr("missing")}, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	f.compressDocs(t, core.FormatZip)
	_, err = f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.docs.ID}, ArchiveName: "bundle.zip"}, nil)
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestCompress_CancelledLeavesNothing(t *testing.T) {
	f := newArchiveFixture(t)
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCancelled)

	_, err := f.archive.Compress(ctx, CompressRequest{
		OwnerID:     owner,
		ItemIDs:     []string{f.docs.ID},
		ArchiveName: "bundle",
	}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCompressionFailed)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.True(t, IsCancelled(err))

	assert.NoFileExists(t, f.abs(t, "alice/bundle.zip"))
	_, err = f.repo.GetFileByPath(context.Background(), owner, "alice/bundle.zip")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestDecompress_ConflictsInPlace(t *testing.T) {
	tests := []struct {
		name    string
		resolve core.ConflictFunc
		want    string
	}{
		{"nil resolver overwrites", nil, "alpha"},
		{"skip keeps existing", func(context.Context, core.Conflict) (core.ConflictAction, error) {
			return core.ConflictSkip, nil
		}, "mine!"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newArchiveFixture(t)
			ctx := context.Background()
			archive := f.compressDocs(t, core.FormatZip)
			require.NoError(t, os.WriteFile(f.abs(t, "alice/docs/a.txt"), []byte("mine!"), 0644))

			res, err := f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: archive.ID}, tt.resolve, nil)
			require.NoError(t, err)
			assert.Equal(t, "alice", res.Destination)
			assert.Zero(t, res.Created)
			assert.Equal(t, tt.want, f.read(t, "alice/docs/a.txt"))

			folders, err := f.repo.ListFolders(ctx, owner, nil)
			require.NoError(t, err)
			assert.Len(t, folders, 1)
		})
	}
}

func TestDecompress_RenameCreatesSibling(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	archive := f.compressDocs(t, core.FormatZip)
	rename := func(context.Context, core.Conflict) (core.ConflictAction, error) {
		return core.ConflictRename, nil
	}

	res, err := f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: archive.ID}, rename, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Created)

	files, err := f.repo.ListFiles(ctx, owner, &f.docs.ID)
	require.NoError(t, err)
	assert.Len(t, files, 2)
	assert.Equal(t, 2, f.folder(t, f.docs.ID).FileCount)
}

func TestDecompress_ResolverErrorStillRegisters(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	archive := f.compressDocs(t, core.FormatZip)
	out := f.mkdir(t, "out", nil)
	require.NoError(t, os.MkdirAll(f.abs(t, "alice/out/docs/sub"), 0755))
	require.NoError(t, os.WriteFile(f.abs(t, "alice/out/docs/sub/b.txt"), []byte("x"), 0644))

	abort := func(context.Context, core.Conflict) (core.ConflictAction, error) {
		return "", ErrExtractionConflict
	}
	_, err := f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: archive.ID, DestinationID: &out.ID}, abort, nil)
	assert.ErrorIs(t, err, ErrExtractionConflict)

	// entries written before the abort are registered
	_, err = f.repo.GetFileByPath(ctx, owner, "alice/out/docs/a.txt")
	assert.NoError(t, err)
}

func TestDecompress_RejectsNonArchives(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	fake := f.putFile(t, "fake.zip", "definitely not a zip", nil)
	text := f.putFile(t, "notes.txt", "hello", nil)

	_, err := f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: fake.ID}, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedArchive)

	_, err = f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: text.ID}, nil, nil)
	assert.ErrorIs(t, err, ErrUnsupportedArchive)

	_, err = f.archive.Decompress(ctx, DecompressRequest{OwnerID: "bob", ArchiveID: fake.ID}, nil, nil)
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestCheckConflicts(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	archive := f.compressDocs(t, core.FormatZip)

	conflicts, err := f.archive.CheckConflicts(ctx, owner, archive.ID, nil)
	require.NoError(t, err)
	var names []string
	for _, c := range conflicts {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"docs/a.txt", "docs/sub/b.txt"}, names)

	out := f.mkdir(t, "out", nil)
	conflicts, err = f.archive.CheckConflicts(ctx, owner, archive.ID, &out.ID)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestMoveItemsIntoArchive(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	archive := f.compressDocs(t, core.FormatZip)
	extra := f.putFile(t, "c.txt", "gamma", nil)

	updated, err := f.archive.MoveItemsIntoArchive(ctx, owner, []string{extra.ID}, archive.ID)
	require.NoError(t, err)
	assert.Equal(t, archive.ID, updated.ID)

	abs := f.abs(t, archive.Path)
	assert.Equal(t, []string{"c.txt", "docs/", "docs/a.txt", "docs/sub/", "docs/sub/b.txt"}, zipNames(t, abs))
	info, err := os.Stat(abs)
	require.NoError(t, err)
	assert.Equal(t, info.Size(), updated.Size)

	_, err = f.repo.GetFile(ctx, extra.ID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.NoFileExists(t, f.abs(t, "alice/c.txt"))
	assert.NoFileExists(t, abs+".tmp")
}

func TestMoveItemsIntoArchive_ReplacesSameName(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	archive := f.compressDocs(t, core.FormatZip)

	_, err := f.archive.MoveItemsIntoArchive(ctx, owner, []string{f.docs.ID}, archive.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/", "docs/a.txt", "docs/sub/", "docs/sub/b.txt"}, zipNames(t, f.abs(t, archive.Path)))
	assert.NoDirExists(t, f.abs(t, "alice/docs"))
}

func TestMoveItemsIntoArchive_Errors(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	zipped := f.compressDocs(t, core.FormatZip)
	tgz, err := f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.sub.ID}, ArchiveName: "sub", Format: core.FormatTarGz}, nil)
	require.NoError(t, err)

	_, err = f.archive.MoveItemsIntoArchive(ctx, owner, []string{f.docs.ID}, tgz.ID)
	assert.ErrorIs(t, err, ErrUnsupportedArchive)

	_, err = f.archive.MoveItemsIntoArchive(ctx, owner, []string{zipped.ID}, zipped.ID)
	assert.ErrorIs(t, err, ErrInvalidMove)

	_, err = f.archive.MoveItemsIntoArchive(ctx, owner, nil, zipped.ID)
	assert.ErrorIs(t, err, ErrCompressionFailed)
}

func TestCompress_LockedInputs(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	a, err := f.repo.GetFileByPath(ctx, owner, "alice/docs/a.txt")
	require.NoError(t, err)
	require.NoError(t, f.gate.SetPassword(ctx, owner, a.ID, "pw"))

	tests := []struct {
		name string
		ids  []string
	}{
		{"locked file", []string{a.ID}},
		{"folder holding a locked file", []string{f.docs.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: tt.ids, ArchiveName: "leak"}, nil)
			assert.ErrorIs(t, err, ErrPasswordRequired)
			assert.NoFileExists(t, f.abs(t, "alice/leak.zip"))
			_, err = f.repo.GetFileByPath(ctx, owner, "alice/leak.zip")
			assert.ErrorIs(t, err, database.ErrNotFound)
		})
	}

	require.NoError(t, f.gate.Verify(ctx, owner, a.ID, "pw"))
	_, err = f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.docs.ID}, ArchiveName: "leak"}, nil)
	assert.NoError(t, err)
}

func TestCompress_LockedAncestor(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	require.NoError(t, f.gate.SetPassword(ctx, owner, f.docs.ID, "pw"))

	_, err := f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.sub.ID}, ArchiveName: "sub"}, nil)
	assert.ErrorIs(t, err, ErrPasswordRequired)

	require.NoError(t, f.gate.Verify(ctx, owner, f.docs.ID, "pw"))
	_, err = f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.sub.ID}, ArchiveName: "sub"}, nil)
	assert.NoError(t, err)
}

func TestArchive_LockedArchive(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	archive := f.compressDocs(t, core.FormatZip)
	extra := f.putFile(t, "c.txt", "gamma", nil)
	out := f.mkdir(t, "out", nil)
	require.NoError(t, f.gate.SetPassword(ctx, owner, archive.ID, "pw"))

	_, err := f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: archive.ID, DestinationID: &out.ID}, nil, nil)
	assert.ErrorIs(t, err, ErrPasswordRequired)
	_, err = f.archive.CheckConflicts(ctx, owner, archive.ID, nil)
	assert.ErrorIs(t, err, ErrPasswordRequired)
	_, err = f.archive.MoveItemsIntoArchive(ctx, owner, []string{extra.ID}, archive.ID)
	assert.ErrorIs(t, err, ErrPasswordRequired)

	items, err := f.hier.List(ctx, owner, &out.ID)
	require.NoError(t, err)
	assert.Empty(t, items)
	_, err = f.repo.GetFile(ctx, extra.ID)
	assert.NoError(t, err)

	require.NoError(t, f.gate.Verify(ctx, owner, archive.ID, "pw"))
	res, err := f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: archive.ID, DestinationID: &out.ID}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Created)
	_, err = f.archive.MoveItemsIntoArchive(ctx, owner, []string{extra.ID}, archive.ID)
	assert.NoError(t, err)
}

func TestArchive_LockedDestination(t *testing.T) {
	f := newArchiveFixture(t)
	ctx := context.Background()
	archive := f.compressDocs(t, core.FormatZip)
	vault := f.mkdir(t, "vault", nil)
	require.NoError(t, f.gate.SetPassword(ctx, owner, vault.ID, "pw"))

	_, err := f.archive.Compress(ctx, CompressRequest{OwnerID: owner, ItemIDs: []string{f.sub.ID}, DestinationID: &vault.ID, ArchiveName: "sub"}, nil)
	assert.ErrorIs(t, err, ErrPasswordRequired)
	_, err = f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: archive.ID, DestinationID: &vault.ID}, nil, nil)
	assert.ErrorIs(t, err, ErrPasswordRequired)
	_, err = f.archive.CheckConflicts(ctx, owner, archive.ID, &vault.ID)
	assert.ErrorIs(t, err, ErrPasswordRequired)
	assert.NoDirExists(t, f.abs(t, "alice/vault/docs"))

	require.NoError(t, f.gate.Verify(ctx, owner, vault.ID, "pw"))
	_, err = f.archive.Decompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: archive.ID, DestinationID: &vault.ID}, nil, nil)
	assert.NoError(t, err)
}

func TestSniffArchive(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := dir + "/" + name
		require.NoError(t, os.WriteFile(p, data, 0644))
		return p
	}

	assert.NoError(t, sniffArchive(write("a.zip", []byte("PK\x03\x04rest")), core.FormatZip))
	assert.NoError(t, sniffArchive(write("empty.zip", []byte("PK\x05\x06")), core.FormatZip))
	assert.NoError(t, sniffArchive(write("a.tgz", []byte{0x1f, 0x8b, 0x08}), core.FormatTarGz))
	assert.NoError(t, sniffArchive(write("a.7z", []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c, 0}), core.Format7z))
	assert.ErrorIs(t, sniffArchive(write("b.zip", []byte("PK")), core.FormatZip), ErrUnsupportedArchive)
	assert.ErrorIs(t, sniffArchive(write("c.zip", nil), core.FormatZip), ErrUnsupportedArchive)
	assert.ErrorIs(t, sniffArchive(dir+"/missing.zip", core.FormatZip), ErrNotFound)
}

func startJobQueue(t *testing.T, f *archiveFixture) *jobs.Queue {
	t.Helper()
	q := jobs.New(1, f.events)
	f.archive.Register(q)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestArchiveJobs_CompressCompletes(t *testing.T) {
	f := newArchiveFixture(t)
	startJobQueue(t, f)

	jobID, err := f.archive.EnqueueCompress(context.Background(), CompressRequest{
		OwnerID:     owner,
		ItemIDs:     []string{f.docs.ID},
		ArchiveName: "bundle",
	}, "p-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.publisher.named(notify.CompressionComplete)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ev := f.publisher.named(notify.CompressionComplete)[0]
	assert.Equal(t, jobID, ev.JobID)
	assert.Equal(t, "p-1", ev.ProgressID)
	assert.Equal(t, owner, ev.Room)
	data := ev.Data.(map[string]any)
	file, ok := data["result"].(*database.File)
	require.True(t, ok)
	assert.Equal(t, "alice/bundle.zip", file.Path)
}

func TestArchiveJobs_EnqueueValidation(t *testing.T) {
	f := newArchiveFixture(t)
	startJobQueue(t, f)
	ctx := context.Background()

	_, err := f.archive.EnqueueCompress(ctx, CompressRequest{OwnerID: owner}, "")
	assert.ErrorIs(t, err, ErrCompressionFailed)

	_, err = f.archive.EnqueueDecompress(ctx, DecompressRequest{OwnerID: owner, ArchiveID: "missing"}, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.archive.Cancel(owner, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestArchiveJobs_DecompressWaitsForDecision(t *testing.T) {
	f := newArchiveFixture(t)
	startJobQueue(t, f)
	archive := f.compressDocs(t, core.FormatZip)
	require.NoError(t, os.WriteFile(f.abs(t, "alice/docs/a.txt"), []byte("mine!"), 0644))

	jobID, err := f.archive.EnqueueDecompress(context.Background(), DecompressRequest{OwnerID: owner, ArchiveID: archive.ID}, "p-2")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		_, ok := f.broker.Pending(jobID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.archive.Cancel("bob", jobID)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, f.broker.Resolve(jobID, ConflictDecision{Action: core.ConflictSkip, ApplyToAll: true}))

	require.Eventually(t, func() bool {
		return len(f.publisher.named(notify.CompressionComplete)) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "mine!", f.read(t, "alice/docs/a.txt"))
	assert.Len(t, f.publisher.named(notify.ExtractionConflict), 1)
}

func TestArchiveJobs_CancelWhileWaiting(t *testing.T) {
	f := newArchiveFixture(t)
	startJobQueue(t, f)
	archive := f.compressDocs(t, core.FormatZip)

	jobID, err := f.archive.EnqueueDecompress(context.Background(), DecompressRequest{OwnerID: owner, ArchiveID: archive.ID}, "")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok := f.broker.Pending(jobID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	_, err = f.archive.Cancel(owner, jobID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.publisher.named(notify.OperationCancelled)) == 1
	}, 5*time.Second, 10*time.Millisecond)
}
