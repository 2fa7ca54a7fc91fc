package producer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/vaultflow/internal/store"
	"github.com/dwsmith1983/vaultflow/internal/storetest"
	"github.com/dwsmith1983/vaultflow/internal/vendorapi"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

const (
	testVault = "vault-a"
	testRoot  = "s3://stage/direct-data"
)

const testManifest = "object_name,operation,file_path,schema_fingerprint,row_count,column_name,from_type,to_type\n" +
	"account,upsert,account_upsert.csv,fp1,2,,,\n" +
	"account,delete,account_delete.csv,,1,,,\n"

const testMetadata = "object_name,column_name,type,length,nullable\n" +
	"account,id,ID,0,false\n" +
	"account,score__v,Number,0,true\n"

// buildArchive assembles a tar.gz with the given members.
func buildArchive(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name, Mode: 0o644, Size: int64(len(content)), Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func defaultArchive(t *testing.T) []byte {
	return buildArchive(t, map[string]string{
		"manifest.csv":       testManifest,
		"metadata.csv":       testMetadata,
		"account_upsert.csv": "id,score__v\na1,10\na2,20\n",
		"account_delete.csv": "id\nzz9\n",
	})
}

type fakeVendor struct {
	windows   []vendorapi.WindowDescriptor
	parts     map[string][]byte
	listCalls []struct{ start, stop time.Time }
	failPart  string
}

func (f *fakeVendor) ListWindows(_ context.Context, _ types.LoadType, start, stop time.Time) ([]vendorapi.WindowDescriptor, error) {
	f.listCalls = append(f.listCalls, struct{ start, stop time.Time }{start, stop})
	return f.windows, nil
}

func (f *fakeVendor) DownloadPart(_ context.Context, name string) (io.ReadCloser, error) {
	if name == f.failPart {
		return nil, fmt.Errorf("vendor returned 500 for %s", name)
	}
	data, ok := f.parts[name]
	if !ok {
		return nil, fmt.Errorf("unknown part %s", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeObjects struct {
	mu       sync.Mutex
	files    map[string][]byte
	putOrder []string
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{files: map[string][]byte{}}
}

func (f *fakeObjects) Put(_ context.Context, path string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	f.putOrder = append(f.putOrder, path)
	return nil
}

func (f *fakeObjects) Open(_ context.Context, path string) (io.ReadCloser, error) {
	f.mu.Lock()
	data, ok := f.files[path]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("object %s not found", path)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

type fakeArchiveWriter struct {
	objects *fakeObjects
	path    string
	parts   map[int32][]byte
	aborted bool
}

func (f *fakeObjects) NewArchiveWriter(_ context.Context, path string) (ArchiveWriter, error) {
	return &fakeArchiveWriter{objects: f, path: path, parts: map[int32][]byte{}}, nil
}

func (w *fakeArchiveWriter) WritePart(_ context.Context, partNumber int32, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	w.parts[partNumber] = data
	return nil
}

func (w *fakeArchiveWriter) Complete(ctx context.Context) error {
	var buf bytes.Buffer
	for i := int32(1); int(i) <= len(w.parts); i++ {
		buf.Write(w.parts[i])
	}
	return w.objects.Put(ctx, w.path, &buf)
}

func (w *fakeArchiveWriter) Abort(context.Context) { w.aborted = true }

func window(t *testing.T, stopTime string, recordCount int64, parts ...vendorapi.FilePart) vendorapi.WindowDescriptor {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, stopTime)
	require.NoError(t, err)
	return vendorapi.WindowDescriptor{
		Filename:    "acme-" + ts.Format("20060102-1504") + ".tar.gz",
		LoadType:    types.LoadIncremental,
		LogicalTime: ts,
		RecordCount: recordCount,
		Parts:       parts,
	}
}

func newProducer(vendor vendorapi.Client, objects ObjectStore, cp store.ControlPlane, alertFn func(types.Alert)) *Producer {
	return New(vendor, objects, cp, alertFn, Options{
		VaultID:          testVault,
		ObjectStoreRoot:  testRoot,
		LoadType:         types.LoadIncremental,
		UseDynamicWindow: true,
		Lookback:         24 * time.Hour,
	})
}

func TestProducerStagesAndRegistersWindow(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: mustTime(t, "2024-01-01T00:00:00Z"),
		CurrentEpoch:        3,
	})

	archive := defaultArchive(t)
	vendor := &fakeVendor{
		windows: []vendorapi.WindowDescriptor{
			window(t, "2024-01-01T00:15:00Z", 3, vendorapi.FilePart{Name: "p1", Number: 1}),
		},
		parts: map[string][]byte{"p1": archive},
	}
	objects := newFakeObjects()

	p := newProducer(vendor, objects, mem, nil)
	require.NoError(t, p.Run(context.Background()))

	entries := mem.Entries(testVault)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, types.StatusReady, e.Status)
	assert.Equal(t, int64(3), e.Epoch, "entry inherits the vault's current epoch")
	assert.Equal(t, 0, e.AttemptCount)
	assert.Equal(t, testRoot+"/vault=vault-a/incr/stoptime=202401010015/", e.S3Prefix)

	sum := sha256.Sum256([]byte(testManifest))
	assert.Equal(t, hex.EncodeToString(sum[:]), e.Checksum)

	// The manifest is the final staging write.
	require.NotEmpty(t, objects.putOrder)
	assert.Equal(t, e.S3Prefix+"manifest.csv", objects.putOrder[len(objects.putOrder)-1])

	// Data members landed under the window prefix.
	assert.Contains(t, objects.files, e.S3Prefix+"account_upsert.csv")
	assert.Contains(t, objects.files, e.S3Prefix+"account_delete.csv")
	assert.Contains(t, objects.files, e.S3Prefix+"metadata.csv")
}

func TestProducerSkipsEmptyAndAppliedWindows(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: mustTime(t, "2024-01-01T00:30:00Z"),
	})

	vendor := &fakeVendor{
		windows: []vendorapi.WindowDescriptor{
			window(t, "2024-01-01T00:15:00Z", 5, vendorapi.FilePart{Name: "p1", Number: 1}), // at/behind watermark
			window(t, "2024-01-01T00:45:00Z", 0, vendorapi.FilePart{Name: "p2", Number: 1}), // zero rows
		},
		parts: map[string][]byte{},
	}
	objects := newFakeObjects()

	p := newProducer(vendor, objects, mem, nil)
	require.NoError(t, p.Run(context.Background()))

	assert.Empty(t, mem.Entries(testVault))
	assert.Empty(t, objects.putOrder, "nothing staged for skipped windows")
}

func TestProducerIdempotentReRegistration(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: mustTime(t, "2024-01-01T00:00:00Z"),
	})

	archive := defaultArchive(t)
	vendor := &fakeVendor{
		windows: []vendorapi.WindowDescriptor{
			window(t, "2024-01-01T00:15:00Z", 3, vendorapi.FilePart{Name: "p1", Number: 1}),
		},
		parts: map[string][]byte{"p1": archive},
	}
	objects := newFakeObjects()

	p := newProducer(vendor, objects, mem, nil)
	require.NoError(t, p.Run(context.Background()))
	require.NoError(t, p.Run(context.Background()), "same checksum re-registration is a no-op")

	entries := mem.Entries(testVault)
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusReady, entries[0].Status)
}

func TestProducerDifferentChecksumIsProtocolError(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: mustTime(t, "2024-01-01T00:00:00Z"),
	})
	ts := mustTime(t, "2024-01-01T00:15:00Z")
	mem.Seed(types.WindowEntry{
		VaultID:     testVault,
		LoadType:    types.LoadIncremental,
		LogicalTime: ts,
		Status:      types.StatusApplied,
		Checksum:    "some-other-checksum",
	})

	archive := defaultArchive(t)
	vendor := &fakeVendor{
		windows: []vendorapi.WindowDescriptor{
			window(t, "2024-01-01T00:15:00Z", 3, vendorapi.FilePart{Name: "p1", Number: 1}),
		},
		parts: map[string][]byte{"p1": archive},
	}
	objects := newFakeObjects()

	var alerts []types.Alert
	p := newProducer(vendor, objects, mem, func(a types.Alert) { alerts = append(alerts, a) })

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, store.ErrDuplicateChecksum)
	require.Len(t, alerts, 1)
	assert.Equal(t, types.AlertLevelError, alerts[0].Level)

	// The existing entry was not mutated.
	got, err2 := mem.GetEntry(context.Background(),
		types.EntryKey{VaultID: testVault, SortKey: types.SortKey(types.LoadIncremental, ts)})
	require.NoError(t, err2)
	assert.Equal(t, "some-other-checksum", got.Checksum)
	assert.Equal(t, types.StatusApplied, got.Status)
}

func TestProducerStopsTickOnStagingFailure(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: mustTime(t, "2024-01-01T00:00:00Z"),
	})

	archive := defaultArchive(t)
	vendor := &fakeVendor{
		windows: []vendorapi.WindowDescriptor{
			window(t, "2024-01-01T00:15:00Z", 3, vendorapi.FilePart{Name: "bad", Number: 1}),
			window(t, "2024-01-01T00:30:00Z", 3, vendorapi.FilePart{Name: "p2", Number: 1}),
		},
		parts:    map[string][]byte{"p2": archive},
		failPart: "bad",
	}
	objects := newFakeObjects()

	p := newProducer(vendor, objects, mem, nil)
	require.NoError(t, p.Run(context.Background()), "staging failures are absorbed")

	assert.Empty(t, mem.Entries(testVault),
		"later windows must not register ahead of a failed earlier window")
}

func TestProducerMultipartArchiveAssembly(t *testing.T) {
	mem := storetest.NewMemory()
	mem.SeedState(types.VaultState{
		VaultID:             testVault,
		Mode:                types.ModeIncremental,
		LastAppliedStopTime: mustTime(t, "2024-01-01T00:00:00Z"),
	})

	archive := defaultArchive(t)
	half := len(archive) / 2
	vendor := &fakeVendor{
		windows: []vendorapi.WindowDescriptor{
			window(t, "2024-01-01T00:15:00Z", 3,
				vendorapi.FilePart{Name: "p1", Number: 1},
				vendorapi.FilePart{Name: "p2", Number: 2}),
		},
		parts: map[string][]byte{"p1": archive[:half], "p2": archive[half:]},
	}
	objects := newFakeObjects()

	p := newProducer(vendor, objects, mem, nil)
	require.NoError(t, p.Run(context.Background()))

	entries := mem.Entries(testVault)
	require.Len(t, entries, 1)
	assert.Equal(t, types.StatusReady, entries[0].Status)
}

func TestProducerBootstrapsVaultStateWithLookback(t *testing.T) {
	mem := storetest.NewMemory()
	vendor := &fakeVendor{}
	objects := newFakeObjects()

	p := newProducer(vendor, objects, mem, nil)
	require.NoError(t, p.Run(context.Background()))

	state, err := mem.GetVaultState(context.Background(), testVault)
	require.NoError(t, err)
	assert.Equal(t, types.ModeIncremental, state.Mode)

	require.Len(t, vendor.listCalls, 1)
	lookback := time.Since(vendor.listCalls[0].start)
	assert.InDelta(t, (24 * time.Hour).Seconds(), lookback.Seconds(), 60,
		"first run starts at now minus the dynamic lookback")
}

func mustTime(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return ts
}
