package producer

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"io"
	"path"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/dwsmith1983/vaultflow/internal/columnar"
	"github.com/dwsmith1983/vaultflow/internal/manifest"
	"github.com/dwsmith1983/vaultflow/internal/staging"
	"github.com/dwsmith1983/vaultflow/internal/vendorapi"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// metadataMembers are the archive members that carry the window's schema.
var metadataMembers = map[string]bool{
	"metadata.csv":      true,
	"metadata_full.csv": true,
}

// stageAndRegister stages one window and registers its entry. The manifest
// upload is the final staging write: its presence marks the prefix complete,
// so an interrupted staging leaves an invisible prefix that the next tick
// overwrites. Registration is the very last step; failures before it leave
// no entry behind.
func (p *Producer) stageAndRegister(ctx context.Context, win vendorapi.WindowDescriptor, epoch int64) error {
	prefix := staging.WindowPrefix(p.opts.ObjectStoreRoot, p.opts.VaultID, p.opts.LoadType, win.LogicalTime)
	archivePath := prefix + win.Filename

	if err := p.stageArchive(ctx, win, archivePath); err != nil {
		return fmt.Errorf("staging archive: %w", err)
	}

	manifestBytes, err := p.extractArchive(ctx, win, prefix, archivePath)
	if err != nil {
		return fmt.Errorf("extracting archive: %w", err)
	}

	sum := sha256.Sum256(manifestBytes)
	checksum := hex.EncodeToString(sum[:])

	manifestPath := staging.ManifestKey(prefix, p.opts.LoadType)
	if err := p.objects.Put(ctx, manifestPath, bytes.NewReader(manifestBytes)); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}

	now := p.now().UTC()
	return p.cp.PutIfAbsent(ctx, types.WindowEntry{
		VaultID:     p.opts.VaultID,
		LoadType:    p.opts.LoadType,
		LogicalTime: win.LogicalTime,
		Status:      types.StatusReady,
		S3Prefix:    prefix,
		Checksum:    checksum,
		Epoch:       epoch,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// stageArchive streams the window's archive parts into the object store.
// Multi-part archives go through a multipart upload that is aborted on any
// part failure; single-part archives stream straight through.
func (p *Producer) stageArchive(ctx context.Context, win vendorapi.WindowDescriptor, archivePath string) error {
	if len(win.Parts) == 0 {
		return fmt.Errorf("window %s has no file parts", win.Filename)
	}

	if len(win.Parts) == 1 {
		rc, err := p.vendor.DownloadPart(ctx, win.Parts[0].Name)
		if err != nil {
			return err
		}
		defer rc.Close()
		return p.objects.Put(ctx, archivePath, rc)
	}

	w, err := p.objects.NewArchiveWriter(ctx, archivePath)
	if err != nil {
		return err
	}
	defer w.Abort(ctx)

	for _, part := range win.Parts {
		rc, err := p.vendor.DownloadPart(ctx, part.Name)
		if err != nil {
			return err
		}
		err = w.WritePart(ctx, part.Number, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}
	return w.Complete(ctx)
}

// extractArchive unpacks the staged tar.gz in two passes: the first collects
// the manifest and metadata members, the second streams every data member to
// its staged object, optionally converting CSV to parquet in bounded chunks.
// Returns the (possibly rewritten) manifest bytes for the final write.
func (p *Producer) extractArchive(ctx context.Context, win vendorapi.WindowDescriptor, prefix, archivePath string) ([]byte, error) {
	manifestBytes, metadataBytes, err := p.collectControlMembers(ctx, archivePath)
	if err != nil {
		return nil, err
	}
	if manifestBytes == nil {
		return nil, fmt.Errorf("archive %s has no manifest member", win.Filename)
	}

	m, err := manifest.Parse(bytes.NewReader(manifestBytes))
	if err != nil {
		return nil, err
	}

	reg := manifest.Registry{}
	if metadataBytes != nil {
		reg, err = manifest.ParseMetadata(bytes.NewReader(metadataBytes))
		if err != nil {
			return nil, err
		}
		if err := p.objects.Put(ctx, prefix+"metadata.csv", bytes.NewReader(metadataBytes)); err != nil {
			return nil, fmt.Errorf("staging metadata: %w", err)
		}
	}

	if err := p.stageDataMembers(ctx, archivePath, prefix, m, reg); err != nil {
		return nil, err
	}

	if p.opts.ConvertToColumnar {
		return rewriteManifestPaths(manifestBytes)
	}
	return manifestBytes, nil
}

// collectControlMembers buffers the manifest and metadata members.
func (p *Producer) collectControlMembers(ctx context.Context, archivePath string) (manifestBytes, metadataBytes []byte, err error) {
	tr, closer, err := p.openArchive(ctx, archivePath)
	if err != nil {
		return nil, nil, err
	}
	defer closer()

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return manifestBytes, metadataBytes, nil
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		base := strings.ToLower(path.Base(hdr.Name))
		switch {
		case base == "manifest.csv":
			manifestBytes, err = io.ReadAll(tr)
		case metadataMembers[base]:
			metadataBytes, err = io.ReadAll(tr)
		default:
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("buffering %s: %w", hdr.Name, err)
		}
	}
}

// stageDataMembers streams every data member of the archive to the window
// prefix, converting CSVs to parquet when enabled.
func (p *Producer) stageDataMembers(ctx context.Context, archivePath, prefix string, m *manifest.Manifest, reg manifest.Registry) error {
	objectByFile := map[string]string{}
	for _, u := range m.Upserts() {
		objectByFile[u.FilePath] = u.ObjectName
	}
	for _, d := range m.Deletes() {
		objectByFile[d.FilePath] = d.ObjectName
	}

	tr, closer, err := p.openArchive(ctx, archivePath)
	if err != nil {
		return err
	}
	defer closer()

	conv := columnar.New()
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := path.Clean(hdr.Name)
		base := strings.ToLower(path.Base(name))
		if base == "manifest.csv" || metadataMembers[base] {
			continue
		}

		if p.opts.ConvertToColumnar && strings.HasSuffix(name, ".csv") {
			target := prefix + strings.TrimSuffix(name, ".csv") + ".parquet"
			schema := reg[objectByFile[name]]
			if err := p.convertAndPut(ctx, target, tr, schema, conv); err != nil {
				return fmt.Errorf("converting %s: %w", name, err)
			}
			continue
		}

		if err := p.objects.Put(ctx, prefix+name, tr); err != nil {
			return fmt.Errorf("staging %s: %w", name, err)
		}
	}
}

// convertAndPut pipes a CSV member through the columnar converter into the
// object store without materializing the file.
func (p *Producer) convertAndPut(ctx context.Context, target string, r io.Reader, schema manifest.Schema, conv *columnar.Converter) error {
	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		_, err := conv.Convert(r, schema, pw)
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		return p.objects.Put(gctx, target, pr)
	})
	return g.Wait()
}

// openArchive opens the staged tar.gz for a full pass.
func (p *Producer) openArchive(ctx context.Context, archivePath string) (*tar.Reader, func(), error) {
	rc, err := p.objects.Open(ctx, archivePath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening archive: %w", err)
	}
	gz, err := gzip.NewReader(rc)
	if err != nil {
		rc.Close()
		return nil, nil, fmt.Errorf("opening gzip stream: %w", err)
	}
	closer := func() {
		gz.Close()
		rc.Close()
	}
	return tar.NewReader(gz), closer, nil
}

// rewriteManifestPaths swaps .csv data file references for .parquet after a
// columnar conversion so the manifest matches the staged layout.
func rewriteManifestPaths(manifestBytes []byte) ([]byte, error) {
	cr := csv.NewReader(bytes.NewReader(manifestBytes))
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("rewriting manifest: %w", err)
	}
	if len(records) == 0 {
		return manifestBytes, nil
	}

	fileCol := -1
	for i, h := range records[0] {
		if strings.TrimSpace(strings.ToLower(h)) == "file_path" {
			fileCol = i
			break
		}
	}
	if fileCol < 0 {
		return manifestBytes, nil
	}

	for _, rec := range records[1:] {
		if fileCol < len(rec) && strings.HasSuffix(rec[fileCol], ".csv") {
			rec[fileCol] = strings.TrimSuffix(rec[fileCol], ".csv") + ".parquet"
		}
	}

	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.WriteAll(records); err != nil {
		return nil, fmt.Errorf("rewriting manifest: %w", err)
	}
	cw.Flush()
	return buf.Bytes(), cw.Error()
}
