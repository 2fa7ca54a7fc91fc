package staging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// uploadPartSize bounds memory per streamed chunk.
const uploadPartSize = 16 * 1024 * 1024

// S3API is the subset of the S3 client used by the Stager. It is a superset
// of manager.UploadAPIClient so the same client drives streamed uploads.
type S3API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	CreateMultipartUpload(ctx context.Context, input *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, input *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, input *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, input *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Stager reads and writes staged objects addressed by full "s3://..." paths.
type Stager struct {
	client S3API
	logger *slog.Logger
}

// New creates a Stager using default AWS config.
func New(ctx context.Context, region string) (*Stager, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithClient(s3.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Stager around an existing client.
func NewWithClient(client S3API) *Stager {
	return &Stager{client: client, logger: slog.Default()}
}

func splitPath(path string) (bucket, key string, err error) {
	bucket, key, err = SplitRoot(path)
	if err != nil {
		return "", "", err
	}
	if key == "" {
		return "", "", fmt.Errorf("object path %q has no key", path)
	}
	return bucket, key, nil
}

// Put streams r to the given path. Large streams are split into bounded
// multipart chunks by the upload manager, which aborts the upload on error.
func (st *Stager) Put(ctx context.Context, path string, r io.Reader) error {
	bucket, key, err := splitPath(path)
	if err != nil {
		return err
	}

	uploader := manager.NewUploader(st.client, func(u *manager.Uploader) {
		u.PartSize = uploadPartSize
	})
	_, err = uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   r,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", path, err)
	}
	return nil
}

// Open returns a reader over the object at path.
func (st *Stager) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	bucket, key, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	out, err := st.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return out.Body, nil
}

// Exists reports whether an object exists at path.
func (st *Stager) Exists(ctx context.Context, path string) (bool, error) {
	bucket, key, err := splitPath(path)
	if err != nil {
		return false, err
	}
	_, err = st.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *s3types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("heading %s: %w", path, err)
	}
	return true, nil
}

// List returns the full paths of all objects under the given prefix path.
func (st *Stager) List(ctx context.Context, prefixPath string) ([]string, error) {
	bucket, prefix, err := splitPath(prefixPath)
	if err != nil {
		return nil, err
	}

	var (
		paths []string
		token *string
	)
	for {
		out, err := st.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return nil, fmt.Errorf("listing %s: %w", prefixPath, err)
		}
		for _, obj := range out.Contents {
			paths = append(paths, "s3://"+bucket+"/"+aws.ToString(obj.Key))
		}
		if out.NextContinuationToken == nil {
			return paths, nil
		}
		token = out.NextContinuationToken
	}
}

// MultipartWriter stages a multi-part archive where each vendor file part
// becomes one upload part. The caller must Complete or Abort; Abort is safe
// after Complete and on a never-started upload.
type MultipartWriter struct {
	st       *Stager
	bucket   string
	key      string
	uploadID string
	parts    []s3types.CompletedPart
	done     bool
}

// NewMultipartWriter begins a multipart upload at path.
func (st *Stager) NewMultipartWriter(ctx context.Context, path string) (*MultipartWriter, error) {
	bucket, key, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	out, err := st.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("creating multipart upload for %s: %w", path, err)
	}
	return &MultipartWriter{
		st:       st,
		bucket:   bucket,
		key:      key,
		uploadID: aws.ToString(out.UploadId),
	}, nil
}

// WritePart uploads one numbered part. Memory is bounded by a single part.
func (w *MultipartWriter) WritePart(ctx context.Context, partNumber int32, r io.Reader) error {
	buf, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("reading part %d: %w", partNumber, err)
	}
	out, err := w.st.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(partNumber),
		Body:       bytes.NewReader(buf),
	})
	if err != nil {
		return fmt.Errorf("uploading part %d: %w", partNumber, err)
	}
	w.parts = append(w.parts, s3types.CompletedPart{
		ETag:       out.ETag,
		PartNumber: aws.Int32(partNumber),
	})
	return nil
}

// Complete finishes the upload.
func (w *MultipartWriter) Complete(ctx context.Context) error {
	sort.Slice(w.parts, func(i, j int) bool {
		return aws.ToInt32(w.parts[i].PartNumber) < aws.ToInt32(w.parts[j].PartNumber)
	})
	_, err := w.st.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &s3types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		return fmt.Errorf("completing multipart upload: %w", err)
	}
	w.done = true
	return nil
}

// Abort discards the upload. Safe to defer unconditionally.
func (w *MultipartWriter) Abort(ctx context.Context) {
	if w.done {
		return
	}
	_, err := w.st.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
	if err != nil {
		w.st.logger.Warn("aborting multipart upload failed", "key", w.key, "error", err)
	}
}
