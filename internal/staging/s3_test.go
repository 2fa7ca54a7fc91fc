package staging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockS3 is a minimal mock of the S3API interface.
type mockS3 struct {
	putObjectFn     func(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	getObjectFn     func(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	headObjectFn    func(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	listObjectsFn   func(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	createMPFn      func(ctx context.Context, input *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	uploadPartFn    func(ctx context.Context, input *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	completeMPFn    func(ctx context.Context, input *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	abortMPFn       func(ctx context.Context, input *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
	abortedUploads  []string
}

func (m *mockS3) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putObjectFn != nil {
		return m.putObjectFn(ctx, input, opts...)
	}
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3) GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if m.getObjectFn != nil {
		return m.getObjectFn(ctx, input, opts...)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(""))}, nil
}

func (m *mockS3) HeadObject(ctx context.Context, input *s3.HeadObjectInput, opts ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if m.headObjectFn != nil {
		return m.headObjectFn(ctx, input, opts...)
	}
	return &s3.HeadObjectOutput{}, nil
}

func (m *mockS3) ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if m.listObjectsFn != nil {
		return m.listObjectsFn(ctx, input, opts...)
	}
	return &s3.ListObjectsV2Output{}, nil
}

func (m *mockS3) CreateMultipartUpload(ctx context.Context, input *s3.CreateMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	if m.createMPFn != nil {
		return m.createMPFn(ctx, input, opts...)
	}
	return &s3.CreateMultipartUploadOutput{UploadId: aws.String("upload-1")}, nil
}

func (m *mockS3) UploadPart(ctx context.Context, input *s3.UploadPartInput, opts ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	if m.uploadPartFn != nil {
		return m.uploadPartFn(ctx, input, opts...)
	}
	return &s3.UploadPartOutput{ETag: aws.String(fmt.Sprintf("etag-%d", aws.ToInt32(input.PartNumber)))}, nil
}

func (m *mockS3) CompleteMultipartUpload(ctx context.Context, input *s3.CompleteMultipartUploadInput, opts ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	if m.completeMPFn != nil {
		return m.completeMPFn(ctx, input, opts...)
	}
	return &s3.CompleteMultipartUploadOutput{}, nil
}

func (m *mockS3) AbortMultipartUpload(ctx context.Context, input *s3.AbortMultipartUploadInput, opts ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	m.abortedUploads = append(m.abortedUploads, aws.ToString(input.UploadId))
	if m.abortMPFn != nil {
		return m.abortMPFn(ctx, input, opts...)
	}
	return &s3.AbortMultipartUploadOutput{}, nil
}

func TestExistsDistinguishesNotFound(t *testing.T) {
	mock := &mockS3{
		headObjectFn: func(context.Context, *s3.HeadObjectInput, ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
			return nil, &s3types.NotFound{}
		},
	}
	st := NewWithClient(mock)

	ok, err := st.Exists(context.Background(), "s3://bucket/key")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMultipartWriterOrdersParts(t *testing.T) {
	var completed *s3.CompleteMultipartUploadInput
	mock := &mockS3{
		completeMPFn: func(_ context.Context, input *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
			completed = input
			return &s3.CompleteMultipartUploadOutput{}, nil
		},
	}
	st := NewWithClient(mock)

	w, err := st.NewMultipartWriter(context.Background(), "s3://bucket/archive.tar.gz")
	require.NoError(t, err)

	// Parts arrive out of order; completion must sort them.
	require.NoError(t, w.WritePart(context.Background(), 2, bytes.NewReader([]byte("bb"))))
	require.NoError(t, w.WritePart(context.Background(), 1, bytes.NewReader([]byte("aa"))))
	require.NoError(t, w.Complete(context.Background()))

	require.NotNil(t, completed)
	parts := completed.MultipartUpload.Parts
	require.Len(t, parts, 2)
	assert.Equal(t, int32(1), aws.ToInt32(parts[0].PartNumber))
	assert.Equal(t, int32(2), aws.ToInt32(parts[1].PartNumber))

	// Abort after Complete is a no-op.
	w.Abort(context.Background())
	assert.Empty(t, mock.abortedUploads)
}

func TestMultipartWriterAbortOnFailure(t *testing.T) {
	mock := &mockS3{
		uploadPartFn: func(context.Context, *s3.UploadPartInput, ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
			return nil, fmt.Errorf("network reset")
		},
	}
	st := NewWithClient(mock)

	w, err := st.NewMultipartWriter(context.Background(), "s3://bucket/archive.tar.gz")
	require.NoError(t, err)

	require.Error(t, w.WritePart(context.Background(), 1, bytes.NewReader([]byte("aa"))))
	w.Abort(context.Background())

	assert.Equal(t, []string{"upload-1"}, mock.abortedUploads)
}

func TestListPaginates(t *testing.T) {
	calls := 0
	mock := &mockS3{
		listObjectsFn: func(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
			calls++
			if calls == 1 {
				assert.Nil(t, input.ContinuationToken)
				return &s3.ListObjectsV2Output{
					Contents:              []s3types.Object{{Key: aws.String("p/a.csv")}},
					NextContinuationToken: aws.String("tok"),
				}, nil
			}
			assert.Equal(t, "tok", aws.ToString(input.ContinuationToken))
			return &s3.ListObjectsV2Output{
				Contents: []s3types.Object{{Key: aws.String("p/b.csv")}},
			}, nil
		},
	}
	st := NewWithClient(mock)

	paths, err := st.List(context.Background(), "s3://bucket/p/")
	require.NoError(t, err)
	assert.Equal(t, []string{"s3://bucket/p/a.csv", "s3://bucket/p/b.csv"}, paths)
}
