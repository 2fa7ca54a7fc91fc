package staging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dwsmith1983/vaultflow/pkg/types"
)

func TestWindowPrefixLayout(t *testing.T) {
	ts, err := time.Parse(time.RFC3339, "2024-01-02T00:15:00Z")
	require.NoError(t, err)

	root := "s3://bucket/direct-data"
	assert.Equal(t,
		"s3://bucket/direct-data/vault=v1/incr/stoptime=202401020015/",
		WindowPrefix(root, "v1", types.LoadIncremental, ts))
	assert.Equal(t,
		"s3://bucket/direct-data/vault=v1/log/date=20240102/",
		WindowPrefix(root, "v1", types.LoadLog, ts))
	assert.Equal(t,
		"s3://bucket/direct-data/vault=v1/full/date=20240102/",
		WindowPrefix(root+"/", "v1", types.LoadFull, ts))
}

func TestManifestKeyPerLoadType(t *testing.T) {
	prefix := "s3://bucket/direct-data/vault=v1/incr/stoptime=202401020015/"
	assert.Equal(t, prefix+"manifest.csv", ManifestKey(prefix, types.LoadIncremental))
	assert.Equal(t, prefix+"log_manifest.csv", ManifestKey(prefix, types.LoadLog))
	assert.Equal(t, prefix+"full_manifest.csv", ManifestKey(prefix, types.LoadFull))
}

func TestSplitRoot(t *testing.T) {
	bucket, prefix, err := SplitRoot("s3://my-bucket/some/prefix/")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "some/prefix", prefix)

	bucket, prefix, err = SplitRoot("s3://my-bucket")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Empty(t, prefix)

	_, _, err = SplitRoot("gs://other/scheme")
	assert.Error(t, err)

	_, _, err = SplitRoot("s3:///no-bucket")
	assert.Error(t, err)
}
