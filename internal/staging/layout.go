// Package staging implements the object staging layer: durable, write-once
// prefixes per window on S3, with the manifest written last as the
// atomicity marker.
package staging

import (
	"fmt"
	"strings"
	"time"

	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// Manifest file names per load type.
const (
	ManifestIncr = "manifest.csv"
	ManifestLog  = "log_manifest.csv"
	ManifestFull = "full_manifest.csv"
)

// ManifestName returns the manifest file name for a load type.
func ManifestName(lt types.LoadType) string {
	switch lt {
	case types.LoadLog:
		return ManifestLog
	case types.LoadFull:
		return ManifestFull
	default:
		return ManifestIncr
	}
}

// WindowPrefix builds the staging prefix for one window:
//
//	<root>/vault=<v>/incr/stoptime=<YYYYMMDDHHMM>/
//	<root>/vault=<v>/log/date=<YYYYMMDD>/
//	<root>/vault=<v>/full/date=<YYYYMMDD>/
func WindowPrefix(root, vaultID string, lt types.LoadType, logicalTime time.Time) string {
	root = strings.TrimSuffix(root, "/")
	switch lt {
	case types.LoadIncremental:
		return fmt.Sprintf("%s/vault=%s/incr/stoptime=%s/", root, vaultID, logicalTime.UTC().Format(types.StopTimeLayout))
	case types.LoadLog:
		return fmt.Sprintf("%s/vault=%s/log/date=%s/", root, vaultID, logicalTime.UTC().Format(types.DateLayout))
	default:
		return fmt.Sprintf("%s/vault=%s/full/date=%s/", root, vaultID, logicalTime.UTC().Format(types.DateLayout))
	}
}

// ManifestKey returns the full object key of a window's manifest.
func ManifestKey(prefix string, lt types.LoadType) string {
	return strings.TrimSuffix(prefix, "/") + "/" + ManifestName(lt)
}

// SplitRoot splits an "s3://bucket/prefix" root into bucket and key prefix.
func SplitRoot(root string) (bucket, prefix string, err error) {
	trimmed := strings.TrimPrefix(root, "s3://")
	if trimmed == root {
		return "", "", fmt.Errorf("object store root %q must start with s3://", root)
	}
	parts := strings.SplitN(trimmed, "/", 2)
	bucket = parts[0]
	if bucket == "" {
		return "", "", fmt.Errorf("object store root %q has no bucket", root)
	}
	if len(parts) == 2 {
		prefix = strings.TrimSuffix(parts[1], "/")
	}
	return bucket, prefix, nil
}
