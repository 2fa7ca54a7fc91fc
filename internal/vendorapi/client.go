// Package vendorapi implements the vendor "Direct Data" API client: listing
// available extract windows and streaming their archive parts.
package vendorapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/sony/gobreaker"

	"github.com/dwsmith1983/vaultflow/internal/config"
	"github.com/dwsmith1983/vaultflow/pkg/types"
)

// FilePart is one part of a window's archive.
type FilePart struct {
	Name   string `json:"name"`
	Number int32  `json:"filepart"`
}

// WindowDescriptor describes one available extract window.
type WindowDescriptor struct {
	Filename    string     `json:"filename"`
	LoadType    types.LoadType
	LogicalTime time.Time
	RecordCount int64      `json:"record_count"`
	Parts       []FilePart `json:"filepart_details"`
}

// Client lists windows and streams archive parts.
type Client interface {
	ListWindows(ctx context.Context, lt types.LoadType, start, stop time.Time) ([]WindowDescriptor, error)
	DownloadPart(ctx context.Context, name string) (io.ReadCloser, error)
}

// extractTypeParam maps a load type onto the vendor's extract_type value.
func extractTypeParam(lt types.LoadType) string {
	switch lt {
	case types.LoadFull:
		return "full_directdata"
	case types.LoadLog:
		return "log_directdata"
	default:
		return "incremental_directdata"
	}
}

// vendorTimeLayout is the vendor's window timestamp format.
const vendorTimeLayout = "2006-01-02T15:04:05Z"

// HTTPClient is the production Client over the vendor REST API. Requests run
// through a circuit breaker so a flapping vendor endpoint fails fast instead
// of hammering the producer's retry budget.
type HTTPClient struct {
	settings *config.VendorSettings
	http     *http.Client
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger
}

// NewHTTPClient creates a vendor client from settings.
func NewHTTPClient(settings *config.VendorSettings) *HTTPClient {
	return &HTTPClient{
		settings: settings,
		http:     &http.Client{Timeout: settings.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "vendor-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		logger: slog.Default(),
	}
}

type listResponse struct {
	ResponseStatus string `json:"responseStatus"`
	Data           []struct {
		Filename       string     `json:"filename"`
		ExtractType    string     `json:"extract_type"`
		StopTime       string     `json:"stop_time"`
		RecordCount    int64      `json:"record_count"`
		Fileparts      int        `json:"fileparts"`
		FilepartDetail []FilePart `json:"filepart_details"`
	} `json:"data"`
}

// ListWindows returns the vendor's available windows for the requested
// extract type and time range, in the order the vendor reports them.
func (c *HTTPClient) ListWindows(ctx context.Context, lt types.LoadType, start, stop time.Time) ([]WindowDescriptor, error) {
	endpoint, err := url.Parse(c.settings.APIURL)
	if err != nil {
		return nil, fmt.Errorf("parsing vendor URL: %w", err)
	}
	endpoint = endpoint.JoinPath("api", c.settings.APIVersion, "services", "directdata", "files")

	q := endpoint.Query()
	q.Set("extract_type", extractTypeParam(lt))
	q.Set("start_time", start.UTC().Format(vendorTimeLayout))
	q.Set("stop_time", stop.UTC().Format(vendorTimeLayout))
	endpoint.RawQuery = q.Encode()

	body, err := c.do(ctx, endpoint.String())
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var resp listResponse
	if err := json.NewDecoder(body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decoding window list: %w", err)
	}
	if resp.ResponseStatus != "" && resp.ResponseStatus != "SUCCESS" {
		return nil, fmt.Errorf("vendor list returned status %s", resp.ResponseStatus)
	}

	windows := make([]WindowDescriptor, 0, len(resp.Data))
	for _, item := range resp.Data {
		stopTime, err := time.Parse(vendorTimeLayout, item.StopTime)
		if err != nil {
			return nil, fmt.Errorf("parsing stop_time %q for %s: %w", item.StopTime, item.Filename, err)
		}
		windows = append(windows, WindowDescriptor{
			Filename:    item.Filename,
			LoadType:    lt,
			LogicalTime: stopTime,
			RecordCount: item.RecordCount,
			Parts:       item.FilepartDetail,
		})
	}
	return windows, nil
}

// DownloadPart streams one archive part.
func (c *HTTPClient) DownloadPart(ctx context.Context, name string) (io.ReadCloser, error) {
	endpoint, err := url.Parse(c.settings.APIURL)
	if err != nil {
		return nil, fmt.Errorf("parsing vendor URL: %w", err)
	}
	endpoint = endpoint.JoinPath("api", c.settings.APIVersion, "services", "directdata", "files", name)
	return c.do(ctx, endpoint.String())
}

// do issues an authenticated GET through the circuit breaker. The caller
// owns the returned body.
func (c *HTTPClient) do(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	result, err := c.breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, err
		}
		if c.settings.Username != "" {
			req.SetBasicAuth(c.settings.Username, c.settings.Password)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("vendor returned %s for %s", resp.Status, rawURL)
		}
		return resp.Body, nil
	})
	if err != nil {
		return nil, fmt.Errorf("vendor request failed: %w", err)
	}
	return result.(io.ReadCloser), nil
}
