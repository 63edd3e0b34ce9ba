package report

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"strconv"
	"time"

	"github.com/appwrite/sdk-for-go/appwrite"
	"github.com/appwrite/sdk-for-go/client"
	"github.com/appwrite/sdk-for-go/tablesdb"

	"github.com/keithlinneman/server-guardian/internal/breaker"
	"github.com/keithlinneman/server-guardian/internal/xerrors"
)

type AppwriteOptions struct {
	Endpoint string
	Project  string
	APIKey   string
	Database string
	Table    string
	Host     string
	// Timeout bounds each SDK request. Zero keeps the SDK default.
	Timeout time.Duration
}

// upsertFunc writes data to the row with the given id, creating it if needed.
type upsertFunc func(rowID string, data map[string]any) error

// AppwriteSink keeps one row per host and day, plus one row per incident,
// in an Appwrite table.
type AppwriteSink struct {
	host   string
	upsert upsertFunc
}

func NewAppwriteSink(opts AppwriteOptions) (*AppwriteSink, error) {
	if opts.Endpoint == "" || opts.Project == "" || opts.APIKey == "" {
		return nil, xerrors.New("appwrite endpoint, project and api key are required")
	}
	if opts.Database == "" || opts.Table == "" {
		return nil, xerrors.New("appwrite database and table are required")
	}
	copts := []client.ClientOption{
		appwrite.WithEndpoint(opts.Endpoint),
		appwrite.WithProject(opts.Project),
		appwrite.WithKey(opts.APIKey),
	}
	if opts.Timeout > 0 {
		copts = append(copts, appwrite.WithTimeout(opts.Timeout))
	}
	clt := appwrite.NewClient(copts...)
	db := tablesdb.New(clt)

	return &AppwriteSink{
		host: opts.Host,
		upsert: func(rowID string, data map[string]any) error {
			_, err := db.UpsertRow(opts.Database, opts.Table, rowID, db.WithUpsertRowData(data))
			return err
		},
	}, nil
}

func (a *AppwriteSink) Name() string { return "appwrite" }

// rowID is stable per key; Appwrite ids are capped at 36 chars.
func rowID(parts ...string) string {
	h := sha1.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func (a *AppwriteSink) PublishDaily(ctx context.Context, d Daily) error {
	data := map[string]any{
		"kind":         "daily",
		"host":         d.Host,
		"day":          d.Day,
		"final":        d.Final,
		"total_bytes":  strconv.FormatUint(d.TotalBytes, 10),
		"unique_addrs": d.UniqueAddrs,
		"updated_at":   d.GeneratedAt.UTC().Format(time.RFC3339),
	}
	return a.do(ctx, rowID("daily", d.Host, d.Day), data)
}

func (a *AppwriteSink) RecordIncident(ctx context.Context, inc breaker.Incident) error {
	host := inc.Host
	if host == "" {
		host = a.host
	}
	at := inc.At.UTC().Format(time.RFC3339Nano)
	data := map[string]any{
		"kind":         "incident",
		"host":         host,
		"day":          inc.Day,
		"reason":       string(inc.Reason),
		"total_bytes":  strconv.FormatUint(inc.TotalBytes, 10),
		"unique_addrs": inc.UniqueAddrs,
		"updated_at":   at,
	}
	return a.do(ctx, rowID("incident", host, at), data)
}

// do runs the upsert until it returns or ctx ends, whichever is first. The
// SDK takes no context, so an abandoned request finishes in the background
// under the client timeout.
func (a *AppwriteSink) do(ctx context.Context, id string, data map[string]any) error {
	if err := ctx.Err(); err != nil {
		return xerrors.Wrap(err, "appwrite upsert")
	}
	done := make(chan error, 1)
	go func() { done <- a.upsert(id, data) }()

	select {
	case err := <-done:
		if err != nil {
			return xerrors.Wrapf(err, "appwrite upsert row %s", id)
		}
		return nil
	case <-ctx.Done():
		return xerrors.Wrapf(ctx.Err(), "appwrite upsert row %s", id)
	}
}
