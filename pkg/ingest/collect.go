// Package ingest pulls records from a partitioned HTTP JSON API and
// normalizes them into a tabular dataset.
package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/clients"
	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/logger"
	"github.com/ajitpratap0/ferry/pkg/tracing"
)

// Query describes the request sent for every partition.
type Query struct {
	URL      string
	Fields   string
	Format   string
	Geometry string
	// PartitionParam is the query parameter carrying the partition key
	PartitionParam string
	// Partitions are requested in order; blank entries are skipped and an
	// empty list issues one unpartitioned request
	Partitions []string
}

// QueryFromConfig builds a Query from the API section of the config.
func QueryFromConfig(cfg config.APIConfig) Query {
	return Query{
		URL:            cfg.URL,
		Fields:         cfg.Fields,
		Format:         cfg.Format,
		Geometry:       cfg.Geometry,
		PartitionParam: cfg.PartitionParam,
		Partitions:     cfg.Partitions,
	}
}

// ActivePartitions returns the non-blank partitions in order, or nil when
// the request is unpartitioned.
func (q Query) ActivePartitions() []string {
	var out []string
	for _, p := range q.Partitions {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// RequestObserver is told the outcome of every API call. status is the
// HTTP status code, or "error" when no response arrived.
type RequestObserver interface {
	ObserveAPIRequest(status string)
}

// Adapter performs API requests.
type Adapter struct {
	client   *clients.HTTPClient
	log      *zap.Logger
	observer RequestObserver
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the adapter logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

// WithObserver registers a request observer.
func WithObserver(o RequestObserver) Option {
	return func(a *Adapter) { a.observer = o }
}

// NewAdapter creates an adapter on client.
func NewAdapter(client *clients.HTTPClient, opts ...Option) *Adapter {
	a := &Adapter{client: client}
	for _, opt := range opts {
		opt(a)
	}
	a.log = logger.OrGlobal(a.log).With(zap.String("component", "ingest"))
	return a
}

// Collect issues one request per partition, or a single request when there
// are none, and concatenates the returned arrays in partition order. Every
// response must be a JSON array.
func (a *Adapter) Collect(ctx context.Context, q Query, auth Auth) ([]dataset.Value, error) {
	partitions := q.ActivePartitions()
	if len(partitions) == 0 {
		return a.fetch(ctx, q, auth, "")
	}

	var records []dataset.Value
	for _, p := range partitions {
		batch, err := a.fetch(ctx, q, auth, p)
		if err != nil {
			return nil, err
		}
		a.log.Info("partition fetched", zap.String("partition", p), zap.Int("records", len(batch)))
		records = append(records, batch...)
	}
	return records, nil
}

func (a *Adapter) fetch(ctx context.Context, q Query, auth Auth, partition string) (records []dataset.Value, err error) {
	ctx, span := tracing.Start(ctx, "ingest.partition",
		attribute.String("ferry.partition", partition),
		attribute.String("url.full", q.URL))
	defer func() {
		span.SetAttributes(attribute.Int("ferry.records", len(records)))
		tracing.End(span, err)
	}()

	target, err := requestURL(q, auth, partition)
	if err != nil {
		return nil, err
	}

	body, err := a.get(ctx, target, q.URL, auth.Headers, partition)
	if err != nil {
		return nil, err
	}

	payload, err := dataset.ParseJSON(body)
	if err != nil || payload.Kind() != dataset.KindList {
		return nil, errors.UnexpectedResponseShape(partition, body)
	}
	return payload.Items(), nil
}

// get requests target and returns the body of a 2xx response. source is
// the configured URL, reported in errors without credentials.
func (a *Adapter) get(ctx context.Context, target, source string, headers map[string]string, partition string) ([]byte, error) {
	resp, err := a.client.Get(ctx, target, headers)
	if err != nil {
		a.observe("error")
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "request to "+source+" failed").
			WithDetail("url", source).
			WithDetail("partition", partition)
	}
	defer resp.Body.Close()
	a.observe(strconv.Itoa(resp.StatusCode))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeTransport, "failed to read response from "+source).
			WithDetail("partition", partition)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, errors.New(errors.ErrorTypeTransport,
			fmt.Sprintf("%s returned %d %s", source, resp.StatusCode, http.StatusText(resp.StatusCode))).
			WithDetail("url", source).
			WithDetail("status", resp.StatusCode).
			WithDetail("partition", partition)
	}
	return body, nil
}

func (a *Adapter) observe(status string) {
	if a.observer != nil {
		a.observer.ObserveAPIRequest(status)
	}
}

func requestURL(q Query, auth Auth, partition string) (string, error) {
	u, err := url.Parse(q.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "invalid API URL %q", q.URL)
	}

	values := u.Query()
	setIf(values, "fields", q.Fields)
	setIf(values, "format", q.Format)
	setIf(values, "geometry", q.Geometry)
	for k, v := range auth.Params {
		values.Set(k, v)
	}
	if partition != "" {
		param := q.PartitionParam
		if param == "" {
			return "", errors.New(errors.ErrorTypeConfig, "partition parameter name is required when partitions are set")
		}
		values.Set(param, partition)
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func setIf(values url.Values, key, value string) {
	if value != "" {
		values.Set(key, value)
	}
}
