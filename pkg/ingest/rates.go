package ingest

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ajitpratap0/ferry/pkg/config"
	"github.com/ajitpratap0/ferry/pkg/dataset"
	"github.com/ajitpratap0/ferry/pkg/errors"
	"github.com/ajitpratap0/ferry/pkg/tracing"
)

// browserAgent is sent to the barometer, which rejects non-browser clients.
const browserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// Rate table columns, in output order.
const (
	ColumnRegion    = "region"
	ColumnDuration  = "duree_ans"
	ColumnUpdatedOn = "date_mise_a_jour"
)

// rateTiers maps the response key prefix of each rate tier to its column.
// The key of a tier for d years is <prefix><d>f.
var rateTiers = []struct {
	prefix string
	column string
}{
	{"e", "taux_excellent"},
	{"b", "tres_bon_taux"},
	{"m", "bon_taux"},
}

// Region is one area of the rate barometer.
type Region struct {
	Code string
	Name string
}

// RateQuery describes a barometer scrape: one request per region.
type RateQuery struct {
	URL         string
	RegionParam string
	Regions     []Region
	Durations   []int
	Headers     map[string]string
}

// RateQueryFromConfig builds a RateQuery from the rates section of the
// config, adding the browser headers the endpoint expects.
func RateQueryFromConfig(cfg config.RatesConfig) RateQuery {
	regions := make([]Region, 0, len(cfg.Regions))
	for _, r := range cfg.Regions {
		regions = append(regions, Region{Code: r.Code, Name: r.Name})
	}
	headers := map[string]string{
		"User-Agent":       browserAgent,
		"X-Requested-With": "XMLHttpRequest",
	}
	if cfg.Referer != "" {
		headers["Referer"] = cfg.Referer
	}
	return RateQuery{
		URL:         cfg.URL,
		RegionParam: cfg.RegionParam,
		Regions:     regions,
		Durations:   cfg.Durations,
		Headers:     headers,
	}
}

// rateRow is one region and duration of the barometer.
type rateRow struct {
	region   string
	duration int
	updated  dataset.Value
	rates    []float64
}

// CollectRates requests every region in order and returns one row per
// region and duration, sorted by region name then duration. A region whose
// payload lacks a rate fails the whole collection.
func (a *Adapter) CollectRates(ctx context.Context, q RateQuery) (*dataset.Table, error) {
	if len(q.Regions) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no rate regions configured")
	}
	if len(q.Durations) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "no rate durations configured")
	}

	var rows []rateRow
	for _, r := range q.Regions {
		record, err := a.fetchRegion(ctx, q, r)
		if err != nil {
			return nil, err
		}
		regionRows, err := parseRates(record, r, q.Durations)
		if err != nil {
			return nil, err
		}
		a.log.Info("region fetched", zap.String("region", r.Name), zap.Int("durations", len(regionRows)))
		rows = append(rows, regionRows...)
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].region != rows[j].region {
			return rows[i].region < rows[j].region
		}
		return rows[i].duration < rows[j].duration
	})
	return rateTable(rows)
}

// fetchRegion returns the first entry of the region's "res" array.
func (a *Adapter) fetchRegion(ctx context.Context, q RateQuery, r Region) (record dataset.Value, err error) {
	ctx, span := tracing.Start(ctx, "ingest.region",
		attribute.String("ferry.partition", r.Code),
		attribute.String("ferry.region", r.Name),
		attribute.String("url.full", q.URL))
	defer func() { tracing.End(span, err) }()

	target, err := regionURL(q, r.Code)
	if err != nil {
		return dataset.Value{}, err
	}
	body, err := a.get(ctx, target, q.URL, q.Headers, r.Code)
	if err != nil {
		return dataset.Value{}, err
	}

	payload, err := dataset.ParseJSON(body)
	if err != nil || payload.Kind() != dataset.KindMap {
		return dataset.Value{}, errors.UnexpectedResponseShape(r.Code, body)
	}
	res, _ := payload.Get("res")
	first, ok := res.Index(0)
	if !ok || first.Kind() != dataset.KindMap {
		return dataset.Value{}, errors.UnexpectedResponseShape(r.Code, body)
	}
	return first, nil
}

func regionURL(q RateQuery, code string) (string, error) {
	u, err := url.Parse(q.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", errors.Newf(errors.ErrorTypeConfig, "invalid rates URL %q", q.URL)
	}
	param := q.RegionParam
	if param == "" {
		return "", errors.New(errors.ErrorTypeConfig, "region parameter name is required")
	}
	values := u.Query()
	values.Set(param, code)
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func parseRates(record dataset.Value, r Region, durations []int) ([]rateRow, error) {
	updated := updateDate(record)
	rows := make([]rateRow, 0, len(durations))
	for _, d := range durations {
		row := rateRow{region: r.Name, duration: d, updated: updated, rates: make([]float64, len(rateTiers))}
		for i, tier := range rateTiers {
			key := tier.prefix + strconv.Itoa(d) + "f"
			v, ok := record.Get(key)
			if !ok || v.IsNull() {
				return nil, errors.New(errors.ErrorTypeUnexpectedResponseShape,
					fmt.Sprintf("rate %s missing for region %s", key, r.Name)).
					WithDetail("partition", r.Code).
					WithDetail("key", key)
			}
			rate, err := ParseRate(v)
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeUnexpectedResponseShape,
					fmt.Sprintf("invalid rate %s for region %s", key, r.Name)).
					WithDetail("partition", r.Code).
					WithDetail("key", key)
			}
			row.rates[i] = rate
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ParseRate reads a percentage written with a decimal comma ("3,45") or a
// dot, or sent as a JSON number, rounded to two decimals.
func ParseRate(v dataset.Value) (float64, error) {
	if f, ok := v.AsFloat(); ok {
		return round2(f), nil
	}
	s, ok := v.AsString()
	if !ok {
		return 0, fmt.Errorf("rate is a %s, not a number", v.Kind())
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(s), ",", "."), 64)
	if err != nil {
		return 0, fmt.Errorf("rate %q is not a number", s)
	}
	return round2(f), nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}

// updateDate reformats the "date" field from YYYY-MM-DD to DD/MM/YYYY. An
// unparseable date is kept as sent and a missing one is null.
func updateDate(record dataset.Value) dataset.Value {
	v, ok := record.Get("date")
	if !ok || v.IsNull() {
		return dataset.Null()
	}
	raw := v.Text()
	t, err := time.Parse("2006-01-02", strings.TrimSpace(raw))
	if err != nil {
		return dataset.String(raw)
	}
	return dataset.String(t.Format("02/01/2006"))
}

func rateTable(rows []rateRow) (*dataset.Table, error) {
	regions := make([]dataset.Value, len(rows))
	durations := make([]dataset.Value, len(rows))
	dates := make([]dataset.Value, len(rows))
	tiers := make([][]dataset.Value, len(rateTiers))
	for i := range tiers {
		tiers[i] = make([]dataset.Value, len(rows))
	}
	for i, row := range rows {
		regions[i] = dataset.String(row.region)
		durations[i] = dataset.Int(int64(row.duration))
		dates[i] = row.updated
		for j, rate := range row.rates {
			tiers[j][i] = dataset.Float(rate)
		}
	}

	columns := []dataset.Column{
		{Name: ColumnRegion, Values: regions},
		{Name: ColumnDuration, Values: durations},
		{Name: ColumnUpdatedOn, Values: dates},
	}
	for i, tier := range rateTiers {
		columns = append(columns, dataset.Column{Name: tier.column, Values: tiers[i]})
	}
	return dataset.NewTable(columns...)
}
