// Package stock holds the steps of the stock market pipeline that talk to the
// prices api and to object storage.
package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/storage"
	"github.com/golang/glog"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	ErrNoEndpoint  = errors.New("no-endpoint")
	ErrBadResponse = errors.New("bad-api-response")
	ErrNoResult    = errors.New("no-chart-result")
	ErrNoSymbol    = errors.New("no-symbol")
	ErrCSVNotFound = errors.New("csv-not-found")
)

const (
	PricesObject     = "prices.json"
	FormattedPrefix  = "formatted_prices/"
	MaxResponseBytes = 32 << 20
)

// AvailabilityURL is the connection's host followed by its endpoint extra.
func AvailabilityURL(conn *connection.Connection) (string, error) {
	endpoint := conn.ExtraString("endpoint")
	if conn.Host == "" || endpoint == "" {
		return "", fmt.Errorf("%s: %w", conn.Id, ErrNoEndpoint)
	}
	return conn.Host + endpoint, nil
}

func get(ctx context.Context, client *http.Client, conn *connection.Connection, u string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	for h, v := range conn.ExtraMap("headers") {
		req.Header.Set(h, v)
	}
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return err
	}
	glog.V(10).Infoln("GET", u, "status=", resp.StatusCode, "bytes=", len(body))
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%s: status %d: %w", u, resp.StatusCode, ErrBadResponse)
	}
	return nil
}

// IsAvailable asks the api for an empty query.  The api is up when it answers
// with a null finance.result.  A finance object without a result is an error,
// not a poke that should be retried.
func IsAvailable(ctx context.Context, client *http.Client, conn *connection.Connection) (bool, string, error) {
	u, err := AvailabilityURL(conn)
	if err != nil {
		return false, "", err
	}
	doc := struct {
		Finance map[string]json.RawMessage `json:"finance"`
	}{}
	if err := get(ctx, client, conn, u, &doc); err != nil {
		return false, "", err
	}
	if doc.Finance == nil {
		return false, "", fmt.Errorf("%s: no finance: %w", u, ErrBadResponse)
	}
	result, has := doc.Finance["result"]
	if !has {
		return false, "", fmt.Errorf("%s: no finance.result: %w", u, ErrBadResponse)
	}
	return string(result) == "null", u, nil
}

func PricesURL(base, symbol string) string {
	return base + url.PathEscape(symbol) + "?metrics=high&interval=1d&range=1y"
}

// FetchPrices returns chart.result[0] for the symbol as json text.
func FetchPrices(ctx context.Context, client *http.Client, conn *connection.Connection, base, symbol string) (string, error) {
	doc := struct {
		Chart struct {
			Result []json.RawMessage `json:"result"`
		} `json:"chart"`
	}{}
	u := PricesURL(base, symbol)
	if err := get(ctx, client, conn, u, &doc); err != nil {
		return "", err
	}
	if len(doc.Chart.Result) == 0 {
		return "", fmt.Errorf("%s: %w", symbol, ErrNoResult)
	}
	return string(doc.Chart.Result[0]), nil
}

// Symbol reads meta.symbol from a chart result.
func Symbol(prices string) (string, error) {
	doc := struct {
		Meta struct {
			Symbol string `json:"symbol"`
		} `json:"meta"`
	}{}
	if err := json.Unmarshal([]byte(prices), &doc); err != nil {
		return "", fmt.Errorf("%v: %w", err, ErrBadResponse)
	}
	if doc.Meta.Symbol == "" {
		return "", ErrNoSymbol
	}
	return doc.Meta.Symbol, nil
}

// StorePrices writes <symbol>/prices.json into the bucket and returns
// <bucket>/<symbol>.
func StorePrices(ctx context.Context, store storage.Store, bucket, prices string) (string, error) {
	symbol, err := Symbol(prices)
	if err != nil {
		return "", err
	}
	if err := store.EnsureBucket(ctx, bucket); err != nil {
		return "", err
	}
	if err := store.Put(ctx, bucket, symbol+"/"+PricesObject, []byte(prices), "application/json"); err != nil {
		return "", err
	}
	return storage.Join(bucket, symbol), nil
}

// FormattedCSV finds the first csv object written by the formatting job under
// <symbol>/formatted_prices/, where path is <bucket>/<symbol>.
func FormattedCSV(ctx context.Context, store storage.Store, bucket, path string) (string, error) {
	_, symbol, err := storage.Split(path)
	if err != nil {
		return "", err
	}
	symbol = strings.SplitN(symbol, "/", 2)[0]
	keys, err := store.List(ctx, bucket, symbol+"/"+FormattedPrefix)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		if strings.HasSuffix(k, ".csv") {
			return k, nil
		}
	}
	return "", fmt.Errorf("%s: %w", path, ErrCSVNotFound)
}
