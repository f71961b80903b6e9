// Package dags defines the pipelines this repo schedules.
package dags

import (
	"bytes"
	"context"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/dag"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/docker"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/notify"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/oddeven"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/stock"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/storage"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/warehouse"
	"github.com/golang/glog"
	"github.com/jmoiron/sqlx"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

const (
	OddEvenMachineId = "odd_even_machine"
	StockMarketId    = "stock_market"

	StockApiConn  = "stock_api"
	MinioConn     = "minio"
	PostgresConn  = "postgres"
	SlackConn     = "slack"
	DefaultSymbol = "AAPL"
)

var StartDate = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type Options struct {
	Symbol string `yaml:"symbol"`
	Bucket string `yaml:"bucket"`
	Schema string `yaml:"schema"`
	Table  string `yaml:"table"`

	PokeInterval time.Duration `yaml:"poke_interval"`
	PokeTimeout  time.Duration `yaml:"poke_timeout"`

	Image         string `yaml:"image"`
	ContainerName string `yaml:"container_name"`
	DockerURL     string `yaml:"docker_url"`
	DockerVersion string `yaml:"docker_version"`
	NetworkMode   string `yaml:"network_mode"`

	Channel string `yaml:"channel"`
	Success string `yaml:"success_text"`
	Failure string `yaml:"failure_text"`

	HTTP     *http.Client    `yaml:"-"`
	Docker   docker.Runner   `yaml:"-"`
	Notifier notify.Notifier `yaml:"-"`
	Rand     *rand.Rand      `yaml:"-"`
	// Storage and Warehouse default to the minio and postgres connections,
	// resolved when a task runs.
	Storage   func(ctx *dag.Context) (storage.Store, error) `yaml:"-"`
	Warehouse func(ctx *dag.Context) (*sqlx.DB, error)     `yaml:"-"`
}

func DefaultOptions() Options {
	return Options{
		Symbol:        DefaultSymbol,
		Bucket:        "stock-market",
		Schema:        "public",
		Table:         "stock_market",
		PokeInterval:  30 * time.Second,
		PokeTimeout:   300 * time.Second,
		Image:         "airflow/spark-app",
		ContainerName: "format_prices",
		DockerURL:     "tcp://docker-proxy:2375",
		DockerVersion: "auto",
		NetworkMode:   "container:spark-master",
		Channel:       "stock-market",
		Success:       "The stock_market DAG success",
		Failure:       "The stock_market DAG FAILED",
	}
}

// merge fills the zero fields of this from def.
func (this Options) merge(def Options) Options {
	set := func(v *string, d string) {
		if *v == "" {
			*v = d
		}
	}
	set(&this.Symbol, def.Symbol)
	set(&this.Bucket, def.Bucket)
	set(&this.Schema, def.Schema)
	set(&this.Table, def.Table)
	set(&this.Image, def.Image)
	set(&this.ContainerName, def.ContainerName)
	set(&this.DockerURL, def.DockerURL)
	set(&this.DockerVersion, def.DockerVersion)
	set(&this.NetworkMode, def.NetworkMode)
	set(&this.Channel, def.Channel)
	set(&this.Success, def.Success)
	set(&this.Failure, def.Failure)
	if this.PokeInterval == 0 {
		this.PokeInterval = def.PokeInterval
	}
	if this.PokeTimeout == 0 {
		this.PokeTimeout = def.PokeTimeout
	}
	if this.Notifier == nil {
		this.Notifier = notify.Log{}
	}
	if this.Docker == nil {
		this.Docker = &lazy_docker{endpoint: this.DockerURL, version: this.DockerVersion}
	}
	if this.Storage == nil {
		this.Storage = minio_storage
	}
	if this.Warehouse == nil {
		this.Warehouse = postgres_warehouse
	}
	return this
}

func daily(d *dag.Dag) *dag.Dag {
	d.StartDate = StartDate
	d.Schedule = "@daily"
	d.Catchup = false
	d.Tags = []string{"stock_market"}
	return d
}

func OddEvenMachine(opts Options) *dag.Dag {
	rnd := opts.Rand
	lock := sync.Mutex{}
	d := daily(dag.New(OddEvenMachineId))
	d.Add(
		dag.NewFuncTask("generate_random_number", func(ctx *dag.Context, _ map[string]string) (interface{}, error) {
			lock.Lock()
			n := oddeven.Generate(rnd)
			lock.Unlock()
			ctx.Log("generate :", n)
			return n, nil
		}, nil),
		dag.NewFuncTask("odd_or_even", func(ctx *dag.Context, params map[string]string) (interface{}, error) {
			result, err := oddeven.ClassifyString(params["number"])
			if err != nil {
				return nil, err
			}
			ctx.Log(params["number"], "is", result)
			return result, nil
		}, map[string]string{
			"number": `{{ xcom_pull "generate_random_number" }}`,
		}),
	)
	d.Chain("generate_random_number", "odd_or_even")
	return d
}

func StockMarket(opts Options) *dag.Dag {
	opts = opts.merge(DefaultOptions())
	d := daily(dag.New(StockMarketId))
	d.OnSuccess = notify.Callback(opts.Notifier, opts.Channel, opts.Success)
	d.OnFailure = notify.Callback(opts.Notifier, opts.Channel, opts.Failure)

	d.Add(
		dag.NewSensor("is_api_available", opts.PokeInterval, opts.PokeTimeout, func(ctx *dag.Context) (bool, interface{}, error) {
			conn, err := ctx.Connection(StockApiConn)
			if err != nil {
				return false, nil, err
			}
			done, url, err := stock.IsAvailable(ctx, opts.HTTP, conn)
			if err != nil {
				return false, nil, err
			}
			return done, url, nil
		}),

		dag.NewFuncTask("get_stock_prices", func(ctx *dag.Context, params map[string]string) (interface{}, error) {
			conn, err := ctx.Connection(StockApiConn)
			if err != nil {
				return nil, err
			}
			return stock.FetchPrices(ctx, opts.HTTP, conn, params["url"], params["symbol"])
		}, map[string]string{
			"url":    `{{ xcom_pull "is_api_available" }}`,
			"symbol": opts.Symbol,
		}),

		dag.NewFuncTask("store_prices", func(ctx *dag.Context, params map[string]string) (interface{}, error) {
			store, err := opts.Storage(ctx)
			if err != nil {
				return nil, err
			}
			return stock.StorePrices(ctx, store, opts.Bucket, params["stock"])
		}, map[string]string{
			"stock": `{{ xcom_pull "get_stock_prices" }}`,
		}),

		docker.NewTask("format_prices", opts.Docker, docker.RunSpec{
			Image:       opts.Image,
			Name:        opts.ContainerName,
			NetworkMode: opts.NetworkMode,
			Tty:         true,
			AutoRemove:  true,
			Env: map[string]string{
				"SPARK_APPLICATION_ARGS": `{{ xcom_pull "store_prices" }}`,
			},
		}),

		dag.NewFuncTask("get_formatted_csv", func(ctx *dag.Context, params map[string]string) (interface{}, error) {
			store, err := opts.Storage(ctx)
			if err != nil {
				return nil, err
			}
			return stock.FormattedCSV(ctx, store, opts.Bucket, params["path"])
		}, map[string]string{
			"path": `{{ xcom_pull "store_prices" }}`,
		}),

		dag.NewFuncTask("load_to_dw", func(ctx *dag.Context, params map[string]string) (interface{}, error) {
			return load_to_dw(ctx, opts, params["input"])
		}, map[string]string{
			"input": "s3://" + opts.Bucket + `/{{ xcom_pull "get_formatted_csv" }}`,
		}),
	)
	d.Chain("is_api_available", "get_stock_prices", "store_prices", "format_prices", "get_formatted_csv", "load_to_dw")
	return d
}

func load_to_dw(ctx *dag.Context, opts Options, input string) (interface{}, error) {
	bucket, key, err := storage.Split(input)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", input, err)
	}
	store, err := opts.Storage(ctx)
	if err != nil {
		return nil, err
	}
	data, err := store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	db, err := opts.Warehouse(ctx)
	if err != nil {
		return nil, err
	}
	defer db.Close()
	table := warehouse.Table{Schema: opts.Schema, Name: opts.Table, Columns: warehouse.StockColumns}
	n, err := warehouse.LoadCSV(ctx, db, bytes.NewReader(data), table)
	if err != nil {
		return nil, err
	}
	ctx.Log("Loaded", n, "rows from", input, "into", table)
	return n, nil
}

func minio_storage(ctx *dag.Context) (storage.Store, error) {
	conn, err := ctx.Connection(MinioConn)
	if err != nil {
		return nil, err
	}
	return storage.NewMinio(conn)
}

func postgres_warehouse(ctx *dag.Context) (*sqlx.DB, error) {
	conn, err := ctx.Connection(PostgresConn)
	if err != nil {
		return nil, err
	}
	return warehouse.Open(conn)
}

// lazy_docker connects to the daemon on first use.
type lazy_docker struct {
	endpoint string
	version  string

	lock   sync.Mutex
	client *docker.Docker
}

func (this *lazy_docker) RunOnce(ctx context.Context, spec docker.RunSpec, out io.Writer) (*docker.Container, error) {
	this.lock.Lock()
	if this.client == nil {
		c, err := docker.NewClient(this.endpoint, this.version)
		if err != nil {
			this.lock.Unlock()
			return nil, err
		}
		glog.Infoln("Connected to docker at", this.endpoint)
		this.client = c
	}
	client := this.client
	this.lock.Unlock()
	return client.RunOnce(ctx, spec, out)
}

// All returns every dag, keyed by id.
func All(opts Options) map[string]*dag.Dag {
	list := []*dag.Dag{OddEvenMachine(opts), StockMarket(opts)}
	out := map[string]*dag.Dag{}
	for _, d := range list {
		out[d.Id] = d
	}
	return out
}
