// Package warehouse loads csv files into sql tables.
package warehouse

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"github.com/Ekosetiawan993/airflow-course-1/pkg/connection"
	"github.com/golang/glog"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"io"
	"net/url"
	"strconv"
	"strings"
)

var (
	ErrNoColumns     = errors.New("no-columns")
	ErrMissingColumn = errors.New("missing-column")
	ErrBadValue      = errors.New("bad-value")
)

const (
	BigInt = "BIGINT"
	Double = "DOUBLE PRECISION"
	Text   = "TEXT"

	BatchSize = 500
)

type Column struct {
	Name string
	Type string
}

type Table struct {
	Schema  string
	Name    string
	Columns []Column
}

// Columns of the formatted stock prices.
var StockColumns = []Column{
	{"timestamp", BigInt},
	{"close", Double},
	{"high", Double},
	{"low", Double},
	{"open", Double},
	{"volume", BigInt},
	{"date", Text},
}

func quote(id string) string {
	return `"` + strings.Replace(id, `"`, `""`, -1) + `"`
}

func (this Table) Qualified() string {
	if this.Schema == "" {
		return quote(this.Name)
	}
	return quote(this.Schema) + "." + quote(this.Name)
}

func (this Table) String() string {
	if this.Schema == "" {
		return this.Name
	}
	return this.Schema + "." + this.Name
}

func (this Table) create_sql() string {
	cols := []string{}
	for _, col := range this.Columns {
		cols = append(cols, quote(col.Name)+" "+col.Type)
	}
	return fmt.Sprintf("CREATE TABLE %s (%s)", this.Qualified(), strings.Join(cols, ", "))
}

func (this Table) insert_sql(rows int) string {
	names := []string{}
	marks := []string{}
	for _, col := range this.Columns {
		names = append(names, quote(col.Name))
		marks = append(marks, "?")
	}
	row := "(" + strings.Join(marks, ", ") + ")"
	values := make([]string, rows)
	for i := range values {
		values[i] = row
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", this.Qualified(), strings.Join(names, ", "),
		strings.Join(values, ", "))
}

// DSN builds a postgres url from the connection.  The schema field names the
// database.
func DSN(conn *connection.Connection) string {
	u := url.URL{Scheme: "postgres", Host: conn.Host, Path: "/" + conn.Schema}
	if conn.Port > 0 {
		u.Host = fmt.Sprintf("%s:%d", conn.Host, conn.Port)
	}
	if conn.Login != "" {
		u.User = url.UserPassword(conn.Login, conn.Password)
	}
	sslmode := conn.ExtraString("sslmode")
	if sslmode == "" {
		sslmode = "disable"
	}
	u.RawQuery = url.Values{"sslmode": []string{sslmode}}.Encode()
	return u.String()
}

func Open(conn *connection.Connection) (*sqlx.DB, error) {
	glog.Infoln("Opening warehouse", conn.Id, "host=", conn.Host, "db=", conn.Schema)
	return sqlx.Open("postgres", DSN(conn))
}

func convert(col Column, v string) (interface{}, error) {
	if v == "" {
		return nil, nil
	}
	switch col.Type {
	case BigInt:
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", col.Name, v, ErrBadValue)
		}
		return int64(f), nil
	case Double:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("%s=%q: %w", col.Name, v, ErrBadValue)
		}
		return f, nil
	}
	return v, nil
}

// LoadCSV replaces the table with the rows of the csv.  The first record is the
// header; columns are matched by name.  Everything happens in one transaction.
func LoadCSV(ctx context.Context, db *sqlx.DB, r io.Reader, table Table) (int, error) {
	if len(table.Columns) == 0 {
		return 0, ErrNoColumns
	}
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("header: %w", err)
	}
	index := map[string]int{}
	for i, h := range header {
		index[strings.TrimSpace(h)] = i
	}
	positions := make([]int, len(table.Columns))
	for i, col := range table.Columns {
		p, has := index[col.Name]
		if !has {
			return 0, fmt.Errorf("%s: %w", col.Name, ErrMissingColumn)
		}
		positions[i] = p
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+table.Qualified()); err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, table.create_sql()); err != nil {
		return 0, err
	}

	count := 0
	batch := []interface{}{}
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		rows := len(batch) / len(table.Columns)
		if _, err := tx.ExecContext(ctx, tx.Rebind(table.insert_sql(rows)), batch...); err != nil {
			return err
		}
		count += rows
		batch = batch[:0]
		return nil
	}
	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return 0, err
		}
		for i, col := range table.Columns {
			v, err := convert(col, strings.TrimSpace(record[positions[i]]))
			if err != nil {
				return 0, fmt.Errorf("line %d: %w", line, err)
			}
			batch = append(batch, v)
		}
		if len(batch)/len(table.Columns) >= BatchSize {
			if err := flush(); err != nil {
				return 0, err
			}
		}
	}
	if err := flush(); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	glog.Infoln("Loaded", count, "rows into", table)
	return count, nil
}
