package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// maxParams keeps a single statement under the postgres bind parameter limit.
const maxParams = 65535

// UpsertSpec describes an idempotent insert keyed on a unique constraint.
type UpsertSpec struct {
	Table    string
	Conflict []string
	// Columns are inserted in this order; every row supplies one value each.
	Columns []string
	// Immutable columns are written on insert but kept on conflict.
	Immutable []string
	Returning []string
}

func (s UpsertSpec) updatable() []string {
	skip := make(map[string]struct{}, len(s.Conflict)+len(s.Immutable))
	for _, c := range s.Conflict {
		skip[c] = struct{}{}
	}

	for _, c := range s.Immutable {
		skip[c] = struct{}{}
	}

	out := make([]string, 0, len(s.Columns))

	for _, c := range s.Columns {
		if _, ok := skip[c]; !ok {
			out = append(out, c)
		}
	}

	return out
}

// SQL renders the statement for the given number of rows.
func (s UpsertSpec) SQL(rows int) string {
	var b strings.Builder

	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", s.Table, strings.Join(s.Columns, ", "))

	n := 1

	for r := range rows {
		if r > 0 {
			b.WriteString(", ")
		}

		b.WriteByte('(')

		for c := range s.Columns {
			if c > 0 {
				b.WriteString(", ")
			}

			fmt.Fprintf(&b, "$%d", n)
			n++
		}

		b.WriteByte(')')
	}

	fmt.Fprintf(&b, " ON CONFLICT (%s) ", strings.Join(s.Conflict, ", "))

	update := s.updatable()
	if len(update) == 0 {
		b.WriteString("DO NOTHING")
	} else {
		sets := make([]string, len(update))
		for i, c := range update {
			sets[i] = fmt.Sprintf("%s = EXCLUDED.%s", c, c)
		}

		b.WriteString("DO UPDATE SET ")
		b.WriteString(strings.Join(sets, ", "))
	}

	if len(s.Returning) > 0 {
		b.WriteString(" RETURNING ")
		b.WriteString(strings.Join(s.Returning, ", "))
	}

	return b.String()
}

// batchSize is the number of rows that fit in one statement.
func (s UpsertSpec) batchSize() int {
	if len(s.Columns) == 0 {
		return 0
	}

	return maxParams / len(s.Columns)
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// upsert writes rows in as few statements as the parameter limit allows and
// collects the first RETURNING column as strings.
func upsert(ctx context.Context, q querier, spec UpsertSpec, rows [][]any) ([]string, error) {
	var returned []string

	size := spec.batchSize()
	if size == 0 {
		return nil, fmt.Errorf("upsert into %s has no columns", spec.Table)
	}

	for start := 0; start < len(rows); start += size {
		end := min(start+size, len(rows))
		chunk := rows[start:end]

		args := make([]any, 0, len(chunk)*len(spec.Columns))

		for _, row := range chunk {
			if len(row) != len(spec.Columns) {
				return nil, fmt.Errorf("upsert into %s: row has %d values, want %d", spec.Table, len(row), len(spec.Columns))
			}

			args = append(args, row...)
		}

		query := spec.SQL(len(chunk))

		if len(spec.Returning) == 0 {
			if _, err := q.ExecContext(ctx, query, args...); err != nil {
				return nil, wrapErr(err)
			}

			continue
		}

		keys, err := queryStrings(ctx, q, query, args...)
		if err != nil {
			return nil, err
		}

		returned = append(returned, keys...)
	}

	return returned, nil
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var out []string

	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}

		out = append(out, v)
	}

	return out, rows.Err()
}
