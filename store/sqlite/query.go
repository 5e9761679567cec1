package sqlite

import (
	"strings"
	"time"
)

// conditions accumulates ANDed WHERE clauses with their positional args.
type conditions struct {
	clauses []string
	args    []any
}

func (c *conditions) add(clause string, args ...any) {
	c.clauses = append(c.clauses, clause)
	c.args = append(c.args, args...)
}

// eq adds "col = ?" unless v is empty.
func (c *conditions) eq(col, v string) {
	if v != "" {
		c.add(col+" = ?", v)
	}
}

// in adds "col IN (?, ...)" unless vals is empty.
func (c *conditions) in(col string, vals []string) {
	if len(vals) == 0 {
		return
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(vals)), ", ")
	args := make([]any, len(vals))
	for i, v := range vals {
		args[i] = v
	}
	c.add(col+" IN ("+placeholders+")", args...)
}

// between adds a half-open [from, to) range on a timestamp column.
func (c *conditions) between(col string, from, to *time.Time) {
	if from != nil {
		c.add(col+" >= ?", formatTime(*from))
	}
	if to != nil {
		c.add(col+" < ?", formatTime(*to))
	}
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func stringsOf[T ~string](vals []T) []string {
	out := make([]string, len(vals))
	for i, v := range vals {
		out[i] = string(v)
	}
	return out
}
