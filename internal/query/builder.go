package query

import (
	"fmt"
	"strings"

	"github.com/vfxetc/sgcache/internal/store"
	"github.com/vfxetc/sgcache/internal/store/dialect"
)

// selectCol is one requested output column.
type selectCol struct {
	alias, column, label string
}

// Builder implements store.Builder, accumulating one SELECT statement's
// clauses as field strategies are invoked. The top-level query and every
// deep-filter subquery (spec.md §4.3) each get their own Builder sharing
// an aliasSeq counter so aliases never collide once nested.
type Builder struct {
	dlt       dialect.Dialect
	rootTable string
	rootAlias string

	aliasSeq   *int
	aliasByKey map[string]string

	selects []selectCol
	joins   []string
	wheres  []string
	args    []any

	parent       *Builder
	correlateCol string // non-empty inside a subquery: outer alias reference

	captures [][]capturedWhere // active AddWhere-capture frames, stack-ordered
}

type capturedWhere struct {
	fragment string
	args     []any
}

// BeginCapture starts redirecting AddWhere calls into a capture frame
// instead of committing them to this builder's WHERE clause, so the
// compiler can combine several conditions with OR before committing one
// fragment (store.Builder/FieldStrategy only know how to AND). Joins are
// unaffected: they are structural, not conditional on how the filter
// tree combines its leaves.
func (b *Builder) BeginCapture() {
	b.captures = append(b.captures, nil)
}

// EndCapture pops the current capture frame, combining everything
// recorded in it with sep ("AND" or "OR") into one fragment.
func (b *Builder) EndCapture(sep string) (string, []any) {
	n := len(b.captures)
	frame := b.captures[n-1]
	b.captures = b.captures[:n-1]
	if len(frame) == 0 {
		return "1 = 1", nil
	}
	frag := ""
	var args []any
	for i, c := range frame {
		if i > 0 {
			frag += " " + sep + " "
		}
		frag += c.fragment
		args = append(args, c.args...)
	}
	return frag, args
}

// NewRootBuilder starts a Builder for a top-level query against
// rootType's table.
func NewRootBuilder(dlt dialect.Dialect, rootTable string) *Builder {
	seq := 0
	b := &Builder{
		dlt:        dlt,
		rootTable:  rootTable,
		aliasSeq:   &seq,
		aliasByKey: map[string]string{},
	}
	b.rootAlias = b.nextAlias()
	b.aliasByKey[""] = b.rootAlias
	return b
}

func (b *Builder) nextAlias() string {
	*b.aliasSeq++
	return fmt.Sprintf("t%d", *b.aliasSeq)
}

func (b *Builder) Dialect() dialect.Dialect { return b.dlt }

func pathKey(path []store.PathSegment) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = p.Type + "." + p.Field
	}
	return strings.Join(parts, ">")
}

// AliasFor returns the alias bound to path, assigning a fresh one (and
// recording that a join will be needed for it, left to the caller) the
// first time path is seen.
func (b *Builder) AliasFor(path []store.PathSegment) string {
	key := pathKey(path)
	if a, ok := b.aliasByKey[key]; ok {
		return a
	}
	a := b.nextAlias()
	b.aliasByKey[key] = a
	return a
}

func (b *Builder) AddSelect(alias, column, label string) {
	b.selects = append(b.selects, selectCol{alias: alias, column: column, label: label})
}

func (b *Builder) AddWhere(fragment string, args ...any) {
	if n := len(b.captures); n > 0 {
		b.captures[n-1] = append(b.captures[n-1], capturedWhere{fragment: "(" + fragment + ")", args: args})
		return
	}
	b.wheres = append(b.wheres, "("+fragment+")")
	b.args = append(b.args, args...)
}

func (b *Builder) AddJoin(fragment string, args ...any) {
	b.joins = append(b.joins, fragment)
	b.args = append(b.args, args...)
}

// Subquery starts a correlated child Builder for a deep multi-entity
// filter (spec.md §4.3): it shares the alias counter so its table aliases
// never collide with the outer query's, and FROM-clause state is kept
// separate via its own joins/wheres.
func (b *Builder) Subquery() store.Builder {
	child := &Builder{
		dlt:        b.dlt,
		aliasSeq:   b.aliasSeq,
		aliasByKey: map[string]string{},
		parent:     b,
	}
	return child
}

func (b *Builder) CorrelateColumn(column string) string {
	return b.rootAlias + "." + b.dlt.QuoteIdent(column)
}

// SQL renders this builder's accumulated state as a query body. A root
// builder renders a full "SELECT ... FROM root AS alias <joins> WHERE
// ..." statement (without ORDER BY/paging, added by Compiler); a
// subquery builder (created via Subquery, whose first AddJoin supplies
// its own "FROM x a JOIN y b ON ..." fragment) renders only "<joins>
// WHERE ...", which PrepareDeepFilter wraps as "EXISTS (SELECT 1 ...)".
func (b *Builder) SQL() string {
	var sb strings.Builder
	if b.parent == nil {
		cols := make([]string, 0, len(b.selects))
		for _, c := range b.selects {
			cols = append(cols, fmt.Sprintf("%s.%s AS %s", c.alias, b.dlt.QuoteIdent(c.column), quoteAs(c.label)))
		}
		if len(cols) == 0 {
			cols = []string{b.rootAlias + ".id"}
		}
		sb.WriteString("SELECT ")
		sb.WriteString(strings.Join(cols, ", "))
		sb.WriteString(" FROM ")
		sb.WriteString(b.dlt.QuoteIdent(b.rootTable))
		sb.WriteString(" AS ")
		sb.WriteString(b.rootAlias)
		for _, j := range b.joins {
			sb.WriteString(" ")
			sb.WriteString(j)
		}
	} else {
		for i, j := range b.joins {
			if i > 0 {
				sb.WriteString(" ")
			}
			sb.WriteString(j)
		}
	}
	if len(b.wheres) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(b.wheres, " AND "))
	}
	return sb.String()
}

// Args returns this builder's positional bind arguments in the order
// AddJoin and AddWhere were called. A subquery builder keeps its own
// args; PrepareDeepFilter passes them to the outer builder together with
// the EXISTS fragment.
func (b *Builder) Args() []any { return append([]any(nil), b.args...) }

func (b *Builder) RootAlias() string { return b.rootAlias }

// quoteAs produces a safe column alias for a label that may contain
// characters SQL identifiers disallow (e.g. the "#" multi_entity
// PrepareSelect uses); double-quoted aliases accept almost anything.
func quoteAs(label string) string {
	return `"` + strings.ReplaceAll(label, `"`, `""`) + `"`
}
