package store

import (
	"fmt"
	"strings"

	"github.com/TFMV/duckdash/pkg/infrastructure"
	"github.com/TFMV/duckdash/pkg/models"
	"github.com/TFMV/duckdash/pkg/queue"
)

// BuildQuery applies params on top of base. Without params, or when base is
// a multi-statement script that cannot be wrapped, base is returned as is.
func BuildQuery(base string, p models.QueryParams) string {
	if p.Filter == "" && len(p.Sort) == 0 && p.Limit <= 0 && p.Offset <= 0 {
		return base
	}
	stmts := queue.SplitStatements(base)
	if len(stmts) != 1 {
		return base
	}

	var b strings.Builder
	b.WriteString("SELECT * FROM (\n")
	b.WriteString(stmts[0])
	b.WriteString("\n) AS _dash_base")

	if f := strings.TrimSpace(p.Filter); f != "" {
		b.WriteString("\nWHERE ")
		b.WriteString(f)
	}
	if len(p.Sort) > 0 {
		keys := make([]string, 0, len(p.Sort))
		for _, s := range p.Sort {
			key := infrastructure.QuoteIdentifier(s.Column)
			if s.Descending {
				key += " DESC"
			}
			keys = append(keys, key)
		}
		b.WriteString("\nORDER BY ")
		b.WriteString(strings.Join(keys, ", "))
	}
	if p.Limit > 0 {
		fmt.Fprintf(&b, "\nLIMIT %d", p.Limit)
	}
	if p.Offset > 0 {
		fmt.Fprintf(&b, "\nOFFSET %d", p.Offset)
	}
	return b.String()
}

// SourceQuery derives the base query for a relation opened from source at
// path.
func SourceQuery(source models.RelationSource, path []string) string {
	if source.Query != "" || len(path) == 0 {
		return source.Query
	}
	switch source.Kind {
	case models.SourceFile:
		return "SELECT * FROM " + infrastructure.QuoteLiteral(path[len(path)-1])
	case models.SourceTable, models.SourceView:
		return "SELECT * FROM " + infrastructure.QualifiedName(path...)
	default:
		return ""
	}
}
