package joinbuilder

import (
	"context"
	"math"
	"sort"
	"strings"

	"tablekit/internal/dbregistry"
	"tablekit/internal/storage"
)

// Relationship is a candidate join edge. Candidates are advisory and never
// applied automatically.
type Relationship struct {
	LeftTable     string  `json:"table1"`
	LeftColumn    string  `json:"column1"`
	RightTable    string  `json:"table2"`
	RightColumn   string  `json:"column2"`
	LeftType      string  `json:"type1"`
	RightType     string  `json:"type2"`
	Confidence    float64 `json:"confidence"`
	SuggestedJoin string  `json:"suggested_join"`
}

// Join converts r into a join edge of its suggested kind.
func (r Relationship) Join() Join {
	return Join{LeftTable: r.LeftTable, LeftColumn: r.LeftColumn, RightTable: r.RightTable, RightColumn: r.RightColumn, Kind: r.SuggestedJoin}
}

// FindPotentialRelationships proposes join edges for every column pair of
// every pair of tables, sorted by descending confidence. Unknown tables are
// NotFound.
func (b *Builder) FindPotentialRelationships(ctx context.Context, h *dbregistry.Handle, tables []string) ([]Relationship, error) {
	out := []Relationship{}
	if len(tables) < 2 {
		return out, nil
	}
	cols := make(map[string][]storage.ColumnInfo, len(tables))
	for _, t := range tables {
		c, err := b.Tables.Columns(ctx, h, t)
		if err != nil {
			return nil, err
		}
		cols[t] = c
	}

	for i, t1 := range tables {
		for _, t2 := range tables[i+1:] {
			for _, c1 := range cols[t1] {
				for _, c2 := range cols[t2] {
					if !related(c1.Name, c2.Name) {
						continue
					}
					conf := confidence(c1, c2)
					join := Left
					if conf > 0.8 {
						join = Inner
					}
					out = append(out, Relationship{
						LeftTable: t1, LeftColumn: c1.Name, LeftType: c1.DeclaredType,
						RightTable: t2, RightColumn: c2.Name, RightType: c2.DeclaredType,
						Confidence: conf, SuggestedJoin: join,
					})
				}
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	b.logf("relationships: tables=%d candidates=%d", len(tables), len(out))
	return out, nil
}

// related reports whether two column names are join candidates: equal
// ignoring case, an <x>_id/id pair, or equal once underscores and spaces are
// removed.
func related(a, b string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	switch {
	case la == lb:
		return true
	case strings.HasSuffix(la, "_id") && lb == "id", strings.HasSuffix(lb, "_id") && la == "id":
		return true
	}
	return squash(la) == squash(lb)
}

func squash(s string) string {
	return strings.NewReplacer("_", "", " ", "").Replace(s)
}

// confidence scores a related pair in [0,1]. Exact and id-shaped names score
// high; a pair of two primary keys is penalized.
func confidence(c1, c2 storage.ColumnInfo) float64 {
	la, lb := strings.ToLower(c1.Name), strings.ToLower(c2.Name)
	score := 0.0
	if la == lb {
		score += 0.9
	}
	switch {
	case la == "id" || lb == "id":
		score += 0.8
	case strings.Contains(la, "_id") || strings.Contains(lb, "_id"):
		score += 0.7
	}
	if squash(la) == squash(lb) {
		score += 0.6
	}
	score = math.Min(score, 1)
	if c1.PrimaryKey && c2.PrimaryKey {
		score -= 0.3
	}
	return math.Round(math.Max(score, 0)*100) / 100
}
