package labreport

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/labintel/internal/platform/db"
)

type labResultRepoPG struct{ pool *pgxpool.Pool }

// NewRepoPG returns a Postgres-backed Repository.
func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &labResultRepoPG{pool: pool}
}

func (r *labResultRepoPG) conn(ctx context.Context) db.Querier {
	return db.ConnFromContext(ctx, r.pool)
}

const labResultCols = `id, test_name, normalized_test_name, normalized, value, unit,
	reference_range, status, collection_date, source_document_id, trend_direction,
	insight_tags, family_context_tags, watch_items, explanation`

func scanLabResult(row pgx.Row) (LabResult, error) {
	var lr LabResult
	err := row.Scan(&lr.ID, &lr.TestName, &lr.NormalizedTestName, &lr.Normalized, &lr.Value, &lr.Unit,
		&lr.ReferenceRange, &lr.Status, &lr.CollectionDate, &lr.SourceDocumentID, &lr.TrendDirection,
		&lr.InsightTags, &lr.FamilyContextTags, &lr.WatchItems, &lr.Explanation)
	if lr.InsightTags == nil {
		lr.InsightTags = []string{}
	}
	if lr.FamilyContextTags == nil {
		lr.FamilyContextTags = []string{}
	}
	if lr.WatchItems == nil {
		lr.WatchItems = []string{}
	}
	return lr, err
}

func collect(rows pgx.Rows) ([]LabResult, error) {
	defer rows.Close()
	var out []LabResult
	for rows.Next() {
		lr, err := scanLabResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, lr)
	}
	return out, rows.Err()
}

// ReplaceDocumentResults deletes the document's previous results and
// inserts the new set in one transaction.
func (r *labResultRepoPG) ReplaceDocumentResults(ctx context.Context, ownerID string, doc *Document) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context) error {
		q := r.conn(ctx)
		if _, err := q.Exec(ctx, `DELETE FROM lab_result WHERE source_document_id = $1 AND owner_id = $2`, doc.ID, ownerID); err != nil {
			return fmt.Errorf("delete previous results for %s: %w", doc.ID, err)
		}
		for i, lr := range doc.LabResults {
			_, err := q.Exec(ctx, `
				INSERT INTO lab_result (id, owner_id, source_document_id, file_name, test_name,
					normalized_test_name, normalized, value, unit, reference_range, status,
					collection_date, trend_direction, insight_tags, family_context_tags,
					watch_items, explanation, ordinal)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
				lr.ID, ownerID, doc.ID, doc.FileName, lr.TestName,
				lr.NormalizedTestName, lr.Normalized, lr.Value, lr.Unit, lr.ReferenceRange, string(lr.Status),
				lr.CollectionDate, string(lr.TrendDirection), lr.InsightTags, lr.FamilyContextTags,
				lr.WatchItems, lr.Explanation, i+1)
			if err != nil {
				return fmt.Errorf("insert result %s: %w", lr.ID, err)
			}
		}
		return nil
	})
}

func (r *labResultRepoPG) ListByDocument(ctx context.Context, ownerID, documentID string) ([]LabResult, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+labResultCols+`
		FROM lab_result WHERE source_document_id = $1 AND owner_id = $2 ORDER BY ordinal`, documentID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list results for %s: %w", documentID, err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (r *labResultRepoPG) ListByOwner(ctx context.Context, ownerID, testName string, limit, offset int) ([]LabResult, int, error) {
	where := `owner_id = $1`
	args := []interface{}{ownerID}
	if testName != "" {
		where += ` AND normalized_test_name = $2`
		args = append(args, testName)
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_result WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count results: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM lab_result WHERE %s
		ORDER BY collection_date DESC, source_document_id, ordinal LIMIT $%d OFFSET $%d`,
		labResultCols, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list results: %w", err)
	}
	out, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *labResultRepoPG) History(ctx context.Context, ownerID string, testNames []string, excludeDocumentID string) (map[string][]HistoryPoint, error) {
	history := make(map[string][]HistoryPoint)
	if len(testNames) == 0 {
		return history, nil
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT normalized_test_name, value, collection_date, source_document_id
		FROM lab_result
		WHERE owner_id = $1 AND normalized_test_name = ANY($2) AND source_document_id <> $3
		ORDER BY collection_date`, ownerID, testNames, excludeDocumentID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			name string
			p    HistoryPoint
		)
		if err := rows.Scan(&name, &p.Value, &p.CollectedAt, &p.DocumentID); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		history[name] = append(history[name], p)
	}
	return history, rows.Err()
}
