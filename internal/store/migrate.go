package store

import (
	"context"
	"fmt"

	"github.com/lib/pq"
)

// gatewayColumns are the tables that reference a gateway id
var gatewayColumns = map[string]string{
	"orders":         "payment_method",
	"payment_tokens": "gateway_id",
}

// RenameGatewayBatch rewrites oldID to newID for the next limit rows of
// table after cursor. It returns the new cursor (0 once the table is
// exhausted) and the number of rows changed. Re-running a batch is harmless.
func (s *Store) RenameGatewayBatch(ctx context.Context, table, oldID, newID string, cursor int64, limit int) (int64, int64, error) {
	column, ok := gatewayColumns[table]
	if !ok {
		return 0, 0, fmt.Errorf("unknown table %q", table)
	}

	var ids []int64
	err := s.db.SelectContext(ctx, &ids,
		fmt.Sprintf("SELECT id FROM %s WHERE id > $1 ORDER BY id LIMIT $2", table),
		cursor, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to select batch: %w", err)
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET %s = $1 WHERE id = ANY($2) AND %s = $3", table, column, column),
		newID, pq.Array(ids), oldID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to rename gateway: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, 0, err
	}

	return ids[len(ids)-1], n, nil
}
