package intel

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

const snapshotQuery = `
SELECT address, blockchain, category, entity_name, confidence,
       COALESCE(balance_usd, 0) AS balance_usd, tags
FROM address_intelligence`

type snapshotRow struct {
	Address    string         `db:"address"`
	Blockchain string         `db:"blockchain"`
	Category   string         `db:"category"`
	EntityName string         `db:"entity_name"`
	Confidence float64        `db:"confidence"`
	BalanceUSD float64        `db:"balance_usd"`
	Tags       pq.StringArray `db:"tags"`
}

// LoadSnapshot reads the full address-intelligence table from the
// warehouse. Callers pass the result to SnapshotStore.Replace.
func LoadSnapshot(ctx context.Context, db *sqlx.DB) ([]Record, error) {
	var rows []snapshotRow
	if err := db.SelectContext(ctx, &rows, snapshotQuery); err != nil {
		return nil, fmt.Errorf("failed to load address intelligence snapshot: %w", err)
	}

	records := make([]Record, 0, len(rows))
	for _, row := range rows {
		records = append(records, Record{
			Address:    row.Address,
			Blockchain: row.Blockchain,
			Category:   Category(row.Category),
			EntityName: row.EntityName,
			Confidence: row.Confidence,
			BalanceUSD: row.BalanceUSD,
			Tags:       row.Tags,
		})
	}
	return records, nil
}

// RefreshLoop reloads the snapshot on a fixed interval until the context is
// cancelled. Load failures keep the previous snapshot.
func RefreshLoop(ctx context.Context, db *sqlx.DB, store *SnapshotStore, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			records, err := LoadSnapshot(ctx, db)
			if err != nil {
				log.Warn().Err(err).Msg("AIS snapshot refresh failed, keeping previous snapshot")
				continue
			}
			store.Replace(records)
			log.Info().Int("records", len(records)).Msg("AIS snapshot refreshed")
		}
	}
}
