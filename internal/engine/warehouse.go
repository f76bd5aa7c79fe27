package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/sony/gobreaker"
)

const profileQuery = `
SELECT address,
       COALESCE(total_usd, 0)      AS total_usd,
       COALESCE(buy_ratio, 0)      AS buy_ratio,
       COALESCE(tx_count, 0)       AS tx_count,
       COALESCE(is_known_whale, false) AS is_known_whale
  FROM wallet_profiles
 WHERE blockchain = $1 AND lower(address) = lower($2)`

type profileRow struct {
	Address      string  `db:"address"`
	TotalUSD     float64 `db:"total_usd"`
	BuyRatio     float64 `db:"buy_ratio"`
	TxCount      int64   `db:"tx_count"`
	IsKnownWhale bool    `db:"is_known_whale"`
}

// SQLWarehouse answers historical wallet queries from the analytic
// Postgres warehouse. Queries run behind a circuit breaker so a slow or
// down warehouse cannot back up the classification pipeline.
type SQLWarehouse struct {
	db      *sqlx.DB
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
}

// NewSQLWarehouse wraps the warehouse connection pool.
func NewSQLWarehouse(db *sqlx.DB, queryTimeout time.Duration) *SQLWarehouse {
	if queryTimeout <= 0 {
		queryTimeout = 30 * time.Second
	}
	return &SQLWarehouse{
		db:      db,
		timeout: queryTimeout,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "warehouse",
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     45 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

// Profile implements the Warehouse interface. A wallet with no history
// returns a zero profile, not an error.
func (w *SQLWarehouse) Profile(ctx context.Context, blockchain, address string) (WalletProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	result, err := w.breaker.Execute(func() (interface{}, error) {
		var row profileRow
		if err := w.db.GetContext(ctx, &row, profileQuery, blockchain, address); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return WalletProfile{Address: address}, nil
			}
			return nil, fmt.Errorf("wallet profile query: %w", err)
		}
		return WalletProfile{
			Address:      row.Address,
			TotalUSD:     row.TotalUSD,
			BuyRatio:     row.BuyRatio,
			TxCount:      row.TxCount,
			IsKnownWhale: row.IsKnownWhale,
		}, nil
	})
	if err != nil {
		return WalletProfile{}, err
	}
	return result.(WalletProfile), nil
}
