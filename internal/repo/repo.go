// Package repo implements the ranking, portfolio and agent stores on
// Postgres through go-zero sqlx. Multi-row writes run in one transaction.
package repo

import (
	"errors"

	"github.com/zeromicro/go-zero/core/stores/sqlx"

	"tradefleet/pkg/agent"
	"tradefleet/pkg/portfolio"
	"tradefleet/pkg/ranking"
)

var (
	_ ranking.Store   = (*Store)(nil)
	_ portfolio.Store = (*Store)(nil)
	_ agent.Store     = (*Store)(nil)
)

// Store is the Postgres implementation of every domain store.
type Store struct {
	conn sqlx.SqlConn
}

// New wraps an open connection.
func New(conn sqlx.SqlConn) (*Store, error) {
	if conn == nil {
		return nil, errors.New("repo: missing DBConn dependency")
	}
	return &Store{conn: conn}, nil
}

// mapNotFound converts the sqlx sentinel into the domain one.
func mapNotFound(err, sentinel error) error {
	if errors.Is(err, sqlx.ErrNotFound) {
		return sentinel
	}
	return err
}

func affected(res interface{ RowsAffected() (int64, error) }) int64 {
	n, err := res.RowsAffected()
	if err != nil {
		return 0
	}
	return n
}
