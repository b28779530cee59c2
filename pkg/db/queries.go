// Package db persists orders, trades and positions in SQLite, isolated per user.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"venue-gateway/pkg/venue"
)

var (
	ErrUserIDRequired = errors.New("user_id is required for data isolation")
	ErrNotFound       = errors.New("record not found")
)

// Store implements the storage operations the order tracker needs.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an open handle with the schema applied.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// ----------------------------------------
// Orders
// ----------------------------------------

const orderColumns = `user_id, order_ref, COALESCE(venue_order_id, ''), symbol, COALESCE(exchange, ''),
	direction, offset_flag, order_type, limit_price, stop_price, volume, traded_volume,
	remaining_volume, status, COALESCE(status_message, ''), cancel_time, created_at, updated_at`

// CreateOrder inserts a new order row.
func (s *Store) CreateOrder(ctx context.Context, o Order) error {
	if o.UserID == "" {
		return ErrUserIDRequired
	}
	now := time.Now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO orders (user_id, order_ref, venue_order_id, symbol, exchange, direction,
			offset_flag, order_type, limit_price, stop_price, volume, traded_volume,
			remaining_volume, status, status_message, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, o.UserID, o.OrderRef, o.VenueOrderID, o.Symbol, o.Exchange, o.Direction,
		o.Offset, o.OrderType, o.LimitPrice.String(), o.StopPrice.String(), o.Volume, o.TradedVolume,
		o.RemainingVolume, o.Status, o.StatusMessage, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	return nil
}

// UpdateOrder applies u to the newest order with the given reference. References
// repeat after the allocator wraps, so older rows are left untouched.
func (s *Store) UpdateOrder(ctx context.Context, userID, orderRef string, u OrderUpdate) error {
	if userID == "" {
		return ErrUserIDRequired
	}

	sets := []string{"updated_at = ?"}
	args := []any{time.Now()}
	if u.VenueOrderID != nil {
		sets = append(sets, "venue_order_id = ?")
		args = append(args, *u.VenueOrderID)
	}
	if u.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *u.Status)
	}
	if u.StatusMessage != nil {
		sets = append(sets, "status_message = ?")
		args = append(args, *u.StatusMessage)
	}
	if u.TradedVolume != nil {
		sets = append(sets, "traded_volume = ?")
		args = append(args, *u.TradedVolume)
	}
	if u.RemainingVolume != nil {
		sets = append(sets, "remaining_volume = ?")
		args = append(args, *u.RemainingVolume)
	}
	if u.CancelTime != nil {
		sets = append(sets, "cancel_time = ?")
		args = append(args, *u.CancelTime)
	}
	args = append(args, userID, orderRef)

	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET `+strings.Join(sets, ", ")+`
		WHERE id = (SELECT id FROM orders WHERE user_id = ? AND order_ref = ? ORDER BY id DESC LIMIT 1)
	`, args...)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FindOrder returns the newest order with the given reference owned by userID.
func (s *Store) FindOrder(ctx context.Context, userID, orderRef string) (*Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = ? AND order_ref = ?
		ORDER BY id DESC
		LIMIT 1
	`, userID, orderRef)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order: %w", err)
	}
	return &o, nil
}

// FindOrders returns a user's orders, newest first.
func (s *Store) FindOrders(ctx context.Context, userID string, f OrderFilter) ([]Order, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(r scanner) (Order, error) {
	var (
		o          Order
		cancelTime sql.NullTime
	)
	err := r.Scan(&o.UserID, &o.OrderRef, &o.VenueOrderID, &o.Symbol, &o.Exchange,
		&o.Direction, &o.Offset, &o.OrderType, &o.LimitPrice, &o.StopPrice, &o.Volume, &o.TradedVolume,
		&o.RemainingVolume, &o.Status, &o.StatusMessage, &cancelTime, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	if cancelTime.Valid {
		t := cancelTime.Time
		o.CancelTime = &t
	}
	return o, nil
}

// ----------------------------------------
// Trades and positions
// ----------------------------------------

// CreateTrade inserts a fill and rolls it into the user's position in the same
// transaction. A trade id that already exists is rejected by the primary key.
func (s *Store) CreateTrade(ctx context.Context, t Trade) error {
	if t.UserID == "" {
		return ErrUserIDRequired
	}
	if t.Volume <= 0 {
		return fmt.Errorf("insert trade %s: volume must be positive", t.ID)
	}
	if t.TradeTime.IsZero() {
		t.TradeTime = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin trade tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (id, user_id, order_ref, symbol, direction, offset_flag, price, volume, trade_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.UserID, t.OrderRef, t.Symbol, t.Direction, t.Offset, t.Price.String(), t.Volume, t.TradeTime); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	if err := applyFill(ctx, tx, t); err != nil {
		return err
	}
	return tx.Commit()
}

// applyFill rolls a fill into positions. Opening fills add to the position in the
// trade direction and average the price in; closing fills reduce the opposite
// position and realize PnL on the closed volume.
func applyFill(ctx context.Context, tx *sql.Tx, t Trade) error {
	posDir := t.Direction
	closing := venue.Offset(t.Offset).IsClose()
	if closing {
		posDir = opposite(t.Direction)
	}

	p := Position{UserID: t.UserID, Symbol: t.Symbol, Direction: posDir}
	err := tx.QueryRowContext(ctx, `
		SELECT volume, avg_price, realized_pnl FROM positions
		WHERE user_id = ? AND symbol = ? AND direction = ?
	`, t.UserID, t.Symbol, posDir).Scan(&p.Volume, &p.AvgPrice, &p.RealizedPnL)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("query position: %w", err)
	}

	vol := decimal.NewFromInt(t.Volume)
	if !closing {
		newVol := p.Volume + t.Volume
		p.AvgPrice = p.AvgPrice.Mul(decimal.NewFromInt(p.Volume)).Add(t.Price.Mul(vol)).Div(decimal.NewFromInt(newVol))
		p.Volume = newVol
	} else {
		closed := min(p.Volume, t.Volume)
		if closed > 0 {
			diff := t.Price.Sub(p.AvgPrice)
			if posDir == string(venue.DirectionShort) {
				diff = diff.Neg()
			}
			p.RealizedPnL = p.RealizedPnL.Add(diff.Mul(decimal.NewFromInt(closed)))
		}
		p.Volume -= closed
		if p.Volume == 0 {
			p.AvgPrice = decimal.Zero
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (user_id, symbol, direction, volume, avg_price, realized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, symbol, direction) DO UPDATE SET
			volume = excluded.volume,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at
	`, p.UserID, p.Symbol, p.Direction, p.Volume, p.AvgPrice.String(), p.RealizedPnL.String(), t.TradeTime)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

func opposite(direction string) string {
	if direction == string(venue.DirectionLong) {
		return string(venue.DirectionShort)
	}
	return string(venue.DirectionLong)
}

// FindTrades returns a user's trades, newest first.
func (s *Store) FindTrades(ctx context.Context, userID string, f TradeFilter) ([]Trade, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	where := []string{"user_id = ?"}
	args := []any{userID}
	if f.Symbol != "" {
		where = append(where, "symbol = ?")
		args = append(args, f.Symbol)
	}
	if f.OrderRef != "" {
		where = append(where, "order_ref = ?")
		args = append(args, f.OrderRef)
	}
	args = append(args, limitOrDefault(f.Limit))

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, order_ref, symbol, direction, offset_flag, price, volume, trade_time
		FROM trades
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY trade_time DESC, rowid DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var t Trade
		if err := rows.Scan(&t.ID, &t.UserID, &t.OrderRef, &t.Symbol, &t.Direction, &t.Offset, &t.Price, &t.Volume, &t.TradeTime); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// FindPositions returns a user's non-empty positions, most recently changed first.
func (s *Store) FindPositions(ctx context.Context, userID string) ([]Position, error) {
	if userID == "" {
		return nil, ErrUserIDRequired
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, symbol, direction, volume, avg_price, realized_pnl, updated_at
		FROM positions
		WHERE user_id = ? AND volume > 0
		ORDER BY updated_at DESC, symbol
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		var p Position
		if err := rows.Scan(&p.UserID, &p.Symbol, &p.Direction, &p.Volume, &p.AvgPrice, &p.RealizedPnL, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return defaultLimit
	}
	return limit
}
