package procurement

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/apflow/apflow/internal/shared"
)

// Repository provides read access to purchase orders and goods receipts.
type Repository interface {
	GetPO(ctx context.Context, id uuid.UUID) (PurchaseOrder, error)
	FindPOByNumber(ctx context.Context, number string) (PurchaseOrder, error)
	ListPOLines(ctx context.Context, poID uuid.UUID) ([]POLine, error)
	ListReceipts(ctx context.Context, poID uuid.UUID) ([]GoodsReceipt, error)
	ListReceiptLines(ctx context.Context, receiptID uuid.UUID) ([]GRLine, error)
}

var _ Repository = (*pgRepository)(nil)

type pgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs the PostgreSQL-backed repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &pgRepository{pool: pool}
}

const poColumns = `id, number, vendor_id, status, currency, total, order_date, due_date,
	deleted_at, created_at, updated_at`

func scanPO(row pgx.Row) (PurchaseOrder, error) {
	var po PurchaseOrder
	err := row.Scan(&po.ID, &po.Number, &po.VendorID, &po.Status, &po.Currency, &po.Total,
		&po.OrderDate, &po.DueDate, &po.DeletedAt, &po.CreatedAt, &po.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return PurchaseOrder{}, shared.ErrNotFound
		}
		return PurchaseOrder{}, err
	}
	return po, nil
}

func (r *pgRepository) GetPO(ctx context.Context, id uuid.UUID) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders
		WHERE id = $1 AND deleted_at IS NULL`, id)
	return scanPO(row)
}

func (r *pgRepository) FindPOByNumber(ctx context.Context, number string) (PurchaseOrder, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+poColumns+` FROM purchase_orders
		WHERE LOWER(number) = LOWER($1) AND deleted_at IS NULL`, number)
	return scanPO(row)
}

func (r *pgRepository) ListPOLines(ctx context.Context, poID uuid.UUID) ([]POLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, po_id, line_number, description, quantity, unit_price,
		unit, category, gl_account, received_qty, invoiced_qty
		FROM po_line_items WHERE po_id = $1 ORDER BY line_number`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []POLine
	for rows.Next() {
		var l POLine
		if err := rows.Scan(&l.ID, &l.POID, &l.LineNumber, &l.Description, &l.Quantity, &l.UnitPrice,
			&l.Unit, &l.Category, &l.GLAccount, &l.ReceivedQty, &l.InvoicedQty); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

func (r *pgRepository) ListReceipts(ctx context.Context, poID uuid.UUID) ([]GoodsReceipt, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, number, po_id, vendor_id, received_at, deleted_at, created_at
		FROM goods_receipts WHERE po_id = $1 AND deleted_at IS NULL ORDER BY received_at`, poID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var receipts []GoodsReceipt
	for rows.Next() {
		var g GoodsReceipt
		if err := rows.Scan(&g.ID, &g.Number, &g.POID, &g.VendorID, &g.ReceivedAt, &g.DeletedAt, &g.CreatedAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, g)
	}
	return receipts, rows.Err()
}

func (r *pgRepository) ListReceiptLines(ctx context.Context, receiptID uuid.UUID) ([]GRLine, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, receipt_id, po_line_id, line_number, description, quantity, unit
		FROM gr_line_items WHERE receipt_id = $1 ORDER BY line_number`, receiptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var lines []GRLine
	for rows.Next() {
		var l GRLine
		if err := rows.Scan(&l.ID, &l.ReceiptID, &l.POLineID, &l.LineNumber, &l.Description, &l.Quantity, &l.Unit); err != nil {
			return nil, err
		}
		lines = append(lines, l)
	}
	return lines, rows.Err()
}
