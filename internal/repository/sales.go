package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/mmeshcher/boutique-system/internal/model"
)

// CreateSaleLine описывает одну запрошенную строку создаваемой продажи.
type CreateSaleLine struct {
	ProductID int64
	Quantity  int64
}

// CreateSaleParams описывает параметры создания продажи.
type CreateSaleParams struct {
	ClientID      *int64
	PaymentMethod model.PaymentMethod
	AmountPaid    *decimal.Decimal
	Lines         []CreateSaleLine
}

// CreateSale создаёт продажу в одной транзакции: резервирует строки товаров
// блокировкой FOR UPDATE, проверяет остатки, фиксирует цены, уменьшает stock
// и записывает итог. При любой ошибке транзакция откатывается целиком.
func (r *PostgresRepository) CreateSale(ctx context.Context, params CreateSaleParams) (*model.Sale, error) {
	var saleID int64

	err := r.withRetry(ctx, func() error {
		id, err := r.createSaleTx(ctx, params)
		if err != nil {
			return err
		}
		saleID = id
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.GetSaleByID(ctx, saleID)
}

func (r *PostgresRepository) createSaleTx(ctx context.Context, params CreateSaleParams) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if params.ClientID != nil {
		var dummy int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM clients WHERE id = $1 AND deleted_at IS NULL`,
			*params.ClientID,
		).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return 0, fmt.Errorf("%w: id %d", ErrClientNotFound, *params.ClientID)
			}
			return 0, fmt.Errorf("check client: %w", err)
		}
	}

	var saleID int64
	err = tx.QueryRow(ctx,
		`INSERT INTO sales (client_id, payment_method, status, total)
		 VALUES ($1, $2, $3, 0) RETURNING id`,
		params.ClientID, string(params.PaymentMethod), string(model.SaleStatusPending),
	).Scan(&saleID)
	if err != nil {
		return 0, fmt.Errorf("insert sale: %w", err)
	}

	total := decimal.Zero

	for _, line := range params.Lines {
		product, err := productForUpdate(ctx, tx, line.ProductID)
		if err != nil {
			return 0, err
		}

		if line.Quantity <= 0 {
			return 0, fmt.Errorf("%w: product %q", ErrInvalidQuantity, product.Name)
		}

		if product.Stock < line.Quantity {
			return 0, &InsufficientStockError{
				ProductName: product.Name,
				Available:   product.Stock,
				Requested:   line.Quantity,
			}
		}

		subtotal := product.Price.Mul(decimal.NewFromInt(line.Quantity))

		_, err = tx.Exec(ctx,
			`INSERT INTO sale_lines (sale_id, product_id, quantity, unit_price, subtotal)
			 VALUES ($1, $2, $3, $4, $5)`,
			saleID, product.ID, line.Quantity, product.Price, subtotal,
		)
		if err != nil {
			return 0, fmt.Errorf("insert sale line: %w", err)
		}

		if err := adjustStock(ctx, tx, product.ID, -line.Quantity); err != nil {
			return 0, err
		}

		total = total.Add(subtotal)
	}

	if params.AmountPaid != nil {
		paid := *params.AmountPaid
		if paid.LessThan(total) {
			return 0, &AmountPaidError{
				Paid:  paid.StringFixed(2),
				Total: total.StringFixed(2),
			}
		}
		change := paid.Sub(total).Round(2)

		_, err = tx.Exec(ctx,
			`UPDATE sales SET amount_paid = $2, change = $3 WHERE id = $1`,
			saleID, paid, change,
		)
		if err != nil {
			return 0, fmt.Errorf("update sale payment: %w", err)
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE sales SET total = $2 WHERE id = $1`,
		saleID, total,
	)
	if err != nil {
		return 0, fmt.Errorf("update sale total: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return saleID, nil
}

// lockedProduct содержит поля товара, прочитанные под блокировкой строки.
type lockedProduct struct {
	ID    int64
	Name  string
	Price decimal.Decimal
	Stock int64
}

// productForUpdate читает товар с блокировкой строки в рамках транзакции
// вызывающего, чтобы конкурентные продажи не прошли проверку остатка
// по устаревшему значению.
func productForUpdate(ctx context.Context, tx pgx.Tx, productID int64) (*lockedProduct, error) {
	var p lockedProduct
	err := tx.QueryRow(ctx,
		`SELECT id, name, price, stock
		 FROM products
		 WHERE id = $1 AND deleted_at IS NULL
		 FOR UPDATE`,
		productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("lock product: %w", err)
	}
	return &p, nil
}

// adjustStock изменяет остаток товара на delta в рамках транзакции вызывающего.
func adjustStock(ctx context.Context, tx pgx.Tx, productID int64, delta int64) error {
	_, err := tx.Exec(ctx,
		`UPDATE products SET stock = stock + $2, updated_at = now() WHERE id = $1`,
		productID, delta,
	)
	if err != nil {
		return fmt.Errorf("adjust stock: %w", err)
	}
	return nil
}

// CancelSale отменяет продажу: возвращает количество каждой строки на склад,
// помечает строки отменёнными, обнуляет итог и переводит продажу в статус
// cancelled. Повторная отмена недопустима.
func (r *PostgresRepository) CancelSale(ctx context.Context, saleID int64) (*model.Sale, error) {
	err := r.withRetry(ctx, func() error {
		return r.cancelSaleTx(ctx, saleID)
	})
	if err != nil {
		return nil, err
	}

	return r.GetSaleByID(ctx, saleID)
}

func (r *PostgresRepository) cancelSaleTx(ctx context.Context, saleID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var status string
	err = tx.QueryRow(ctx,
		`SELECT status FROM sales WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		saleID,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrSaleNotFound, saleID)
		}
		return fmt.Errorf("lock sale: %w", err)
	}

	if model.SaleStatus(status) == model.SaleStatusCancelled {
		return fmt.Errorf("%w: id %d", ErrSaleAlreadyCancelled, saleID)
	}

	rows, err := tx.Query(ctx,
		`SELECT product_id, quantity FROM sale_lines WHERE sale_id = $1 AND deleted_at IS NULL`,
		saleID,
	)
	if err != nil {
		return fmt.Errorf("select sale lines: %w", err)
	}

	type restoration struct {
		productID int64
		quantity  int64
	}
	var restorations []restoration
	for rows.Next() {
		var rest restoration
		if err := rows.Scan(&rest.productID, &rest.quantity); err != nil {
			rows.Close()
			return fmt.Errorf("scan sale line: %w", err)
		}
		restorations = append(restorations, rest)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("rows error: %w", err)
	}

	cancelledAt := time.Now()

	for _, rest := range restorations {
		// Товар мог быть удалён из каталога после продажи: остаток тогда
		// не восстанавливается, но отмена продолжается.
		var dummy int
		err := tx.QueryRow(ctx,
			`SELECT 1 FROM products WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
			rest.productID,
		).Scan(&dummy)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			return fmt.Errorf("lock product: %w", err)
		}

		if err := adjustStock(ctx, tx, rest.productID, rest.quantity); err != nil {
			return err
		}
	}

	_, err = tx.Exec(ctx,
		`UPDATE sale_lines SET cancelled_at = $2 WHERE sale_id = $1 AND deleted_at IS NULL`,
		saleID, cancelledAt,
	)
	if err != nil {
		return fmt.Errorf("mark sale lines cancelled: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE sales SET status = $2, total = 0, cancelled_at = $3 WHERE id = $1`,
		saleID, string(model.SaleStatusCancelled), cancelledAt,
	)
	if err != nil {
		return fmt.Errorf("mark sale cancelled: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// ChangeSaleStatus переводит продажу в новый статус. Допустимы только переходы
// к следующему по каноническому порядку статусу либо повтор текущего; отметка
// времени каждого этапа ставится один раз, при первом переходе. При первой
// отправке генерируется трек-номер, если он ещё не задан.
func (r *PostgresRepository) ChangeSaleStatus(ctx context.Context, saleID int64, newStatus model.SaleStatus) (*model.Sale, error) {
	err := r.withRetry(ctx, func() error {
		return r.updateSaleTx(ctx, saleID, &newStatus, nil)
	})
	if err != nil {
		return nil, err
	}
	return r.GetSaleByID(ctx, saleID)
}

// UpdateSale обновляет метаданные продажи: статус и/или трек-номер.
func (r *PostgresRepository) UpdateSale(ctx context.Context, saleID int64, newStatus *model.SaleStatus, trackingNumber *string) (*model.Sale, error) {
	err := r.withRetry(ctx, func() error {
		return r.updateSaleTx(ctx, saleID, newStatus, trackingNumber)
	})
	if err != nil {
		return nil, err
	}
	return r.GetSaleByID(ctx, saleID)
}

func (r *PostgresRepository) updateSaleTx(ctx context.Context, saleID int64, newStatus *model.SaleStatus, trackingNumber *string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		status       string
		tracking     *string
		confirmedAt  *time.Time
		dispatchedAt *time.Time
		deliveredAt  *time.Time
	)
	err = tx.QueryRow(ctx,
		`SELECT status, tracking_number, confirmed_at, dispatched_at, delivered_at
		 FROM sales
		 WHERE id = $1 AND deleted_at IS NULL
		 FOR UPDATE`,
		saleID,
	).Scan(&status, &tracking, &confirmedAt, &dispatchedAt, &deliveredAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrSaleNotFound, saleID)
		}
		return fmt.Errorf("lock sale: %w", err)
	}

	if newStatus != nil {
		current := model.SaleStatus(status)
		if !current.CanTransitionTo(*newStatus) {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalStatusTransition, current, *newStatus)
		}

		now := time.Now()
		status = string(*newStatus)

		switch *newStatus {
		case model.SaleStatusConfirmed:
			if confirmedAt == nil {
				confirmedAt = &now
			}
		case model.SaleStatusDispatched:
			if dispatchedAt == nil {
				dispatchedAt = &now
				if tracking == nil {
					tn := newTrackingNumber(now)
					tracking = &tn
				}
			}
		case model.SaleStatusDelivered:
			if deliveredAt == nil {
				deliveredAt = &now
			}
		}
	}

	if trackingNumber != nil {
		tracking = trackingNumber
	}

	_, err = tx.Exec(ctx,
		`UPDATE sales
		 SET status = $2, tracking_number = $3, confirmed_at = $4, dispatched_at = $5, delivered_at = $6
		 WHERE id = $1`,
		saleID, status, tracking, confirmedAt, dispatchedAt, deliveredAt,
	)
	if err != nil {
		return fmt.Errorf("update sale: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// newTrackingNumber генерирует человекочитаемый трек-номер из текущего времени.
func newTrackingNumber(now time.Time) string {
	return "MAJ-" + strings.ToUpper(strconv.FormatInt(now.UnixMilli(), 36))
}

// SoftDeleteSale помечает продажу и все её строки удалёнными.
func (r *PostgresRepository) SoftDeleteSale(ctx context.Context, saleID int64) error {
	return r.withRetry(ctx, func() error {
		return r.softDeleteSaleTx(ctx, saleID)
	})
}

func (r *PostgresRepository) softDeleteSaleTx(ctx context.Context, saleID int64) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var dummy int
	err = tx.QueryRow(ctx,
		`SELECT 1 FROM sales WHERE id = $1 AND deleted_at IS NULL FOR UPDATE`,
		saleID,
	).Scan(&dummy)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: id %d", ErrSaleNotFound, saleID)
		}
		return fmt.Errorf("lock sale: %w", err)
	}

	deletedAt := time.Now()

	_, err = tx.Exec(ctx,
		`UPDATE sale_lines SET deleted_at = $2 WHERE sale_id = $1 AND deleted_at IS NULL`,
		saleID, deletedAt,
	)
	if err != nil {
		return fmt.Errorf("soft delete sale lines: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE sales SET deleted_at = $2 WHERE id = $1`,
		saleID, deletedAt,
	)
	if err != nil {
		return fmt.Errorf("soft delete sale: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// PurgeCancelledSales помечает удалёнными все отменённые продажи вместе с их
// строками и возвращает число удалённых продаж. Отсутствие отменённых продаж
// ошибкой не является.
func (r *PostgresRepository) PurgeCancelledSales(ctx context.Context) (int64, error) {
	var removed int64

	err := r.withRetry(ctx, func() error {
		n, err := r.purgeCancelledSalesTx(ctx)
		if err != nil {
			return err
		}
		removed = n
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

func (r *PostgresRepository) purgeCancelledSalesTx(ctx context.Context) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	deletedAt := time.Now()

	_, err = tx.Exec(ctx,
		`UPDATE sale_lines SET deleted_at = $1
		 WHERE deleted_at IS NULL AND sale_id IN (
		     SELECT id FROM sales WHERE status = $2 AND deleted_at IS NULL
		 )`,
		deletedAt, string(model.SaleStatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sale lines: %w", err)
	}

	cmdTag, err := tx.Exec(ctx,
		`UPDATE sales SET deleted_at = $1 WHERE status = $2 AND deleted_at IS NULL`,
		deletedAt, string(model.SaleStatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("purge sales: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	return cmdTag.RowsAffected(), nil
}

// GetSaleByID возвращает продажу с клиентом и строками.
func (r *PostgresRepository) GetSaleByID(ctx context.Context, saleID int64) (*model.Sale, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT s.id, s.client_id, s.payment_method, s.status, s.total, s.amount_paid, s.change,
		        s.tracking_number, s.confirmed_at, s.dispatched_at, s.delivered_at, s.cancelled_at, s.created_at,
		        c.first_name, c.last_name, c.document_id, c.phone, c.address, c.user_id, c.created_at
		 FROM sales s
		 LEFT JOIN clients c ON c.id = s.client_id
		 WHERE s.id = $1 AND s.deleted_at IS NULL`,
		saleID,
	)

	sale, err := scanSale(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: id %d", ErrSaleNotFound, saleID)
		}
		return nil, fmt.Errorf("get sale: %w", err)
	}

	lines, err := r.GetSaleLines(ctx, saleID)
	if err != nil {
		return nil, err
	}
	sale.Lines = lines

	return sale, nil
}

// GetSaleLines возвращает строки продажи вместе с названиями товаров.
func (r *PostgresRepository) GetSaleLines(ctx context.Context, saleID int64) ([]model.SaleLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT l.id, l.sale_id, l.product_id, p.name, l.quantity, l.unit_price, l.subtotal, l.cancelled_at, l.created_at
		 FROM sale_lines l
		 JOIN products p ON p.id = l.product_id
		 WHERE l.sale_id = $1 AND l.deleted_at IS NULL
		 ORDER BY l.id`,
		saleID,
	)
	if err != nil {
		return nil, fmt.Errorf("select sale lines: %w", err)
	}
	defer rows.Close()

	var res []model.SaleLine
	for rows.Next() {
		var l model.SaleLine
		if err := rows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.ProductName, &l.Quantity,
			&l.UnitPrice, &l.Subtotal, &l.CancelledAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sale line: %w", err)
		}
		res = append(res, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// ListSales возвращает все не удалённые продажи со строками.
func (r *PostgresRepository) ListSales(ctx context.Context) ([]model.Sale, error) {
	return r.listSales(ctx, `s.deleted_at IS NULL`)
}

// ListSalesByClient возвращает продажи клиента, отсортированные по дате создания.
func (r *PostgresRepository) ListSalesByClient(ctx context.Context, clientID int64) ([]model.Sale, error) {
	return r.listSales(ctx, `s.deleted_at IS NULL AND s.client_id = $1`, clientID)
}

func (r *PostgresRepository) listSales(ctx context.Context, where string, args ...any) ([]model.Sale, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT s.id, s.client_id, s.payment_method, s.status, s.total, s.amount_paid, s.change,
		        s.tracking_number, s.confirmed_at, s.dispatched_at, s.delivered_at, s.cancelled_at, s.created_at,
		        c.first_name, c.last_name, c.document_id, c.phone, c.address, c.user_id, c.created_at
		 FROM sales s
		 LEFT JOIN clients c ON c.id = s.client_id
		 WHERE `+where+`
		 ORDER BY s.created_at DESC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("select sales: %w", err)
	}
	defer rows.Close()

	var sales []model.Sale
	var saleIDs []int64
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, fmt.Errorf("scan sale: %w", err)
		}
		sales = append(sales, *sale)
		saleIDs = append(saleIDs, sale.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	if len(sales) == 0 {
		return sales, nil
	}

	lineRows, err := r.pool.Query(ctx,
		`SELECT l.id, l.sale_id, l.product_id, p.name, l.quantity, l.unit_price, l.subtotal, l.cancelled_at, l.created_at
		 FROM sale_lines l
		 JOIN products p ON p.id = l.product_id
		 WHERE l.sale_id = ANY($1) AND l.deleted_at IS NULL
		 ORDER BY l.id`,
		saleIDs,
	)
	if err != nil {
		return nil, fmt.Errorf("select sale lines: %w", err)
	}
	defer lineRows.Close()

	linesBySale := make(map[int64][]model.SaleLine)
	for lineRows.Next() {
		var l model.SaleLine
		if err := lineRows.Scan(&l.ID, &l.SaleID, &l.ProductID, &l.ProductName, &l.Quantity,
			&l.UnitPrice, &l.Subtotal, &l.CancelledAt, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan sale line: %w", err)
		}
		linesBySale[l.SaleID] = append(linesBySale[l.SaleID], l)
	}
	if err := lineRows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	for i := range sales {
		sales[i].Lines = linesBySale[sales[i].ID]
	}

	return sales, nil
}

func scanSale(row pgx.Row) (*model.Sale, error) {
	var (
		s          model.Sale
		clientID   *int64
		payment    string
		status     string
		firstName  *string
		lastName   *string
		documentID *string
		phone      *string
		address    *string
		userID     *int64
		clientAt   *time.Time
	)

	err := row.Scan(&s.ID, &clientID, &payment, &status, &s.Total, &s.AmountPaid, &s.Change,
		&s.TrackingNumber, &s.ConfirmedAt, &s.DispatchedAt, &s.DeliveredAt, &s.CancelledAt, &s.CreatedAt,
		&firstName, &lastName, &documentID, &phone, &address, &userID, &clientAt)
	if err != nil {
		return nil, err
	}

	s.PaymentMethod = model.PaymentMethod(payment)
	s.Status = model.SaleStatus(status)

	if clientID != nil {
		c := model.Client{
			ID:     *clientID,
			UserID: userID,
		}
		if firstName != nil {
			c.FirstName = *firstName
		}
		if lastName != nil {
			c.LastName = *lastName
		}
		if documentID != nil {
			c.DocumentID = *documentID
		}
		if phone != nil {
			c.Phone = *phone
		}
		if address != nil {
			c.Address = *address
		}
		if clientAt != nil {
			c.CreatedAt = *clientAt
		}
		s.Client = &c
	}

	return &s, nil
}
