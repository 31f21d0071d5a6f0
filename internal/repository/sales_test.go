package repository_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/mmeshcher/boutique-system/internal/model"
	"github.com/mmeshcher/boutique-system/internal/repository"
	"github.com/mmeshcher/boutique-system/internal/validation"
)

type salesRepositorySuite struct {
	suite.Suite

	repo *repository.PostgresRepository
	pool *pgxpool.Pool
}

func TestSalesRepositorySuite(t *testing.T) {
	suite.Run(t, new(salesRepositorySuite))
}

func (suite *salesRepositorySuite) SetupSuite() {
	ctx := suite.T().Context()

	_, connStr, err := startPostgres(ctx)
	suite.NoError(err)

	suite.repo, err = repository.NewPostgresRepository(connStr)
	suite.NoError(err)

	suite.pool, err = pgxpool.New(ctx, connStr)
	suite.NoError(err)
}

func (suite *salesRepositorySuite) TearDownSuite() {
	if suite.pool != nil {
		suite.pool.Close()
	}
	if suite.repo != nil {
		suite.repo.Close()
	}
}

func (suite *salesRepositorySuite) deleteAll() {
	_, err := suite.pool.Exec(suite.T().Context(),
		"TRUNCATE TABLE sale_lines, sales, products, categories, clients, users RESTART IDENTITY CASCADE")
	suite.NoError(err)
}

// createProduct создаёт категорию и товар с заданными ценой и остатком.
func (suite *salesRepositorySuite) createProduct(price string, stock int64) int64 {
	t := suite.T()
	ctx := t.Context()

	categoryID, err := suite.repo.CreateCategory(ctx, gofakeit.ProductCategory(), gofakeit.Sentence(4))
	require.NoError(t, err)

	productID, err := suite.repo.CreateProduct(ctx, model.Product{
		Name:       gofakeit.ProductName(),
		Price:      decimal.RequireFromString(price),
		Stock:      stock,
		Gender:     "unisex",
		CategoryID: categoryID,
	})
	require.NoError(t, err)

	return productID
}

func (suite *salesRepositorySuite) createSale(productID, quantity int64) *model.Sale {
	t := suite.T()

	sale, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		PaymentMethod: model.PaymentCash,
		Lines:         []repository.CreateSaleLine{{ProductID: productID, Quantity: quantity}},
	})
	require.NoError(t, err)

	return sale
}

func (suite *salesRepositorySuite) productStock(productID int64) int64 {
	t := suite.T()

	var stock int64
	err := suite.pool.QueryRow(t.Context(),
		"SELECT stock FROM products WHERE id = $1", productID).Scan(&stock)
	require.NoError(t, err)

	return stock
}

func (suite *salesRepositorySuite) TestCreateSale_TotalsAndStock() {
	defer suite.deleteAll()

	t := suite.T()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 3)

	require.Equal(t, model.SaleStatusPending, sale.Status)
	require.True(t, sale.Total.Equal(decimal.RequireFromString("89.97")),
		"total = %s", sale.Total)
	require.Len(t, sale.Lines, 1)
	require.True(t, sale.Lines[0].UnitPrice.Equal(decimal.RequireFromString("29.99")))
	require.True(t, sale.Lines[0].Subtotal.Equal(decimal.RequireFromString("89.97")))
	require.EqualValues(t, 3, sale.Lines[0].Quantity)
	require.Nil(t, sale.CancelledAt)

	require.EqualValues(t, 7, suite.productStock(productID))
}

func (suite *salesRepositorySuite) TestCreateSale_MultipleLines() {
	defer suite.deleteAll()

	t := suite.T()
	shirtID := suite.createProduct("19.90", 5)
	pantsID := suite.createProduct("45.50", 5)

	sale, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		PaymentMethod: model.PaymentCard,
		Lines: []repository.CreateSaleLine{
			{ProductID: shirtID, Quantity: 2},
			{ProductID: pantsID, Quantity: 1},
		},
	})
	require.NoError(t, err)

	// 2*19.90 + 45.50
	require.True(t, sale.Total.Equal(decimal.RequireFromString("85.30")),
		"total = %s", sale.Total)
	require.Len(t, sale.Lines, 2)
	require.EqualValues(t, 3, suite.productStock(shirtID))
	require.EqualValues(t, 4, suite.productStock(pantsID))
}

func (suite *salesRepositorySuite) TestCreateSale_PriceSnapshotImmutable() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 2)

	product, err := suite.repo.GetProductByID(ctx, productID)
	require.NoError(t, err)
	product.Price = decimal.RequireFromString("39.99")
	require.NoError(t, suite.repo.UpdateProduct(ctx, *product))

	reloaded, err := suite.repo.GetSaleByID(ctx, sale.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.Lines, 1)
	require.True(t, reloaded.Lines[0].UnitPrice.Equal(decimal.RequireFromString("29.99")),
		"unit price = %s", reloaded.Lines[0].UnitPrice)
	require.True(t, reloaded.Lines[0].Subtotal.Equal(decimal.RequireFromString("59.98")),
		"subtotal = %s", reloaded.Lines[0].Subtotal)
	require.True(t, reloaded.Total.Equal(decimal.RequireFromString("59.98")),
		"total = %s", reloaded.Total)
}

func (suite *salesRepositorySuite) TestCreateSale_ConcurrentStockCheck() {
	defer suite.deleteAll()

	t := suite.T()
	productID := suite.createProduct("29.99", 5)

	const buyers = 8

	errs := make(chan error, buyers)
	var wg sync.WaitGroup
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
				PaymentMethod: model.PaymentCash,
				Lines:         []repository.CreateSaleLine{{ProductID: productID, Quantity: 1}},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var succeeded, rejected int
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		var stockErr *repository.InsufficientStockError
		require.ErrorAs(t, err, &stockErr)
		rejected++
	}

	require.Equal(t, 5, succeeded)
	require.Equal(t, 3, rejected)
	require.EqualValues(t, 0, suite.productStock(productID))
}

func (suite *salesRepositorySuite) TestCreateSale_InsufficientStockRollsBack() {
	defer suite.deleteAll()

	t := suite.T()
	shirtID := suite.createProduct("19.90", 5)
	pantsID := suite.createProduct("45.50", 2)

	_, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		PaymentMethod: model.PaymentCash,
		Lines: []repository.CreateSaleLine{
			{ProductID: shirtID, Quantity: 2},
			{ProductID: pantsID, Quantity: 3},
		},
	})

	var stockErr *repository.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.EqualValues(t, 2, stockErr.Available)
	require.EqualValues(t, 3, stockErr.Requested)

	// транзакция откатилась целиком: первая строка тоже не списана
	require.EqualValues(t, 5, suite.productStock(shirtID))
	require.EqualValues(t, 2, suite.productStock(pantsID))

	var count int64
	err = suite.pool.QueryRow(t.Context(), "SELECT COUNT(*) FROM sales").Scan(&count)
	require.NoError(t, err)
	require.Zero(t, count)
}

func (suite *salesRepositorySuite) TestCreateSale_ChangeComputation() {
	defer suite.deleteAll()

	t := suite.T()
	productID := suite.createProduct("29.99", 10)

	paid := decimal.RequireFromString("100.00")
	sale, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		PaymentMethod: model.PaymentCash,
		AmountPaid:    &paid,
		Lines:         []repository.CreateSaleLine{{ProductID: productID, Quantity: 3}},
	})
	require.NoError(t, err)

	require.NotNil(t, sale.AmountPaid)
	require.NotNil(t, sale.Change)
	require.True(t, sale.Change.Equal(decimal.RequireFromString("10.03")),
		"change = %s", sale.Change)
}

func (suite *salesRepositorySuite) TestCreateSale_AmountPaidBelowTotal() {
	defer suite.deleteAll()

	t := suite.T()
	productID := suite.createProduct("29.99", 10)

	paid := decimal.RequireFromString("50.00")
	_, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		PaymentMethod: model.PaymentCash,
		AmountPaid:    &paid,
		Lines:         []repository.CreateSaleLine{{ProductID: productID, Quantity: 3}},
	})

	var paidErr *repository.AmountPaidError
	require.ErrorAs(t, err, &paidErr)
	require.EqualValues(t, 10, suite.productStock(productID))
}

func (suite *salesRepositorySuite) TestCreateSale_UnknownProduct() {
	defer suite.deleteAll()

	t := suite.T()

	_, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		PaymentMethod: model.PaymentCash,
		Lines:         []repository.CreateSaleLine{{ProductID: 12345, Quantity: 1}},
	})
	require.ErrorIs(t, err, repository.ErrProductNotFound)
}

func (suite *salesRepositorySuite) TestCreateSale_UnknownClient() {
	defer suite.deleteAll()

	t := suite.T()
	productID := suite.createProduct("29.99", 10)

	clientID := int64(12345)
	_, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		ClientID:      &clientID,
		PaymentMethod: model.PaymentCash,
		Lines:         []repository.CreateSaleLine{{ProductID: productID, Quantity: 1}},
	})
	require.ErrorIs(t, err, repository.ErrClientNotFound)
	require.EqualValues(t, 10, suite.productStock(productID))
}

func (suite *salesRepositorySuite) TestCreateSale_LinkedClient() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	clientID, err := suite.repo.CreateClient(ctx, model.Client{
		FirstName: gofakeit.FirstName(),
		LastName:  gofakeit.LastName(),
	})
	require.NoError(t, err)

	sale, err := suite.repo.CreateSale(ctx, repository.CreateSaleParams{
		ClientID:      &clientID,
		PaymentMethod: model.PaymentTransfer,
		Lines:         []repository.CreateSaleLine{{ProductID: productID, Quantity: 1}},
	})
	require.NoError(t, err)

	require.NotNil(t, sale.Client)
	require.Equal(t, clientID, sale.Client.ID)

	byClient, err := suite.repo.ListSalesByClient(ctx, clientID)
	require.NoError(t, err)
	require.Len(t, byClient, 1)
	require.Equal(t, sale.ID, byClient[0].ID)
}

func (suite *salesRepositorySuite) TestCancelSale_RestoresStock() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 3)
	require.EqualValues(t, 7, suite.productStock(productID))

	cancelled, err := suite.repo.CancelSale(ctx, sale.ID)
	require.NoError(t, err)

	require.Equal(t, model.SaleStatusCancelled, cancelled.Status)
	require.True(t, cancelled.Total.IsZero(), "total = %s", cancelled.Total)
	require.NotNil(t, cancelled.CancelledAt)
	require.Len(t, cancelled.Lines, 1)
	require.NotNil(t, cancelled.Lines[0].CancelledAt)

	require.EqualValues(t, 10, suite.productStock(productID))
}

func (suite *salesRepositorySuite) TestCancelSale_SecondCancelRejected() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 3)

	_, err := suite.repo.CancelSale(ctx, sale.ID)
	require.NoError(t, err)

	_, err = suite.repo.CancelSale(ctx, sale.ID)
	require.ErrorIs(t, err, repository.ErrSaleAlreadyCancelled)

	// повторная отмена не возвращает остаток второй раз
	require.EqualValues(t, 10, suite.productStock(productID))
}

func (suite *salesRepositorySuite) TestCancelSale_SkipsRemovedProduct() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 3)

	require.NoError(t, suite.repo.SoftDeleteProduct(ctx, productID))

	cancelled, err := suite.repo.CancelSale(ctx, sale.ID)
	require.NoError(t, err)
	require.Equal(t, model.SaleStatusCancelled, cancelled.Status)

	// остаток снятого с продажи товара не восстанавливается
	require.EqualValues(t, 7, suite.productStock(productID))
}

func (suite *salesRepositorySuite) TestChangeSaleStatus_Progression() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 1)

	confirmed, err := suite.repo.ChangeSaleStatus(ctx, sale.ID, model.SaleStatusConfirmed)
	require.NoError(t, err)
	require.Equal(t, model.SaleStatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedAt)
	require.Nil(t, confirmed.DispatchedAt)
	require.Nil(t, confirmed.TrackingNumber)

	_, err = suite.repo.ChangeSaleStatus(ctx, sale.ID, model.SaleStatusInPreparation)
	require.NoError(t, err)

	dispatched, err := suite.repo.ChangeSaleStatus(ctx, sale.ID, model.SaleStatusDispatched)
	require.NoError(t, err)
	require.NotNil(t, dispatched.DispatchedAt)
	require.NotNil(t, dispatched.TrackingNumber)
	require.True(t, validation.IsValidTrackingNumber(*dispatched.TrackingNumber),
		"tracking = %s", *dispatched.TrackingNumber)
}

func (suite *salesRepositorySuite) TestChangeSaleStatus_RepeatKeepsTimestamps() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 1)

	for _, st := range []model.SaleStatus{
		model.SaleStatusConfirmed,
		model.SaleStatusInPreparation,
		model.SaleStatusDispatched,
	} {
		_, err := suite.repo.ChangeSaleStatus(ctx, sale.ID, st)
		require.NoError(t, err)
	}

	first, err := suite.repo.GetSaleByID(ctx, sale.ID)
	require.NoError(t, err)

	second, err := suite.repo.ChangeSaleStatus(ctx, sale.ID, model.SaleStatusDispatched)
	require.NoError(t, err)

	require.Equal(t, *first.DispatchedAt, *second.DispatchedAt)
	require.Equal(t, *first.TrackingNumber, *second.TrackingNumber)
}

func (suite *salesRepositorySuite) TestChangeSaleStatus_IllegalTransitions() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	tests := []struct {
		name    string
		prepare []model.SaleStatus
		target  model.SaleStatus
	}{
		{
			name:   "skip ahead from pending",
			target: model.SaleStatusDelivered,
		},
		{
			name:    "backwards from in_preparation",
			prepare: []model.SaleStatus{model.SaleStatusConfirmed, model.SaleStatusInPreparation},
			target:  model.SaleStatusConfirmed,
		},
		{
			name:   "cancel via status change",
			target: model.SaleStatusCancelled,
		},
	}

	for _, tt := range tests {
		suite.Run(tt.name, func() {
			sale := suite.createSale(productID, 1)

			for _, st := range tt.prepare {
				_, err := suite.repo.ChangeSaleStatus(ctx, sale.ID, st)
				require.NoError(t, err)
			}

			_, err := suite.repo.ChangeSaleStatus(ctx, sale.ID, tt.target)
			require.ErrorIs(t, err, repository.ErrIllegalStatusTransition)
		})
	}
}

func (suite *salesRepositorySuite) TestChangeSaleStatus_CancelledIsTerminal() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 1)

	_, err := suite.repo.CancelSale(ctx, sale.ID)
	require.NoError(t, err)

	_, err = suite.repo.ChangeSaleStatus(ctx, sale.ID, model.SaleStatusConfirmed)
	require.ErrorIs(t, err, repository.ErrIllegalStatusTransition)
}

func (suite *salesRepositorySuite) TestUpdateSale_ExplicitTrackingNumber() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 1)

	tracking := "MAJ-CUSTOM1"
	updated, err := suite.repo.UpdateSale(ctx, sale.ID, nil, &tracking)
	require.NoError(t, err)

	require.NotNil(t, updated.TrackingNumber)
	require.Equal(t, tracking, *updated.TrackingNumber)
	require.Equal(t, model.SaleStatusPending, updated.Status)
}

func (suite *salesRepositorySuite) TestSoftDeleteSale_HidesSale() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 10)

	sale := suite.createSale(productID, 1)

	require.NoError(t, suite.repo.SoftDeleteSale(ctx, sale.ID))

	_, err := suite.repo.GetSaleByID(ctx, sale.ID)
	require.ErrorIs(t, err, repository.ErrSaleNotFound)

	sales, err := suite.repo.ListSales(ctx)
	require.NoError(t, err)
	require.Empty(t, sales)
}

func (suite *salesRepositorySuite) TestPurgeCancelledSales() {
	defer suite.deleteAll()

	t := suite.T()
	ctx := t.Context()
	productID := suite.createProduct("29.99", 100)

	kept := suite.createSale(productID, 1)

	for i := 0; i < 2; i++ {
		sale := suite.createSale(productID, 1)
		_, err := suite.repo.CancelSale(ctx, sale.ID)
		require.NoError(t, err)
	}

	removed, err := suite.repo.PurgeCancelledSales(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, removed)

	sales, err := suite.repo.ListSales(ctx)
	require.NoError(t, err)
	require.Len(t, sales, 1)
	require.Equal(t, kept.ID, sales[0].ID)

	removed, err = suite.repo.PurgeCancelledSales(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)
}

func (suite *salesRepositorySuite) TestCreateSale_NonPositiveQuantity() {
	defer suite.deleteAll()

	t := suite.T()
	productID := suite.createProduct("29.99", 10)

	_, err := suite.repo.CreateSale(t.Context(), repository.CreateSaleParams{
		PaymentMethod: model.PaymentCash,
		Lines:         []repository.CreateSaleLine{{ProductID: productID, Quantity: 0}},
	})
	require.True(t, errors.Is(err, repository.ErrInvalidQuantity), "err = %v", err)
	require.EqualValues(t, 10, suite.productStock(productID))
}
