// Package service реализует бизнес-логику магазина одежды.
package service

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/boutique-system/internal/model"
	"github.com/mmeshcher/boutique-system/internal/repository"
	"github.com/mmeshcher/boutique-system/internal/validation"
)

// ErrNoSaleLines возвращается при попытке создать продажу без единой строки.
var (
	ErrNoSaleLines = errors.New("sale must contain at least one line")
	// ErrInvalidCredentials возвращается при неверной паре email/пароль.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrBadTrackingNumber возвращается для трек-номера неверного формата.
	ErrBadTrackingNumber = errors.New("malformed tracking number")
)

// Repository описывает контракт доступа к данным, используемый сервисом.
type Repository interface {
	Close() error

	CreateUser(ctx context.Context, email string, passwordHash []byte, role model.Role) (int64, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)

	CreateClient(ctx context.Context, c model.Client) (int64, error)
	GetClientByID(ctx context.Context, id int64) (*model.Client, error)
	GetClientByUserID(ctx context.Context, userID int64) (*model.Client, error)
	ListClients(ctx context.Context) ([]model.Client, error)

	CreateCategory(ctx context.Context, name, description string) (int64, error)
	ListCategories(ctx context.Context) ([]model.Category, error)

	CreateProduct(ctx context.Context, p model.Product) (int64, error)
	UpdateProduct(ctx context.Context, p model.Product) error
	GetProductByID(ctx context.Context, id int64) (*model.Product, error)
	ListProducts(ctx context.Context) ([]model.Product, error)
	SoftDeleteProduct(ctx context.Context, id int64) error

	CreateSale(ctx context.Context, params repository.CreateSaleParams) (*model.Sale, error)
	CancelSale(ctx context.Context, saleID int64) (*model.Sale, error)
	ChangeSaleStatus(ctx context.Context, saleID int64, newStatus model.SaleStatus) (*model.Sale, error)
	UpdateSale(ctx context.Context, saleID int64, newStatus *model.SaleStatus, trackingNumber *string) (*model.Sale, error)
	SoftDeleteSale(ctx context.Context, saleID int64) error
	PurgeCancelledSales(ctx context.Context) (int64, error)
	GetSaleByID(ctx context.Context, saleID int64) (*model.Sale, error)
	GetSaleLines(ctx context.Context, saleID int64) ([]model.SaleLine, error)
	ListSales(ctx context.Context) ([]model.Sale, error)
	ListSalesByClient(ctx context.Context, clientID int64) ([]model.Sale, error)
}

// Service содержит бизнес-логику магазина.
type Service struct {
	repo Repository
}

// NewService создаёт новый сервис с указанным репозиторием.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// RegisterInput содержит данные регистрации нового покупателя.
type RegisterInput struct {
	Email      string
	Password   string
	FirstName  string
	LastName   string
	DocumentID string
	Phone      string
	Address    string
}

// RegisterUser регистрирует учётную запись покупателя и связанного клиента.
func (s *Service) RegisterUser(ctx context.Context, in RegisterInput) (*model.User, error) {
	hashed := hashPassword(in.Email, in.Password)

	userID, err := s.repo.CreateUser(ctx, in.Email, hashed, model.RoleClient)
	if err != nil {
		return nil, err
	}

	_, err = s.repo.CreateClient(ctx, model.Client{
		FirstName:  in.FirstName,
		LastName:   in.LastName,
		DocumentID: in.DocumentID,
		Phone:      in.Phone,
		Address:    in.Address,
		UserID:     &userID,
	})
	if err != nil {
		return nil, err
	}

	return &model.User{ID: userID, Email: in.Email, Role: model.RoleClient}, nil
}

// AuthenticateUser проверяет email и пароль и возвращает пользователя.
func (s *Service) AuthenticateUser(ctx context.Context, email, password string) (*model.User, error) {
	u, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	hashed := hashPassword(email, password)
	if subtle.ConstantTimeCompare(hashed, u.PasswordHash) != 1 {
		return nil, ErrInvalidCredentials
	}

	return u, nil
}

func hashPassword(email, password string) []byte {
	sum := sha256.Sum256([]byte(email + ":" + password))
	return sum[:]
}

// SaleLineInput описывает одну строку создаваемой продажи.
type SaleLineInput struct {
	ProductID int64
	Quantity  int64
}

// CreateSaleInput описывает параметры создания продажи.
type CreateSaleInput struct {
	ClientID      *int64
	PaymentMethod string
	AmountPaid    *decimal.Decimal
	Lines         []SaleLineInput
}

// CreateSale проверяет входные данные и создаёт продажу.
func (s *Service) CreateSale(ctx context.Context, in CreateSaleInput) (*model.Sale, error) {
	if len(in.Lines) == 0 {
		return nil, ErrNoSaleLines
	}

	method, err := model.ParsePaymentMethod(in.PaymentMethod)
	if err != nil {
		return nil, err
	}

	params := repository.CreateSaleParams{
		ClientID:      in.ClientID,
		PaymentMethod: method,
		AmountPaid:    in.AmountPaid,
	}
	for _, line := range in.Lines {
		if line.Quantity <= 0 {
			return nil, repository.ErrInvalidQuantity
		}
		params.Lines = append(params.Lines, repository.CreateSaleLine{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		})
	}

	return s.repo.CreateSale(ctx, params)
}

// CancelSale отменяет продажу с восстановлением остатков.
func (s *Service) CancelSale(ctx context.Context, saleID int64) (*model.Sale, error) {
	return s.repo.CancelSale(ctx, saleID)
}

// ChangeSaleStatus переводит продажу в новый статус.
func (s *Service) ChangeSaleStatus(ctx context.Context, saleID int64, status string) (*model.Sale, error) {
	st, err := model.ParseSaleStatus(status)
	if err != nil {
		return nil, err
	}
	if st == model.SaleStatusCancelled {
		return nil, repository.ErrIllegalStatusTransition
	}
	return s.repo.ChangeSaleStatus(ctx, saleID, st)
}

// UpdateSaleInput содержит изменяемые метаданные продажи.
type UpdateSaleInput struct {
	Status         *string
	TrackingNumber *string
}

// UpdateSale обновляет метаданные продажи: статус и/или трек-номер.
func (s *Service) UpdateSale(ctx context.Context, saleID int64, in UpdateSaleInput) (*model.Sale, error) {
	var status *model.SaleStatus
	if in.Status != nil {
		st, err := model.ParseSaleStatus(*in.Status)
		if err != nil {
			return nil, err
		}
		if st == model.SaleStatusCancelled {
			return nil, repository.ErrIllegalStatusTransition
		}
		status = &st
	}

	if in.TrackingNumber != nil && !validation.IsValidTrackingNumber(*in.TrackingNumber) {
		return nil, ErrBadTrackingNumber
	}

	return s.repo.UpdateSale(ctx, saleID, status, in.TrackingNumber)
}

// SoftDeleteSale помечает продажу и её строки удалёнными.
func (s *Service) SoftDeleteSale(ctx context.Context, saleID int64) error {
	return s.repo.SoftDeleteSale(ctx, saleID)
}

// PurgeCancelledSales удаляет все отменённые продажи и возвращает их число.
func (s *Service) PurgeCancelledSales(ctx context.Context) (int64, error) {
	return s.repo.PurgeCancelledSales(ctx)
}

// GetSale возвращает продажу по идентификатору.
func (s *Service) GetSale(ctx context.Context, saleID int64) (*model.Sale, error) {
	return s.repo.GetSaleByID(ctx, saleID)
}

// GetSaleLines возвращает строки продажи.
func (s *Service) GetSaleLines(ctx context.Context, saleID int64) ([]model.SaleLine, error) {
	return s.repo.GetSaleLines(ctx, saleID)
}

// ListSales возвращает все продажи.
func (s *Service) ListSales(ctx context.Context) ([]model.Sale, error) {
	return s.repo.ListSales(ctx)
}

// ListSalesForUser возвращает продажи клиента, привязанного к пользователю.
// Если у пользователя нет клиентского профиля, список пуст.
func (s *Service) ListSalesForUser(ctx context.Context, userID int64) ([]model.Sale, error) {
	client, err := s.repo.GetClientByUserID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrClientNotFound) {
			return nil, nil
		}
		return nil, err
	}

	return s.repo.ListSalesByClient(ctx, client.ID)
}

// CreateProduct создаёт товар каталога.
func (s *Service) CreateProduct(ctx context.Context, p model.Product) (int64, error) {
	if p.Price.IsNegative() {
		return 0, errors.New("product price must not be negative")
	}
	if p.Stock < 0 {
		return 0, errors.New("product stock must not be negative")
	}
	return s.repo.CreateProduct(ctx, p)
}

// ProductPatch содержит изменяемые поля товара; nil означает «не менять».
type ProductPatch struct {
	Name        *string
	Description *string
	Price       *decimal.Decimal
	Stock       *int64
	Sizes       *string
	Gender      *string
	ImageURL    *string
	CategoryID  *int64
}

// UpdateProduct применяет частичное обновление к товару каталога.
func (s *Service) UpdateProduct(ctx context.Context, id int64, patch ProductPatch) (*model.Product, error) {
	p, err := s.repo.GetProductByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if patch.Name != nil {
		p.Name = *patch.Name
	}
	if patch.Description != nil {
		p.Description = *patch.Description
	}
	if patch.Price != nil {
		if patch.Price.IsNegative() {
			return nil, errors.New("product price must not be negative")
		}
		p.Price = *patch.Price
	}
	if patch.Stock != nil {
		if *patch.Stock < 0 {
			return nil, errors.New("product stock must not be negative")
		}
		p.Stock = *patch.Stock
	}
	if patch.Sizes != nil {
		p.Sizes = *patch.Sizes
	}
	if patch.Gender != nil {
		p.Gender = *patch.Gender
	}
	if patch.ImageURL != nil {
		p.ImageURL = *patch.ImageURL
	}
	if patch.CategoryID != nil {
		p.CategoryID = *patch.CategoryID
	}

	if err := s.repo.UpdateProduct(ctx, *p); err != nil {
		return nil, err
	}

	return s.repo.GetProductByID(ctx, id)
}

// GetProduct возвращает товар по идентификатору.
func (s *Service) GetProduct(ctx context.Context, id int64) (*model.Product, error) {
	return s.repo.GetProductByID(ctx, id)
}

// ListProducts возвращает товары каталога.
func (s *Service) ListProducts(ctx context.Context) ([]model.Product, error) {
	return s.repo.ListProducts(ctx)
}

// DeleteProduct помечает товар удалённым.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	return s.repo.SoftDeleteProduct(ctx, id)
}

// CreateCategory создаёт категорию каталога.
func (s *Service) CreateCategory(ctx context.Context, name, description string) (int64, error) {
	if name == "" {
		return 0, errors.New("category name must not be empty")
	}
	return s.repo.CreateCategory(ctx, name, description)
}

// ListCategories возвращает категории каталога.
func (s *Service) ListCategories(ctx context.Context) ([]model.Category, error) {
	return s.repo.ListCategories(ctx)
}

// CreateClient создаёт клиента без учётной записи (продажа в зале).
func (s *Service) CreateClient(ctx context.Context, c model.Client) (int64, error) {
	return s.repo.CreateClient(ctx, c)
}

// GetClient возвращает клиента по идентификатору.
func (s *Service) GetClient(ctx context.Context, id int64) (*model.Client, error) {
	return s.repo.GetClientByID(ctx, id)
}

// ListClients возвращает всех клиентов.
func (s *Service) ListClients(ctx context.Context) ([]model.Client, error) {
	return s.repo.ListClients(ctx)
}
