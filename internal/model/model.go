// Package model содержит доменные сущности магазина одежды.
package model

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Role определяет роль пользователя в системе.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleClient Role = "client"
)

// User представляет учётную запись для входа в систему.
type User struct {
	ID           int64
	Email        string
	PasswordHash []byte
	Role         Role
	CreatedAt    time.Time
}

// Client представляет покупателя. Продажа может ссылаться на клиента,
// но допускаются и анонимные продажи без клиента.
type Client struct {
	ID         int64
	FirstName  string
	LastName   string
	DocumentID string
	Phone      string
	Address    string
	UserID     *int64
	CreatedAt  time.Time
}

// Category представляет категорию товаров каталога.
type Category struct {
	ID          int64
	Name        string
	Description string
	CreatedAt   time.Time
}

// Product представляет товар каталога со счётчиком остатка на складе.
// Остаток не может быть отрицательным и изменяется только операциями
// журнала продаж либо прямым редактированием каталога.
type Product struct {
	ID          int64
	Name        string
	Description string
	Price       decimal.Decimal
	Stock       int64
	Sizes       string
	Gender      string
	ImageURL    string
	CategoryID  int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// PaymentMethod описывает способ оплаты продажи.
type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
	PaymentQR       PaymentMethod = "qr"
	PaymentQuote    PaymentMethod = "quote"
	PaymentOther    PaymentMethod = "other"
)

var validPaymentMethods = map[PaymentMethod]struct{}{
	PaymentCash:     {},
	PaymentCard:     {},
	PaymentTransfer: {},
	PaymentQR:       {},
	PaymentQuote:    {},
	PaymentOther:    {},
}

// ErrUnknownPaymentMethod возвращается для неизвестного способа оплаты.
var ErrUnknownPaymentMethod = errors.New("unknown payment method")

// ParsePaymentMethod проверяет строку и возвращает способ оплаты.
// Пустая строка трактуется как оплата наличными.
func ParsePaymentMethod(s string) (PaymentMethod, error) {
	if s == "" {
		return PaymentCash, nil
	}
	m := PaymentMethod(s)
	if _, ok := validPaymentMethods[m]; !ok {
		return "", ErrUnknownPaymentMethod
	}
	return m, nil
}

// SaleStatus описывает состояние продажи.
type SaleStatus string

const (
	SaleStatusPending       SaleStatus = "pending"
	SaleStatusConfirmed     SaleStatus = "confirmed"
	SaleStatusInPreparation SaleStatus = "in_preparation"
	SaleStatusDispatched    SaleStatus = "dispatched"
	SaleStatusDelivered     SaleStatus = "delivered"
	SaleStatusCancelled     SaleStatus = "cancelled"
)

// saleStatusOrder задаёт каноническую последовательность прямых переходов.
var saleStatusOrder = map[SaleStatus]int{
	SaleStatusPending:       0,
	SaleStatusConfirmed:     1,
	SaleStatusInPreparation: 2,
	SaleStatusDispatched:    3,
	SaleStatusDelivered:     4,
}

// ErrUnknownSaleStatus возвращается для неизвестного статуса продажи.
var ErrUnknownSaleStatus = errors.New("unknown sale status")

// ParseSaleStatus проверяет строку и возвращает статус продажи.
func ParseSaleStatus(s string) (SaleStatus, error) {
	st := SaleStatus(s)
	if st == SaleStatusCancelled {
		return st, nil
	}
	if _, ok := saleStatusOrder[st]; !ok {
		return "", ErrUnknownSaleStatus
	}
	return st, nil
}

// CanTransitionTo сообщает, допустим ли переход из текущего статуса в target.
// Разрешены только переход к следующему по порядку статусу и повторный переход
// в текущий статус. Статус cancelled терминален и достижим только через
// операцию отмены продажи, а не через смену статуса.
func (s SaleStatus) CanTransitionTo(target SaleStatus) bool {
	if s == SaleStatusCancelled || target == SaleStatusCancelled {
		return false
	}

	from, ok := saleStatusOrder[s]
	if !ok {
		return false
	}
	to, ok := saleStatusOrder[target]
	if !ok {
		return false
	}

	return to == from || to == from+1
}

// Sale представляет продажу (заказ покупателя).
// Поле Total всегда равно сумме подытогов строк продажи и не принимается
// от клиента. AmountPaid и Change заполняются только если оплата
// зафиксирована при создании продажи.
type Sale struct {
	ID             int64
	Client         *Client
	PaymentMethod  PaymentMethod
	Status         SaleStatus
	Total          decimal.Decimal
	AmountPaid     *decimal.Decimal
	Change         *decimal.Decimal
	TrackingNumber *string
	ConfirmedAt    *time.Time
	DispatchedAt   *time.Time
	DeliveredAt    *time.Time
	CancelledAt    *time.Time
	CreatedAt      time.Time
	Lines          []SaleLine
}

// SaleLine представляет одну строку продажи. Цена за единицу фиксируется
// в момент продажи и не меняется при изменении цены товара в каталоге.
type SaleLine struct {
	ID          int64
	SaleID      int64
	ProductID   int64
	ProductName string
	Quantity    int64
	UnitPrice   decimal.Decimal
	Subtotal    decimal.Decimal
	CancelledAt *time.Time
	CreatedAt   time.Time
}
