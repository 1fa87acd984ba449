package reconcile

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/liquorledger/liquorledger/internal/ledger"
	"github.com/liquorledger/liquorledger/internal/quota"
	"github.com/liquorledger/liquorledger/internal/shared"
	"github.com/liquorledger/liquorledger/internal/stock"
)

// saleInput is the wire form of a sale.
type saleInput struct {
	EventID            string          `json:"event_id" validate:"omitempty,max=128"`
	ShopID             int64           `json:"shop_id" validate:"required,gt=0"`
	BrandName          string          `json:"brand_name" validate:"required,max=120"`
	VolumeML           int             `json:"volume_ml" validate:"required,gt=0"`
	LiquorType         string          `json:"liquor_type" validate:"omitempty,max=60"`
	Date               string          `json:"date" validate:"required,datetime=2006-01-02"`
	Quantity           int64           `json:"quantity" validate:"gte=0"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	CashCollectedByUPI decimal.Decimal `json:"cash_collected_by_upi"`
	CashInHand         decimal.Decimal `json:"cash_in_hand"`
	Expenses           []expenseInput  `json:"expenses" validate:"dive"`
}

type expenseInput struct {
	Description string          `json:"description" validate:"required,max=200"`
	Amount      decimal.Decimal `json:"amount"`
}

// saleEditInput is the wire form of a sale correction.
type saleEditInput struct {
	EventID            string          `json:"event_id" validate:"omitempty,max=128"`
	LiquorType         string          `json:"liquor_type" validate:"omitempty,max=60"`
	Quantity           int64           `json:"quantity" validate:"gte=0"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	CashCollectedByUPI decimal.Decimal `json:"cash_collected_by_upi"`
	CashInHand         decimal.Decimal `json:"cash_in_hand"`
	Expenses           []expenseInput  `json:"expenses" validate:"dive"`
}

type receiptInput struct {
	EventID       string          `json:"event_id" validate:"omitempty,max=128"`
	ShopID        int64           `json:"shop_id" validate:"required,gt=0"`
	BrandName     string          `json:"brand_name" validate:"required,max=120"`
	VolumeML      int             `json:"volume_ml" validate:"required,gt=0"`
	WarehouseName string          `json:"warehouse_name" validate:"omitempty,max=120"`
	Cases         int64           `json:"cases" validate:"gte=0"`
	Pieces        int64           `json:"pieces" validate:"gte=0"`
	BillRef       string          `json:"bill_ref" validate:"omitempty,max=60"`
	BillAmount    decimal.Decimal `json:"bill_amount"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	AffectsQuota  bool            `json:"affects_quota"`
}

type transferInput struct {
	EventID    string `json:"event_id" validate:"omitempty,max=128"`
	FromShopID int64  `json:"from_shop_id" validate:"required,gt=0"`
	ToShopID   int64  `json:"to_shop_id" validate:"required,gt=0,nefield=FromShopID"`
	BrandName  string `json:"brand_name" validate:"required,max=120"`
	VolumeML   int    `json:"volume_ml" validate:"required,gt=0"`
	Cases      int64  `json:"cases" validate:"required,gt=0"`
	Date       string `json:"date" validate:"required,datetime=2006-01-02"`
}

type paymentInput struct {
	EventID       string          `json:"event_id" validate:"omitempty,max=128"`
	ShopID        int64           `json:"shop_id" validate:"gte=0"`
	WarehouseName string          `json:"warehouse_name" validate:"omitempty,max=120"`
	Date          string          `json:"date" validate:"required,datetime=2006-01-02"`
	Amount        decimal.Decimal `json:"amount"`
	Direction     string          `json:"direction" validate:"required,oneof=credit debit"`
	Description   string          `json:"description" validate:"omitempty,max=200"`
}

type brandInput struct {
	Name          string          `json:"name" validate:"required,max=120"`
	VolumeML      int             `json:"volume_ml" validate:"required,gt=0"`
	LiquorType    string          `json:"liquor_type" validate:"required,max=60"`
	Category      string          `json:"category" validate:"required,oneof=DOMESTIC IMPORTED"`
	PiecesPerCase int64           `json:"pieces_per_case" validate:"required,gt=0"`
	DutyPerCase   decimal.Decimal `json:"duty_per_case"`
}

type shopInput struct {
	Name       string             `json:"name" validate:"required,max=120"`
	Category   string             `json:"category" validate:"required,oneof=DOMESTIC IMPORTED"`
	MonthlyMGQ int64              `json:"monthly_mgq" validate:"gte=0"`
	YearlyMGQ  int64              `json:"yearly_mgq" validate:"gte=0"`
	Quarterly  [4]decimal.Decimal `json:"quarterly"`
}

type targetsInput struct {
	MonthlyMGQ int64              `json:"monthly_mgq" validate:"gte=0"`
	YearlyMGQ  int64              `json:"yearly_mgq" validate:"gte=0"`
	Quarterly  [4]decimal.Decimal `json:"quarterly"`
}

type rebuildInput struct {
	ShopID    int64  `json:"shop_id" validate:"omitempty,gt=0"`
	BrandName string `json:"brand_name" validate:"omitempty,max=120"`
	VolumeML  int    `json:"volume_ml" validate:"omitempty,gt=0"`
	Book      string `json:"book" validate:"omitempty,oneof=shop warehouse"`
	Key       string `json:"key" validate:"omitempty,max=160"`
}

func parseDay(raw string) (time.Time, error) {
	t, err := shared.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return t, nil
}

func toExpenses(in []expenseInput) []stock.Expense {
	if len(in) == 0 {
		return nil
	}
	out := make([]stock.Expense, len(in))
	for i, e := range in {
		out[i] = stock.Expense{Description: e.Description, Amount: e.Amount}
	}
	return out
}

func (in saleInput) request(actorID int64) (SaleRequest, error) {
	date, err := parseDay(in.Date)
	if err != nil {
		return SaleRequest{}, err
	}
	return SaleRequest{
		EventID:            in.EventID,
		ActorID:            actorID,
		ShopID:             in.ShopID,
		BrandName:          in.BrandName,
		VolumeML:           in.VolumeML,
		LiquorType:         in.LiquorType,
		Date:               date,
		Quantity:           in.Quantity,
		UnitPrice:          in.UnitPrice,
		CashCollectedByUPI: in.CashCollectedByUPI,
		CashInHand:         in.CashInHand,
		Expenses:           toExpenses(in.Expenses),
	}, nil
}

func (in saleEditInput) request(actorID, entryID int64) EditSaleRequest {
	return EditSaleRequest{
		EventID:            in.EventID,
		ActorID:            actorID,
		EntryID:            entryID,
		LiquorType:         in.LiquorType,
		Quantity:           in.Quantity,
		UnitPrice:          in.UnitPrice,
		CashCollectedByUPI: in.CashCollectedByUPI,
		CashInHand:         in.CashInHand,
		Expenses:           toExpenses(in.Expenses),
	}
}

func (in receiptInput) request(actorID int64) (ReceiptRequest, error) {
	date, err := parseDay(in.Date)
	if err != nil {
		return ReceiptRequest{}, err
	}
	return ReceiptRequest{
		EventID:       in.EventID,
		ActorID:       actorID,
		ShopID:        in.ShopID,
		BrandName:     in.BrandName,
		VolumeML:      in.VolumeML,
		WarehouseName: in.WarehouseName,
		Cases:         in.Cases,
		Pieces:        in.Pieces,
		BillRef:       in.BillRef,
		BillAmount:    in.BillAmount,
		Date:          date,
		AffectsQuota:  in.AffectsQuota,
	}, nil
}

func (in transferInput) request(actorID int64) (TransferRequest, error) {
	date, err := parseDay(in.Date)
	if err != nil {
		return TransferRequest{}, err
	}
	return TransferRequest{
		EventID:    in.EventID,
		ActorID:    actorID,
		FromShopID: in.FromShopID,
		ToShopID:   in.ToShopID,
		BrandName:  in.BrandName,
		VolumeML:   in.VolumeML,
		Cases:      in.Cases,
		Date:       date,
	}, nil
}

func (in paymentInput) request(actorID int64) (PaymentRequest, error) {
	date, err := parseDay(in.Date)
	if err != nil {
		return PaymentRequest{}, err
	}
	return PaymentRequest{
		EventID:       in.EventID,
		ActorID:       actorID,
		ShopID:        in.ShopID,
		WarehouseName: in.WarehouseName,
		Date:          date,
		Amount:        in.Amount,
		Direction:     Direction(in.Direction),
		Description:   in.Description,
	}, nil
}

func (in brandInput) brand() stock.Brand {
	return stock.Brand{
		Name:          in.Name,
		VolumeML:      in.VolumeML,
		LiquorType:    in.LiquorType,
		Category:      stock.LiquorCategory(in.Category),
		PiecesPerCase: in.PiecesPerCase,
		DutyPerCase:   in.DutyPerCase,
	}
}

func (in shopInput) shop() quota.Shop {
	return quota.Shop{
		Name:       in.Name,
		Category:   stock.LiquorCategory(in.Category),
		MonthlyMGQ: in.MonthlyMGQ,
		YearlyMGQ:  in.YearlyMGQ,
		Quarterly:  in.Quarterly,
	}
}

func quotaTargets(shopID int64, in targetsInput) quota.Shop {
	return quota.Shop{
		ID:         shopID,
		MonthlyMGQ: in.MonthlyMGQ,
		YearlyMGQ:  in.YearlyMGQ,
		Quarterly:  in.Quarterly,
	}
}

// entryView is the wire form of a stock entry.
type entryView struct {
	ID                 int64           `json:"id"`
	ShopID             int64           `json:"shop_id"`
	BrandName          string          `json:"brand_name"`
	VolumeML           int             `json:"volume_ml"`
	LiquorType         string          `json:"liquor_type"`
	Date               string          `json:"date"`
	OpeningBalance     int64           `json:"opening_balance"`
	Movement           int64           `json:"movement"`
	QuantitySold       int64           `json:"quantity_sold"`
	ClosingBalance     int64           `json:"closing_balance"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	DailyRevenue       decimal.Decimal `json:"daily_revenue"`
	CashCollectedByUPI decimal.Decimal `json:"cash_collected_by_upi"`
	CashInHand         decimal.Decimal `json:"cash_in_hand"`
	Expenses           []stock.Expense `json:"expenses"`
}

func viewEntry(e stock.Entry) entryView {
	expenses := e.Expenses
	if expenses == nil {
		expenses = []stock.Expense{}
	}
	return entryView{
		ID:                 e.ID,
		ShopID:             e.Key.ShopID,
		BrandName:          e.Key.BrandName,
		VolumeML:           e.Key.VolumeML,
		LiquorType:         e.LiquorType,
		Date:               e.Date.Format(shared.DateLayout),
		OpeningBalance:     e.OpeningBalance,
		Movement:           e.Movement,
		QuantitySold:       e.QuantitySold,
		ClosingBalance:     e.ClosingBalance,
		UnitPrice:          e.UnitPrice,
		DailyRevenue:       e.DailyRevenue,
		CashCollectedByUPI: e.CashCollectedByUPI,
		CashInHand:         e.CashInHand,
		Expenses:           expenses,
	}
}

func viewEntries(entries []stock.Entry) []entryView {
	out := make([]entryView, len(entries))
	for i, e := range entries {
		out[i] = viewEntry(e)
	}
	return out
}

type receiptView struct {
	ID            int64           `json:"id"`
	ShopID        int64           `json:"shop_id"`
	BrandName     string          `json:"brand_name"`
	VolumeML      int             `json:"volume_ml"`
	WarehouseName string          `json:"warehouse_name,omitempty"`
	Cases         int64           `json:"cases"`
	Pieces        int64           `json:"pieces"`
	BillRef       string          `json:"bill_ref,omitempty"`
	BillAmount    decimal.Decimal `json:"bill_amount"`
	Date          string          `json:"date"`
	AffectsQuota  bool            `json:"affects_quota"`
	EntryID       *int64          `json:"entry_id"`
	TransferCode  string          `json:"transfer_code,omitempty"`
}

func viewReceipt(r stock.Receipt) receiptView {
	v := receiptView{
		ID:            r.ID,
		ShopID:        r.Key.ShopID,
		BrandName:     r.Key.BrandName,
		VolumeML:      r.Key.VolumeML,
		WarehouseName: r.WarehouseName,
		Cases:         r.Cases,
		Pieces:        r.Pieces,
		BillRef:       r.BillRef,
		BillAmount:    r.BillAmount,
		Date:          r.Date.Format(shared.DateLayout),
		AffectsQuota:  r.AffectsQuota,
		TransferCode:  r.TransferCode,
	}
	if !r.Pending() {
		id := r.EntryID
		v.EntryID = &id
	}
	return v
}

func viewReceipts(receipts []stock.Receipt) []receiptView {
	out := make([]receiptView, len(receipts))
	for i, r := range receipts {
		out[i] = viewReceipt(r)
	}
	return out
}

type rowView struct {
	ID          int64           `json:"id"`
	Book        ledger.Book     `json:"book"`
	Key         string          `json:"key"`
	Date        string          `json:"date"`
	Description string          `json:"description"`
	Debit       decimal.Decimal `json:"debit"`
	Credit      decimal.Decimal `json:"credit"`
	Balance     decimal.Decimal `json:"balance"`
	SourceRef   string          `json:"source_ref,omitempty"`
}

func viewRows(rows []ledger.Row) []rowView {
	out := make([]rowView, len(rows))
	for i, r := range rows {
		out[i] = rowView{
			ID:          r.ID,
			Book:        r.Key.Book(),
			Key:         r.Key.String(),
			Date:        r.Date.Format(shared.DateLayout),
			Description: r.Description,
			Debit:       r.Debit,
			Credit:      r.Credit,
			Balance:     r.Balance,
			SourceRef:   r.SourceRef,
		}
	}
	return out
}

type shopView struct {
	ID         int64              `json:"id"`
	Name       string             `json:"name"`
	Category   string             `json:"category"`
	MonthlyMGQ int64              `json:"monthly_mgq"`
	YearlyMGQ  int64              `json:"yearly_mgq"`
	Quarterly  [4]decimal.Decimal `json:"quarterly"`
}

func viewShop(s quota.Shop) shopView {
	return shopView{
		ID:         s.ID,
		Name:       s.Name,
		Category:   string(s.Category),
		MonthlyMGQ: s.MonthlyMGQ,
		YearlyMGQ:  s.YearlyMGQ,
		Quarterly:  s.Quarterly,
	}
}

type brandView struct {
	Name          string          `json:"name"`
	VolumeML      int             `json:"volume_ml"`
	LiquorType    string          `json:"liquor_type"`
	Category      string          `json:"category"`
	PiecesPerCase int64           `json:"pieces_per_case"`
	DutyPerCase   decimal.Decimal `json:"duty_per_case"`
}

func viewBrand(b stock.Brand) brandView {
	return brandView{
		Name:          b.Name,
		VolumeML:      b.VolumeML,
		LiquorType:    b.LiquorType,
		Category:      string(b.Category),
		PiecesPerCase: b.PiecesPerCase,
		DutyPerCase:   b.DutyPerCase,
	}
}

type transferView struct {
	ID         int64  `json:"id"`
	Code       string `json:"code"`
	FromShopID int64  `json:"from_shop_id"`
	ToShopID   int64  `json:"to_shop_id"`
	BrandName  string `json:"brand_name"`
	VolumeML   int    `json:"volume_ml"`
	Cases      int64  `json:"cases"`
	Pieces     int64  `json:"pieces"`
	Date       string `json:"date"`
}
