package risk

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"perpbot/internal/exchange"
	"perpbot/internal/models"
)

// NewPlanID генерирует короткий ID плана: он входит в clientOrderId вида
// <tag>_<planID>_<роль>_<попытка>, а Bybit ограничивает orderLinkId 36 символами.
func NewPlanID() string {
	raw := strings.ReplaceAll(uuid.New().String(), "-", "")
	return raw[:16]
}

// Input: всё, что нужно для построения плана сделки за один тик.
type Input struct {
	Symbol        string
	Direction     models.Direction
	EvalTimestamp time.Time
	BundleVersion int

	EntryPrice        float64 // текущая цена на момент оценки
	ATRLTF            float64
	ATRStopMultiplier float64
	TPRMultiplier     float64 // фиксированный множитель цели, ровно 2R
	RiskFraction      float64

	Account AccountSnapshot
	Rules   exchange.InstrumentRules
}

// AccountSnapshot фиксирует капитал, считанный непосредственно перед расчётом.
type AccountSnapshot struct {
	TotalEquity     float64
	AvailableEquity float64
}

// BuildPlan рассчитывает план сделки: R = ATR_LTF * множитель стопа,
// размер — от доли риска на общий капитал, при нехватке свободной маржи
// (плечо 1x) размер урезается до доступного и план помечается как
// ограниченный капиталом. Stop, TP и R после этого не пересчитываются.
func BuildPlan(in Input) (models.TradePlan, error) {
	if in.EntryPrice <= 0 {
		return models.TradePlan{}, fmt.Errorf("некорректная цена входа %.8f для %s", in.EntryPrice, in.Symbol)
	}
	if in.ATRLTF <= 0 || in.ATRStopMultiplier <= 0 {
		return models.TradePlan{}, fmt.Errorf("некорректный ATR (%.8f) или множитель стопа (%.4f) для %s", in.ATRLTF, in.ATRStopMultiplier, in.Symbol)
	}
	if in.Account.TotalEquity <= 0 {
		return models.TradePlan{}, fmt.Errorf("нулевой капитал на счёте, расчёт невозможен")
	}

	r := in.ATRLTF * in.ATRStopMultiplier

	var stopRaw, tpRaw float64
	switch in.Direction {
	case models.DirectionLong:
		stopRaw = in.EntryPrice - r
		tpRaw = in.EntryPrice + in.TPRMultiplier*r
	case models.DirectionShort:
		stopRaw = in.EntryPrice + r
		tpRaw = in.EntryPrice - in.TPRMultiplier*r
	default:
		return models.TradePlan{}, fmt.Errorf("неизвестное направление %q", in.Direction)
	}
	if stopRaw <= 0 || tpRaw <= 0 {
		return models.TradePlan{}, fmt.Errorf("стоп (%.8f) или цель (%.8f) ушли в ноль для %s", stopRaw, tpRaw, in.Symbol)
	}

	stopPrice := FloorToStep(stopRaw, in.Rules.TickSize)
	tpPrice := FloorToStep(tpRaw, in.Rules.TickSize)

	riskIntent := in.Account.TotalEquity * in.RiskFraction
	qtyRaw := riskIntent / r

	// Маржа при плече 1x равна нотационалу. Если свободного капитала не
	// хватает — урезаем размер, а не отклоняем сделку.
	capitalConstrained := false
	marginNeeded := qtyRaw * in.EntryPrice
	if marginNeeded > in.Account.AvailableEquity {
		capitalConstrained = true
		qtyRaw = in.Account.AvailableEquity / in.EntryPrice
	}

	qty := FloorToStep(qtyRaw, in.Rules.LotSize)
	if qty <= 0 || qty < in.Rules.MinQty {
		return models.TradePlan{}, fmt.Errorf("размер %.8f ниже минимального лота %.8f для %s", qty, in.Rules.MinQty, in.Symbol)
	}
	if in.Rules.MinNotional > 0 && qty*in.EntryPrice < in.Rules.MinNotional {
		return models.TradePlan{}, fmt.Errorf("нотационал %.4f ниже минимума %.4f для %s", qty*in.EntryPrice, in.Rules.MinNotional, in.Symbol)
	}

	plan := models.TradePlan{
		ID:                 NewPlanID(),
		CreatedAt:          time.Now().UTC(),
		EvalTimestamp:      in.EvalTimestamp,
		Symbol:             in.Symbol,
		BundleVersion:      in.BundleVersion,
		Direction:          in.Direction,
		EntryPrice:         in.EntryPrice,
		StopPrice:          stopPrice,
		TPPrice:            tpPrice,
		RValue:             r,
		RiskFraction:       in.RiskFraction,
		EquityTotal:        in.Account.TotalEquity,
		EquityAvailable:    in.Account.AvailableEquity,
		RiskIntentAmount:   riskIntent,
		MarginRequired:     qty * in.EntryPrice,
		CapitalConstrained: capitalConstrained,
		RealisedRiskAtStop: qty * r,
		Qty:                qty,
		Status:             models.PlanStatusPlanned,
	}
	return plan, nil
}

// FloorToStep округляет значение вниз до ближайшего кратного шага.
// Вверх не округляем никогда: и цена стопа, и размер только уменьшаются.
func FloorToStep(value, step float64) float64 {
	if step <= 0 {
		return value
	}
	ratio := value / step
	rounded := math.Round(ratio)
	// двоичный хвост деления не должен съедать целый шаг
	if math.Abs(ratio-rounded) < 1e-9*math.Max(1, math.Abs(ratio)) {
		return rounded * step
	}
	return math.Floor(ratio) * step
}
