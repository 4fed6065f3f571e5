package selector

import (
	"sort"

	"perpbot/internal/models"
)

type Decision string

const (
	DecisionSelected          Decision = "SELECTED"
	DecisionNone              Decision = "NONE"
	DecisionBlockedByPosition Decision = "BLOCKED_BY_POSITION"
	DecisionBlockedByCooldown Decision = "BLOCKED_BY_COOLDOWN"
	DecisionBlockedBySafety   Decision = "BLOCKED_BY_SAFETY"
)

type Result struct {
	Decision Decision
	Signal   *models.EligibleSignal
}

// Gates: состояние глобальных блокировок на момент тика.
type Gates struct {
	PositionLive   bool
	CooldownActive bool
	Halted         bool
}

// Select — чистая функция: одинаковый вход всегда даёт одинаковый выбор.
// Блокировки проверяются до сигналов; порядок проверок фиксирован.
func Select(signals []models.EligibleSignal, gates Gates) Result {
	if gates.Halted {
		return Result{Decision: DecisionBlockedBySafety}
	}
	if gates.PositionLive {
		return Result{Decision: DecisionBlockedByPosition}
	}
	if gates.CooldownActive {
		return Result{Decision: DecisionBlockedByCooldown}
	}

	eligible := make([]models.EligibleSignal, 0, len(signals))
	for _, sig := range signals {
		if sig.Eligible {
			eligible = append(eligible, sig)
		}
	}
	if len(eligible) == 0 {
		return Result{Decision: DecisionNone}
	}

	// Фиксированная лексикографическая иерархия: сила тренда (убыв.),
	// расширение волатильности (убыв.), ранг ликвидности (возр.),
	// статический приоритет (возр.) — последний гарантирует полный порядок.
	sort.Slice(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.TrendStrengthScore != b.TrendStrengthScore {
			return a.TrendStrengthScore > b.TrendStrengthScore
		}
		if a.VolExpansionScore != b.VolExpansionScore {
			return a.VolExpansionScore > b.VolExpansionScore
		}
		if a.LiquidityRank != b.LiquidityRank {
			return a.LiquidityRank < b.LiquidityRank
		}
		return a.PriorityIndex < b.PriorityIndex
	})

	chosen := eligible[0]
	return Result{Decision: DecisionSelected, Signal: &chosen}
}
