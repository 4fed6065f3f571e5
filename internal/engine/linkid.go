package engine

import (
	"fmt"
	"strconv"
	"strings"

	"perpbot/internal/models"
)

// Контракт clientOrderId: <тег-экземпляра>_<ID-плана>_<роль>_<попытка>.
// Один и тот же ID при повторе запроса превращает повтор в no-op на бирже;
// новая попытка получает новый ID и новый номер попытки.
func buildLinkID(tag, planID string, role models.OrderRole, attempt int) string {
	return fmt.Sprintf("%s_%s_%s_%d", tag, planID, role, attempt)
}

type linkParts struct {
	Tag     string
	PlanID  string
	Role    models.OrderRole
	Attempt int
}

// parseLinkID разбирает clientOrderId обратно. Ошибка означает чужой ордер:
// тег и план не в нашем формате.
func parseLinkID(linkID string) (linkParts, error) {
	segs := strings.Split(linkID, "_")
	if len(segs) != 4 {
		return linkParts{}, fmt.Errorf("некорректный clientOrderId %q", linkID)
	}

	role := models.OrderRole(segs[2])
	switch role {
	case models.OrderRoleEntry, models.OrderRoleStop, models.OrderRoleTarget, models.OrderRoleClose:
	default:
		return linkParts{}, fmt.Errorf("неизвестная роль в clientOrderId %q", linkID)
	}

	attempt, err := strconv.Atoi(segs[3])
	if err != nil || attempt < 1 {
		return linkParts{}, fmt.Errorf("некорректный номер попытки в clientOrderId %q", linkID)
	}

	return linkParts{Tag: segs[0], PlanID: segs[1], Role: role, Attempt: attempt}, nil
}

// ownsLink: ордер принадлежит этому экземпляру бота.
func ownsLink(tag, linkID string) (linkParts, bool) {
	parts, err := parseLinkID(linkID)
	if err != nil || parts.Tag != tag {
		return linkParts{}, false
	}
	return parts, true
}
