package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perpbot/internal/models"
)

func TestBuildLinkID(t *testing.T) {
	id := buildLinkID("mb", "a1b2c3d4e5f60718", models.OrderRoleEntry, 1)
	assert.Equal(t, "mb_a1b2c3d4e5f60718_ENTRY_1", id)

	id = buildLinkID("mb", "a1b2c3d4e5f60718", models.OrderRoleStop, 2)
	assert.Equal(t, "mb_a1b2c3d4e5f60718_STOP_2", id)

	id = buildLinkID("mb", "a1b2c3d4e5f60718", models.OrderRoleTarget, 1)
	assert.Equal(t, "mb_a1b2c3d4e5f60718_TARGET_1", id)
}

func TestLinkIDFitsExchangeLimit(t *testing.T) {
	// Bybit ограничивает orderLinkId 36 символами; TARGET — самая длинная роль.
	id := buildLinkID("mb", "aaaaaaaaaaaaaaaa", models.OrderRoleTarget, 10)
	assert.LessOrEqual(t, len(id), 36)
}

func TestParseLinkIDRoundTrip(t *testing.T) {
	for _, role := range []models.OrderRole{
		models.OrderRoleEntry, models.OrderRoleStop, models.OrderRoleTarget, models.OrderRoleClose,
	} {
		id := buildLinkID("mb", "deadbeef00112233", role, 3)
		parts, err := parseLinkID(id)
		require.NoError(t, err)
		assert.Equal(t, "mb", parts.Tag)
		assert.Equal(t, "deadbeef00112233", parts.PlanID)
		assert.Equal(t, role, parts.Role)
		assert.Equal(t, 3, parts.Attempt)
	}
}

func TestParseLinkIDRejectsForeign(t *testing.T) {
	for _, bad := range []string{
		"",
		"manual-order-42",
		"mb_plan_ENTRY",            // нет номера попытки
		"mb_plan_LIMIT_1",          // неизвестная роль
		"mb_plan_ENTRY_0",          // попытки нумеруются с 1
		"mb_plan_ENTRY_x",          // номер попытки не число
		"mb_plan_extra_ENTRY_1_1",  // лишние сегменты
	} {
		_, err := parseLinkID(bad)
		assert.Error(t, err, bad)
	}
}

func TestOwnsLink(t *testing.T) {
	id := buildLinkID("mb", "deadbeef00112233", models.OrderRoleTarget, 1)

	parts, ok := ownsLink("mb", id)
	require.True(t, ok)
	assert.Equal(t, models.OrderRoleTarget, parts.Role)

	// другой экземпляр бота — чужой ордер
	_, ok = ownsLink("other", id)
	assert.False(t, ok)
}
