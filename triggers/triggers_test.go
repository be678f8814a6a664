package triggers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNextFireInTimezone(t *testing.T) {
	// 12:03 UTC is 08:03 in New York during DST; the next */5 boundary is
	// 08:05 local, i.e. 12:05 UTC.
	after := time.Date(2024, 6, 1, 12, 3, 0, 0, time.UTC)
	next, err := NextFire("*/5 * * * *", "America/New_York", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC), next)
}

func TestNextFireIsStrictlyAfter(t *testing.T) {
	boundary := time.Date(2024, 6, 1, 12, 5, 0, 0, time.UTC)
	next, err := NextFire("*/5 * * * *", "UTC", boundary)
	require.NoError(t, err)
	require.Equal(t, boundary.Add(5*time.Minute), next)
}

func TestNextFireDailyAcrossOffset(t *testing.T) {
	// Midnight in Kolkata (UTC+5:30) is 18:30 UTC of the previous day.
	after := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	next, err := NextFire("0 0 * * *", "Asia/Kolkata", after)
	require.NoError(t, err)
	require.Equal(t, time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC), next)
}

func TestNextFireErrors(t *testing.T) {
	after := time.Now()
	_, err := NextFire("*/5 * * * *", "Not/AZone", after)
	require.ErrorContains(t, err, "invalid timezone")
	_, err = NextFire("not a cron", "UTC", after)
	require.Error(t, err)
}

func TestValidateExpression(t *testing.T) {
	require.NoError(t, ValidateExpression("*/5 * * * *"))
	require.NoError(t, ValidateExpression("0 9-17 * * 1-5"))
	require.NoError(t, ValidateExpression("15,45 * 1 6 *"))
	require.Error(t, ValidateExpression("99 * * * *"))
	require.Error(t, ValidateExpression("* * *"))
}
