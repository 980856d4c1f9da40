package prompt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/vulnreport/internal/domain/report"
)

func TestFollowUp(t *testing.T) {
	got := FollowUp("  shorten the risk section \n", "# Doc")

	assert.Equal(t, "shorten the risk section\n\n---\n\nCurrent report in Markdown (for context):\n\n# Doc", got)
}

func TestSummaryAndStatisticsCarryBody(t *testing.T) {
	sys, user := Summary("BODY")
	assert.Contains(t, sys, "Executive Summary")
	assert.Contains(t, user, "BODY")

	sys, user = Statistics("BODY")
	assert.Contains(t, sys, `"critical"`)
	assert.Contains(t, user, "BODY")
}

func TestParseStatistics(t *testing.T) {
	t.Run("plain object", func(t *testing.T) {
		stats, err := ParseStatistics(`{"critical":1,"high":2,"medium":0,"low":3,"total":6}`)
		require.NoError(t, err)
		assert.Equal(t, report.Statistics{
			report.SeverityCritical: 1, report.SeverityHigh: 2,
			report.SeverityMedium: 0, report.SeverityLow: 3,
		}, stats)
	})

	t.Run("fenced with chatter", func(t *testing.T) {
		stats, err := ParseStatistics("Here you go:\n```json\n{\"high\": 4}\n```\nDone.")
		require.NoError(t, err)
		assert.Equal(t, 4, stats[report.SeverityHigh])
		assert.Equal(t, 4, stats.Total())
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := ParseStatistics("I could not count them.")
		assert.Error(t, err)

		_, err = ParseStatistics(`{"high": -1}`)
		assert.Error(t, err)
	})
}
