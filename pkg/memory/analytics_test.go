package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func labeled(intent, sentiment string, at time.Time) Interaction {
	return Interaction{TenantID: "acme", ConversationID: "c1", ParticipantID: "p1", Intent: intent, Sentiment: sentiment, Timestamp: at}
}

func TestTierFor(t *testing.T) {
	testcases := []struct {
		count int
		want  string
	}{
		{0, TierNew},
		{4, TierNew},
		{5, TierReturning},
		{9, TierReturning},
		{10, TierRegular},
		{19, TierRegular},
		{20, TierFrequent},
		{22, TierFrequent},
	}
	for _, tc := range testcases {
		assert.Equal(t, tc.want, TierFor(tc.count), "count=%d", tc.count)
	}
}

func TestFrequencyTieBreakIsFirstSeen(t *testing.T) {
	f := newFrequency()
	for _, label := range []string{"billing", "shipping", "shipping", "billing", "returns"} {
		f.Add(label)
	}
	assert.Equal(t, "billing", f.MostCommon())
	assert.Equal(t, []string{"billing", "shipping", "returns"}, f.Top(3))
	assert.Equal(t, []string{"billing"}, f.Top(1))

	var zero Frequency
	assert.Equal(t, "", zero.MostCommon())
	zero.Add("x")
	assert.Equal(t, "x", zero.MostCommon())
}

func TestAnalyzeProfile(t *testing.T) {
	assert.Nil(t, AnalyzeProfile("acme", "p1", nil))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	items := []Interaction{
		labeled("billing", SentimentNegative, base),
		labeled("billing", SentimentNeutral, base.Add(time.Hour)),
		labeled("shipping", SentimentNeutral, base.Add(2*24*time.Hour)),
		labeled("", "", base.Add(3*24*time.Hour+30*time.Minute)),
	}
	p := AnalyzeProfile("acme", "p1", items)
	require.NotNil(t, p)
	assert.Equal(t, 4, p.TotalInteractions)
	assert.Equal(t, "billing", p.DominantIntent)
	assert.Equal(t, SentimentNeutral, p.DominantSentiment)
	assert.Equal(t, 9, p.PreferredHour)
	assert.Equal(t, map[string]int{"billing": 2, "shipping": 1, defaultIntent: 1}, p.Intents.Counts)
	assert.True(t, p.FirstSeen.Equal(base))
	assert.True(t, p.LastSeen.Equal(items[3].Timestamp))
	// Span of 3 days and 30 minutes rounds up to 4 days.
	assert.InDelta(t, 1.0, p.InteractionFrequency, 1e-9)
	assert.Equal(t, TierNew, p.Tier)
}

func TestAnalyzeProfile_SameDayFrequency(t *testing.T) {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	items := make([]Interaction, 0, 6)
	for i := 0; i < 6; i++ {
		items = append(items, labeled("faq", SentimentPositive, base.Add(time.Duration(i)*time.Minute)))
	}
	p := AnalyzeProfile("acme", "p1", items)
	require.NotNil(t, p)
	assert.InDelta(t, 6.0, p.InteractionFrequency, 1e-9)
	assert.Equal(t, TierReturning, p.Tier)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "0 minutes", FormatDuration(0))
	assert.Equal(t, "59 minutes", FormatDuration(59*time.Minute+59*time.Second))
	assert.Equal(t, "1h 0m", FormatDuration(time.Hour))
	assert.Equal(t, "2h 5m", FormatDuration(2*time.Hour+5*time.Minute))
	assert.Equal(t, "0 minutes", FormatDuration(-time.Minute))
}

func TestBuildSummary(t *testing.T) {
	key := testKey("acme", "c1", "p1")
	assert.Nil(t, BuildSummary(key, nil))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	items := []Interaction{
		labeled("billing", SentimentNegative, base),
		labeled("billing", SentimentNegative, base.Add(10*time.Minute)),
		labeled("refund", SentimentNeutral, base.Add(20*time.Minute)),
		labeled("shipping", SentimentPositive, base.Add(70*time.Minute)),
		labeled("account", SentimentNegative, base.Add(75*time.Minute)),
	}
	s := BuildSummary(key, items)
	require.NotNil(t, s)
	assert.Equal(t, 5, s.MessageCount)
	assert.Equal(t, "1h 15m", s.Duration)
	assert.Equal(t, []string{"billing", "refund", "shipping"}, s.Topics)
	assert.InDelta(t, -0.4, s.SentimentScore, 1e-9)
	assert.Equal(t, SentimentNegative, s.Sentiment)
	assert.Equal(t, ResolutionNeedsFollowup, s.Resolution)
	assert.Equal(t, "c1", s.ConversationID)
}

func TestBuildSummary_ResolvedOnNeutralOrPositiveLastTurn(t *testing.T) {
	key := testKey("acme", "c1", "p1")
	base := time.Now()

	s := BuildSummary(key, []Interaction{
		labeled("faq", SentimentNegative, base),
		labeled("faq", "", base.Add(5*time.Minute)),
	})
	require.NotNil(t, s)
	assert.Equal(t, ResolutionResolved, s.Resolution)
	assert.Equal(t, SentimentNegative, s.Sentiment, "average -0.5 is past the band")
	assert.Equal(t, "5 minutes", s.Duration)

	s = BuildSummary(key, []Interaction{labeled("faq", "Positive", base)})
	require.NotNil(t, s)
	assert.Equal(t, ResolutionResolved, s.Resolution)
	assert.Equal(t, SentimentPositive, s.Sentiment)
	assert.InDelta(t, 1.0, s.SentimentScore, 1e-9)
}
