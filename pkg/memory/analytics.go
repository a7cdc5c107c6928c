package memory

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dotsetgreg/supportdesk/pkg/tenant"
)

// DefaultAnalysisWindow is how many recent interactions the analyzers read.
const DefaultAnalysisWindow = 50

const (
	defaultIntent = "general"
	topicLimit    = 3
	sentimentBand = 0.3
)

func newFrequency() Frequency {
	return Frequency{Counts: map[string]int{}}
}

func (f *Frequency) Add(label string) {
	if f.Counts == nil {
		f.Counts = map[string]int{}
	}
	if _, ok := f.Counts[label]; !ok {
		f.Order = append(f.Order, label)
	}
	f.Counts[label]++
}

// MostCommon returns the label with the highest count. Ties go to the label
// seen first.
func (f Frequency) MostCommon() string {
	best, bestCount := "", 0
	for _, label := range f.Order {
		if c := f.Counts[label]; c > bestCount {
			best, bestCount = label, c
		}
	}
	return best
}

// Top returns up to n labels by descending count, ties in first-seen order.
func (f Frequency) Top(n int) []string {
	labels := append([]string(nil), f.Order...)
	sort.SliceStable(labels, func(i, j int) bool { return f.Counts[labels[i]] > f.Counts[labels[j]] })
	if len(labels) > n {
		labels = labels[:n]
	}
	return labels
}

func intentLabel(in Interaction) string {
	if v := strings.TrimSpace(in.Intent); v != "" {
		return v
	}
	return defaultIntent
}

func sentimentLabel(in Interaction) string {
	if v := strings.ToLower(strings.TrimSpace(in.Sentiment)); v != "" {
		return v
	}
	return SentimentNeutral
}

func sentimentValue(label string) float64 {
	switch label {
	case SentimentPositive:
		return 1
	case SentimentNegative:
		return -1
	default:
		return 0
	}
}

// TierFor maps an interaction count to a customer tier.
func TierFor(count int) string {
	switch {
	case count >= 20:
		return TierFrequent
	case count >= 10:
		return TierRegular
	case count >= 5:
		return TierReturning
	default:
		return TierNew
	}
}

// AnalyzeProfile derives a customer profile from a tenant-scoped sequence,
// oldest first. It returns nil for an empty sequence.
func AnalyzeProfile(tenantID, participantID string, items []Interaction) *CustomerProfile {
	if len(items) == 0 {
		return nil
	}
	p := &CustomerProfile{
		TenantID:          tenantID,
		ParticipantID:     participantID,
		TotalInteractions: len(items),
		Intents:           newFrequency(),
		Sentiments:        newFrequency(),
		FirstSeen:         items[0].Timestamp,
		LastSeen:          items[0].Timestamp,
	}
	hours := newFrequency()
	for _, in := range items {
		p.Intents.Add(intentLabel(in))
		p.Sentiments.Add(sentimentLabel(in))
		hours.Add(strconv.Itoa(in.Timestamp.Hour()))
		if in.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = in.Timestamp
		}
		if in.Timestamp.After(p.LastSeen) {
			p.LastSeen = in.Timestamp
		}
	}
	p.DominantIntent = p.Intents.MostCommon()
	p.DominantSentiment = p.Sentiments.MostCommon()
	p.PreferredHour, _ = strconv.Atoi(hours.MostCommon())

	days := math.Ceil(p.LastSeen.Sub(p.FirstSeen).Hours() / 24)
	if days < 1 {
		days = 1
	}
	p.InteractionFrequency = float64(len(items)) / days
	p.Tier = TierFor(len(items))
	return p
}

// FormatDuration renders a conversation length as "N minutes" or "Hh Mm".
func FormatDuration(d time.Duration) string {
	minutes := int(d / time.Minute)
	if minutes < 0 {
		minutes = 0
	}
	if minutes < 60 {
		return fmt.Sprintf("%d minutes", minutes)
	}
	return fmt.Sprintf("%dh %dm", minutes/60, minutes%60)
}

// BuildSummary summarizes one thread from its interactions, oldest first.
// It returns nil for an empty sequence.
func BuildSummary(key tenant.Key, items []Interaction) *ConversationSummary {
	if len(items) == 0 {
		return nil
	}
	first, last := items[0], items[len(items)-1]
	s := &ConversationSummary{
		TenantID:       key.TenantID,
		ConversationID: key.ConversationID,
		ParticipantID:  key.ParticipantID,
		MessageCount:   len(items),
		StartTime:      first.Timestamp,
		EndTime:        last.Timestamp,
		Duration:       FormatDuration(last.Timestamp.Sub(first.Timestamp)),
	}

	intents := newFrequency()
	var total float64
	for _, in := range items {
		intents.Add(intentLabel(in))
		total += sentimentValue(sentimentLabel(in))
	}
	s.Topics = intents.Top(topicLimit)
	s.SentimentScore = total / float64(len(items))
	switch {
	case s.SentimentScore > sentimentBand:
		s.Sentiment = SentimentPositive
	case s.SentimentScore < -sentimentBand:
		s.Sentiment = SentimentNegative
	default:
		s.Sentiment = SentimentNeutral
	}

	switch sentimentLabel(last) {
	case SentimentPositive, SentimentNeutral:
		s.Resolution = ResolutionResolved
	default:
		s.Resolution = ResolutionNeedsFollowup
	}
	return s
}
