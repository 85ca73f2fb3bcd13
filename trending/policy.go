package trending

// Item is one event with its aggregated RSVP count and derived score.
type Item struct {
	ID    string
	Going int64
	Score float64
}

// Policy derives an item's score from its aggregates.
type Policy struct {
	// Weight is the score contributed by each "going" RSVP.
	Weight float64
	// RecencyBoost optionally adds a term on top of the weighted count.
	RecencyBoost func(item Item) float64
}

// Score returns the non-negative trending score of item.
func (p Policy) Score(item Item) float64 {
	score := float64(item.Going) * p.Weight
	if p.RecencyBoost != nil {
		score += p.RecencyBoost(item)
	}
	return max(score, 0)
}
