package conversations

// HistoryReader exposes the turn history of a live session.
type HistoryReader interface {
	// RecentHistory returns up to n turns ordered by sequence number,
	// oldest -> newest. n <= 0 returns the full history.
	RecentHistory(n int) ([]TurnEvent, error)
}
