package source

import (
	"time"

	"github.com/ahmethakanbesel/marketsync/internal/market"
)

// Split cuts the inclusive range [from, to] into consecutive windows of at
// most n steps each. Upstream APIs cap the span of one request, so adapters
// fetch large windows chunk by chunk.
func Split(from, to time.Time, step time.Duration, n int) []market.Window {
	if from.After(to) || n <= 0 || step <= 0 {
		return nil
	}

	span := step * time.Duration(n)
	var chunks []market.Window
	for cur := from; !cur.After(to); cur = cur.Add(span) {
		end := cur.Add(span - step)
		if end.After(to) {
			end = to
		}
		chunks = append(chunks, market.Window{From: cur, To: end})
	}
	return chunks
}
