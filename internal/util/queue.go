package util

// OfferLatest sends v on ch without blocking. When the channel is full the
// oldest buffered element is discarded so the newest value is always delivered.
// It reports whether an element had to be dropped.
//
// ch must be buffered and have a single logical producer; concurrent producers
// may each drop once, which is acceptable for latest-wins consumers.
func OfferLatest[T any](ch chan T, v T) (dropped bool) {
	for {
		select {
		case ch <- v:
			return dropped
		default:
		}
		select {
		case <-ch:
			dropped = true
		default:
		}
	}
}
