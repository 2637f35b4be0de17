package gen

// DrainChannel reads from a channel until it is empty, without blocking, and returns everything it read
func DrainChannel[T any](ch <-chan T) []T {
	items := make([]T, 0, len(ch))
	for {
		select {
		case v, ok := <-ch:
			if !ok {
				return items
			}
			items = append(items, v)
		default:
			return items
		}
	}
}
