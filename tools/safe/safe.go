package safe

import (
	"chatgate/logger"
)

// Go starts a goroutine that recovers from panics so a single bad message
// or handler bug never takes the whole gateway process down.
func Go(f func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Errorf("[safe.Go] panic recovered: %v", r)
			}
		}()
		f()
	}()
}
