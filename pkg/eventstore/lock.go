package eventstore

import (
	"context"
)

// lockContext bounds lock acquisition so a wedged holder surfaces as an error
// instead of a hang.
func lockContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), lockTimeout)
}
