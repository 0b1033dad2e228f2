package machine

import "github.com/google/uuid"

func newOutboxID() string {
	return uuid.NewString()
}
