package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func JobViewKey(jobID uuid.UUID) string {
	return fmt.Sprintf("markwise:view:%s", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("markwise:ratelimit:%s", client)
}
