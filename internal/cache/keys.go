package cache

import "fmt"

func SnapshotKey(jobID string) string {
	return fmt.Sprintf("genwatch:snapshot:%s", jobID)
}

func RateLimitKey(client string) string {
	return fmt.Sprintf("genwatch:ratelimit:%s", client)
}
