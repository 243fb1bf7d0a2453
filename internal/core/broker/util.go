package broker

import (
	"fmt"
	"time"
)

func secondsToDuration(seconds int) time.Duration {
	if seconds < 0 {
		seconds = 0
	}
	return time.Duration(seconds) * time.Second
}

func humanFloodWait(wait time.Duration) string {
	return fmt.Sprintf("платформа требует паузу примерно на %s для этой сессии", wait.Round(time.Second))
}
