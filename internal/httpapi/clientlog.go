package httpapi

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

// clientLog appends browser-reported lines as "[timestamp] [CLIENT] TYPE: message".
type clientLog struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *clientLog) write(ts time.Time, kind, message string) error {
	// one entry per line
	message = strings.ReplaceAll(message, "\n", " ")
	line := fmt.Sprintf("[%s] [CLIENT] %s: %s\n", ts.UTC().Format(time.RFC3339), strings.ToUpper(kind), message)

	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := io.WriteString(l.w, line)
	return err
}
