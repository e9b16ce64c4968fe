package fetcher

import (
	"io"
	"sync"
	"time"
)

// IdleReader вызывает onIdle, если Read не получает данных дольше timeout.
// Таймер перезапускается на каждом непустом чтении, поэтому длинные
// передачи ограничены только простоем, а не общим временем.
type IdleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	once    sync.Once
}

// NewIdleReader оборачивает r. timeout <= 0 отключает контроль простоя.
func NewIdleReader(r io.Reader, timeout time.Duration, onIdle func()) *IdleReader {
	ir := &IdleReader{r: r, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, onIdle)
	}
	return ir
}

func (ir *IdleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

// Stop останавливает таймер. Вызывать после завершения чтения.
func (ir *IdleReader) Stop() {
	ir.once.Do(func() {
		if ir.timer != nil {
			ir.timer.Stop()
		}
	})
}
