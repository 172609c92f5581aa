package sftpcodec

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDialPoolSerializesPerAddr(t *testing.T) {
	var wg sync.WaitGroup
	counter := [3]int{}
	pool := NewDialPool()
	const (
		outer = 10
		inner = 50
		total = outer * inner
	)
	for k := 0; k < outer; k++ {
		for j := range counter {
			wg.Add(1)
			go func(j int) {
				defer wg.Done()
				addr := fmt.Sprintf("host-%d:22", j)
				for i := 0; i < inner; i++ {
					pool.Lock(addr)
					n := counter[j]
					time.Sleep(time.Millisecond)
					counter[j] = n + 1
					pool.Unlock(addr)
				}
			}(j)
		}
	}
	wg.Wait()
	assert.Equal(t, [3]int{total, total, total}, counter)
}

func TestDialPoolUnlockWithoutLockPanics(t *testing.T) {
	pool := NewDialPool()
	assert.Panics(t, func() { pool.Unlock("never-locked") })
}

func TestDialPoolBacksOffAfterFailures(t *testing.T) {
	pool := NewDialPool()
	addr := "flaky-host:22"
	assert.Equal(t, time.Duration(0), pool.Backoff(addr))

	pool.RecordResult(addr, fmt.Errorf("connection refused"))
	first := pool.Backoff(addr)
	assert.Greater(t, first, time.Duration(0))

	pool.RecordResult(addr, fmt.Errorf("connection refused"))
	second := pool.Backoff(addr)
	assert.GreaterOrEqual(t, second, first)

	pool.RecordResult(addr, nil)
	assert.Less(t, pool.Backoff(addr), second)
}
