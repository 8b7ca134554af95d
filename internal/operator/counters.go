// ABOUTME: Received and sent message counters for throughput reporting
// ABOUTME: Each counter has its own lock; Consume reads and resets atomically

package operator

import "sync"

// Counters tracks messages handled since the last consume.
type Counters struct {
	rxMu sync.Mutex
	rx   int64

	txMu sync.Mutex
	tx   int64
}

// IncRx counts one successfully handled inbound message.
func (c *Counters) IncRx() {
	c.rxMu.Lock()
	c.rx++
	c.rxMu.Unlock()
}

// IncTx counts one published message.
func (c *Counters) IncTx() {
	c.txMu.Lock()
	c.tx++
	c.txMu.Unlock()
}

// ConsumeRx returns the received count and resets it to zero.
func (c *Counters) ConsumeRx() int64 {
	c.rxMu.Lock()
	defer c.rxMu.Unlock()
	n := c.rx
	c.rx = 0
	return n
}

// ConsumeTx returns the sent count and resets it to zero.
func (c *Counters) ConsumeTx() int64 {
	c.txMu.Lock()
	defer c.txMu.Unlock()
	n := c.tx
	c.tx = 0
	return n
}
