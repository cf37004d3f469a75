package outbox

import (
	"sort"
	"sync"
)

// AckCollector 记录已被 broker 确认、等待删除的事件id
type AckCollector struct {
	mu      sync.Mutex
	ids     map[uint64]struct{}
	metrics *Metrics
}

// NewAckCollector 创建空的 AckCollector
func NewAckCollector(opts ...Option) *AckCollector {
	o := buildOptions("outbox-acks", opts)
	return &AckCollector{
		ids:     make(map[uint64]struct{}),
		metrics: o.metrics,
	}
}

// Add 记录一个已确认的id，重复添加无副作用
func (c *AckCollector) Add(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.ids[id]; ok {
		return
	}
	c.ids[id] = struct{}{}
	c.metrics.incAcked()
	c.metrics.setPendingAcks(len(c.ids))
}

// Snapshot 返回当前所有id的副本，按升序排列
func (c *AckCollector) Snapshot() []uint64 {
	c.mu.Lock()
	out := make([]uint64, 0, len(c.ids))
	for id := range c.ids {
		out = append(out, id)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Remove 移除给定的id，之后新加入的id不受影响
func (c *AckCollector) Remove(ids ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range ids {
		delete(c.ids, id)
	}
	c.metrics.setPendingAcks(len(c.ids))
}

// Len 当前等待删除的id数量
func (c *AckCollector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}
