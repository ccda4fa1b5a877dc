// Package memory is an in-process broker used for single-node deployments and tests.
// Topics are partitioned append logs with per consumer-group committed offsets, so an
// uncommitted batch is redelivered to the next consumer that joins the same group.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/austindbirch/harbor_queue/internal/queue"
)

const DefaultPartitions = 1

type partition struct {
	base      int64 // offset of msgs[0]
	msgs      []queue.Msg
	committed map[string]int64 // group -> next offset to consume
}

type topic struct {
	partitions []*partition
	signal     chan struct{} // closed and replaced on every put
}

// Storage holds every topic of the in-memory broker.
type Storage struct {
	mu                sync.Mutex
	topics            map[string]*topic
	defaultPartitions int
}

// NewStorage creates an empty broker. Topics created implicitly get defaultPartitions.
func NewStorage(defaultPartitions int) *Storage {
	if defaultPartitions <= 0 {
		defaultPartitions = DefaultPartitions
	}
	return &Storage{
		topics:            make(map[string]*topic),
		defaultPartitions: defaultPartitions,
	}
}

// createTopic must be called with s.mu held
func (s *Storage) createTopic(name string, partitions int) *topic {
	if t, ok := s.topics[name]; ok {
		return t
	}
	t := &topic{
		partitions: make([]*partition, partitions),
		signal:     make(chan struct{}),
	}
	for i := range t.partitions {
		t.partitions[i] = &partition{committed: make(map[string]int64)}
	}
	s.topics[name] = t
	return t
}

// CreateTopic creates the topic with the given partition count if it does not exist yet
func (s *Storage) CreateTopic(name string, partitions int) {
	if partitions <= 0 {
		partitions = s.defaultPartitions
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.createTopic(name, partitions)
}

// DeleteTopic drops the topic and all of its messages
func (s *Storage) DeleteTopic(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		close(t.signal)
		delete(s.topics, name)
	}
}

// Partitions returns the partition count of a topic, 0 if it does not exist
func (s *Storage) Partitions(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.topics[name]; ok {
		return len(t.partitions)
	}
	return 0
}

// Put appends msg to the partition selected by its key
func (s *Storage) Put(name string, msg queue.Msg) error {
	if name == "" {
		return fmt.Errorf("memory: empty topic name")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := s.createTopic(name, s.defaultPartitions)
	p := t.partitions[partitionFor(msg, len(t.partitions))]
	p.msgs = append(p.msgs, msg)

	close(t.signal)
	t.signal = make(chan struct{})
	return nil
}

// Lag is the number of messages in a topic not yet committed by group
func (s *Storage) Lag(name, group string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		return 0
	}
	lag := 0
	for _, p := range t.partitions {
		lag += int(p.base + int64(len(p.msgs)) - p.offsetFor(group))
	}
	return lag
}

func (p *partition) offsetFor(group string) int64 {
	if off, ok := p.committed[group]; ok && off >= p.base {
		return off
	}
	return p.base
}

// join returns the committed positions of group on every partition
func (s *Storage) join(name, group string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.createTopic(name, s.defaultPartitions)
	positions := make([]int64, len(t.partitions))
	for i, p := range t.partitions {
		positions[i] = p.offsetFor(group)
		p.committed[group] = positions[i]
	}
	return positions
}

// fetch reads up to max messages starting at positions, advancing them in place.
// When nothing is available it returns the signal channel to wait on.
func (s *Storage) fetch(name string, positions []int64, max int) ([]queue.Msg, <-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		return nil, nil, fmt.Errorf("memory: topic %s deleted", name)
	}
	var out []queue.Msg
	for i, p := range t.partitions {
		if i >= len(positions) {
			break
		}
		if positions[i] < p.base {
			positions[i] = p.base
		}
		for positions[i] < p.base+int64(len(p.msgs)) && len(out) < max {
			out = append(out, p.msgs[positions[i]-p.base])
			positions[i]++
		}
	}
	if len(out) > 0 {
		return out, nil, nil
	}
	return nil, t.signal, nil
}

// commit stores positions for group and trims messages every group has consumed
func (s *Storage) commit(name, group string, positions []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.topics[name]
	if !ok {
		return
	}
	for i, p := range t.partitions {
		if i >= len(positions) {
			break
		}
		p.committed[group] = positions[i]

		low := positions[i]
		for _, off := range p.committed {
			if off < low {
				low = off
			}
		}
		if drop := low - p.base; drop > 0 {
			p.msgs = append([]queue.Msg(nil), p.msgs[drop:]...)
			p.base = low
		}
	}
}

func partitionFor(msg queue.Msg, partitions int) int {
	if partitions <= 1 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(msg.Key[:])
	return int(h.Sum32() % uint32(partitions))
}

// waitFor blocks until signal fires, the timeout elapses or ctx is done
func waitFor(ctx context.Context, signal <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
		return nil
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
