package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// DefaultStreamBuffer is the number of records a stream buffers ahead of its
// consumer.
const DefaultStreamBuffer = 1024

// recordQueue decouples a producer pulling records off the network from the
// consumer reading rows. The buffer is bounded: once full, push blocks until
// the consumer takes a record or the producer is cancelled.
type recordQueue struct {
	ch  chan *neo4j.Record
	err error
}

func newRecordQueue(size int) *recordQueue {
	if size <= 0 {
		size = DefaultStreamBuffer
	}
	return &recordQueue{ch: make(chan *neo4j.Record, size)}
}

// push hands rec to the consumer. It returns false when ctx ended first.
func (q *recordQueue) push(ctx context.Context, rec *neo4j.Record) bool {
	select {
	case q.ch <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}

// finish ends the stream. err is published before the channel is closed, so
// a consumer that observes the close also observes err.
func (q *recordQueue) finish(err error) {
	q.err = err
	close(q.ch)
}

// pop blocks until a record is available, the stream ended or ctx ended.
func (q *recordQueue) pop(ctx context.Context) (rec *neo4j.Record, ok bool, err error) {
	select {
	case rec, ok := <-q.ch:
		if !ok {
			return nil, false, q.err
		}
		return rec, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// buffered returns the number of records waiting for the consumer.
func (q *recordQueue) buffered() int {
	return len(q.ch)
}

func (q *recordQueue) capacity() int {
	return cap(q.ch)
}
