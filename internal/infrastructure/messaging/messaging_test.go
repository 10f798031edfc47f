package messaging

import (
	"context"
	"sync"

	brokertypes "github.com/dgfacade/gateway/pkg/types/broker"
)

// fakePublisher records everything it is asked to send.
type fakePublisher struct {
	mu        sync.Mutex
	published []*brokertypes.Envelope
	batches   [][]*brokertypes.Envelope
	flushes   int
	closed    bool
	failNext  error
	counters  Counters
}

func (p *fakePublisher) Initialize(ctx context.Context) error {
	p.counters.SetConnected(true)
	return nil
}

func (p *fakePublisher) Publish(ctx context.Context, env *brokertypes.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		p.counters.PublishError(err)
		return err
	}
	p.published = append(p.published, env)
	p.counters.Published()
	return nil
}

func (p *fakePublisher) PublishBatch(ctx context.Context, envs []*brokertypes.Envelope) (*BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext != nil {
		err := p.failNext
		p.failNext = nil
		p.counters.PublishErrorsN(len(envs), err)
		return nil, err
	}
	p.batches = append(p.batches, envs)
	p.published = append(p.published, envs...)
	p.counters.PublishedN(len(envs))
	return &BatchResult{Succeeded: len(envs)}, nil
}

func (p *fakePublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.flushes++
	return nil
}

func (p *fakePublisher) Connected() bool { return p.counters.IsConnected() }

func (p *fakePublisher) Stats() Stats { return p.counters.Snapshot(0) }

func (p *fakePublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.counters.SetConnected(false)
	return nil
}

func (p *fakePublisher) publishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}
