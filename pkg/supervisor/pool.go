package supervisor

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskwright/taskwright/pkg/events"
	"github.com/taskwright/taskwright/pkg/log"
	"github.com/taskwright/taskwright/pkg/metrics"
	"github.com/taskwright/taskwright/pkg/repository"
	"github.com/taskwright/taskwright/pkg/types"
)

// Pool owns the supervised instance slots. It caps live instances at
// max, hands idle instances to acquirers most-recently-used first, and
// queues acquirers FIFO when every slot is busy.
type Pool struct {
	repos  *repository.Repositories
	broker *events.Broker
	logger zerolog.Logger

	mu      sync.Mutex
	max     int
	total   int
	idle    []string
	waiters []chan string
	closed  bool
}

// NewPool creates an instance pool with the given slot cap
func NewPool(repos *repository.Repositories, broker *events.Broker, max int) *Pool {
	if max < 1 {
		max = 1
	}
	return &Pool{
		repos:  repos,
		broker: broker,
		logger: log.WithComponent("pool"),
		max:    max,
	}
}

// Acquire returns an idle instance id, creating a new instance while
// under the cap and otherwise waiting in FIFO order. Waiting ends when
// ctx is done.
func (p *Pool) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", types.NewError(types.KindInternal, "instance pool is shut down")
	}

	// Warm instances first, most recently released at the tail
	if n := len(p.idle); n > 0 {
		id := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return id, nil
	}

	if p.total < p.max {
		p.total++
		p.mu.Unlock()
		id, err := p.createInstance(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return "", err
		}
		return id, nil
	}

	ch := make(chan string, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	select {
	case id, ok := <-ch:
		if !ok {
			return "", types.NewError(types.KindInternal, "instance pool is shut down")
		}
		return id, nil
	case <-ctx.Done():
		p.mu.Lock()
		for i, w := range p.waiters {
			if w == ch {
				p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		// A release may have handed us an instance concurrently
		select {
		case id := <-ch:
			p.Release(id)
		default:
		}
		return "", types.WrapError(types.KindCancelled, ctx.Err(), "acquire interrupted")
	}
}

// Release returns an instance to the pool, handing it to the oldest
// waiter when one is queued.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		ch <- id
		return
	}
	p.idle = append(p.idle, id)
}

// Discard drops a broken instance's slot instead of returning it. The
// freed capacity is handed to the oldest waiter as a fresh instance.
func (p *Pool) Discard(ctx context.Context, id string) {
	if err := p.repos.Instances.SetStatus(ctx, id, types.InstanceStatusError); err != nil {
		p.logger.Warn().Err(err).Str("instance_id", id).Msg("Failed to mark instance errored")
	}
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceStatusError)).Inc()

	p.mu.Lock()
	p.total--
	hasWaiter := len(p.waiters) > 0 && !p.closed
	if hasWaiter {
		p.total++
	}
	p.mu.Unlock()

	if !hasWaiter {
		return
	}
	fresh, err := p.createInstance(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("Failed to replace discarded instance")
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- fresh
		return
	}
	p.idle = append(p.idle, fresh)
	p.mu.Unlock()
}

// Shutdown closes the pool, fails queued acquirers, and terminates
// every known instance.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.idle = nil
	p.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}

	instances, err := p.repos.Instances.List(ctx, "")
	if err != nil {
		return err
	}
	for _, inst := range instances {
		if inst.Status == types.InstanceStatusTerminated {
			continue
		}
		if err := p.repos.Instances.SetStatus(ctx, inst.ID, types.InstanceStatusTerminated); err != nil {
			p.logger.Warn().Err(err).Str("instance_id", inst.ID).Msg("Failed to terminate instance")
			continue
		}
		p.broker.Publish(&events.Event{
			Type:   events.EventInstanceTerminated,
			TaskID: inst.CurrentTaskID,
		})
	}
	p.logger.Info().Int("instances", len(instances)).Msg("Instance pool shut down")
	return nil
}

// Stats reports pool occupancy
func (p *Pool) Stats() (total, idle, waiting int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total, len(p.idle), len(p.waiters)
}

func (p *Pool) createInstance(ctx context.Context) (string, error) {
	inst := &types.Instance{
		ID:     uuid.New().String(),
		Status: types.InstanceStatusIdle,
	}
	if _, err := p.repos.Instances.Create(ctx, inst); err != nil {
		return "", err
	}
	metrics.InstancesTotal.WithLabelValues(string(types.InstanceStatusIdle)).Inc()
	p.broker.Publish(&events.Event{Type: events.EventInstanceCreated})
	p.logger.Debug().Str("instance_id", inst.ID).Msg("Created instance")
	return inst.ID, nil
}
