package compute

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"proxyforge/internal/models"
)

// MemoryProvider keeps instances in process. It backs local development and
// tests, and can be told to fail specific operations.
type MemoryProvider struct {
	mu              sync.Mutex
	now             func() time.Time
	seq             int
	instances       map[string]memoryInstance
	deprovisioned   []string
	failProvision   error
	failDeprovision error
	failList        error
}

type memoryInstance struct {
	instance models.ComputeInstance
	userData []byte
}

// NewMemoryProvider constructs an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{now: time.Now, instances: make(map[string]memoryInstance)}
}

// SetClock overrides the creation timestamp source.
func (p *MemoryProvider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	p.now = now
}

// FailProvision makes Provision return err until cleared with nil.
func (p *MemoryProvider) FailProvision(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failProvision = err
}

// FailDeprovision makes Deprovision return err until cleared with nil.
func (p *MemoryProvider) FailDeprovision(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failDeprovision = err
}

// FailList makes ListInstances return err until cleared with nil.
func (p *MemoryProvider) FailList(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failList = err
}

func (p *MemoryProvider) Provision(ctx context.Context, req ProvisionRequest) (models.ComputeInstance, error) {
	if err := ctx.Err(); err != nil {
		return models.ComputeInstance{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failProvision != nil {
		return models.ComputeInstance{}, p.failProvision
	}
	p.seq++
	instance := models.ComputeInstance{
		ID:        fmt.Sprintf("mem-%d", p.seq),
		Label:     req.Label,
		Status:    "active",
		Region:    "local",
		CreatedAt: p.now().UTC(),
	}
	instance.ApplyTags(req.Tags())
	p.instances[instance.ID] = memoryInstance{instance: instance, userData: append([]byte(nil), req.UserData...)}
	return instance, nil
}

func (p *MemoryProvider) Deprovision(ctx context.Context, instanceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDeprovision != nil {
		return p.failDeprovision
	}
	delete(p.instances, instanceID)
	p.deprovisioned = append(p.deprovisioned, instanceID)
	return nil
}

func (p *MemoryProvider) ListInstances(ctx context.Context, tag string) ([]models.ComputeInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failList != nil {
		return nil, p.failList
	}
	out := make([]models.ComputeInstance, 0, len(p.instances))
	for _, entry := range p.instances {
		if tag == "" || entry.instance.HasTag(tag) {
			out = append(out, entry.instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (p *MemoryProvider) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Add registers an instance directly, as if launched out of band.
func (p *MemoryProvider) Add(instance models.ComputeInstance) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.instances[instance.ID] = memoryInstance{instance: instance}
}

// UserData returns the bootstrap payload an instance was launched with.
func (p *MemoryProvider) UserData(instanceID string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.instances[instanceID]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), entry.userData...), true
}

// Deprovisioned lists instance ids passed to Deprovision, in call order.
func (p *MemoryProvider) Deprovisioned() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deprovisioned...)
}

// Count returns the number of live instances.
func (p *MemoryProvider) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}
