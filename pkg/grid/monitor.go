package grid

import (
	"context"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"golang.org/x/xerrors"
)

// Monitor tracks the current live membership of one replica set.
type Monitor interface {
	Contains(host string) bool
}

// Monitors resolves a replica set name to its monitor. A monitor may be
// absent for a known set when monitoring has not caught up yet.
type Monitors interface {
	Get(setName string) (Monitor, bool)
}

type setMonitor struct {
	mu    sync.RWMutex
	hosts map[string]struct{}
}

func (m *setMonitor) Contains(host string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.hosts[host]
	return ok
}

func (m *setMonitor) replace(hosts []string) {
	next := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		next[h] = struct{}{}
	}
	m.mu.Lock()
	m.hosts = next
	m.mu.Unlock()
}

// MonitorRegistry is an in-memory Monitors implementation. Membership comes
// from explicit Register calls or from a hello reply of a set member.
type MonitorRegistry struct {
	mu   sync.RWMutex
	sets map[string]*setMonitor
}

var _ Monitors = (*MonitorRegistry)(nil)

func NewMonitorRegistry() *MonitorRegistry {
	return &MonitorRegistry{
		mu:   sync.RWMutex{},
		sets: map[string]*setMonitor{},
	}
}

func (r *MonitorRegistry) Get(setName string) (Monitor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sets[setName]
	return m, ok
}

func (r *MonitorRegistry) Register(setName string, hosts []string) {
	r.monitorFor(setName).replace(hosts)
}

func (r *MonitorRegistry) monitorFor(setName string) *setMonitor {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.sets[setName]
	if !ok {
		m = &setMonitor{mu: sync.RWMutex{}, hosts: map[string]struct{}{}}
		r.sets[setName] = m
	}
	return m
}

// RefreshFromHello re-reads the membership of setName from the hello reply of
// the given member address.
func (r *MonitorRegistry) RefreshFromHello(ctx context.Context, exec CommandExecutor, setName, address string) error {
	reply, ok, err := exec.Execute(ctx, address, adminDatabase, bson.D{{Key: "hello", Value: 1}})
	if err != nil {
		return xerrors.Errorf("cannot run hello on %q: %w", address, err)
	}
	if !ok {
		return &CommandError{
			Shard:   setName,
			Address: address,
			Command: bson.D{{Key: "hello", Value: 1}},
			Reply:   reply,
			cause:   nil,
		}
	}
	replySet, okv := reply.Lookup("setName").StringValueOK()
	if !okv {
		return &ReplyError{Address: address, Field: "setName", Reason: "not found in hello reply"}
	}
	if replySet != setName {
		return xerrors.Errorf("member %q belongs to replica set %q, not %q", address, replySet, setName)
	}
	arr, okv := reply.Lookup("hosts").ArrayOK()
	if !okv {
		return &ReplyError{Address: address, Field: "hosts", Reason: "not found in hello reply"}
	}
	values, err := arr.Values()
	if err != nil {
		return xerrors.Errorf("cannot read hosts of hello reply: %w", err)
	}
	hosts := make([]string, 0, len(values))
	for _, v := range values {
		host, okv := v.StringValueOK()
		if !okv {
			return &ReplyError{Address: address, Field: "hosts", Reason: "non-string member entry"}
		}
		hosts = append(hosts, host)
	}
	r.Register(setName, hosts)
	return nil
}
