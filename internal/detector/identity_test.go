package detector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeLookup struct {
	calls    int
	failures int
	id       Identity
}

func (f *fakeLookup) Identity(context.Context) (Identity, error) {
	f.calls++
	if f.calls <= f.failures {
		return Identity{}, errors.New("metadata unavailable")
	}
	return f.id, nil
}

func noSleep(sleeps *int) func(context.Context, time.Duration) error {
	return func(context.Context, time.Duration) error {
		*sleeps++
		return nil
	}
}

func TestResolveIdentity_OverridesSkipLookup(t *testing.T) {
	lookup := &fakeLookup{}
	id := ResolveIdentity(context.Background(), lookup, IdentityOptions{
		ResourceGroup: "rg",
		InstanceName:  "vm",
		Logger:        testLogger(),
	})
	assert.Equal(t, Identity{InstanceID: "vm", ResourceGroup: "rg", InstanceName: "vm"}, id)
	assert.Zero(t, lookup.calls)
}

func TestResolveIdentity_RetriesThenSucceeds(t *testing.T) {
	lookup := &fakeLookup{failures: 2, id: Identity{InstanceID: "id", ResourceGroup: "rg", InstanceName: "vm"}}
	var sleeps int
	id := ResolveIdentity(context.Background(), lookup, IdentityOptions{
		Sleep:  noSleep(&sleeps),
		Logger: testLogger(),
	})
	assert.Equal(t, lookup.id, id)
	assert.Equal(t, 3, lookup.calls)
	assert.Equal(t, 2, sleeps)
}

func TestResolveIdentity_PartialOverride(t *testing.T) {
	lookup := &fakeLookup{id: Identity{InstanceID: "id", ResourceGroup: "from-imds", InstanceName: "vm"}}
	id := ResolveIdentity(context.Background(), lookup, IdentityOptions{
		ResourceGroup: "pinned",
		Logger:        testLogger(),
	})
	assert.Equal(t, "pinned", id.ResourceGroup)
	assert.Equal(t, "vm", id.InstanceName)
}

func TestResolveIdentity_FallsBack(t *testing.T) {
	lookup := &fakeLookup{failures: 100}
	var sleeps int
	id := ResolveIdentity(context.Background(), lookup, IdentityOptions{
		DefaultResourceGroup: "fallback-rg",
		Sleep:                noSleep(&sleeps),
		Hostname:             func() (string, error) { return "host-1", nil },
		Logger:               testLogger(),
	})
	assert.Equal(t, 5, lookup.calls)
	assert.Equal(t, 4, sleeps)
	assert.Equal(t, Identity{InstanceID: "host-1", ResourceGroup: "fallback-rg", InstanceName: "host-1"}, id)
}
