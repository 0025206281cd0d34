package discovery_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/golemnet/internal/discovery"
	"github.com/golemfactory/golemnet/internal/multiaddr"
	"github.com/golemfactory/golemnet/internal/peerid"
)

type fakeKad struct {
	calls int32
}

func (f *fakeKad) FindRandomPeer(ctx context.Context) error {
	atomic.AddInt32(&f.calls, 1)
	return nil
}

func (f *fakeKad) AddressesOf(peer peerid.PeerID) []multiaddr.Multiaddr { return nil }

func TestFirstQueryFiresImmediately(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kad := &fakeKad{}
	b := discovery.New(kad, clock, nil)

	b.Poll(context.Background())
	require.EqualValues(t, 1, kad.calls)
}

func TestBackoffDoublesAndSaturates(t *testing.T) {
	clock := clockwork.NewFakeClock()
	kad := &fakeKad{}
	b := discovery.New(kad, clock, nil)

	b.Poll(context.Background())
	require.EqualValues(t, 1, kad.calls)

	// Not yet due.
	b.Poll(context.Background())
	require.EqualValues(t, 1, kad.calls)

	clock.Advance(time.Second + time.Millisecond)
	b.Poll(context.Background())
	require.EqualValues(t, 2, kad.calls)

	// Interval has doubled to 2s; advancing only 1s should not fire again.
	clock.Advance(time.Second + time.Millisecond)
	b.Poll(context.Background())
	require.EqualValues(t, 2, kad.calls)

	clock.Advance(time.Second)
	b.Poll(context.Background())
	require.EqualValues(t, 3, kad.calls)

	// Later intervals keep doubling (4s, 8s, 16s, 32s) and then saturate at
	// 60s: each query fires exactly one interval after the previous one.
	intervals := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, interval := range intervals {
		clock.Advance(interval - time.Millisecond)
		b.Poll(context.Background())
		require.EqualValues(t, 3+i, kad.calls)

		clock.Advance(time.Millisecond)
		b.Poll(context.Background())
		require.EqualValues(t, 4+i, kad.calls)
	}
}

func TestUserDefinedAddressesNeverExpireAndDedup(t *testing.T) {
	clock := clockwork.NewFakeClock()
	b := discovery.New(nil, clock, nil)

	var id peerid.PeerID // zero value peer id is fine for address bookkeeping in this test
	addr, err := multiaddr.Parse("/ip4/10.0.0.1/tcp/30333")
	require.NoError(t, err)

	b.AddUserDefined(id, addr)
	b.AddUserDefined(id, addr)
	require.Len(t, b.AddressesOf(id), 1)

	clock.Advance(365 * 24 * time.Hour)
	require.Len(t, b.AddressesOf(id), 1)
}
