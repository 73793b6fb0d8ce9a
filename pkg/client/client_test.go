package client

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"marketplace/pkg/coordinator"
	"marketplace/pkg/protocol"
	"marketplace/pkg/transport"
	"marketplace/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// run starts fn in the background and stops it when the test finishes.
func run(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- fn(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("background task did not stop")
		}
	})
}

func startCoordinator(t *testing.T, logger *zap.Logger) (*coordinator.Coordinator, types.Endpoint) {
	t.Helper()
	udp := transport.NewUDP(transport.UDPConfig{Address: "127.0.0.1"}, logger)
	coord, err := coordinator.New(coordinator.Config{}, udp, logger)
	require.NoError(t, err)

	run(t, func(ctx context.Context) error { return udp.Serve(ctx, coord) })
	select {
	case <-udp.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator never bound")
	}
	addr := udp.LocalAddr().(*net.UDPAddr).AddrPort()
	return coord, netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
}

func startClient(t *testing.T, cfg Config, logger *zap.Logger) (*Client, <-chan protocol.Message) {
	t.Helper()
	msgs := make(chan protocol.Message, 16)
	cfg.Address = "127.0.0.1"
	if cfg.PingInterval == 0 {
		cfg.PingInterval = 20 * time.Millisecond
	}
	c, err := New(cfg, func(m protocol.Message, _ types.Endpoint) {
		select {
		case msgs <- m:
		default:
		}
	}, logger)
	require.NoError(t, err)

	run(t, c.Run)
	<-c.Ready()
	return c, msgs
}

func receive[M protocol.Message](t *testing.T, msgs <-chan protocol.Message) M {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-msgs:
			if typed, ok := m.(M); ok {
				return typed
			}
		case <-deadline:
			var zero M
			t.Fatalf("no %T received", zero)
			return zero
		}
	}
}

func TestNewValidates(t *testing.T) {
	logger := zaptest.NewLogger(t)
	server := netip.MustParseAddrPort("127.0.0.1:41234")

	_, err := New(Config{Role: types.RoleContributor, Server: server}, nil, logger)
	assert.Error(t, err, "missing id")
	_, err = New(Config{ID: "1", Role: types.RoleContributor}, nil, logger)
	assert.Error(t, err, "missing server")
	_, err = New(Config{ID: "1", Role: "judge", Server: server}, nil, logger)
	assert.Error(t, err, "unknown role")
}

func TestParticipantsOverLoopback(t *testing.T) {
	logger := zaptest.NewLogger(t)
	coord, server := startCoordinator(t, logger)

	contributor, contributorMsgs := startClient(t, Config{ID: "1", Role: types.RoleContributor, Server: server}, logger)
	_, producerMsgs := startClient(t, Config{ID: "p1", Role: types.RoleProducer, Server: server}, logger)
	_, viewerMsgs := startClient(t, Config{ID: "v1", Role: types.RoleViewer, Server: server}, logger)

	require.Eventually(t, func() bool {
		return len(coord.Contributors()) == 1 && len(coord.Producers()) == 1 && len(coord.Viewers()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	t.Run("offer reaches contributor", func(t *testing.T) {
		amount := 100.0
		_, err := coord.Offer(types.Offer{Buyer: "foxy-news", Amount: &amount, Currency: "USD"}, contributor.ID())
		require.NoError(t, err)

		offer := receive[protocol.Offer](t, contributorMsgs)
		assert.Equal(t, "foxy-news", offer.Buyer)
		assert.Equal(t, types.ParticipantID("1"), offer.ID)
	})

	t.Run("topic accept reaches producer", func(t *testing.T) {
		coord.PublishTopic(types.Topic{Title: "flood"})
		topic := receive[protocol.Topic](t, contributorMsgs)
		require.NoError(t, contributor.AcceptTopic(topic.Title))

		accept := receive[protocol.TopicAccept](t, producerMsgs)
		assert.Equal(t, types.TopicTitle("flood"), accept.Title)
		assert.Equal(t, types.ParticipantID("1"), accept.ID)
	})

	t.Run("offer accept switches viewers", func(t *testing.T) {
		require.NoError(t, contributor.AcceptOffer("channel-1"))

		change := receive[protocol.ChannelChange](t, viewerMsgs)
		assert.Equal(t, "channel-1", change.Channel)
	})
}
