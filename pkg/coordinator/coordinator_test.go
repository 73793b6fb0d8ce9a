package coordinator

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"path/filepath"
	"sync"
	"testing"

	"marketplace/pkg/metrics"
	"marketplace/pkg/protocol"
	"marketplace/pkg/storage"
	"marketplace/pkg/types"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type sentMessage struct {
	to      types.Endpoint
	msg     protocol.Message
	payload []byte
}

// recordingSender captures every datagram the coordinator hands to the
// transport.
type recordingSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail map[types.Endpoint]bool
}

func (r *recordingSender) Send(to types.Endpoint, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail[to] {
		return errors.New("unreachable")
	}
	msg, err := protocol.JSONCodec{}.Decode(payload)
	if err != nil {
		return err
	}
	r.sent = append(r.sent, sentMessage{to: to, msg: msg, payload: append([]byte(nil), payload...)})
	return nil
}

func (r *recordingSender) to(ep types.Endpoint) []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Message
	for _, s := range r.sent {
		if s.to == ep {
			out = append(out, s.msg)
		}
	}
	return out
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sent)
}

func (r *recordingSender) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

func ep(port uint16) types.Endpoint {
	return netip.AddrPortFrom(netip.MustParseAddr("10.0.0.1"), port)
}

func amount(v float64) *float64 { return &v }

type fixture struct {
	*Coordinator
	sender  *recordingSender
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, Config{}, opts...)
}

func newFixtureWithConfig(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	sender := &recordingSender{fail: map[types.Endpoint]bool{}}
	m := metrics.New(nil)
	c, err := New(cfg, sender, zaptest.NewLogger(t), append([]Option{WithMetrics(m)}, opts...)...)
	require.NoError(t, err)
	return &fixture{Coordinator: c, sender: sender, metrics: m}
}

func (f *fixture) datagram(t *testing.T, msg protocol.Message, from types.Endpoint) {
	t.Helper()
	payload, err := protocol.JSONCodec{}.Encode(msg)
	require.NoError(t, err)
	f.HandleDatagram(payload, from)
}

func TestPingRegistersOnceAndRefreshesEndpoint(t *testing.T) {
	f := newFixture(t)

	for port := uint16(4000); port < 4005; port++ {
		f.datagram(t, protocol.Ping{ID: "c1"}, ep(port))
	}

	contributors := f.Contributors()
	require.Len(t, contributors, 1)
	assert.Equal(t, types.ParticipantID("c1"), contributors[0].ID)
	assert.Equal(t, ep(4004), contributors[0].Endpoint)
}

func TestRolesAreIndependent(t *testing.T) {
	f := newFixture(t)

	f.datagram(t, protocol.Ping{ID: "x"}, ep(1))
	f.datagram(t, protocol.ProducerPing{ID: "x"}, ep(2))
	f.datagram(t, protocol.ViewerPing{ID: "x"}, ep(3))

	assert.Len(t, f.Contributors(), 1)
	assert.Len(t, f.Producers(), 1)
	assert.Len(t, f.Viewers(), 1)
	assert.Equal(t, 0, f.sender.count())
}

func TestNewContributorReceivesCatalog(t *testing.T) {
	f := newFixture(t)

	f.PublishTopic(types.Topic{Title: "A"})
	f.PublishTopic(types.Topic{Title: "B"})
	f.PublishTopic(types.Topic{Title: "A", Radius: amount(3)})

	f.datagram(t, protocol.Ping{ID: "c1"}, ep(4000))

	got := f.sender.to(ep(4000))
	assert.ElementsMatch(t, []protocol.Message{
		protocol.Topic{Title: "A", Radius: amount(3)},
		protocol.Topic{Title: "B"},
	}, got)

	// A repeat ping is not onboarding.
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(4000))
	assert.Len(t, f.sender.to(ep(4000)), 2)
}

func TestTopicBroadcastsToContributors(t *testing.T) {
	f := newFixture(t)
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(1))
	f.datagram(t, protocol.Ping{ID: "c2"}, ep(2))
	f.datagram(t, protocol.ViewerPing{ID: "v1"}, ep(3))

	f.datagram(t, protocol.Topic{}, ep(9))

	want := []protocol.Message{protocol.Topic{Title: DefaultPlaceholderTitle}}
	assert.Equal(t, want, f.sender.to(ep(1)))
	assert.Equal(t, want, f.sender.to(ep(2)))
	assert.Empty(t, f.sender.to(ep(3)))

	topics := f.Topics()
	require.Len(t, topics, 1)
	assert.Equal(t, types.TopicTitle(DefaultPlaceholderTitle), topics[0].Title)
}

func TestOfferTargeting(t *testing.T) {
	f := newFixture(t)

	t.Run("MissingTarget", func(t *testing.T) {
		_, err := f.Offer(types.Offer{Buyer: "foxy-news", Topic: "T"}, "ghost")
		assert.ErrorIs(t, err, ErrTargetMissing)
		assert.Equal(t, 0, f.sender.count())
	})

	t.Run("PresentTarget", func(t *testing.T) {
		f.datagram(t, protocol.Ping{ID: "c1"}, ep(4000))
		f.datagram(t, protocol.Ping{ID: "c1"}, ep(4001))
		f.datagram(t, protocol.Ping{ID: "c2"}, ep(5000))
		f.sender.reset()

		f.datagram(t, protocol.Offer{ID: "c1", Buyer: "foxy-news", Topic: "T", Amount: amount(5)}, ep(7000))

		assert.Equal(t, 1, f.sender.count())
		assert.Equal(t, []protocol.Message{
			protocol.Offer{ID: "c1", Buyer: "foxy-news", Topic: "T", Amount: amount(5)},
		}, f.sender.to(ep(4001)))
	})

	offers := f.Offers()
	require.Len(t, offers, 1)
	assert.Equal(t, types.OfferType, offers[0].Type)
	assert.Equal(t, types.ParticipantID("c1"), offers[0].Target)
}

func TestOfferAcceptSwitchesViewers(t *testing.T) {
	f := newFixture(t)
	for i := uint16(1); i <= 3; i++ {
		f.datagram(t, protocol.ViewerPing{ID: types.ParticipantID(fmt.Sprintf("v%d", i))}, ep(i))
	}
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(100))

	f.datagram(t, protocol.OfferAccept{ID: "X"}, ep(100))

	for i := uint16(1); i <= 3; i++ {
		assert.Equal(t, []protocol.Message{protocol.ChannelChange{Channel: "X"}}, f.sender.to(ep(i)))
	}
	assert.Empty(t, f.sender.to(ep(100)))
}

func TestChannelChangeIsForwardedVerbatim(t *testing.T) {
	f := newFixture(t)
	f.datagram(t, protocol.ViewerPing{ID: "v1"}, ep(1))

	raw := []byte(`{"type":"channel_change","channel":"news","extra":true}`)
	f.HandleDatagram(raw, ep(50))

	require.Equal(t, 1, f.sender.count())
	assert.Equal(t, raw, f.sender.sent[0].payload)
}

func TestTopicAcceptResolvedByID(t *testing.T) {
	f := newFixture(t)
	shared := netip.MustParseAddr("192.168.1.10")
	f.datagram(t, protocol.Ping{ID: "c1"}, netip.AddrPortFrom(shared, 1000))
	f.datagram(t, protocol.Ping{ID: "c2"}, netip.AddrPortFrom(shared, 1000))
	f.datagram(t, protocol.ProducerPing{ID: "p1"}, ep(1))
	f.datagram(t, protocol.ProducerPing{ID: "p2"}, ep(2))

	accept := protocol.TopicAccept{ID: "c2", Title: "T"}
	f.datagram(t, accept, netip.AddrPortFrom(shared, 1000))

	assert.Equal(t, []protocol.Message{accept}, f.sender.to(ep(1)))
	assert.Equal(t, []protocol.Message{accept}, f.sender.to(ep(2)))

	f.sender.reset()
	err := f.Dispatch(protocol.TopicAccept{ID: "ghost", Title: "T"}, ep(3))
	assert.ErrorIs(t, err, ErrTargetMissing)
	assert.Equal(t, 0, f.sender.count())
}

func TestStop(t *testing.T) {
	f := newFixture(t)
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(1))

	f.datagram(t, protocol.Stop{ID: "c1"}, ep(9))
	assert.Equal(t, []protocol.Message{protocol.Stop{ID: "c1"}}, f.sender.to(ep(1)))

	f.sender.reset()
	assert.ErrorIs(t, f.Stop("c2"), ErrTargetMissing)
	assert.Equal(t, 0, f.sender.count())
}

func TestBadInputIsDropped(t *testing.T) {
	f := newFixture(t)

	f.HandleDatagram([]byte("not json"), ep(1))
	f.HandleDatagram([]byte(`{"type":"offer-response"}`), ep(1))
	f.HandleDatagram(nil, ep(1))

	assert.Equal(t, 2.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues(metrics.ReasonMalformed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnknownType)))
	assert.Equal(t, 0, f.sender.count())
}

func TestStreamMetadataNotAcceptedFromParticipants(t *testing.T) {
	f := newFixture(t)
	f.datagram(t, protocol.ProducerPing{ID: "p1"}, ep(1))

	err := f.Dispatch(protocol.StreamMetadata{ID: "x"}, ep(2))
	assert.ErrorIs(t, err, ErrNotAccepted)
	assert.Equal(t, 0, f.sender.count())
}

func TestEveryKindIsRouted(t *testing.T) {
	f := newFixture(t)
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(1))

	messages := map[protocol.Kind]protocol.Message{
		protocol.KindPing:           protocol.Ping{ID: "c1"},
		protocol.KindProducerPing:   protocol.ProducerPing{ID: "p1"},
		protocol.KindViewerPing:     protocol.ViewerPing{ID: "v1"},
		protocol.KindTopic:          protocol.Topic{Title: "T"},
		protocol.KindTopicAccept:    protocol.TopicAccept{ID: "c1", Title: "T"},
		protocol.KindOffer:          protocol.Offer{ID: "c1", Buyer: "b", Topic: "T"},
		protocol.KindOfferAccept:    protocol.OfferAccept{ID: "b:T"},
		protocol.KindChannelChange:  protocol.ChannelChange{Channel: "b:T"},
		protocol.KindStop:           protocol.Stop{ID: "c1"},
		protocol.KindStreamMetadata: protocol.StreamMetadata{ID: "img"},
	}
	require.Len(t, messages, len(protocol.Kinds))

	for _, kind := range protocol.Kinds {
		err := f.Dispatch(messages[kind], ep(1))
		assert.NotErrorIs(t, err, protocol.ErrUnknownType, kind)
	}
}

func TestSendFailureDoesNotStopBroadcast(t *testing.T) {
	f := newFixture(t)
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(1))
	f.datagram(t, protocol.Ping{ID: "c2"}, ep(2))
	f.sender.fail[ep(1)] = true

	f.PublishTopic(types.Topic{Title: "T"})

	assert.Len(t, f.sender.to(ep(2)), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.SendFailures))
}

func TestMarketplaceScenario(t *testing.T) {
	f := newFixture(t)
	e1 := ep(41000)

	f.datagram(t, protocol.Ping{ID: "c1"}, e1)
	f.PublishTopic(types.Topic{Title: "T"})
	require.Equal(t, []protocol.Message{protocol.Topic{Title: "T"}}, f.sender.to(e1))

	f.sender.reset()
	_, err := f.Offer(types.Offer{Buyer: "foxy-news", Topic: "T", Amount: amount(100), Currency: "USD"}, "c1")
	require.NoError(t, err)

	require.Equal(t, 1, f.sender.count())
	assert.JSONEq(t,
		`{"type":"offer","id":"c1","buyer":"foxy-news","topic":"T","amount":100,"currency":"USD"}`,
		string(f.sender.sent[0].payload))
}

func TestIndependentCoordinators(t *testing.T) {
	a := newFixture(t)
	b := newFixture(t)

	a.datagram(t, protocol.Ping{ID: "c1"}, ep(1))
	assert.Len(t, a.Contributors(), 1)
	assert.Empty(t, b.Contributors())
}

type stubClassifier struct {
	result types.ImageAnalysis
	err    error
}

func (s stubClassifier) Classify(context.Context, types.ImageRef, []byte) (types.ImageAnalysis, error) {
	return s.result, s.err
}

func TestProcessImageBroadcastsMetadata(t *testing.T) {
	store, err := storage.NewImageStore(filepath.Join(t.TempDir(), "img"), 0, zaptest.NewLogger(t))
	require.NoError(t, err)

	analysis := types.ImageAnalysis{Face: true, SafeSearch: map[string]string{"adult": "UNLIKELY"}}
	f := newFixture(t, WithImageStore(store), WithClassifier(stubClassifier{result: analysis}))
	f.datagram(t, protocol.ProducerPing{ID: "p1"}, ep(1))
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(2))

	require.NoError(t, f.ProcessImage(context.Background(), types.ImageSubmission{ID: "c1", Image: []byte("jpeg")}))

	assert.Equal(t, []protocol.Message{protocol.StreamMetadata{ID: "c1", Metadata: analysis}}, f.sender.to(ep(1)))
	assert.Empty(t, f.sender.to(ep(2)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ImagesAnalyzed))
}

func TestProcessImageFailures(t *testing.T) {
	t.Run("NoStore", func(t *testing.T) {
		f := newFixture(t)
		assert.ErrorIs(t, f.ProcessImage(context.Background(), types.ImageSubmission{ID: "x", Image: []byte("a")}), ErrNoImageStore)
	})

	t.Run("ClassifierError", func(t *testing.T) {
		store, err := storage.NewImageStore(t.TempDir(), 0, zaptest.NewLogger(t))
		require.NoError(t, err)
		f := newFixture(t, WithImageStore(store), WithClassifier(stubClassifier{err: errors.New("quota")}))
		f.datagram(t, protocol.ProducerPing{ID: "p1"}, ep(1))

		assert.Error(t, f.ProcessImage(context.Background(), types.ImageSubmission{ID: "x", Image: []byte("a")}))
		assert.Equal(t, 0, f.sender.count())
		assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.ImageFailures))
	})
}

func TestNewContributorReceivesOnlyCatalogedTopics(t *testing.T) {
	f := newFixtureWithConfig(t, Config{Capacity: 3})

	for i := 0; i < 4; i++ {
		f.PublishTopic(types.Topic{Title: types.TopicTitle(fmt.Sprintf("t%d", i))})
	}
	require.Equal(t, 0, f.sender.count())

	f.datagram(t, protocol.Ping{ID: "c1"}, ep(4000))

	var titles []types.TopicTitle
	for _, m := range f.sender.to(ep(4000)) {
		topic, ok := m.(protocol.Topic)
		require.True(t, ok, "unexpected %T", m)
		titles = append(titles, topic.Title)
	}
	assert.ElementsMatch(t, []types.TopicTitle{"t1", "t2", "t3"}, titles)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StoreEvictions.WithLabelValues(metrics.StoreTopics)))
}

func TestOffersBoundedByCapacity(t *testing.T) {
	f := newFixtureWithConfig(t, Config{Capacity: 3})
	f.datagram(t, protocol.Ping{ID: "c1"}, ep(4000))

	for i := 0; i < 4; i++ {
		_, err := f.Offer(types.Offer{Buyer: "b", Topic: types.TopicTitle(fmt.Sprintf("t%d", i))}, "c1")
		require.NoError(t, err)
	}

	var keys []types.OfferKey
	for _, o := range f.Offers() {
		keys = append(keys, o.Key())
	}
	assert.Equal(t, []types.OfferKey{"b:t1", "b:t2", "b:t3"}, keys)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.StoreEvictions.WithLabelValues(metrics.StoreOffers)))
}

func TestDispatchNilMessage(t *testing.T) {
	f := newFixture(t)

	err := f.Dispatch(nil, ep(4000))
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MessagesDropped.WithLabelValues(metrics.ReasonUnknownType)))
}
