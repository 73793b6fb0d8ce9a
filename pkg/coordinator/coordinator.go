package coordinator

import (
	"errors"
	"fmt"
	"sync"

	"marketplace/pkg/analysis"
	"marketplace/pkg/catalog"
	"marketplace/pkg/ledger"
	"marketplace/pkg/metrics"
	"marketplace/pkg/protocol"
	"marketplace/pkg/registry"
	"marketplace/pkg/storage"
	"marketplace/pkg/transport"
	"marketplace/pkg/types"

	"go.uber.org/zap"
)

const DefaultPlaceholderTitle = "untitled"

var (
	// ErrTargetMissing is returned when an offer or stop names a contributor
	// that is not registered.
	ErrTargetMissing = ledger.ErrTargetMissing
	// ErrNotAccepted is returned for message types only the coordinator may
	// originate.
	ErrNotAccepted = errors.New("message type not accepted from participants")
	// ErrNoImageStore is returned by ProcessImage when image ingestion is
	// not configured.
	ErrNoImageStore = errors.New("image ingestion not configured")
)

type Config struct {
	// Capacity bounds every roster, the catalog and the ledger.
	Capacity int
	Codec    protocol.Codec
	// PlaceholderTitle names topics published without a title.
	PlaceholderTitle string
	RepublishPolicy  catalog.RepublishPolicy
}

type Option func(*Coordinator)

func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

func WithImageStore(s *storage.ImageStore) Option {
	return func(c *Coordinator) { c.images = s }
}

func WithClassifier(cl analysis.Classifier) Option {
	return func(c *Coordinator) { c.classifier = cl }
}

// Coordinator is the rendezvous server state: one roster per role, the topic
// catalog and the offer ledger, plus the routing that ties them together.
// Every inbound message and operator action runs under a single lock.
type Coordinator struct {
	logger           *zap.Logger
	codec            protocol.Codec
	sender           transport.Sender
	metrics          *metrics.Metrics
	placeholderTitle string

	mu           sync.Mutex
	contributors *registry.Roster
	producers    *registry.Roster
	viewers      *registry.Roster
	topics       *catalog.Catalog
	offers       *ledger.Ledger

	images     *storage.ImageStore
	classifier analysis.Classifier
}

func New(cfg Config, sender transport.Sender, logger *zap.Logger, opts ...Option) (*Coordinator, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = registry.DefaultCapacity
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSONCodec{}
	}
	if cfg.PlaceholderTitle == "" {
		cfg.PlaceholderTitle = DefaultPlaceholderTitle
	}

	c := &Coordinator{
		logger:           logger.With(zap.String("component", "coordinator")),
		codec:            cfg.Codec,
		sender:           sender,
		placeholderTitle: cfg.PlaceholderTitle,
		classifier:       analysis.NoopClassifier{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}

	var err error
	if c.contributors, err = registry.NewRoster(types.RoleContributor, cfg.Capacity, c.participantEvicted(metrics.StoreContributors)); err != nil {
		return nil, fmt.Errorf("failed to create contributor registry: %w", err)
	}
	if c.producers, err = registry.NewRoster(types.RoleProducer, cfg.Capacity, c.participantEvicted(metrics.StoreProducers)); err != nil {
		return nil, fmt.Errorf("failed to create producer registry: %w", err)
	}
	if c.viewers, err = registry.NewRoster(types.RoleViewer, cfg.Capacity, c.participantEvicted(metrics.StoreViewers)); err != nil {
		return nil, fmt.Errorf("failed to create viewer registry: %w", err)
	}
	if c.topics, err = catalog.New(cfg.Capacity, cfg.RepublishPolicy, c.topicEvicted); err != nil {
		return nil, fmt.Errorf("failed to create topic catalog: %w", err)
	}
	if c.offers, err = ledger.New(cfg.Capacity, c.contributors, c, c.offerEvicted); err != nil {
		return nil, fmt.Errorf("failed to create offer ledger: %w", err)
	}

	return c, nil
}

// PublishTopic adds or replaces a topic and broadcasts it to every
// contributor.
func (c *Coordinator) PublishTopic(topic types.Topic) types.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.observeSizes()
	return c.publishTopic(topic)
}

// Offer records an offer and sends it to one contributor. It returns
// ErrTargetMissing when the contributor is unknown; nothing is sent then.
func (c *Coordinator) Offer(offer types.Offer, contributorID types.ParticipantID) (types.Offer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	defer c.observeSizes()
	return c.recordOffer(offer, contributorID)
}

// Stop tells a contributor to stop.
func (c *Coordinator) Stop(contributorID types.ParticipantID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stop(contributorID)
}

func (c *Coordinator) Contributors() []types.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.contributors.Values()
}

func (c *Coordinator) Producers() []types.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.producers.Values()
}

func (c *Coordinator) Viewers() []types.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewers.Values()
}

func (c *Coordinator) Topics() []types.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topics.All()
}

func (c *Coordinator) Offers() []types.Offer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offers.Values()
}

// DeliverOffer implements ledger.Deliverer. Callers hold c.mu.
func (c *Coordinator) DeliverOffer(to types.Participant, offer types.Offer) error {
	return c.unicast(to, protocol.OfferFromTypes(offer, offer.Target))
}

func (c *Coordinator) unicast(to types.Participant, m protocol.Message) error {
	payload, err := c.codec.Encode(m)
	if err != nil {
		c.metrics.MessagesDropped.WithLabelValues(metrics.ReasonEncodingFailed).Inc()
		return fmt.Errorf("failed to encode %s: %w", m.Kind(), err)
	}
	return c.send(to, m.Kind(), payload)
}

// broadcast sends m to every member of r and returns how many sends the
// transport accepted.
func (c *Coordinator) broadcast(r *registry.Roster, m protocol.Message) int {
	payload, err := c.codec.Encode(m)
	if err != nil {
		c.metrics.MessagesDropped.WithLabelValues(metrics.ReasonEncodingFailed).Inc()
		c.logger.Error("Failed to encode broadcast",
			zap.String("message_type", string(m.Kind())),
			zap.Error(err))
		return 0
	}
	return c.broadcastPayload(r, m.Kind(), payload)
}

func (c *Coordinator) broadcastPayload(r *registry.Roster, kind protocol.Kind, payload []byte) int {
	sent := 0
	for _, p := range r.Values() {
		if c.send(p, kind, payload) == nil {
			sent++
		}
	}
	c.logger.Debug("Broadcast",
		zap.String("message_type", string(kind)),
		zap.String("role", string(r.Role())),
		zap.Int("recipients", sent))
	return sent
}

func (c *Coordinator) send(to types.Participant, kind protocol.Kind, payload []byte) error {
	if err := c.sender.Send(to.Endpoint, payload); err != nil {
		c.metrics.SendFailures.Inc()
		c.logger.Warn("Send failed",
			zap.String("message_type", string(kind)),
			zap.String("participant_id", string(to.ID)),
			zap.String("endpoint", to.Endpoint.String()),
			zap.Error(err))
		return err
	}
	c.metrics.MessagesSent.WithLabelValues(string(kind)).Inc()
	return nil
}

func (c *Coordinator) observeSizes() {
	c.metrics.StoreSize.WithLabelValues(metrics.StoreContributors).Set(float64(c.contributors.Len()))
	c.metrics.StoreSize.WithLabelValues(metrics.StoreProducers).Set(float64(c.producers.Len()))
	c.metrics.StoreSize.WithLabelValues(metrics.StoreViewers).Set(float64(c.viewers.Len()))
	c.metrics.StoreSize.WithLabelValues(metrics.StoreTopics).Set(float64(c.topics.Len()))
	c.metrics.StoreSize.WithLabelValues(metrics.StoreOffers).Set(float64(c.offers.Len()))
}

func (c *Coordinator) participantEvicted(store string) func(types.Participant) {
	return func(p types.Participant) {
		c.metrics.StoreEvictions.WithLabelValues(store).Inc()
		c.logger.Debug("Participant evicted",
			zap.String("role", string(p.Role)),
			zap.String("participant_id", string(p.ID)))
	}
}

func (c *Coordinator) topicEvicted(t types.Topic) {
	c.metrics.StoreEvictions.WithLabelValues(metrics.StoreTopics).Inc()
	c.logger.Debug("Topic evicted", zap.String("title", string(t.Title)))
}

func (c *Coordinator) offerEvicted(o types.Offer) {
	c.metrics.StoreEvictions.WithLabelValues(metrics.StoreOffers).Inc()
	c.logger.Debug("Offer evicted", zap.String("offer", string(o.Key())))
}
