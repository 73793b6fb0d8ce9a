// Package ledger records offers and routes each one to a single contributor.
package ledger

import (
	"errors"
	"fmt"

	"marketplace/pkg/registry"
	"marketplace/pkg/types"
)

// ErrTargetMissing is returned when the contributor an offer is addressed to
// is not in the contributor registry.
var ErrTargetMissing = errors.New("target contributor not registered")

// Resolver looks up contributors by id.
type Resolver interface {
	Get(id types.ParticipantID) (types.Participant, bool)
}

// Deliverer sends a recorded offer to a contributor's current endpoint.
type Deliverer interface {
	DeliverOffer(to types.Participant, offer types.Offer) error
}

type Ledger struct {
	offers       *registry.Cache[types.OfferKey, types.Offer]
	contributors Resolver
	deliverer    Deliverer
}

func New(capacity int, contributors Resolver, deliverer Deliverer, onEvict func(types.Offer)) (*Ledger, error) {
	var cb registry.EvictFunc[types.OfferKey, types.Offer]
	if onEvict != nil {
		cb = func(_ types.OfferKey, o types.Offer) { onEvict(o) }
	}
	offers, err := registry.NewCache[types.OfferKey, types.Offer](capacity, cb)
	if err != nil {
		return nil, err
	}
	return &Ledger{offers: offers, contributors: contributors, deliverer: deliverer}, nil
}

// RecordAndTarget stamps offer, stores it under buyer:topic and delivers it to
// contributorID. The offer is recorded even when the target is unknown; in
// that case nothing is sent and ErrTargetMissing is returned.
func (l *Ledger) RecordAndTarget(offer types.Offer, contributorID types.ParticipantID) (types.Offer, error) {
	offer.Type = types.OfferType
	offer.Target = contributorID
	l.offers.Put(offer.Key(), offer)

	contributor, ok := l.contributors.Get(contributorID)
	if !ok {
		return offer, fmt.Errorf("offer %s for %q: %w", offer.Key(), contributorID, ErrTargetMissing)
	}

	if err := l.deliverer.DeliverOffer(contributor, offer); err != nil {
		return offer, fmt.Errorf("failed to deliver offer %s to %q: %w", offer.Key(), contributorID, err)
	}
	return offer, nil
}

// Values returns a snapshot of recorded offers, oldest first.
func (l *Ledger) Values() []types.Offer {
	return l.offers.Values()
}

func (l *Ledger) Len() int { return l.offers.Len() }
