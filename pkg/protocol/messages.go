// Package protocol defines the datagram messages exchanged between the
// coordinator and its participants, and the codecs that put them on the wire.
//
// Every message is one datagram carrying a single object with a "type" tag.
// The set of tags is closed: a payload with any other tag fails to decode.
package protocol

import "marketplace/pkg/types"

type Kind string

const (
	KindPing           Kind = "ping"
	KindProducerPing   Kind = "producer-ping"
	KindViewerPing     Kind = "viewer-ping"
	KindTopic          Kind = "topic"
	KindTopicAccept    Kind = "topic-accept"
	KindOffer          Kind = "offer"
	KindOfferAccept    Kind = "offer-accept"
	KindChannelChange  Kind = "channel_change"
	KindStop           Kind = "stop"
	KindStreamMetadata Kind = "stream-metadata"
)

// Kinds lists every supported tag.
var Kinds = []Kind{
	KindPing,
	KindProducerPing,
	KindViewerPing,
	KindTopic,
	KindTopicAccept,
	KindOffer,
	KindOfferAccept,
	KindChannelChange,
	KindStop,
	KindStreamMetadata,
}

// Message is implemented only by the variants in this package.
type Message interface {
	Kind() Kind
	isMessage()
}

// Ping announces a contributor.
type Ping struct {
	ID types.ParticipantID
}

// ProducerPing announces a producer.
type ProducerPing struct {
	ID types.ParticipantID
}

// ViewerPing announces a viewer.
type ViewerPing struct {
	ID types.ParticipantID
}

// Topic publishes a subject to contributors.
type Topic struct {
	Title  types.TopicTitle
	Coord  *types.Coordinate
	Radius *float64
}

// TopicAccept is sent by contributor ID when it takes up Title.
type TopicAccept struct {
	ID    types.ParticipantID
	Title types.TopicTitle
}

// Offer carries commercial terms to the contributor named by ID.
type Offer struct {
	ID       types.ParticipantID
	Buyer    string
	Topic    types.TopicTitle
	Amount   *float64
	Currency string
}

// OfferAccept confirms an offer; ID becomes the channel viewers switch to.
type OfferAccept struct {
	ID string
}

type ChannelChange struct {
	Channel string
}

// Stop asks contributor ID to stop streaming.
type Stop struct {
	ID types.ParticipantID
}

// StreamMetadata reports image analysis for submission ID to producers.
type StreamMetadata struct {
	ID       string
	Metadata types.ImageAnalysis
}

func (Ping) Kind() Kind           { return KindPing }
func (ProducerPing) Kind() Kind   { return KindProducerPing }
func (ViewerPing) Kind() Kind     { return KindViewerPing }
func (Topic) Kind() Kind          { return KindTopic }
func (TopicAccept) Kind() Kind    { return KindTopicAccept }
func (Offer) Kind() Kind          { return KindOffer }
func (OfferAccept) Kind() Kind    { return KindOfferAccept }
func (ChannelChange) Kind() Kind  { return KindChannelChange }
func (Stop) Kind() Kind           { return KindStop }
func (StreamMetadata) Kind() Kind { return KindStreamMetadata }

func (Ping) isMessage()           {}
func (ProducerPing) isMessage()   {}
func (ViewerPing) isMessage()     {}
func (Topic) isMessage()          {}
func (TopicAccept) isMessage()    {}
func (Offer) isMessage()          {}
func (OfferAccept) isMessage()    {}
func (ChannelChange) isMessage()  {}
func (Stop) isMessage()           {}
func (StreamMetadata) isMessage() {}

// OfferFromTypes builds the wire form of an offer routed to target.
func OfferFromTypes(o types.Offer, target types.ParticipantID) Offer {
	return Offer{
		ID:       target,
		Buyer:    o.Buyer,
		Topic:    o.Topic,
		Amount:   o.Amount,
		Currency: o.Currency,
	}
}

// TypesOffer converts a wire offer into the ledger's representation.
func (o Offer) TypesOffer() types.Offer {
	return types.Offer{
		Buyer:    o.Buyer,
		Topic:    o.Topic,
		Amount:   o.Amount,
		Currency: o.Currency,
		Target:   o.ID,
	}
}

func TopicFromTypes(t types.Topic) Topic {
	return Topic{Title: t.Title, Coord: t.Coord, Radius: t.Radius}
}

func (t Topic) TypesTopic() types.Topic {
	return types.Topic{Title: t.Title, Coord: t.Coord, Radius: t.Radius}
}
