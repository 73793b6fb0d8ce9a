package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"marketplace/pkg/types"

	"github.com/fxamacker/cbor/v2"
)

var (
	// ErrMalformed means the payload could not be parsed or has no type tag.
	ErrMalformed = errors.New("malformed message")
	// ErrUnknownType means the payload parsed but its tag is not supported.
	ErrUnknownType = errors.New("unknown message type")
)

// Codec turns messages into datagram payloads and back.
type Codec interface {
	Name() string
	Encode(Message) ([]byte, error)
	Decode([]byte) (Message, error)
}

// NewCodec returns the codec registered under name ("json" or "cbor").
func NewCodec(name string) (Codec, error) {
	switch name {
	case "", JSONCodecName:
		return JSONCodec{}, nil
	case CBORCodecName:
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", name)
	}
}

// envelope is the flat wire shape shared by every message variant.
type envelope struct {
	Type     Kind                 `json:"type" cbor:"type"`
	ID       string               `json:"id,omitempty" cbor:"id,omitempty"`
	Title    string               `json:"title,omitempty" cbor:"title,omitempty"`
	Coord    *types.Coordinate    `json:"coord,omitempty" cbor:"coord,omitempty"`
	Radius   *float64             `json:"radius,omitempty" cbor:"radius,omitempty"`
	Buyer    string               `json:"buyer,omitempty" cbor:"buyer,omitempty"`
	Topic    string               `json:"topic,omitempty" cbor:"topic,omitempty"`
	Amount   *float64             `json:"amount,omitempty" cbor:"amount,omitempty"`
	Currency string               `json:"currency,omitempty" cbor:"currency,omitempty"`
	Channel  string               `json:"channel,omitempty" cbor:"channel,omitempty"`
	Metadata *types.ImageAnalysis `json:"metadata,omitempty" cbor:"metadata,omitempty"`
}

func toEnvelope(m Message) (envelope, error) {
	switch v := m.(type) {
	case Ping:
		return envelope{Type: KindPing, ID: string(v.ID)}, nil
	case ProducerPing:
		return envelope{Type: KindProducerPing, ID: string(v.ID)}, nil
	case ViewerPing:
		return envelope{Type: KindViewerPing, ID: string(v.ID)}, nil
	case Topic:
		return envelope{Type: KindTopic, Title: string(v.Title), Coord: v.Coord, Radius: v.Radius}, nil
	case TopicAccept:
		return envelope{Type: KindTopicAccept, ID: string(v.ID), Title: string(v.Title)}, nil
	case Offer:
		return envelope{
			Type:     KindOffer,
			ID:       string(v.ID),
			Buyer:    v.Buyer,
			Topic:    string(v.Topic),
			Amount:   v.Amount,
			Currency: v.Currency,
		}, nil
	case OfferAccept:
		return envelope{Type: KindOfferAccept, ID: v.ID}, nil
	case ChannelChange:
		return envelope{Type: KindChannelChange, Channel: v.Channel}, nil
	case Stop:
		return envelope{Type: KindStop, ID: string(v.ID)}, nil
	case StreamMetadata:
		md := v.Metadata
		return envelope{Type: KindStreamMetadata, ID: v.ID, Metadata: &md}, nil
	case nil:
		return envelope{}, fmt.Errorf("cannot encode nil message")
	default:
		return envelope{}, fmt.Errorf("cannot encode %T: %w", m, ErrUnknownType)
	}
}

func fromEnvelope(e envelope) (Message, error) {
	switch e.Type {
	case KindPing:
		return Ping{ID: types.ParticipantID(e.ID)}, nil
	case KindProducerPing:
		return ProducerPing{ID: types.ParticipantID(e.ID)}, nil
	case KindViewerPing:
		return ViewerPing{ID: types.ParticipantID(e.ID)}, nil
	case KindTopic:
		return Topic{Title: types.TopicTitle(e.Title), Coord: e.Coord, Radius: e.Radius}, nil
	case KindTopicAccept:
		return TopicAccept{ID: types.ParticipantID(e.ID), Title: types.TopicTitle(e.Title)}, nil
	case KindOffer:
		return Offer{
			ID:       types.ParticipantID(e.ID),
			Buyer:    e.Buyer,
			Topic:    types.TopicTitle(e.Topic),
			Amount:   e.Amount,
			Currency: e.Currency,
		}, nil
	case KindOfferAccept:
		return OfferAccept{ID: e.ID}, nil
	case KindChannelChange:
		return ChannelChange{Channel: e.Channel}, nil
	case KindStop:
		return Stop{ID: types.ParticipantID(e.ID)}, nil
	case KindStreamMetadata:
		var md types.ImageAnalysis
		if e.Metadata != nil {
			md = *e.Metadata
		}
		return StreamMetadata{ID: e.ID, Metadata: md}, nil
	case "":
		return nil, fmt.Errorf("missing type tag: %w", ErrMalformed)
	default:
		return nil, fmt.Errorf("%q: %w", e.Type, ErrUnknownType)
	}
}

const JSONCodecName = "json"

// JSONCodec is the default wire format: one JSON object per datagram.
type JSONCodec struct{}

func (JSONCodec) Name() string { return JSONCodecName }

func (JSONCodec) Encode(m Message) ([]byte, error) {
	e, err := toEnvelope(m)
	if err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

func (JSONCodec) Decode(b []byte) (Message, error) {
	var e envelope
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromEnvelope(e)
}

const CBORCodecName = "cbor"

// CBORCodec carries the same fields as JSONCodec in CBOR.
type CBORCodec struct{}

func (CBORCodec) Name() string { return CBORCodecName }

func (CBORCodec) Encode(m Message) ([]byte, error) {
	e, err := toEnvelope(m)
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(e)
}

func (CBORCodec) Decode(b []byte) (Message, error) {
	var e envelope
	if err := cbor.Unmarshal(b, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fromEnvelope(e)
}
