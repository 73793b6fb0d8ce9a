package types

import (
	"net"
	"net/netip"
	"time"
)

type ParticipantID string
type TopicTitle string
type OfferKey string

// Role partitions participants into independent registries. The same id may
// appear under several roles.
type Role string

const (
	RoleContributor Role = "contributor"
	RoleProducer    Role = "producer"
	RoleViewer      Role = "viewer"
)

// Endpoint is the address and port a participant was last seen at.
type Endpoint = netip.AddrPort

// EndpointFromUDP converts a socket source address, unmapping IPv4-in-IPv6
// so the same host always yields the same endpoint.
func EndpointFromUDP(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

type Participant struct {
	ID        ParticipantID
	Role      Role
	Endpoint  Endpoint
	FirstSeen time.Time
	LastSeen  time.Time
}

type Coordinate struct {
	Lat float64 `json:"lat" cbor:"lat"`
	Lng float64 `json:"lng" cbor:"lng"`
}

type Topic struct {
	Title  TopicTitle
	Coord  *Coordinate
	Radius *float64
}

// OfferType is the discriminant every recorded offer is stamped with.
const OfferType = "offer"

type Offer struct {
	Type     string
	Buyer    string
	Topic    TopicTitle
	Amount   *float64
	Currency string
	// Target is the contributor the offer was routed to.
	Target ParticipantID
}

// Key is the offer identity, "buyer:topic".
func (o Offer) Key() OfferKey {
	return OfferKey(o.Buyer + ":" + string(o.Topic))
}

// ImageSubmission is a decoded POST /image body.
type ImageSubmission struct {
	ID    string
	Image []byte
}

// ImageAnalysis is what the classification collaborator reports for one image.
type ImageAnalysis struct {
	Face       bool              `json:"face"`
	SafeSearch map[string]string `json:"safe_search,omitempty"`
}

// ImageRef points at a persisted image submission.
type ImageRef struct {
	ID          string
	Path        string
	Size        int64
	ContentType string
}
