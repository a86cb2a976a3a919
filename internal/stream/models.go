package stream

import (
	"net"
	"time"

	"iptv-relay/internal/encoder"
)

// Encoder is the part of an encoder process the manager drives.
// *encoder.Process satisfies it.
type Encoder interface {
	Start() error
	Stop()
	Events() <-chan encoder.Event
	IsRunning() bool
}

// Relay is the part of a throttled relay the manager drives.
// *relay.Relay satisfies it.
type Relay interface {
	Start(ln net.Listener) error
	Broadcast(chunk []byte)
	ViewerCount() int
	IdleSince() (time.Time, bool)
	Stop()
}

// Ports hands out listeners for relays. *relay.PortPool satisfies it.
type Ports interface {
	Listen() (net.Listener, int, error)
	Release(port int)
}

// EncoderFactory builds an idle encoder reading sourceURL.
type EncoderFactory func(sourceURL string) Encoder

// RelayFactory builds a relay that is not yet listening.
type RelayFactory func() Relay

// Session is one upstream source being transcoded and relayed to every
// viewer that asked for it. The manager owns every field; callers only
// see copies through Status and SessionInfo.
type Session struct {
	ID              string
	Key             string
	ChannelID       string
	SourceURL       string
	Port            int
	DeliveryAddress string
	ViewerCount     int
	CreatedAt       time.Time

	encoder Encoder
	relay   Relay
}

// StartResult is returned by Manager.Start.
type StartResult struct {
	Key             string `json:"key"`
	DeliveryAddress string `json:"deliveryAddress"`
	WSPort          int    `json:"wsPort"`
	ViewerCount     int    `json:"viewerCount"`
	// Created is true when this call spawned the session.
	Created bool `json:"created"`
}

// Status is a point-in-time view of one session key.
type Status struct {
	Key             string `json:"key"`
	Active          bool   `json:"active"`
	ViewerCount     int    `json:"viewerCount"`
	DeliveryAddress string `json:"deliveryAddress,omitempty"`
	WSPort          int    `json:"wsPort,omitempty"`
}

// SessionInfo is the diagnostic view of a session.
type SessionInfo struct {
	ID              string    `json:"id"`
	Key             string    `json:"key"`
	ChannelID       string    `json:"channelId,omitempty"`
	SourceURL       string    `json:"sourceUrl"`
	ViewerCount     int       `json:"viewerCount"`
	AttachedSockets int       `json:"attachedSockets"`
	DeliveryAddress string    `json:"deliveryAddress"`
	WSPort          int       `json:"wsPort"`
	EncoderRunning  bool      `json:"encoderRunning"`
	CreatedAt       time.Time `json:"createdAt"`
}
