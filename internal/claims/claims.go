/*
Copyright 2026 Devolutions Gateway Core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package claims models the admission token claim variants from the data
// model: Association, Jmux, and the standard registered claims all variants
// embed. Unknown JSON fields are ignored on decode, per the wire contract.
package claims

import (
	"time"

	"github.com/google/uuid"
	"gopkg.in/square/go-jose.v2/jwt"
)

// ContentType is the JWS header "cty" selecting which claims schema a token
// carries.
type ContentType string

const (
	ContentTypeAssociation ContentType = "ASSOCIATION"
	ContentTypeJmux        ContentType = "JMUX"
	ContentTypeScope       ContentType = "SCOPE"
	ContentTypeKdc         ContentType = "KDC"
	ContentTypeBridge      ContentType = "BRIDGE"
	ContentTypeJrl         ContentType = "JRL"
)

// ApplicationProtocol is the jet_ap tag.
type ApplicationProtocol string

const (
	ProtocolRDP     ApplicationProtocol = "rdp"
	ProtocolSSH     ApplicationProtocol = "ssh"
	ProtocolARD     ApplicationProtocol = "ard"
	ProtocolVNC     ApplicationProtocol = "vnc"
	ProtocolHTTP    ApplicationProtocol = "http"
	ProtocolHTTPS   ApplicationProtocol = "https"
	ProtocolUnknown ApplicationProtocol = "unknown"
)

// ConnectionMode is the jet_cm tag.
type ConnectionMode string

const (
	ModeRendezvous ConnectionMode = "rdv"
	ModeForward    ConnectionMode = "fwd"
)

// RecordingPolicy is the jet_rec tag.
type RecordingPolicy string

const (
	RecordingNone   RecordingPolicy = "none"
	RecordingStream RecordingPolicy = "stream"
	RecordingProxy  RecordingPolicy = "proxy"
)

// CredentialPair carries a proxy (client-facing) and target (server-facing)
// username/password pair. Association tokens only ever carry this embedded;
// it is never accepted outside a JWE-encrypted token.
type CredentialPair struct {
	Proxy  *UsernamePassword `json:"proxy,omitempty"`
	Target *UsernamePassword `json:"target,omitempty"`
}

// UsernamePassword is a plain credential as carried on the wire; callers
// that hold on to it should move it into creds.Pair, which zeroizes on Close.
type UsernamePassword struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Registered holds the standard registered claims every variant embeds.
type Registered struct {
	NotBefore *jwt.NumericDate `json:"nbf,omitempty"`
	Expiry    *jwt.NumericDate `json:"exp,omitempty"`
	IssuedAt  *jwt.NumericDate `json:"iat,omitempty"`
	ID        string           `json:"jti,omitempty"`
}

// Expiry time.Time view of the registered exp claim; zero value if absent.
func (r Registered) ExpiryTime() time.Time {
	if r.Expiry == nil {
		return time.Time{}
	}
	return r.Expiry.Time()
}

// NotBeforeTime time.Time view of the registered nbf claim; zero value if absent.
func (r Registered) NotBeforeTime() time.Time {
	if r.NotBefore == nil {
		return time.Time{}
	}
	return r.NotBefore.Time()
}

// Association is the claims schema for plain/TLS forward and rendezvous modes.
type Association struct {
	Registered

	AssociationID          uuid.UUID           `json:"jet_aid"`
	ApplicationProtocol    ApplicationProtocol `json:"jet_ap"`
	ConnectionMode         ConnectionMode      `json:"jet_cm"`
	DestinationHost        string              `json:"dst_hst,omitempty"`
	AdditionalDestinations []string            `json:"dst_addl,omitempty"`
	Credentials            *CredentialPair     `json:"creds,omitempty"`
	RecordingPolicy        RecordingPolicy     `json:"jet_rec,omitempty"`
	Filtering              bool                `json:"jet_flt,omitempty"`
	TimeToLiveSeconds      *int64              `json:"jet_ttl,omitempty"`
	ExpectedGatewayID      string              `json:"jet_gw_id,omitempty"`
}

// TimeToLive as a time.Duration, zero if unset.
func (a Association) TimeToLive() time.Duration {
	if a.TimeToLiveSeconds == nil {
		return 0
	}
	return time.Duration(*a.TimeToLiveSeconds) * time.Second
}

// Targets returns the ordered candidate list: the primary destination
// followed by every additional destination, per spec section 4.7.
func (a Association) Targets() []string {
	targets := make([]string, 0, 1+len(a.AdditionalDestinations))
	if a.DestinationHost != "" {
		targets = append(targets, a.DestinationHost)
	}
	targets = append(targets, a.AdditionalDestinations...)
	return targets
}

// Jmux is the claims schema selecting the JMUX multiplexed proxy mode.
type Jmux struct {
	Registered

	AssociationID       uuid.UUID           `json:"jet_aid"`
	ApplicationProtocol ApplicationProtocol `json:"jet_ap"`
	AllowedHosts        []string            `json:"hosts"`
	RecordingPolicy     RecordingPolicy     `json:"jet_rec,omitempty"`
	TimeToLiveSeconds   *int64              `json:"jet_ttl,omitempty"`
}

// TimeToLive as a time.Duration, zero if unset.
func (j Jmux) TimeToLive() time.Duration {
	if j.TimeToLiveSeconds == nil {
		return 0
	}
	return time.Duration(*j.TimeToLiveSeconds) * time.Second
}
