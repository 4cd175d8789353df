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

// Package tokenverify implements the admission token verifier (C2): JWS
// signature verification with an optional outer JWE envelope, claims
// schema decoding by content type, and the full set of admission
// invariants (validity window, jti reuse binding, revocation, gateway
// identity, and the credentials-over-cleartext rule). It is modeled
// directly on the Key/Config/CheckAndSetDefaults shape of the teacher's
// application-access JWT package, generalized from one fixed claims
// shape to the several content-typed schemas this gateway accepts.
package tokenverify

import (
	"crypto"
	"encoding/json"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"gopkg.in/square/go-jose.v2"

	"github.com/Devolutions/devolutions-gateway-core/internal/claims"
	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
	"github.com/Devolutions/devolutions-gateway-core/internal/jrl"
	"github.com/Devolutions/devolutions-gateway-core/internal/tokencache"
)

// headerContentType is the JOSE "cty" header, carried as an extra header
// by gopkg.in/square/go-jose.v2 since it has no first-class field for it.
const headerContentType jose.HeaderKey = "cty"

// DefaultLeeway bounds clock skew tolerance on nbf/exp when Config.Leeway
// is zero.
const DefaultLeeway = 10 * time.Second

// allowedAlgorithms is the fixed signature algorithm allow-list; anything
// else (including "none") is rejected before a key lookup is attempted.
var allowedAlgorithms = map[string]bool{
	string(jose.RS256): true,
	string(jose.ES256): true,
}

// Config configures a Verifier.
type Config struct {
	// Clock controls the current time used for nbf/exp checks.
	Clock clockwork.Clock
	// Leeway is the tolerance applied on both sides of the nbf/exp window.
	Leeway time.Duration
	// ProvisionerKeys maps a JWS "kid" header to the public key that
	// should verify it. DefaultProvisionerKey is tried when the JWS
	// carries no kid or the kid is unknown.
	ProvisionerKeys map[string]crypto.PublicKey
	// DefaultProvisionerKey is used when the JWS has no kid or an
	// unrecognized one.
	DefaultProvisionerKey crypto.PublicKey
	// DelegationKey decrypts the outer JWE envelope, when a token is
	// JWE-wrapped (five dot-separated segments).
	DelegationKey crypto.PrivateKey
	// GatewayID is this gateway's own identity, checked against a
	// token's jet_gw_id when present.
	GatewayID string
	// Cache binds a jti to the source address that first presented it.
	Cache *tokencache.Cache
	// Revocation is consulted for the token's jti, looked up under the
	// token's claim kind (its content type).
	Revocation *jrl.Store
}

func (c *Config) checkAndSetDefaults() error {
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Leeway <= 0 {
		c.Leeway = DefaultLeeway
	}
	if c.Cache == nil {
		return trace.BadParameter("token cache is required")
	}
	if c.Revocation == nil {
		return trace.BadParameter("revocation store is required")
	}
	if c.DefaultProvisionerKey == nil && len(c.ProvisionerKeys) == 0 {
		return trace.BadParameter("at least one provisioner key is required")
	}
	return nil
}

// Verifier validates admission tokens against a fixed provisioner trust
// set. The zero value is not usable; construct with New.
type Verifier struct {
	cfg Config
}

// New builds a Verifier per cfg.
func New(cfg Config) (*Verifier, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Verifier{cfg: cfg}, nil
}

// Result is the decoded, fully-validated outcome of Validate.
type Result struct {
	ContentType claims.ContentType
	Association *claims.Association
	Jmux        *claims.Jmux
}

// Validate implements the C2 validate() operation: it signature-verifies
// rawToken (decrypting an outer JWE first if present), decodes its
// claims per the JWS "cty" header, and enforces every admission
// invariant against sourceAddr. On success the jti is bound to
// sourceAddr in the cache so a later presentation from a different
// address is rejected as replayed.
func (v *Verifier) Validate(rawToken, sourceAddr string) (*Result, error) {
	wasEncrypted := isJWE(rawToken)

	jws := rawToken
	if wasEncrypted {
		plain, err := v.decrypt(rawToken)
		if err != nil {
			return nil, gwerrors.New(gwerrors.KindAdmission, err)
		}
		jws = string(plain)
	}

	sig, err := jose.ParseSigned(jws)
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, err)
	}
	if len(sig.Signatures) != 1 {
		return nil, gwerrors.Newf(gwerrors.KindAdmission, "expected exactly one JWS signature, got %d", len(sig.Signatures))
	}
	header := sig.Signatures[0].Header

	if !allowedAlgorithms[header.Algorithm] {
		return nil, gwerrors.New(gwerrors.KindAdmission, gwerrors.ErrInvalidSignature)
	}

	key, err := v.resolveKey(header)
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, err)
	}

	payload, err := sig.Verify(key)
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, gwerrors.ErrInvalidSignature)
	}

	cty, err := contentType(header)
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, err)
	}

	result, registered, hasCreds, err := decodeClaims(cty, payload)
	if err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, err)
	}

	if err := v.checkWindow(registered); err != nil {
		return nil, gwerrors.New(gwerrors.KindAdmission, err)
	}

	if result.Association != nil && result.Association.ExpectedGatewayID != "" &&
		result.Association.ExpectedGatewayID != v.cfg.GatewayID {
		return nil, gwerrors.New(gwerrors.KindAdmission, gwerrors.ErrGatewayIDMismatch)
	}

	if hasCreds && !wasEncrypted {
		return nil, gwerrors.New(gwerrors.KindAdmission, gwerrors.ErrCredentialsOverUnencrypted)
	}

	if v.cfg.Revocation.Current().IsRevoked(string(cty), registered.ID) {
		return nil, gwerrors.New(gwerrors.KindAdmission, gwerrors.ErrRevoked)
	}

	if registered.ID != "" {
		outcome := v.cfg.Cache.CheckAndRemember(registered.ID, sourceAddr, registered.ExpiryTime())
		if outcome == tokencache.Replayed {
			return nil, gwerrors.New(gwerrors.KindAdmission, gwerrors.ErrReplayed)
		}
	}

	return result, nil
}

func (v *Verifier) decrypt(rawToken string) ([]byte, error) {
	if v.cfg.DelegationKey == nil {
		return nil, trace.BadParameter("token is JWE-wrapped but no delegation key is configured")
	}
	jwe, err := jose.ParseEncrypted(rawToken)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	plain, err := jwe.Decrypt(v.cfg.DelegationKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return plain, nil
}

func (v *Verifier) resolveKey(header jose.Header) (crypto.PublicKey, error) {
	if header.KeyID != "" {
		if key, ok := v.cfg.ProvisionerKeys[header.KeyID]; ok {
			return key, nil
		}
		if v.cfg.DefaultProvisionerKey == nil {
			return nil, gwerrors.ErrUnknownKid
		}
	}
	if v.cfg.DefaultProvisionerKey != nil {
		return v.cfg.DefaultProvisionerKey, nil
	}
	return nil, gwerrors.ErrUnknownKid
}

func (v *Verifier) checkWindow(r claims.Registered) error {
	now := v.cfg.Clock.Now()
	if r.Expiry != nil && now.After(r.ExpiryTime().Add(v.cfg.Leeway)) {
		return gwerrors.ErrExpired
	}
	if r.NotBefore != nil && now.Before(r.NotBeforeTime().Add(-v.cfg.Leeway)) {
		return gwerrors.ErrNotYetValid
	}
	return nil
}

// isJWE reports whether token has five dot-separated segments (a
// Compact JWE serialization) rather than three (a bare Compact JWS).
func isJWE(token string) bool {
	return strings.Count(token, ".") == 4
}

func contentType(header jose.Header) (claims.ContentType, error) {
	raw, ok := header.ExtraHeaders[headerContentType]
	if !ok {
		return "", trace.BadParameter("token is missing the cty header")
	}
	s, ok := raw.(string)
	if !ok {
		return "", trace.BadParameter("token cty header is not a string")
	}
	return claims.ContentType(s), nil
}

func decodeClaims(cty claims.ContentType, payload []byte) (*Result, claims.Registered, bool, error) {
	switch cty {
	case claims.ContentTypeAssociation:
		var a claims.Association
		if err := json.Unmarshal(payload, &a); err != nil {
			return nil, claims.Registered{}, false, trace.Wrap(err)
		}
		return &Result{ContentType: cty, Association: &a}, a.Registered, a.Credentials != nil, nil
	case claims.ContentTypeJmux:
		var j claims.Jmux
		if err := json.Unmarshal(payload, &j); err != nil {
			return nil, claims.Registered{}, false, trace.Wrap(err)
		}
		return &Result{ContentType: cty, Jmux: &j}, j.Registered, false, nil
	default:
		return nil, claims.Registered{}, false, trace.BadParameter("unsupported content type %q for admission", cty)
	}
}
