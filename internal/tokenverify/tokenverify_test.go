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

package tokenverify_test

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"gopkg.in/square/go-jose.v2"
	josejwt "gopkg.in/square/go-jose.v2/jwt"

	"github.com/Devolutions/devolutions-gateway-core/internal/claims"
	"github.com/Devolutions/devolutions-gateway-core/internal/gwerrors"
	"github.com/Devolutions/devolutions-gateway-core/internal/jrl"
	"github.com/Devolutions/devolutions-gateway-core/internal/tokencache"
	"github.com/Devolutions/devolutions-gateway-core/internal/tokenverify"
)

func signAssociation(t *testing.T, key *rsa.PrivateKey, a claims.Association) string {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT").WithContentType(jose.ContentType(claims.ContentTypeAssociation)))
	require.NoError(t, err)

	payload, err := json.Marshal(a)
	require.NoError(t, err)

	obj, err := signer.Sign(payload)
	require.NoError(t, err)
	raw, err := obj.CompactSerialize()
	require.NoError(t, err)
	return raw
}

func newVerifier(t *testing.T, clock clockwork.Clock, pub *rsa.PublicKey) *tokenverify.Verifier {
	t.Helper()
	cache, err := tokencache.New(tokencache.Config{Clock: clock})
	require.NoError(t, err)

	v, err := tokenverify.New(tokenverify.Config{
		Clock:                 clock,
		DefaultProvisionerKey: pub,
		GatewayID:             "gw-1",
		Cache:                 cache,
		Revocation:            jrl.NewStore(t.TempDir() + "/jrl.json"),
	})
	require.NoError(t, err)
	return v
}

func TestValidateAcceptsWellFormedAssociationToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	v := newVerifier(t, clock, &key.PublicKey)

	nbf := josejwt.NewNumericDate(clock.Now().Add(-time.Minute))
	exp := josejwt.NewNumericDate(clock.Now().Add(time.Minute))
	token := signAssociation(t, key, claims.Association{
		Registered: claims.Registered{
			NotBefore: nbf,
			Expiry:    exp,
			ID:        uuid.New().String(),
		},
		AssociationID:       uuid.New(),
		ApplicationProtocol: claims.ProtocolSSH,
		ConnectionMode:      claims.ModeForward,
		DestinationHost:     "127.0.0.1:2222",
	})

	result, err := v.Validate(token, "10.0.0.1:4444")
	require.NoError(t, err)
	require.Equal(t, claims.ContentTypeAssociation, result.ContentType)
	require.Equal(t, "127.0.0.1:2222", result.Association.DestinationHost)
}

func TestValidateRejectsExpiredToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	v := newVerifier(t, clock, &key.PublicKey)

	token := signAssociation(t, key, claims.Association{
		Registered: claims.Registered{
			Expiry: josejwt.NewNumericDate(clock.Now().Add(-time.Hour)),
			ID:     uuid.New().String(),
		},
		AssociationID:  uuid.New(),
		ConnectionMode: claims.ModeForward,
	})

	_, err = v.Validate(token, "10.0.0.1:4444")
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.KindAdmission))
}

func TestValidateRejectsReplayFromDifferentSource(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	v := newVerifier(t, clock, &key.PublicKey)

	jti := uuid.New().String()
	token := signAssociation(t, key, claims.Association{
		Registered: claims.Registered{
			Expiry: josejwt.NewNumericDate(clock.Now().Add(time.Minute)),
			ID:     jti,
		},
		AssociationID:  uuid.New(),
		ConnectionMode: claims.ModeForward,
	})

	_, err = v.Validate(token, "10.0.0.1:4444")
	require.NoError(t, err)

	_, err = v.Validate(token, "10.0.0.2:5555")
	require.Error(t, err)
	require.True(t, gwerrors.Is(err, gwerrors.KindAdmission))
}

func TestValidateRejectsCredentialsOverUnencryptedToken(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	v := newVerifier(t, clock, &key.PublicKey)

	token := signAssociation(t, key, claims.Association{
		Registered: claims.Registered{
			Expiry: josejwt.NewNumericDate(clock.Now().Add(time.Minute)),
			ID:     uuid.New().String(),
		},
		AssociationID:  uuid.New(),
		ConnectionMode: claims.ModeForward,
		Credentials: &claims.CredentialPair{
			Target: &claims.UsernamePassword{Username: "alice", Password: "hunter2"},
		},
	})

	_, err = v.Validate(token, "10.0.0.1:4444")
	require.Error(t, err)
}

func TestValidateRejectsRevokedJti(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	clock := clockwork.NewFakeClock()
	cache, err := tokencache.New(tokencache.Config{Clock: clock})
	require.NoError(t, err)
	store := jrl.NewStore(t.TempDir() + "/jrl.json")

	jti := uuid.New().String()
	require.NoError(t, store.Update(jrl.Document{
		ID:       uuid.New(),
		IssuedAt: 1,
		Revoked:  map[string][]string{string(claims.ContentTypeAssociation): {jti}},
	}))

	v, err := tokenverify.New(tokenverify.Config{
		Clock:                 clock,
		DefaultProvisionerKey: &key.PublicKey,
		Cache:                 cache,
		Revocation:            store,
	})
	require.NoError(t, err)

	token := signAssociation(t, key, claims.Association{
		Registered: claims.Registered{
			Expiry: josejwt.NewNumericDate(clock.Now().Add(time.Minute)),
			ID:     jti,
		},
		AssociationID:  uuid.New(),
		ConnectionMode: claims.ModeForward,
	})

	_, err = v.Validate(token, "10.0.0.1:4444")
	require.Error(t, err)
}
