package auth

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSigner(t *testing.T) (*rsa.PrivateKey, *Verifier) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, &Verifier{pub: &key.PublicKey, reqnum: -1}
}

func sign(t *testing.T, key *rsa.PrivateKey, d Data) Data {
	t.Helper()
	message, err := canonicalMessage(d)
	require.NoError(t, err)
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	require.NoError(t, err)
	d.Signature = base64.StdEncoding.EncodeToString(sig)
	return d
}

func TestVerify_SignedEnvelope(t *testing.T) {
	key, v := newSigner(t)

	d := sign(t, key, Data{Cost: 250, Endpoint: "/generate", Reqnum: 1, URL: "https://worker.example"})
	assert.NoError(t, v.Verify(d))
}

func TestVerify_TamperedFieldRejected(t *testing.T) {
	key, v := newSigner(t)

	d := sign(t, key, Data{Cost: 250, Endpoint: "/generate", Reqnum: 1})
	d.Cost = 1
	assert.ErrorIs(t, v.Verify(d), ErrBadSignature)
}

func TestVerify_WrongKeyRejected(t *testing.T) {
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, v := newSigner(t)

	d := sign(t, other, Data{Cost: 250, Endpoint: "/generate", Reqnum: 1})
	assert.ErrorIs(t, v.Verify(d), ErrBadSignature)
}

func TestVerify_MalformedSignatureRejected(t *testing.T) {
	_, v := newSigner(t)
	err := v.Verify(Data{Signature: "not base64!!", Reqnum: 1})
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestVerify_ReplayRejected(t *testing.T) {
	key, v := newSigner(t)

	d := sign(t, key, Data{Cost: 250, Endpoint: "/generate", Reqnum: 7})
	require.NoError(t, v.Verify(d))
	assert.ErrorIs(t, v.Verify(d), ErrReplayed)
}

func TestVerify_StaleReqnumRejected(t *testing.T) {
	key, v := newSigner(t)

	require.NoError(t, v.Verify(sign(t, key, Data{Endpoint: "/generate", Reqnum: 500})))
	assert.ErrorIs(t, v.Verify(sign(t, key, Data{Endpoint: "/generate", Reqnum: 1})), ErrStaleReqnum)
}

func TestVerify_HistoryWindowSlides(t *testing.T) {
	key, v := newSigner(t)

	for i := int64(0); i < historyLen+10; i++ {
		d := sign(t, key, Data{Endpoint: "/generate", Reqnum: i})
		require.NoError(t, v.Verify(d), "reqnum %d", i)
	}
	assert.Len(t, v.history, historyLen)

	// The oldest entries fell out of the history but their reqnums are now
	// outside the window, so replaying them still fails.
	old := sign(t, key, Data{Endpoint: "/generate", Reqnum: 0})
	assert.ErrorIs(t, v.Verify(old), ErrStaleReqnum)
}

func TestVerify_OutOfOrderWithinWindow(t *testing.T) {
	key, v := newSigner(t)

	require.NoError(t, v.Verify(sign(t, key, Data{Endpoint: "/generate", Reqnum: 50})))
	assert.NoError(t, v.Verify(sign(t, key, Data{Endpoint: "/generate", Reqnum: 40})))
}

func TestParseKey_PKIX(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	pub, err := ParseKey(pemBytes)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))
}

func TestParseKey_PKCS1(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der := x509.MarshalPKCS1PublicKey(&key.PublicKey)
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: der})

	pub, err := ParseKey(pemBytes)
	require.NoError(t, err)
	assert.True(t, pub.Equal(&key.PublicKey))
}

func TestParseKey_Garbage(t *testing.T) {
	_, err := ParseKey([]byte("not a key"))
	assert.Error(t, err)

	_, err = ParseKey([]byte(fmt.Sprintf("-----BEGIN PUBLIC KEY-----\n%s\n-----END PUBLIC KEY-----\n",
		base64.StdEncoding.EncodeToString([]byte("junk")))))
	assert.Error(t, err)
}
