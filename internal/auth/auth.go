// Package auth verifies the autoscaler-signed envelope that accompanies
// client requests in authenticated deployments.
package auth

import (
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// historyLen bounds the replay window; requests older than this many
// request numbers behind the newest seen are rejected outright.
const historyLen = 100

// Data is the signed envelope attached to each authenticated request.
type Data struct {
	Signature string  `json:"signature"`
	Cost      float64 `json:"cost"`
	Endpoint  string  `json:"endpoint"`
	Reqnum    int64   `json:"reqnum"`
	URL       string  `json:"url"`
}

var (
	ErrBadSignature = errors.New("signature verification failed")
	ErrStaleReqnum  = errors.New("request number outside replay window")
	ErrReplayed     = errors.New("request already seen")
)

// Verifier checks request signatures against the autoscaler's public key
// and keeps a bounded history of seen messages as a replay guard.
type Verifier struct {
	pub *rsa.PublicKey

	mu      sync.Mutex
	reqnum  int64
	history []string
}

// Fetch downloads the autoscaler's RSA public key. The key service can be
// briefly unavailable right after instance start, so it retries.
func Fetch(ctx context.Context, url string) (*Verifier, error) {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(15 * time.Second):
			}
		}

		pub, err := fetchKey(ctx, url)
		if err != nil {
			lastErr = err
			slog.Warn("Public key fetch failed", "attempt", attempt+1, "error", err)
			continue
		}
		slog.Info("Public key loaded", "url", url)
		return &Verifier{pub: pub, reqnum: -1}, nil
	}
	return nil, fmt.Errorf("fetching public key: %w", lastErr)
}

func fetchKey(ctx context.Context, url string) (*rsa.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key endpoint returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return nil, err
	}
	return ParseKey(body)
}

// ParseKey decodes a PEM-encoded RSA public key in either PKIX or PKCS#1
// form.
func ParseKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, errors.New("no PEM block in key data")
	}
	if pub, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaPub, nil
	}
	return x509.ParsePKCS1PublicKey(block.Bytes)
}

// Verify checks the envelope's signature and replay freshness. On success
// the envelope is recorded in the replay history.
func (v *Verifier) Verify(d Data) error {
	message, err := canonicalMessage(d)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if d.Reqnum < v.reqnum-historyLen {
		return ErrStaleReqnum
	}
	for _, seen := range v.history {
		if seen == message {
			return ErrReplayed
		}
	}

	sig, err := base64.StdEncoding.DecodeString(d.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	digest := sha256.Sum256([]byte(message))
	if err := rsa.VerifyPKCS1v15(v.pub, crypto.SHA256, digest[:], sig); err != nil {
		return ErrBadSignature
	}

	if d.Reqnum > v.reqnum {
		v.reqnum = d.Reqnum
	}
	v.history = append(v.history, message)
	if len(v.history) > historyLen {
		v.history = v.history[len(v.history)-historyLen:]
	}
	return nil
}

// canonicalMessage is the signed byte representation: the envelope fields
// minus the signature itself, in a stable key order.
func canonicalMessage(d Data) (string, error) {
	b, err := json.Marshal(struct {
		Cost     float64 `json:"cost"`
		Endpoint string  `json:"endpoint"`
		Reqnum   int64   `json:"reqnum"`
		URL      string  `json:"url"`
	}{d.Cost, d.Endpoint, d.Reqnum, d.URL})
	if err != nil {
		return "", err
	}
	return string(b), nil
}
