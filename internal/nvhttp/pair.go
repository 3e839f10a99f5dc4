package nvhttp

import (
	"bytes"
	"context"
	"crypto"
	"crypto/aes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"hash"
	"net/url"
)

var (
	ErrAlreadyPaired  = errors.New("already paired")
	ErrIncorrectPIN   = errors.New("incorrect PIN")
	ErrPairingRefused = errors.New("host refused pairing")
	ErrPairInGame     = errors.New("host is currently in a game, quit it before pairing")
)

type pairResponse struct {
	rootStatus
	Paired            string `xml:"paired"`
	PlainCert         string `xml:"plaincert"`
	ChallengeResponse string `xml:"challengeresponse"`
	PairingSecret     string `xml:"pairingsecret"`
}

// Pair performs the PIN-gated pairing exchange. The operator must enter pin
// on the host while this call is in progress. On failure the host is asked
// to forget the partial pairing.
func (c *Client) Pair(ctx context.Context, server *ServerInfo, pin string) error {
	if server.Paired {
		return ErrAlreadyPaired
	}
	if server.CurrentGame != 0 {
		return ErrPairInGame
	}

	err := c.pair(ctx, server.MajorVersion(), pin)
	if err != nil {
		c.unpair(ctx)
		return err
	}
	server.Paired = true
	c.log.Info().Msg("Paired with host")
	return nil
}

func (c *Client) pair(ctx context.Context, major int, pin string) error {
	newHash := sha256.New
	if major < 7 {
		newHash = sha1.New
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	aesKey := pairingKey(newHash, salt, pin)

	// Phase 1: exchange certificates; blocks until the PIN is entered
	resp, err := c.pairStep(ctx, false, url.Values{
		"phrase":     {"getservercert"},
		"salt":       {hex.EncodeToString(salt)},
		"clientcert": {hex.EncodeToString(c.identity.certPEM)},
	})
	if err != nil {
		return err
	}
	serverCert, err := parseHexCert(resp.PlainCert)
	if err != nil {
		return err
	}

	// Phase 2: client challenge
	clientChallenge := make([]byte, 16)
	if _, err := rand.Read(clientChallenge); err != nil {
		return err
	}
	encrypted, err := aesECB(aesKey, clientChallenge, true)
	if err != nil {
		return err
	}
	resp, err = c.pairStep(ctx, false, url.Values{"clientchallenge": {hex.EncodeToString(encrypted)}})
	if err != nil {
		return err
	}

	raw, err := hex.DecodeString(resp.ChallengeResponse)
	if err != nil {
		return fmt.Errorf("decode challenge response: %w", err)
	}
	decrypted, err := aesECB(aesKey, raw, false)
	if err != nil {
		return err
	}
	hashLen := newHash().Size()
	if len(decrypted) < hashLen+16 {
		return errors.New("short challenge response")
	}
	serverResponse := decrypted[:hashLen]
	serverChallenge := decrypted[hashLen : hashLen+16]

	// Phase 3: answer the server challenge
	clientSecret := make([]byte, 16)
	if _, err := rand.Read(clientSecret); err != nil {
		return err
	}
	answer := make([]byte, 32)
	copy(answer, sum(newHash, serverChallenge, c.identity.cert.Signature, clientSecret))
	encrypted, err = aesECB(aesKey, answer, true)
	if err != nil {
		return err
	}
	resp, err = c.pairStep(ctx, false, url.Values{"serverchallengeresp": {hex.EncodeToString(encrypted)}})
	if err != nil {
		return err
	}

	secret, err := hex.DecodeString(resp.PairingSecret)
	if err != nil || len(secret) <= 16 {
		return errors.New("malformed server pairing secret")
	}
	serverSecret, serverSig := secret[:16], secret[16:]

	pub, ok := serverCert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return errors.New("host certificate key is not RSA")
	}
	digest := sha256.Sum256(serverSecret)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], serverSig); err != nil {
		return fmt.Errorf("host pairing secret signature: %w", err)
	}

	expected := sum(newHash, clientChallenge, serverCert.Signature, serverSecret)
	if !bytes.Equal(expected, serverResponse) {
		return ErrIncorrectPIN
	}

	// Phase 4: prove possession of our key
	digest = sha256.Sum256(clientSecret)
	sig, err := rsa.SignPKCS1v15(rand.Reader, c.identity.key, crypto.SHA256, digest[:])
	if err != nil {
		return err
	}
	if _, err := c.pairStep(ctx, false, url.Values{
		"clientpairingsecret": {hex.EncodeToString(append(append([]byte(nil), clientSecret...), sig...))},
	}); err != nil {
		return err
	}

	// Phase 5: confirm over the authenticated channel
	_, err = c.pairStep(ctx, true, url.Values{"phrase": {"pairchallenge"}})
	return err
}

func (c *Client) pairStep(ctx context.Context, secure bool, query url.Values) (*pairResponse, error) {
	query.Set("devicename", deviceName)
	query.Set("updateState", "1")

	var resp pairResponse
	if err := c.get(ctx, secure, "pair", query, &resp); err != nil {
		return nil, err
	}
	if resp.Paired != "1" {
		return nil, ErrPairingRefused
	}
	return &resp, nil
}

func (c *Client) unpair(ctx context.Context) {
	var resp rootStatus
	if err := c.get(ctx, false, "unpair", nil, &resp); err != nil {
		c.log.Debug().Err(err).Msg("unpair failed")
	}
}

func pairingKey(newHash func() hash.Hash, salt []byte, pin string) []byte {
	return sum(newHash, salt, []byte(pin))[:16]
}

func sum(newHash func() hash.Hash, parts ...[]byte) []byte {
	h := newHash()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// aesECB encrypts or decrypts whole blocks. Input is zero padded to the
// block size.
func aesECB(key, data []byte, encrypt bool) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	n := (len(data) + aes.BlockSize - 1) / aes.BlockSize * aes.BlockSize
	in := make([]byte, n)
	copy(in, data)
	out := make([]byte, n)
	for i := 0; i < n; i += aes.BlockSize {
		if encrypt {
			block.Encrypt(out[i:], in[i:])
		} else {
			block.Decrypt(out[i:], in[i:])
		}
	}
	return out, nil
}

func parseHexCert(s string) (*x509.Certificate, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode host certificate: %w", err)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("host certificate is not PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}
