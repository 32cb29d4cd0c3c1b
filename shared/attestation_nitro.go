package shared

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

// NitroAttester requests attestation documents from the Nitro Security
// Module. The same session doubles as the enclave's entropy source.
type NitroAttester struct {
	mu   sync.Mutex
	sess *nsm.Session
}

// OpenNitroAttester opens the default NSM device. It fails outside an enclave.
func OpenNitroAttester() (*NitroAttester, error) {
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open NSM session: %v", ErrAttestationUnavailable, err)
	}
	return &NitroAttester{sess: sess}, nil
}

func (*NitroAttester) Platform() Platform { return PlatformNitro }

// Entropy returns a reader backed by the NSM hardware RNG.
func (a *NitroAttester) Entropy() io.Reader {
	return nsmReader{a}
}

type nsmReader struct{ a *NitroAttester }

func (r nsmReader) Read(p []byte) (int, error) {
	r.a.mu.Lock()
	defer r.a.mu.Unlock()
	if r.a.sess == nil {
		return 0, errors.New("NSM session closed")
	}
	return r.a.sess.Read(p)
}

// Attest binds publicKey through both the user_data and public_key fields of
// the document, so either can be checked by a verifier.
func (a *NitroAttester) Attest(ctx context.Context, publicKey []byte) (*AttestationDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAttestationUnavailable, err)
	}
	if len(publicKey) == 0 {
		return nil, fmt.Errorf("%w: empty public key", ErrAttestationUnavailable)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil, fmt.Errorf("%w: NSM session closed", ErrAttestationUnavailable)
	}

	res, err := a.sess.Send(&request.Attestation{
		UserData:  publicKey,
		PublicKey: publicKey,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: NSM request failed: %v", ErrAttestationUnavailable, err)
	}
	if res.Error != "" {
		return nil, fmt.Errorf("%w: NSM returned %s", ErrAttestationUnavailable, res.Error)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, fmt.Errorf("%w: attestation response missing attestation document", ErrAttestationUnavailable)
	}

	return &AttestationDocument{
		Type:      PlatformNitro,
		Document:  res.Attestation.Document,
		PublicKey: append([]byte(nil), publicKey...),
	}, nil
}

func (a *NitroAttester) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return nil
	}
	err := a.sess.Close()
	a.sess = nil
	return err
}
