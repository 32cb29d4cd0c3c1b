package verifier

import (
	"bytes"
	"encoding/hex"
	"fmt"

	nitro "github.com/anjuna-security/go-nitro-attestation/verifier"

	"github.com/Stealth-AI-data-infra/nautilus-ai/shared"
)

type nitroResult struct {
	pcr0     []byte
	userData []byte
}

// verifyNitroDocument validates the COSE signature and certificate chain of a
// Nitro attestation document against the AWS root and returns PCR0 and the
// user_data field.
func verifyNitroDocument(doc []byte) (*nitroResult, error) {
	sr, err := nitro.NewSignedAttestationReport(bytes.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("failed to parse nitro attestation document: %v", err)
	}

	if err := nitro.Validate(sr, nil); err != nil {
		return nil, fmt.Errorf("nitro attestation validation failed: %v", err)
	}

	pcr0 := sr.Document.PCRs[0]
	if pcr0 == nil {
		return nil, fmt.Errorf("PCR0 not found in attestation document")
	}

	return &nitroResult{
		pcr0:     pcr0,
		userData: sr.Document.UserData,
	}, nil
}

// attested applies the measurement policy to a validated document. Nitro
// reports all-zero PCRs for enclaves started in debug mode.
func (nr *nitroResult) attested(allowDebug bool) (*Attested, error) {
	if len(nr.pcr0) == 0 {
		return nil, fmt.Errorf("%w: empty PCR0", ErrAttestationInvalid)
	}
	if !allowDebug && allZero(nr.pcr0) {
		return nil, fmt.Errorf("%w: PCR0 is all zeros", ErrDebugEnclave)
	}
	return &Attested{
		Platform:    shared.PlatformNitro,
		Measurement: hex.EncodeToString(nr.pcr0),
		PublicKey:   nr.userData,
	}, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
