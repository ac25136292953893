package threshold

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signature is a low-s ECDSA signature over secp256k1.
type Signature struct {
	R        [32]byte
	S        [32]byte
	Recovery byte // parity of the nonce point, adjusted for s normalisation
}

// Bytes returns r || s.
func (s *Signature) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, s.R[:]...)
	return append(out, s.S[:]...)
}

// Ethereum returns r || s || v with v in {0, 1}.
func (s *Signature) Ethereum() []byte {
	return append(s.Bytes(), s.Recovery)
}

type signatureJSON struct {
	R        string `json:"r"`
	S        string `json:"s"`
	Recovery byte   `json:"recid"`
}

func (s Signature) MarshalJSON() ([]byte, error) {
	return json.Marshal(signatureJSON{
		R:        hex.EncodeToString(s.R[:]),
		S:        hex.EncodeToString(s.S[:]),
		Recovery: s.Recovery,
	})
}

func (s *Signature) UnmarshalJSON(data []byte) error {
	var raw signatureJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r, err := hex.DecodeString(raw.R)
	if err != nil || len(r) != 32 {
		return fmt.Errorf("invalid r")
	}
	sv, err := hex.DecodeString(raw.S)
	if err != nil || len(sv) != 32 {
		return fmt.Errorf("invalid s")
	}
	if raw.Recovery > 1 {
		return fmt.Errorf("invalid recovery id %d", raw.Recovery)
	}
	copy(s.R[:], r)
	copy(s.S[:], sv)
	s.Recovery = raw.Recovery
	return nil
}
