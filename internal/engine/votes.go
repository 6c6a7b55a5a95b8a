package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pegbridge/pegbridge/internal/store"
)

// wireVote is the wire shape of a signer vote delivered on the vote topic.
// The vote's signature has been verified by the receiving boundary before it
// is published here.
type wireVote struct {
	RequestKey   string `json:"requestKey"`
	SignerPubKey string `json:"signerPubKey"`
	Accept       bool   `json:"accept"`
}

// DecodeVote parses one signer vote received from the vote topic.
func DecodeVote(data []byte) (store.RequestKey, string, bool, error) {
	var wire wireVote
	err := json.Unmarshal(data, &wire)
	if err != nil {
		return nil, "", false, fmt.Errorf("failed to unmarshal vote: %w", err)
	}

	key, err := store.ParseRequestKey(wire.RequestKey)
	if err != nil {
		return nil, "", false, err
	}
	if wire.SignerPubKey == "" {
		return nil, "", false, errors.New("missing signer public key")
	}

	return key, wire.SignerPubKey, wire.Accept, nil
}
