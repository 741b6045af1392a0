// Package nostr implements the read-only subset of the Nostr wire protocol
// this system speaks: REQ subscriptions, EVENT/EOSE/NOTICE/CLOSED frames,
// and kind 10002 relay-list events.
package nostr

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// KindRelayList is the NIP-65 relay list metadata kind.
const KindRelayList = 10002

// TagRelay marks a relay announcement inside a kind 10002 event.
const TagRelay = "r"

type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// ValidateEventSignature verifies the Schnorr signature for a Nostr event
func ValidateEventSignature(evt *Event) bool {
	if len(evt.Sig) != 128 || len(evt.PubKey) != 64 {
		return false
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return false
	}
	pubKeyBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return false
	}
	idBytes, err := hex.DecodeString(evt.ID)
	if err != nil {
		return false
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return false
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return false
	}

	return sig.Verify(idBytes, pubKey)
}

// RelayURLs returns the relay announcements in this event: every "r" tag
// whose value carries a ws:// or wss:// scheme. NIP-65 read/write markers
// are ignored; an announced relay counts either way.
func (e *Event) RelayURLs() []string {
	var urls []string
	for _, tag := range e.Tags {
		if len(tag) < 2 || tag[0] != TagRelay {
			continue
		}
		if !IsRelayURL(tag[1]) {
			continue
		}
		urls = append(urls, tag[1])
	}
	return urls
}

// IsRelayURL reports whether s looks like a relay address by scheme alone.
func IsRelayURL(s string) bool {
	return strings.HasPrefix(s, "ws://") || strings.HasPrefix(s, "wss://")
}

// ShortID truncates ID/pubkey to 12 chars for logging
func ShortID(id string) string {
	if len(id) >= 12 {
		return id[:12]
	}
	return id
}
