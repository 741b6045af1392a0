// Package nip19 converts between hex pubkeys and their bech32 npub form
// so lookup targets can be given either way.
package nip19

import (
	"encoding/hex"
	"errors"
	"strings"
)

const npubHRP = "npub"

// EncodePubkey encodes a 32-byte hex pubkey to npub form.
func EncodePubkey(hexPubkey string) (string, error) {
	pubkeyBytes, err := hex.DecodeString(hexPubkey)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid pubkey length")
	}

	data, err := convertBits(pubkeyBytes, 8, 5, true)
	if err != nil {
		return "", err
	}

	return bech32Encode(npubHRP, data), nil
}

// DecodePubkey decodes an npub1... string back to the 64-char hex pubkey.
func DecodePubkey(npub string) (string, error) {
	if !strings.HasPrefix(npub, npubHRP+"1") {
		return "", errors.New("not an npub")
	}

	hrp, data, err := bech32Decode(npub)
	if err != nil {
		return "", err
	}
	if hrp != npubHRP {
		return "", errors.New("invalid hrp for npub")
	}

	pubkeyBytes, err := convertBits(data, 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(pubkeyBytes) != 32 {
		return "", errors.New("invalid npub length")
	}

	return hex.EncodeToString(pubkeyBytes), nil
}

// IsNpub reports whether s is shaped like an npub identifier.
func IsNpub(s string) bool {
	return strings.HasPrefix(s, npubHRP+"1")
}

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func bech32Encode(hrp string, data []byte) string {
	values := append([]byte{}, data...)
	combined := append(values, bech32CreateChecksum(hrp, values)...)

	var result strings.Builder
	result.WriteString(hrp)
	result.WriteByte('1')
	for _, v := range combined {
		result.WriteByte(bech32Charset[v])
	}
	return result.String()
}

func bech32Decode(bech string) (string, []byte, error) {
	if len(bech) < 8 {
		return "", nil, errors.New("too short")
	}
	if strings.ToLower(bech) != bech {
		return "", nil, errors.New("mixed case")
	}

	pos := strings.LastIndex(bech, "1")
	if pos < 1 || pos+7 > len(bech) {
		return "", nil, errors.New("invalid separator position")
	}

	hrp := bech[:pos]
	var values []byte
	for _, c := range bech[pos+1:] {
		idx := strings.IndexRune(bech32Charset, c)
		if idx == -1 {
			return "", nil, errors.New("invalid character")
		}
		values = append(values, byte(idx))
	}

	if !bech32VerifyChecksum(hrp, values) {
		return "", nil, errors.New("invalid checksum")
	}

	return hrp, values[:len(values)-6], nil
}

func bech32Polymod(values []int) int {
	gen := []int{0x3b6a57b2, 0x26508e6d, 0x1ea119fa, 0x3d4233dd, 0x2a1462b3}
	chk := 1
	for _, v := range values {
		top := chk >> 25
		chk = (chk&0x1ffffff)<<5 ^ v
		for i := 0; i < 5; i++ {
			if (top>>i)&1 != 0 {
				chk ^= gen[i]
			}
		}
	}
	return chk
}

func bech32HrpExpand(hrp string) []int {
	var ret []int
	for _, c := range hrp {
		ret = append(ret, int(c>>5))
	}
	ret = append(ret, 0)
	for _, c := range hrp {
		ret = append(ret, int(c&31))
	}
	return ret
}

func bech32CreateChecksum(hrp string, data []byte) []byte {
	values := bech32HrpExpand(hrp)
	for _, d := range data {
		values = append(values, int(d))
	}
	for i := 0; i < 6; i++ {
		values = append(values, 0)
	}
	polymod := bech32Polymod(values) ^ 1
	var checksum []byte
	for i := 0; i < 6; i++ {
		checksum = append(checksum, byte((polymod>>(5*(5-i)))&31))
	}
	return checksum
}

func bech32VerifyChecksum(hrp string, values []byte) bool {
	if len(values) < 6 {
		return false
	}
	ints := bech32HrpExpand(hrp)
	for _, v := range values {
		ints = append(ints, int(v))
	}
	return bech32Polymod(ints) == 1
}

func convertBits(data []byte, fromBits, toBits int, pad bool) ([]byte, error) {
	acc := 0
	bits := 0
	var ret []byte
	maxv := (1 << toBits) - 1

	for _, value := range data {
		if int(value)>>fromBits != 0 {
			return nil, errors.New("invalid data range")
		}
		acc = (acc << fromBits) | int(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			ret = append(ret, byte((acc>>bits)&maxv))
		}
	}

	if pad {
		if bits > 0 {
			ret = append(ret, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || ((acc<<(toBits-bits))&maxv) != 0 {
		return nil, errors.New("invalid padding")
	}

	return ret, nil
}
