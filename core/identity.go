package core

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"io"

	p2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
	bip39 "github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/hkdf"
)

// hkdfInfo pins the derivation domain. Changing it changes every wallet's
// IPNS name, so it is wire-frozen.
const hkdfInfo = "ipfs-storage-ed25519-v1"

// IpnsIdentity is the Ed25519 identity a wallet publishes under. Name is the
// canonical peer-id string of the public key and doubles as the IPNS name.
type IpnsIdentity struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	Name       string
}

// DeriveIdentity maps an opaque wallet secret onto a deterministic Ed25519
// identity: HKDF-SHA256 with no salt and the fixed info string, the 32-byte
// output used as the Ed25519 seed. The same secret yields the same peer id on
// every platform.
func DeriveIdentity(secret []byte) (*IpnsIdentity, error) {
	if len(secret) == 0 {
		return nil, Errf(KindInvalidInput, "empty wallet secret")
	}
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo)), seed); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)

	name, err := PeerIDForPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return &IpnsIdentity{PrivateKey: priv, PublicKey: pub, Name: name}, nil
}

// IdentityFromMnemonic derives an identity from a BIP-39 recovery phrase. The
// 64-byte BIP-39 seed feeds the same HKDF path as a raw secret.
func IdentityFromMnemonic(mnemonic, passphrase string) (*IpnsIdentity, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	return DeriveIdentity(bip39.NewSeed(mnemonic, passphrase))
}

// PeerIDForPublicKey returns the canonical peer-id string for a raw Ed25519
// public key.
func PeerIDForPublicKey(pub ed25519.PublicKey) (string, error) {
	pk, err := p2pcrypto.UnmarshalEd25519PublicKey(pub)
	if err != nil {
		return "", err
	}
	id, err := peer.IDFromPublicKey(pk)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
