package wireguard

import (
	"wgpanel/internal/provision"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// Generator выдаёт свежую пару Curve25519-ключей и preshared key.
type Generator struct{}

func (Generator) GenerateIdentity() (provision.Identity, error) {
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		return provision.Identity{}, err
	}
	psk, err := wgtypes.GenerateKey()
	if err != nil {
		return provision.Identity{}, err
	}
	return provision.Identity{
		PrivateKey:   priv.String(),
		PublicKey:    priv.PublicKey().String(),
		PresharedKey: psk.String(),
	}, nil
}
