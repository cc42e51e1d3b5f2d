package provisioning

import (
	"bytes"

	"github.com/rigado/mesh/security"
)

// confirmation inputs: Invite || Capabilities || Start || PKprov || PKdev
type inputs struct {
	invite       []byte
	capabilities []byte
	start        []byte
	provisioner  []byte
	device       []byte
}

func (in inputs) bytes() []byte {
	return bytes.Join([][]byte{in.invite, in.capabilities, in.start, in.provisioner, in.device}, nil)
}

type sessionKeys struct {
	confirmationSalt []byte
	confirmationKey  []byte
}

func confirmationKeys(in inputs, secret []byte) (*sessionKeys, error) {
	salt := security.S1(in.bytes())
	key, err := security.K1(secret, salt, []byte(labelConfirmationKey))
	if err != nil {
		return nil, err
	}
	return &sessionKeys{confirmationSalt: salt, confirmationKey: key}, nil
}

// confirmation = AES-CMAC(ConfirmationKey, Random || AuthValue)
func confirmation(k *sessionKeys, random, authValue []byte) ([]byte, error) {
	return security.AESCMAC(k.confirmationKey, append(append([]byte{}, random...), authValue...))
}

type dataKeys struct {
	sessionKey   []byte
	sessionNonce []byte
	deviceKey    []byte
}

func deriveDataKeys(k *sessionKeys, secret, provRandom, devRandom []byte) (*dataKeys, error) {
	salt := security.S1(bytes.Join([][]byte{k.confirmationSalt, provRandom, devRandom}, nil))

	sk, err := security.K1(secret, salt, []byte(labelSessionKey))
	if err != nil {
		return nil, err
	}
	sn, err := security.K1(secret, salt, []byte(labelSessionNonce))
	if err != nil {
		return nil, err
	}
	dk, err := security.K1(secret, salt, []byte(labelDeviceKey))
	if err != nil {
		return nil, err
	}
	return &dataKeys{sessionKey: sk, sessionNonce: sn[len(sn)-security.NonceSize:], deviceKey: dk}, nil
}

func (d *dataKeys) seal(data Data) ([]byte, error) {
	return security.Encrypt(d.sessionKey, d.sessionNonce, data.encode(), nil, sizeDataMIC)
}

func (d *dataKeys) open(b []byte) (Data, error) {
	plain, err := security.Decrypt(d.sessionKey, d.sessionNonce, b, nil, sizeDataMIC)
	if err != nil {
		return Data{}, err
	}
	return decodeData(plain)
}
