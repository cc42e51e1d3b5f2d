package keys

import (
	"github.com/pkg/errors"
	"github.com/rigado/mesh"
	"github.com/rigado/mesh/security"
)

// ApplicationKey is one AppKey with its derived identifier.
type ApplicationKey struct {
	Key []byte
	AID byte
}

// DeriveApplicationKey runs k4 over an AppKey.
func DeriveApplicationKey(appKey []byte) (*ApplicationKey, error) {
	if len(appKey) != security.KeySize {
		return nil, errors.Errorf("appkey length %d", len(appKey))
	}
	aid, err := security.K4(appKey)
	if err != nil {
		return nil, err
	}
	return &ApplicationKey{Key: append([]byte{}, appKey...), AID: aid}, nil
}

// AppKey is bound to exactly one NetKey.
type AppKey struct {
	Index       mesh.KeyIndex
	NetKeyIndex mesh.KeyIndex

	Current *ApplicationKey
	Old     *ApplicationKey
}

func (k *AppKey) clone() *AppKey {
	c := *k
	return &c
}

// Candidates returns every material whose AID matches.
func (k *AppKey) Candidates(aid byte) []*ApplicationKey {
	var out []*ApplicationKey
	if k.Current.AID == aid {
		out = append(out, k.Current)
	}
	if k.Old != nil && k.Old.AID == aid {
		out = append(out, k.Old)
	}
	return out
}
