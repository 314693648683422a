package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/samber/oops"
	"go.uber.org/zap"
)

var (
	ErrIdentityNotFound = errors.New("identity: no stored identity")
	ErrIdentityCorrupt  = errors.New("identity: stored identity is corrupt")
)

// Identity is the local device: its keypair and the id/address derived from it.
type Identity struct {
	KeyPair KeyPair
	ID      DeviceID
}

func New(kp KeyPair) Identity {
	return Identity{KeyPair: kp, ID: kp.DeviceID()}
}

func Generate() (Identity, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return Identity{}, err
	}
	return New(kp), nil
}

func (i Identity) Addr() netip.Addr { return i.ID.Addr() }

// Persister stores the serialized identity. Implementations live outside the
// core (file under the configuration directory, secure storage, ...).
// ReadIdentity returns ErrIdentityNotFound when nothing is stored yet.
type Persister interface {
	ReadIdentity() ([]byte, error)
	WriteIdentity([]byte) error
}

// Marshal encodes the identity as "<address> <public hex> <private hex>\n".
func (i Identity) Marshal() []byte {
	return []byte(fmt.Sprintf("%s %s %s\n",
		i.ID, hex.EncodeToString(i.KeyPair.PublicKey), hex.EncodeToString(i.KeyPair.PrivateKey)))
}

func Unmarshal(data []byte) (Identity, error) {
	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return Identity{}, ErrIdentityCorrupt
	}
	pub, err := hex.DecodeString(fields[1])
	if err != nil {
		return Identity{}, ErrIdentityCorrupt
	}
	priv, err := hex.DecodeString(fields[2])
	if err != nil {
		return Identity{}, ErrIdentityCorrupt
	}
	kp, err := NewKeyPair(pub, priv)
	if err != nil {
		return Identity{}, ErrIdentityCorrupt
	}
	id := New(kp)
	if id.ID.String() != fields[0] {
		return Identity{}, ErrIdentityCorrupt
	}
	return id, nil
}

// LoadOrCreate returns the stored identity. A missing or corrupt identity is
// replaced by a freshly generated one, which is persisted before returning.
func LoadOrCreate(p Persister, logger *zap.Logger) (Identity, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	data, err := p.ReadIdentity()
	switch {
	case err == nil:
		id, perr := Unmarshal(data)
		if perr == nil {
			return id, nil
		}
		logger.Warn("stored identity is corrupt, generating a new one", zap.Error(perr))
	case errors.Is(err, ErrIdentityNotFound):
		logger.Info("no identity found, generating a new one")
	default:
		return Identity{}, oops.Wrapf(err, "read identity")
	}

	id, err := Generate()
	if err != nil {
		return Identity{}, oops.Wrapf(err, "generate identity")
	}
	if err := p.WriteIdentity(id.Marshal()); err != nil {
		return Identity{}, oops.Wrapf(err, "persist identity")
	}
	logger.Info("identity created", zap.Stringer("address", id.ID))
	return id, nil
}

// MemoryPersister keeps the identity in memory.
type MemoryPersister struct {
	Data []byte
}

func (m *MemoryPersister) ReadIdentity() ([]byte, error) {
	if m.Data == nil {
		return nil, ErrIdentityNotFound
	}
	return append([]byte(nil), m.Data...), nil
}

func (m *MemoryPersister) WriteIdentity(b []byte) error {
	m.Data = append([]byte(nil), b...)
	return nil
}
