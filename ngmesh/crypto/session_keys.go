package crypto

// SessionKeys are the two directional ciphers of an established session.
type SessionKeys struct {
	Send *AEAD
	Recv *AEAD
}

// NewSessionKeys runs the key agreement for one side of a handshake.
// local is this side's ephemeral keypair, remotePub the peer's ephemeral key.
func NewSessionKeys(local X25519KeyPair, remotePub [32]byte, isInitiator bool) (*SessionKeys, error) {
	shared, err := ECDH(local.PrivateKey, remotePub)
	if err != nil {
		return nil, err
	}
	defer zero(shared)

	initiatorPub, responderPub := local.PublicKey, remotePub
	if !isInitiator {
		initiatorPub, responderPub = remotePub, local.PublicKey
	}

	initiatorKey, responderKey, err := DeriveSessionKeys(shared, initiatorPub, responderPub)
	if err != nil {
		return nil, err
	}
	defer zero(initiatorKey)
	defer zero(responderKey)

	// Initiator sends with initiatorKey, receives with responderKey
	// Responder sends with responderKey, receives with initiatorKey
	sendKey, recvKey := initiatorKey, responderKey
	if !isInitiator {
		sendKey, recvKey = responderKey, initiatorKey
	}

	send, err := NewAEAD(sendKey)
	if err != nil {
		return nil, err
	}
	recv, err := NewAEAD(recvKey)
	if err != nil {
		return nil, err
	}
	return &SessionKeys{Send: send, Recv: recv}, nil
}

// Wipe erases both directions.
func (k *SessionKeys) Wipe() {
	if k == nil {
		return
	}
	if k.Send != nil {
		k.Send.Wipe()
	}
	if k.Recv != nil {
		k.Recv.Wipe()
	}
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
