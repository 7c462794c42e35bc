package wire

import "github.com/cuemby/warren/pkg/security"

// sealPayload encrypts data under sessionKey with AES-256-GCM via
// security.SecretsManager when encrypt is true, otherwise returns data
// unchanged. Frame integrity for session-bound frames still comes from
// the HMAC trailer, which always covers whatever sealPayload returns.
func sealPayload(data, sessionKey []byte, encrypt bool) ([]byte, error) {
	if !encrypt || len(sessionKey) == 0 {
		return data, nil
	}
	sm, err := security.NewSecretsManager(sessionKey)
	if err != nil {
		return nil, err
	}
	return sm.EncryptSecret(data)
}

// openPayload reverses sealPayload.
func openPayload(data, sessionKey []byte, encrypt bool) ([]byte, error) {
	if !encrypt || len(sessionKey) == 0 {
		return data, nil
	}
	sm, err := security.NewSecretsManager(sessionKey)
	if err != nil {
		return nil, err
	}
	return sm.DecryptSecret(data)
}
