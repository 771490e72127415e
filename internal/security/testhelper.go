package security

// NewTestTokenProvider returns a TokenProvider over a freshly generated P-256 key.
// Exported so service and handler tests in other packages can mint session tokens.
func NewTestTokenProvider() (*TokenProvider, error) {
	signer, pub, _, err := LoadSigningKeys("", "", true)
	if err != nil {
		return nil, err
	}
	return NewTokenProvider(signer, pub, "test-issuer", "test-audience"), nil
}
