package models

const redactedPlaceholder = "<redacted>"

// Secret is a string whose value must never appear in logs, error messages,
// or serialized diagnostics. Every default conversion yields a placeholder;
// Plaintext is the only way to read the value back out.
type Secret string

func (s Secret) String() string {
	return redactedPlaceholder
}

func (s Secret) GoString() string {
	return redactedPlaceholder
}

// MarshalText keeps encoders (encoding/json included) from writing the value.
func (s Secret) MarshalText() ([]byte, error) {
	return []byte(redactedPlaceholder), nil
}

// Plaintext returns the underlying value for use in directory binds.
func (s Secret) Plaintext() string {
	return string(s)
}
