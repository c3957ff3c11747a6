package engine

import "github.com/coldvault/vault/crypto"

// Operation names a mutating call for the SecurityGate hook. The gate is an
// external collaborator (root/emulator detection, debugger checks) the
// engine itself never implements.
type Operation string

const (
	OpCreate           Operation = "create"
	OpOpen             Operation = "open"
	OpClose            Operation = "close"
	OpImport           Operation = "import"
	OpStreamingStart   Operation = "streaming_start"
	OpStreamingWrite   Operation = "streaming_write_chunk"
	OpStreamingFinish  Operation = "streaming_finish"
	OpStreamingAbort   Operation = "streaming_abort"
	OpDelete           Operation = "delete"
	OpRename           Operation = "rename"
	OpChangePassphrase Operation = "change_passphrase"
	OpCompact          Operation = "compact"
	OpCopy             Operation = "copy"
)

// ChunkSize is one of the two format-defined streaming chunk widths.
type ChunkSize uint32

const (
	ChunkSizeLegacy1MiB ChunkSize = 1 << 20
	ChunkSizeDefault4MiB ChunkSize = 4 << 20
)

// Config holds the engine's tunables. Zero-value Config is invalid; use
// DefaultConfig and override as needed.
type Config struct {
	KDFProfile            crypto.Profile
	ChunkSize             ChunkSize
	MaxPendingImportAgeMS int64
	MaxEntriesPerVault    int

	// SecurityGate is consulted before every mutating operation. A nil gate
	// allows everything. Returning a non-nil error refuses the call with
	// KindSecurityGate.
	SecurityGate func(Operation) error
}

// DefaultConfig matches the reference values from the container format.
func DefaultConfig() Config {
	return Config{
		KDFProfile:            crypto.ProfileMedium,
		ChunkSize:             ChunkSizeDefault4MiB,
		MaxPendingImportAgeMS: 24 * 60 * 60 * 1000,
		MaxEntriesPerVault:    100_000,
	}
}

func (c Config) checkGate(op Operation) error {
	if c.SecurityGate == nil {
		return nil
	}
	if err := c.SecurityGate(op); err != nil {
		return newErr(KindSecurityGate, err)
	}
	return nil
}
