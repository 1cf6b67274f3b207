package domain

// Platform limits. Configurable knobs default to these values; hard caps are
// enforced regardless of configuration.
const (
	// MaxCodeSizeBytes is the hard cap on submitted code (1 MiB).
	MaxCodeSizeBytes = 1 << 20
	// MaxTimeoutSeconds bounds the evaluation deadline.
	MaxTimeoutSeconds = 600
	// DefaultTimeoutSeconds applies when the request omits a timeout.
	DefaultTimeoutSeconds = 30
	// BlobThresholdBytes is the inline-output ceiling; larger outputs are
	// offloaded to the blob backend.
	BlobThresholdBytes = 1 << 20
	// PreviewBytes caps the inline output preview.
	PreviewBytes = 1024
	// MaxListLimit caps page sizes on list endpoints.
	MaxListLimit = 500
	// MaxCPUMillis and MaxMemoryMiB bound requested resources.
	MaxCPUMillis = 4000
	MaxMemoryMiB = 8192
	// RetryMaxAttempts bounds queue redelivery before the DLQ.
	RetryMaxAttempts = 3
)
