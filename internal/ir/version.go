package ir

// Version constants for report schema and engine.
const (
	// ReportVersion is the verification report schema version.
	ReportVersion = "1"

	// EngineVersion is the fanout engine version.
	EngineVersion = "0.1.0"
)
