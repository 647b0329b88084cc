package plugin

// Type represents the functional category of a plugin.
type Type string

const (
	// TypeIntakeFeed plugins push newly acquired assets into the intake stage.
	TypeIntakeFeed Type = "intake_feed"
	// TypeAuditSink plugins receive pipeline events for external bookkeeping.
	TypeAuditSink Type = "audit_sink"
)

// Capability expresses optional features a plugin may request access to.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info contains descriptive metadata for a plugin implementation.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State represents the lifecycle position of a plugin instance.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
