package protocol

// Event topics published on the runtime bus. Topics use dot-less colon
// namespaces; the replay engine mirrors any of these under "replay:".

// VFS events.
const (
	TopicVFSUpdated = "vfs:updated"
	TopicVFSDeleted = "vfs:deleted"
)

// State and checkpoint events.
const (
	TopicStateSaved          = "state:saved"
	TopicCheckpointCreated   = "checkpoint:created"
	TopicCheckpointRestored  = "checkpoint:restored"
	TopicSessionCreated      = "session:created"
	TopicSessionArchived     = "session:archived"
	TopicSessionRewound      = "session:rewound"
)

// Tool dispatch events.
const (
	TopicToolStart    = "tool:start"
	TopicToolProgress = "tool:progress"
	TopicToolComplete = "tool:complete"
	TopicToolError    = "tool:error"
)

// Agent cycle events.
const (
	TopicGoalSet          = "goal:set"
	TopicCycleStart       = "agent:cycle-start"
	TopicCycleEnd         = "agent:cycle-end"
	TopicCycleState       = "agent:state"
	TopicContextReady     = "context:ready"
	TopicProposalReady    = "proposal:ready"
	TopicProposalApproved = "proposal:approved"
	TopicProposalRejected = "proposal:rejected"
	TopicApplyDone        = "apply:done"
	TopicCycleFatal       = "agent:fatal"
)

// Inference gateway events.
const (
	TopicLLMRequest  = "llm:request"
	TopicLLMResponse = "llm:response"
	TopicLLMChunk    = "llm:chunk"
	TopicLLMError    = "llm:error"
)

// Knowledge and rule engine events.
const (
	TopicInferRun         = "cognition:symbolic:infer"
	TopicValidationResult = "cognition:symbolic:validate"
	TopicRuleInduced      = "cognition:rule:induced"
)

// Substrate events.
const (
	TopicModuleLoaded     = "substrate:loaded"
	TopicModuleReloaded   = "substrate:reloaded"
	TopicModuleReloadFail = "substrate:reload-failed"
)

// Swarm events.
const (
	TopicPeerJoined    = "swarm:peer-joined"
	TopicPeerLeft      = "swarm:peer-left"
	TopicSwarmMessage  = "swarm:message"
	TopicSwarmSynced   = "swarm:synced"
)

// Telemetry events.
const (
	TopicTelemetryDropped = "telemetry:dropped"
)

// Replay events.
const (
	ReplayPrefix         = "replay:"
	TopicReplayStarted   = "replay:started"
	TopicReplayCompleted = "replay:completed"
)
