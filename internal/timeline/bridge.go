package timeline

import (
	"strings"

	"github.com/clocksmith/reploid/internal/bus"
	"github.com/clocksmith/reploid/pkg/protocol"
)

// bridgeModuleID owns the bridge's bus subscriptions.
const bridgeModuleID = "timeline-bridge"

// bridgedTopics is the set of bus topics mirrored into the timeline. Replay
// mirrors are excluded so a replay never re-records itself.
var bridgedTopics = []string{
	protocol.TopicVFSUpdated,
	protocol.TopicVFSDeleted,
	protocol.TopicCheckpointCreated,
	protocol.TopicCheckpointRestored,
	protocol.TopicSessionCreated,
	protocol.TopicSessionArchived,
	protocol.TopicSessionRewound,
	protocol.TopicToolStart,
	protocol.TopicToolProgress,
	protocol.TopicToolComplete,
	protocol.TopicToolError,
	protocol.TopicGoalSet,
	protocol.TopicContextReady,
	protocol.TopicProposalReady,
	protocol.TopicProposalApproved,
	protocol.TopicProposalRejected,
	protocol.TopicApplyDone,
	protocol.TopicLLMRequest,
	protocol.TopicLLMResponse,
	protocol.TopicLLMError,
	protocol.TopicInferRun,
	protocol.TopicValidationResult,
	protocol.TopicRuleInduced,
	protocol.TopicModuleLoaded,
	protocol.TopicModuleReloaded,
	protocol.TopicModuleReloadFail,
	protocol.TopicPeerJoined,
	protocol.TopicPeerLeft,
	protocol.TopicSwarmSynced,
}

// BridgeBus mirrors runtime bus topics into the timeline so every component's
// events land in one ordered log. Returns the module id for unsubscribing.
func BridgeBus(b *bus.Bus, tl *Timeline) string {
	for _, topic := range bridgedTopics {
		topic := topic
		b.On(topic, func(ev bus.Event) {
			sev := SeverityInfo
			if strings.HasSuffix(topic, ":error") || topic == protocol.TopicModuleReloadFail {
				sev = SeverityWarn
			}
			tl.Record(topic, ev.Payload, RecordOptions{Severity: sev})
		}, bridgeModuleID)
	}
	return bridgeModuleID
}
