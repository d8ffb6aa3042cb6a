package metricskey

import "github.com/effective-security/metrics"

// Stats
var (
	StatsLLMMessagesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_messages_sent",
		Help:         "stats_llm_messages_sent provides total messages sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMBytesSent = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_bytes_sent",
		Help:         "stats_llm_bytes_sent provides total bytes sent to LLM",
		RequiredTags: []string{"model"},
	}

	StatsLLMBytesReceived = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_llm_bytes_received",
		Help:         "stats_llm_bytes_received provides total bytes received from LLM",
		RequiredTags: []string{"model"},
	}

	StatsToolCallsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_succeeded",
		Help:         "stats_tool_calls_succeeded provides total tool calls succeeded",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_failed",
		Help:         "stats_tool_calls_failed provides total tool calls failed",
		RequiredTags: []string{"tool"},
	}

	StatsToolCallsNotFound = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_tool_calls_not_found",
		Help:         "stats_tool_calls_not_found provides total tool calls not found",
		RequiredTags: []string{"tool"},
	}

	StatsSessionsLaunched = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_sessions_launched",
		Help:         "stats_sessions_launched provides total tool server sessions launched",
		RequiredTags: []string{"server", "kind"},
	}

	StatsSessionLaunchesFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_session_launches_failed",
		Help:         "stats_session_launches_failed provides total tool server session launch failures",
		RequiredTags: []string{"server", "kind"},
	}

	StatsDiscoveryErrors = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_discovery_errors",
		Help:         "stats_discovery_errors provides total tool discovery errors",
		RequiredTags: []string{"server"},
	}

	StatsOutputsIntercepted = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_outputs_intercepted",
		Help:         "stats_outputs_intercepted provides total oversized tool outputs intercepted",
		RequiredTags: []string{},
	}

	StatsTurnsSucceeded = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_turns_succeeded",
		Help:         "stats_turns_succeeded provides total conversation turns completed",
		RequiredTags: []string{"outcome"},
	}

	StatsTurnsFailed = metrics.Describe{
		Type:         metrics.TypeCounter,
		Name:         "stats_turns_failed",
		Help:         "stats_turns_failed provides total conversation turns failed",
		RequiredTags: []string{},
	}
)

// Perf
var (
	PerfTurn = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_turn",
		Help:         "perf_turn provides duration of one conversation turn",
		RequiredTags: []string{"user"},
	}

	PerfToolCall = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_tool_call",
		Help:         "perf_tool_call provides duration of tool call",
		RequiredTags: []string{"tool"},
	}

	PerfSessionLaunch = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_session_launch",
		Help:         "perf_session_launch provides duration of tool server session launch",
		RequiredTags: []string{"server"},
	}
)

// Metrics returns slice of metrics from this repo
// keep sorted by name
var Metrics = []*metrics.Describe{
	&PerfSessionLaunch,
	&PerfToolCall,
	&PerfTurn,
	&StatsDiscoveryErrors,
	&StatsLLMBytesReceived,
	&StatsLLMBytesSent,
	&StatsLLMMessagesSent,
	&StatsOutputsIntercepted,
	&StatsSessionLaunchesFailed,
	&StatsSessionsLaunched,
	&StatsToolCallsFailed,
	&StatsToolCallsNotFound,
	&StatsToolCallsSucceeded,
	&StatsTurnsFailed,
	&StatsTurnsSucceeded,
}
