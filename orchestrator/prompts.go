package orchestrator

import (
	"fmt"
	"strings"
)

const intentSystemPrompt = "Summarize the user's intent in one short sentence starting with 'User wants to...'. be very concise."

const planSystemPrompt = "You are a lead technical architect. Create a concise, numbered plan. Specify servers and tools for every step."

const serversMarker = "SERVERS:"

func buildPlanningPrompt(userMessage string, toolNames []string) string {
	return fmt.Sprintf(
		"User request: %s\n"+
			"Available tools: %s\n\n"+
			"Create a concise step-by-step technical plan to fulfill the request. "+
			"IMPORTANT: Explicitly specify which SERVER (e.g., 'mssql', 'filesystem') and which TOOL name to use for each step. "+
			"At the end of your plan, list the REQUIRED SERVERS in the format: 'SERVERS: [server1, server2]'.",
		userMessage, strings.Join(toolNames, ", "))
}

// parseRequiredServers extracts the servers a plan relies on. The parse is
// deliberately over-inclusive: the SERVERS line, plus any server or tool name
// mentioned verbatim anywhere in the plan. A plan naming no known server
// yields an empty result, which callers treat as "no filtering".
func parseRequiredServers(plan string, serverOrder []string, toolsByServer map[string][]string) []string {
	var required []string
	seen := make(map[string]bool)
	add := func(server string) {
		if server != "" && !seen[server] {
			seen[server] = true
			required = append(required, server)
		}
	}

	if idx := strings.Index(plan, serversMarker); idx != -1 {
		line := plan[idx+len(serversMarker):]
		if end := strings.IndexAny(line, "]\n"); end != -1 {
			line = line[:end]
		}
		line = strings.Trim(line, " []\r")
		for _, name := range strings.Split(line, ",") {
			name = strings.Trim(name, " '\"")
			// only names known to discovery count
			if _, ok := toolsByServer[name]; ok {
				add(name)
			}
		}
	}

	planLower := strings.ToLower(plan)
	for _, server := range serverOrder {
		if strings.Contains(planLower, strings.ToLower(server)) {
			add(server)
		}
	}
	for _, server := range serverOrder {
		for _, tool := range toolsByServer[server] {
			if strings.Contains(planLower, strings.ToLower(tool)) {
				add(server)
			}
		}
	}

	return required
}

// buildSystemPrompt assembles the single system message governing the turn:
// goal, plan, tool access map, per-server user context, and operational
// constraints.
func buildSystemPrompt(intent, plan string, required []string, serverOrder []string, toolsByServer map[string][]string, toolContexts map[string]string) string {
	var parts []string
	parts = append(parts, "## CURRENT GOAL\n"+intent)
	parts = append(parts, "## APPROVED TECHNICAL PLAN\n"+plan+
		"\nSTRICT REQUIREMENT: You MUST follow this plan exactly. Do NOT use tools outside of the servers listed in this plan.")

	servers := required
	if len(servers) == 0 {
		servers = serverOrder
	}
	var access strings.Builder
	access.WriteString("## TOOL ACCESS\nYou have access to the following tools:\n")
	for _, server := range servers {
		if tools, ok := toolsByServer[server]; ok {
			fmt.Fprintf(&access, "- %s: %s\n", server, strings.Join(tools, ", "))
		}
	}
	parts = append(parts, access.String())

	requiredSet := make(map[string]bool, len(required))
	for _, server := range required {
		requiredSet[server] = true
	}
	var ctxParts []string
	for _, server := range serverOrder {
		note := strings.TrimSpace(toolContexts[server])
		if note == "" {
			continue
		}
		if len(required) > 0 && !requiredSet[server] {
			continue
		}
		ctxParts = append(ctxParts, fmt.Sprintf("### %s Context\n%s", server, note))
	}
	if len(ctxParts) > 0 {
		parts = append(parts, "## ADDITIONAL TOOL CONTEXT\n"+strings.Join(ctxParts, "\n"))
	}

	parts = append(parts, "## OPERATIONAL CONSTRAINTS\n- If missing arguments, use 'ask_user'.\n- Read ALL chunks of large outputs silently.")
	parts = append(parts, "## DATA VISUALIZATION\nYou can use 'chart' code blocks for bar/line/pie charts (as JSON).")

	return strings.Join(parts, "\n\n")
}
