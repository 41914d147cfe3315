package natsbus

import (
	"fmt"
	"strings"
)

// Topic patterns for NATS pub/sub communication.

func TopicAgentInput(agentID string) string {
	return fmt.Sprintf("agent.%s.input", agentID)
}

func TopicAgentEvents(agentID, event string) string {
	return fmt.Sprintf("agent.%s.events.%s", agentID, event)
}

func TopicEventsSwarm(eventType string) string {
	return fmt.Sprintf("events.swarm.%s", eventType)
}

func TopicEventsChannel(eventType string) string {
	return fmt.Sprintf("events.channel.%s", eventType)
}

func TopicEventsFleet(eventType string) string {
	return fmt.Sprintf("events.fleet.%s", eventType)
}

func TopicEventsProcess(eventType string) string {
	return fmt.Sprintf("events.process.%s", eventType)
}

func TopicEventsDiscovery(eventType string) string {
	return fmt.Sprintf("events.discovery.%s", eventType)
}

const TopicEventsAll = "events.>"

// TopicAgentChannelStatusAll matches the channel status reports of every
// agent.
const TopicAgentChannelStatusAll = "agent.*.events.channel_status"

// AgentIDFromTopic returns the id segment of an agent.<id>.* subject.
func AgentIDFromTopic(topic string) (string, bool) {
	parts := strings.SplitN(topic, ".", 3)
	if len(parts) < 3 || parts[0] != "agent" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
