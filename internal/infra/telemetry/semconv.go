// Package telemetry configures the OpenTelemetry metric provider and holds
// the attribute conventions shared by every tickvault instrument.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys follow OpenTelemetry naming: namespace.attribute_name.
const (
	// AttrEventType labels metrics with the market event class (trade, bbo-quote, ...).
	AttrEventType = attribute.Key("event.type")
	// AttrProvider identifies the upstream market-data provider.
	AttrProvider = attribute.Key("provider")
	// AttrSymbol captures the instrument symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrChannel labels subscription metrics with the stream class (trades, depth, option-trades).
	AttrChannel = attribute.Key("channel")
	// AttrTaskType labels job metrics with the maintenance task type.
	AttrTaskType = attribute.Key("task.type")
	// AttrPriority labels job metrics with the execution priority.
	AttrPriority = attribute.Key("priority")
	// AttrStatus records the terminal status of an execution or operation.
	AttrStatus = attribute.Key("status")
	// AttrReason provides free-form context on drops and rejections.
	AttrReason = attribute.Key("reason")
	// AttrTier labels archive metrics with the storage tier (hot, cold).
	AttrTier = attribute.Key("tier")
	// AttrEnvironment specifies the deployment environment for every metric.
	AttrEnvironment = attribute.Key("environment")
)

// EventAttributes returns the common label set for event-flow metrics.
func EventAttributes(provider, eventType, symbol string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrProvider.String(provider),
		AttrEventType.String(eventType),
		AttrSymbol.String(symbol),
	}
}

// SubscriptionAttributes returns the label set for subscription metrics.
func SubscriptionAttributes(symbol, channel string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSymbol.String(symbol),
		AttrChannel.String(channel),
	}
}

// JobAttributes returns the label set for execution-engine metrics.
func JobAttributes(taskType, priority, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrTaskType.String(taskType),
		AttrPriority.String(priority),
	}
	if status != "" {
		attrs = append(attrs, AttrStatus.String(status))
	}
	return attrs
}
