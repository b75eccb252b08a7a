// Package telemetry provides OpenTelemetry initialization and semantic conventions for gestion360.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for gestion360 telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrCategory labels quota metrics with the counter category (WHATSAPP, ...).
	AttrCategory = attribute.Key("quota.category")
	// AttrOperation differentiates specific operations (decrement, increment, publish, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrTopic identifies the event bus topic.
	AttrTopic = attribute.Key("event.topic")
	// AttrFrameKind identifies the observer frame kind written to a channel.
	AttrFrameKind = attribute.Key("frame.kind")
	// AttrTransport distinguishes observer transports (sse, websocket).
	AttrTransport = attribute.Key("transport")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
	// AttrMessageType differentiates provider message classes (text, image, ...).
	AttrMessageType = attribute.Key("message.type")
	// AttrStatus communicates an HTTP or delivery status.
	AttrStatus = attribute.Key("status")
)

// Result values shared by counters.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// QuotaAttributes returns attributes for quota operation metrics.
func QuotaAttributes(environment, category, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrCategory.String(category),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// TopicAttributes returns attributes for event bus metrics.
func TopicAttributes(environment, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
	}
}

// DeliveryAttributes returns attributes for observer frame delivery metrics.
func DeliveryAttributes(environment, kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrFrameKind.String(kind),
		AttrResult.String(result),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}
