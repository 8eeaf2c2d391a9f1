// Package telemetry provides OpenTelemetry initialization and semantic conventions for Escrowd.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Escrowd-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrOperation differentiates ledger operations (create, fulfill, cancel).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error code, etc.).
	AttrResult = attribute.Key("result")
	// AttrEventType annotates bus metrics with the notification classification.
	AttrEventType = attribute.Key("event.type")
	// AttrSellAsset labels order metrics with the escrowed asset identity.
	AttrSellAsset = attribute.Key("order.sell_asset")
	// AttrBuyAsset labels order metrics with the demanded asset identity.
	AttrBuyAsset = attribute.Key("order.buy_asset")
	// AttrOrderStatus captures the lifecycle state recorded (open, settled, cancelled).
	AttrOrderStatus = attribute.Key("order.status")
	// AttrErrorType categorizes failures by canonical error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
)

// OperationResultAttributes returns attributes for ledger operation metrics.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// OrderAttributes returns attributes for order lifecycle metrics.
func OrderAttributes(environment, sellAsset, buyAsset, status string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
	}
	if sellAsset != "" {
		attrs = append(attrs, AttrSellAsset.String(sellAsset))
	}
	if buyAsset != "" {
		attrs = append(attrs, AttrBuyAsset.String(buyAsset))
	}
	if status != "" {
		attrs = append(attrs, AttrOrderStatus.String(status))
	}
	return attrs
}

// EventAttributes returns attributes for notification bus metrics.
func EventAttributes(environment, eventType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEventType.String(eventType),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}
