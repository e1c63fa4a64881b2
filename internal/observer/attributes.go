package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for sandbox, materialization and grading spans and metrics.
var (
	AttrScriptKind    = attribute.Key("script.kind")
	AttrVariantIndex  = attribute.Key("variant.index")
	AttrVariantCount  = attribute.Key("variant.count")
	AttrFailureReason = attribute.Key("sandbox.failure_reason")
	AttrOutputFields  = attribute.Key("sandbox.output_fields")

	AttrToleranceType = attribute.Key("grading.tolerance_type")
	AttrCorrectCount  = attribute.Key("grading.correct_count")
	AttrTotalCount    = attribute.Key("grading.total_count")
	AttrScore         = attribute.Key("grading.score")

	AttrStatus = attribute.Key("status")
)
