package workflow

import (
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

const maxReportWeek = 52

const weeklyReportSchemaJSON = `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string", "minLength": 1, "maxLength": 10000},
		"hours": {"type": "number", "minimum": 0, "maximum": 168},
		"tasks": {"type": "array", "items": {"type": "string"}},
		"challenges": {"type": "string", "maxLength": 10000}
	}
}`

const evaluationSchemaJSON = `{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score": {"type": "integer", "minimum": 0, "maximum": 100},
		"comments": {"type": "string", "maxLength": 10000}
	}
}`

var (
	weeklyReportSchema = mustSchema(weeklyReportSchemaJSON)
	evaluationSchema   = mustSchema(evaluationSchemaJSON)
)

func mustSchema(source string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		panic(fmt.Sprintf("compile schema: %v", err))
	}
	return schema
}

// ValidateWeeklyReport checks report content against the weekly report schema.
func ValidateWeeklyReport(content json.RawMessage) error {
	if len(content) == 0 {
		return validation("weekly report content is required", nil)
	}
	return check(weeklyReportSchema, gojsonschema.NewBytesLoader(content), "weekly report")
}

func ValidateEvaluation(score int, comments string) error {
	document := map[string]any{"score": score, "comments": comments}
	return check(evaluationSchema, gojsonschema.NewGoLoader(document), "evaluation")
}

func check(schema *gojsonschema.Schema, document gojsonschema.JSONLoader, subject string) error {
	result, err := schema.Validate(document)
	if err != nil {
		return validation(fmt.Sprintf("%s is not valid JSON", subject), map[string]any{"error": err.Error()})
	}
	if result.Valid() {
		return nil
	}
	fields := make(map[string]any, len(result.Errors()))
	for _, desc := range result.Errors() {
		fields[desc.Field()] = desc.Description()
	}
	return validation(fmt.Sprintf("%s failed validation", subject), map[string]any{"fields": fields})
}
