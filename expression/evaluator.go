// Package expression evaluates dynamic configuration expressions against the
// message currently being processed. Request URLs, header values and body
// fields are all declared as expressions so one step configuration can serve
// many messages.
//
// Two expression forms are supported:
//   - a double-quoted string is a literal, e.g. `"https://api.example.org/v1"`
//   - anything else is a path into the message body, e.g. `order.items.0.sku`
//
// Path syntax follows gjson (https://github.com/tidwall/gjson).
package expression

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Evaluator resolves an expression against a message body to a concrete value.
type Evaluator interface {
	Evaluate(expression string, message map[string]any) (any, error)
}

// GJSONEvaluator evaluates path expressions with gjson and passes quoted
// literals through unchanged.
type GJSONEvaluator struct{}

// NewGJSONEvaluator creates an evaluator backed by gjson path lookups.
func NewGJSONEvaluator() *GJSONEvaluator {
	return &GJSONEvaluator{}
}

// Evaluate resolves expression against message. Quoted expressions are
// unquoted and returned as literal strings. Path expressions that do not
// match anything in the message resolve to nil.
func (e *GJSONEvaluator) Evaluate(expression string, message map[string]any) (any, error) {
	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, nil
	}

	if strings.HasPrefix(expression, `"`) {
		literal, err := strconv.Unquote(expression)
		if err != nil {
			return nil, fmt.Errorf("malformed string literal %s: %w", expression, err)
		}
		return literal, nil
	}

	// Bare JSON scalars and composites are literals too (numbers, booleans,
	// inline objects/arrays). An expression that merely looks like one but
	// does not parse, such as `0.sku`, is resolved as a path instead.
	if isJSONLiteral(expression) {
		var v any
		if err := json.Unmarshal([]byte(expression), &v); err == nil {
			return v, nil
		}
	}

	doc, err := json.Marshal(message)
	if err != nil {
		return nil, fmt.Errorf("message is not serializable: %w", err)
	}

	result := gjson.GetBytes(doc, expression)
	if !result.Exists() {
		return nil, nil
	}
	return result.Value(), nil
}

func isJSONLiteral(expression string) bool {
	switch expression[0] {
	case '{', '[', '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		return true
	}
	switch expression {
	case "true", "false", "null":
		return true
	}
	return false
}
