package httpcall

import (
	"fmt"
	"strconv"
	"strings"
)

// defaultRetryCodes is the built-in retry-eligible status set used when no
// custom range is configured. Any status >= 500 is retry-eligible as well.
var defaultRetryCodes = map[int]struct{}{
	408: {},
	423: {},
	429: {},
}

// ErrorCodeRange is an ordered list of HTTP status codes treated as
// retry-eligible. Order is preserved from the textual spec and duplicates are
// allowed.
type ErrorCodeRange []int

// ParseErrorCodeRange parses a textual status-code range spec such as
// "404", "401-404" or "401, 501-503". A token containing '-' is a two-ended
// inclusive range; a bare token is a single code.
func ParseErrorCodeRange(spec string) (ErrorCodeRange, error) {
	var result ErrorCodeRange
	if spec == "" {
		return result, nil
	}

	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if !strings.Contains(token, "-") {
			code, err := strconv.Atoi(token)
			if err != nil {
				return nil, NewConfigError(
					fmt.Sprintf("invalid code or range - %q in \"Error Codes for retry\" field", token), "errorCodes")
			}
			result = append(result, code)
			continue
		}

		ends := strings.Split(token, "-")
		if len(ends) != 2 {
			return nil, NewConfigError(
				fmt.Sprintf("invalid code or range - %q in \"Error Codes for retry\" field", token), "errorCodes")
		}
		start, err := strconv.Atoi(strings.TrimSpace(ends[0]))
		if err != nil {
			return nil, NewConfigError(
				fmt.Sprintf("invalid code %q in range - %q in \"Error Codes for retry\" field", ends[0], token), "errorCodes")
		}
		end, err := strconv.Atoi(strings.TrimSpace(ends[1]))
		if err != nil {
			return nil, NewConfigError(
				fmt.Sprintf("invalid code %q in range - %q in \"Error Codes for retry\" field", ends[1], token), "errorCodes")
		}
		if start > end {
			return nil, NewConfigError(
				fmt.Sprintf("invalid range - %q, first code should be less than second in \"Error Codes for retry\" field", token), "errorCodes")
		}
		for code := start; code <= end; code++ {
			result = append(result, code)
		}
	}

	return result, nil
}

// Contains reports whether code is in the range.
func (r ErrorCodeRange) Contains(code int) bool {
	for _, c := range r {
		if c == code {
			return true
		}
	}
	return false
}

// isRetryEligible reports whether a status code qualifies for the retry
// policy: the custom range when one is configured, otherwise the built-in set
// {408, 423, 429} plus any status >= 500.
func isRetryEligible(code int, custom ErrorCodeRange) bool {
	if code == 0 {
		return false
	}
	if custom != nil {
		return custom.Contains(code)
	}
	if _, ok := defaultRetryCodes[code]; ok {
		return true
	}
	return code >= 500
}
