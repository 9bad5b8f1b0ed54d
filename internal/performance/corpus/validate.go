package corpus

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// maxReportedPayloads bounds how many offending indexes an error lists.
const maxReportedPayloads = 10

// SchemaValidator checks a single document.
type SchemaValidator interface {
	Validate(doc []byte) error
}

// InvalidPayloadsError lists payloads that failed pre-flight validation.
type InvalidPayloadsError struct {
	Indexes []int // first offending indexes, at most maxReportedPayloads
	Total   int   // total number of offending payloads
	First   error // reason for the first failure
}

func (e *InvalidPayloadsError) Error() string {
	idx := make([]string, len(e.Indexes))
	for i, n := range e.Indexes {
		idx[i] = fmt.Sprintf("%d", n)
	}
	more := ""
	if e.Total > len(e.Indexes) {
		more = fmt.Sprintf(" (and %d more)", e.Total-len(e.Indexes))
	}
	return fmt.Sprintf("%d invalid payload(s) at index %s%s: %v", e.Total, strings.Join(idx, ", "), more, e.First)
}

func (e *InvalidPayloadsError) Unwrap() error {
	return e.First
}

// Validate checks that every payload is well-formed JSON and, when schema is
// non-nil, that it conforms to the schema.
func Validate(c *Corpus, schema SchemaValidator) error {
	var verr *InvalidPayloadsError

	for i := 0; i < c.Len(); i++ {
		body := c.payloads[i]

		var err error
		if !gjson.ValidBytes(body) {
			err = fmt.Errorf("payload %d is not valid JSON", i)
		} else if schema != nil {
			if serr := schema.Validate(body); serr != nil {
				err = fmt.Errorf("payload %d does not match schema: %w", i, serr)
			}
		}
		if err == nil {
			continue
		}

		if verr == nil {
			verr = &InvalidPayloadsError{First: err}
		}
		verr.Total++
		if len(verr.Indexes) < maxReportedPayloads {
			verr.Indexes = append(verr.Indexes, i)
		}
	}

	if verr != nil {
		return verr
	}
	return nil
}
