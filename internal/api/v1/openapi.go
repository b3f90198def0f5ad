package apiv1

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// DocumentPath is where the API document lives relative to the project root.
const DocumentPath = "docs/api/openapi.yml"

// LoadDocument parses and validates the OpenAPI document at path.
func LoadDocument(ctx context.Context, path string) (*openapi3.T, error) {
	loader := openapi3.NewLoader()
	loader.Context = ctx
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if err := doc.Validate(ctx); err != nil {
		return nil, fmt.Errorf("validate %s: %w", path, err)
	}
	return doc, nil
}

// CheckRoutes reports operations that are documented but not routed, or
// routed but not documented, and operation ids that disagree.
func CheckRoutes(doc *openapi3.T, routes []Route) error {
	documented := map[string]string{}
	for path, item := range doc.Paths.Map() {
		for method, op := range item.Operations() {
			documented[strings.ToUpper(method)+" "+path] = op.OperationID
		}
	}

	var problems []string
	for _, r := range routes {
		key := r.Method + " " + r.Path
		opID, ok := documented[key]
		switch {
		case !ok:
			problems = append(problems, "undocumented route "+key)
		case opID != r.OperationID:
			problems = append(problems, fmt.Sprintf("%s: operationId %q, route says %q", key, opID, r.OperationID))
		}
		delete(documented, key)
	}
	for key := range documented {
		problems = append(problems, "unrouted operation "+key)
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return fmt.Errorf("openapi mismatch: %s", strings.Join(problems, "; "))
	}
	return nil
}
