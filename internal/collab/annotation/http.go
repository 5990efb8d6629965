package annotation

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/amoylab/collab/internal/common/cnst"
)

// contentTreeSelector asks the repository for the whole page content tree
const contentTreeSelector = ".infinity.json"

// HTTPSource reads the page content tree as JSON from the content repository
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

var _ Source = (*HTTPSource)(nil)

// NewHTTPSource creates an HTTPSource for the repository at baseURL
func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimSuffix(baseURL, cnst.Slash),
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Summary implements Source.Summary
func (s *HTTPSource) Summary(ctx context.Context, page string) (Summary, error) {
	root := page + cnst.JCRContentSuffix
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+root+contentTreeSelector, nil)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to fetch content tree: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Summary{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Summary{}, fmt.Errorf("unexpected status %d fetching content tree", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to read content tree: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return Summary{}, fmt.Errorf("content tree of %s is not valid JSON", page)
	}
	return Walk(root, gjson.ParseBytes(body)), nil
}

// Walk counts the annotations below node, which is located at path.
// Every child node of an annotations container is one annotation and the
// container's parent is the annotated component.
func Walk(path string, node gjson.Result) Summary {
	components := make(map[string]struct{})
	count := walk(path, node, components)

	sum := Summary{Count: count, Components: make([]string, 0, len(components))}
	for c := range components {
		sum.Components = append(sum.Components, c)
	}
	sort.Strings(sum.Components)
	return sum
}

func walk(path string, node gjson.Result, components map[string]struct{}) int {
	count := 0
	node.ForEach(func(key, child gjson.Result) bool {
		if !child.IsObject() {
			return true
		}
		name := key.String()
		if name == cnst.Annotations {
			n := 0
			child.ForEach(func(_, annotation gjson.Result) bool {
				if annotation.IsObject() {
					n++
				}
				return true
			})
			if n > 0 {
				components[path] = struct{}{}
				count += n
			}
			return true
		}
		count += walk(path+cnst.Slash+name, child, components)
		return true
	})
	return count
}
