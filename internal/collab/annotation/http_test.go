package annotation

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/amoylab/collab/internal/common/config"
)

const contentTree = `{
  "jcr:primaryType": "cq:PageContent",
  "jcr:title": "Page",
  "par": {
    "jcr:primaryType": "nt:unstructured",
    "text": {
      "text": "<p>hello</p>",
      "cq:annotations": {
        "jcr:primaryType": "nt:unstructured",
        "note1": {"text": "fix wording"},
        "note2": {"text": "typo"}
      }
    },
    "image": {
      "cq:annotations": {"jcr:primaryType": "nt:unstructured"}
    },
    "teaser": {
      "inner": {
        "cq:annotations": {"a": {"text": "x"}}
      }
    }
  }
}`

func TestWalk(t *testing.T) {
	sum := Walk("/content/p/jcr:content", gjson.Parse(contentTree))

	assert.Equal(t, 3, sum.Count)
	assert.Equal(t, []string{
		"/content/p/jcr:content/par/teaser/inner",
		"/content/p/jcr:content/par/text",
	}, sum.Components)
}

func TestWalk_Empty(t *testing.T) {
	sum := Walk("/content/p/jcr:content", gjson.Parse(`{"par":{}}`))
	assert.Zero(t, sum.Count)
	assert.Empty(t, sum.Components)
}

func TestHTTPSource_Summary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/content/p/jcr:content.infinity.json":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(contentTree))
		case "/content/broken/jcr:content.infinity.json":
			_, _ = w.Write([]byte("{not json"))
		case "/content/error/jcr:content.infinity.json":
			w.WriteHeader(http.StatusInternalServerError)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	src := NewHTTPSource(srv.URL+"/", time.Second)
	ctx := context.Background()

	sum, err := src.Summary(ctx, "/content/p")
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Count)
	assert.Len(t, sum.Components, 2)

	sum, err = src.Summary(ctx, "/content/missing")
	require.NoError(t, err)
	assert.Zero(t, sum.Count)

	_, err = src.Summary(ctx, "/content/broken")
	assert.Error(t, err)

	_, err = src.Summary(ctx, "/content/error")
	assert.Error(t, err)
}

func TestNewSource(t *testing.T) {
	src, err := NewSource(&config.AnnotationsConfig{})
	require.NoError(t, err)
	assert.IsType(t, Nop{}, src)

	sum, err := src.Summary(context.Background(), "/content/p")
	require.NoError(t, err)
	assert.Zero(t, sum.Count)

	src, err = NewSource(&config.AnnotationsConfig{Type: "http", BaseURL: "http://localhost:4502"})
	require.NoError(t, err)
	assert.IsType(t, &HTTPSource{}, src)

	_, err = NewSource(&config.AnnotationsConfig{Type: "http"})
	assert.Error(t, err)

	_, err = NewSource(&config.AnnotationsConfig{Type: "graphql"})
	assert.Error(t, err)
}
