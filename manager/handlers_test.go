package manager

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// Query routes answer with an error, not a panic, in the window where no
// cluster is leased.
func TestQueryRoutesWithoutCluster(t *testing.T) {
	m := &Manager{log: zap.NewNop().Sugar()}
	router := m.router()

	for _, path := range []string{"/cluster/is-dirty", "/cluster/replicas", "/cluster/servers"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Contains(t, rec.Body.String(), "No cluster active", path)
	}
}
